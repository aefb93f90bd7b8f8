// Package authz is the single authorization contract every entry point goes
// through. Visibility and administration are decided from the actor's global
// role plus their memberships in the groups a resource is attached to.
package authz

import (
	"context"

	"github.com/lookout-dev/lookout/internal/apperrors"
	"github.com/lookout-dev/lookout/internal/ownership"
	"github.com/lookout-dev/lookout/internal/types"
)

// Actor is the authenticated principal a permission question is asked about.
type Actor struct {
	ID   uint
	Role string
}

func (a Actor) IsSuperAdmin() bool {
	return a.Role == types.RoleSuperAdmin
}

// Ref identifies a resource that exists. Existence is the caller's problem:
// handlers load the row first (404 when absent), then ask the engine (403
// when unauthorized), so resource existence is never disclosed across
// tenants by the error shape.
type Ref struct {
	Kind ownership.Kind
	ID   uint

	// CreatorID extends visibility of a zero-group resource to its creator
	// during creation flows. Zero when the kind has no creator semantics.
	CreatorID uint
}

// MembershipSource answers which groups an actor belongs to.
type MembershipSource interface {
	GroupIDsFor(ctx context.Context, userID uint) ([]uint, error)
	AdminGroupIDsFor(ctx context.Context, userID uint) ([]uint, error)
}

// AttachmentSource answers which groups a resource is attached to.
type AttachmentSource interface {
	GroupIDs(ctx context.Context, kind ownership.Kind, id uint) ([]uint, error)
}

type Engine struct {
	memberships MembershipSource
	resources   AttachmentSource
}

func NewEngine(memberships MembershipSource, resources AttachmentSource) *Engine {
	return &Engine{
		memberships: memberships,
		resources:   resources,
	}
}

// CanView reports whether the actor may read the resource. Super admins see
// everything; otherwise the actor needs a membership in at least one attached
// group. A resource attached to no group is visible only to super admins and
// its creator.
func (e *Engine) CanView(ctx context.Context, actor Actor, ref Ref) (bool, error) {
	if actor.IsSuperAdmin() {
		return true, nil
	}

	attached, err := e.resources.GroupIDs(ctx, ref.Kind, ref.ID)
	if err != nil {
		return false, err
	}

	if len(attached) == 0 {
		return ref.CreatorID != 0 && ref.CreatorID == actor.ID, nil
	}

	memberOf, err := e.memberships.GroupIDsFor(ctx, actor.ID)
	if err != nil {
		return false, err
	}

	return intersects(attached, memberOf), nil
}

// CanAdminister reports whether the actor may mutate the resource: super
// admin, or an admin membership in at least one attached group.
func (e *Engine) CanAdminister(ctx context.Context, actor Actor, ref Ref) (bool, error) {
	if actor.IsSuperAdmin() {
		return true, nil
	}

	attached, err := e.resources.GroupIDs(ctx, ref.Kind, ref.ID)
	if err != nil {
		return false, err
	}

	if len(attached) == 0 {
		return false, nil
	}

	adminOf, err := e.memberships.AdminGroupIDsFor(ctx, actor.ID)
	if err != nil {
		return false, err
	}

	return intersects(attached, adminOf), nil
}

// RequireView is CanView with the denial folded into the error taxonomy.
func (e *Engine) RequireView(ctx context.Context, actor Actor, ref Ref) error {
	ok, err := e.CanView(ctx, actor, ref)
	if err != nil {
		return err
	}
	if !ok {
		return apperrors.AccessDenied("no membership grants access to this resource")
	}
	return nil
}

// RequireAdmin is CanAdminister with the denial folded into the error
// taxonomy.
func (e *Engine) RequireAdmin(ctx context.Context, actor Actor, ref Ref) error {
	ok, err := e.CanAdminister(ctx, actor, ref)
	if err != nil {
		return err
	}
	if !ok {
		return apperrors.AccessDenied("administering this resource requires an admin membership")
	}
	return nil
}

// VisibleGroupIDs returns the group filter for list endpoints. all is true
// for super admins, who are not filtered.
func (e *Engine) VisibleGroupIDs(ctx context.Context, actor Actor) (ids []uint, all bool, err error) {
	if actor.IsSuperAdmin() {
		return nil, true, nil
	}

	ids, err = e.memberships.GroupIDsFor(ctx, actor.ID)
	return ids, false, err
}

func intersects(a, b []uint) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}

	set := make(map[uint]struct{}, len(a))
	for _, id := range a {
		set[id] = struct{}{}
	}

	for _, id := range b {
		if _, ok := set[id]; ok {
			return true
		}
	}

	return false
}
