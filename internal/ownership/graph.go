// Package ownership answers which groups a server, probe or notification
// config is attached to. Reads are frequent and read-mostly, so results are
// cached per resource and invalidated by the attachment writers.
package ownership

import (
	"context"
	"fmt"
	"sync"

	"gorm.io/gorm"
)

// Kind names a resource family in the ownership graph.
type Kind string

const (
	KindGroup              Kind = "group"
	KindServer             Kind = "server"
	KindProbe              Kind = "probe"
	KindNotificationConfig Kind = "notification_config"
)

type cacheKey struct {
	kind Kind
	id   uint
}

type Graph struct {
	db *gorm.DB

	mu    sync.RWMutex
	cache map[cacheKey][]uint
}

func NewGraph(conn *gorm.DB) *Graph {
	return &Graph{
		db:    conn,
		cache: make(map[cacheKey][]uint),
	}
}

// GroupIDs returns the IDs of every group the resource is attached to. A
// group is attached to itself.
func (g *Graph) GroupIDs(ctx context.Context, kind Kind, id uint) ([]uint, error) {
	if kind == KindGroup {
		return []uint{id}, nil
	}

	key := cacheKey{kind: kind, id: id}

	g.mu.RLock()
	if ids, ok := g.cache[key]; ok {
		g.mu.RUnlock()
		return ids, nil
	}
	g.mu.RUnlock()

	ids, err := g.load(ctx, kind, id)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	g.cache[key] = ids
	g.mu.Unlock()

	return ids, nil
}

func (g *Graph) load(ctx context.Context, kind Kind, id uint) ([]uint, error) {
	var ids []uint
	var err error

	switch kind {
	case KindServer:
		err = g.db.WithContext(ctx).
			Table("server_groups").
			Where("server_id = ?", id).
			Pluck("group_id", &ids).Error
	case KindProbe:
		err = g.db.WithContext(ctx).
			Table("probe_groups").
			Where("probe_id = ?", id).
			Pluck("group_id", &ids).Error
	case KindNotificationConfig:
		err = g.db.WithContext(ctx).
			Table("notification_configs").
			Where("id = ? AND deleted_at IS NULL", id).
			Pluck("group_id", &ids).Error
	default:
		return nil, fmt.Errorf("unknown resource kind %q", kind)
	}

	if err != nil {
		return nil, err
	}

	return ids, nil
}

// Invalidate drops the cached attachment set for one resource. Writers call
// it inside the transaction that changes the attachments.
func (g *Graph) Invalidate(kind Kind, id uint) {
	g.mu.Lock()
	delete(g.cache, cacheKey{kind: kind, id: id})
	g.mu.Unlock()
}
