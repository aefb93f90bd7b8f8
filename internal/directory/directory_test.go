package directory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/lookout-dev/lookout/db"
	"github.com/lookout-dev/lookout/internal/apperrors"
	"github.com/lookout-dev/lookout/internal/authz"
	"github.com/lookout-dev/lookout/internal/models"
	"github.com/lookout-dev/lookout/internal/types"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	conn, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.Migrate(conn))
	return conn
}

func createUser(t *testing.T, conn *gorm.DB, name, role string) models.User {
	t.Helper()

	user := models.User{
		Name:         name,
		Email:        name + "@example.com",
		PasswordHash: "x",
		Role:         role,
	}
	require.NoError(t, conn.Create(&user).Error)
	return user
}

func createGroup(t *testing.T, conn *gorm.DB, name string) models.Group {
	t.Helper()

	group := models.Group{Name: name}
	require.NoError(t, conn.Create(&group).Error)
	return group
}

func TestAddMembersReportsExisting(t *testing.T) {
	conn := openTestDB(t)
	dir := New(conn)
	ctx := context.Background()

	group := createGroup(t, conn, "ops")
	alice := createUser(t, conn, "alice", types.RoleUser)
	bob := createUser(t, conn, "bob", types.RoleUser)

	result, err := dir.AddMembers(ctx, group.ID, []MemberAdd{
		{UserID: alice.ID, Role: types.MembershipAdmin},
	})
	require.NoError(t, err)
	assert.Equal(t, []uint{alice.ID}, result.Created)

	result, err = dir.AddMembers(ctx, group.ID, []MemberAdd{
		{UserID: alice.ID, Role: types.MembershipAdmin},
		{UserID: bob.ID, Role: types.MembershipMember},
	})
	require.NoError(t, err)
	assert.Equal(t, []uint{bob.ID}, result.Created)
	assert.Equal(t, []uint{alice.ID}, result.AlreadyMember)
}

func TestAddMembersAllExistingIsConflict(t *testing.T) {
	conn := openTestDB(t)
	dir := New(conn)
	ctx := context.Background()

	group := createGroup(t, conn, "ops")
	alice := createUser(t, conn, "alice", types.RoleUser)

	_, err := dir.AddMembers(ctx, group.ID, []MemberAdd{
		{UserID: alice.ID, Role: types.MembershipMember},
	})
	require.NoError(t, err)

	_, err = dir.AddMembers(ctx, group.ID, []MemberAdd{
		{UserID: alice.ID, Role: types.MembershipMember},
	})
	require.ErrorIs(t, err, apperrors.ErrConflict)

	var count int64
	require.NoError(t, conn.Model(&models.Membership{}).
		Where("group_id = ?", group.ID).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestAddMembersRejectsUnknownRole(t *testing.T) {
	conn := openTestDB(t)
	dir := New(conn)

	group := createGroup(t, conn, "ops")
	alice := createUser(t, conn, "alice", types.RoleUser)

	_, err := dir.AddMembers(context.Background(), group.ID, []MemberAdd{
		{UserID: alice.ID, Role: "owner"},
	})

	var ve *apperrors.ValidationError
	require.ErrorAs(t, err, &ve)
}

func TestChangeRoleBlocksLastAdminDemotion(t *testing.T) {
	conn := openTestDB(t)
	dir := New(conn)
	ctx := context.Background()

	group := createGroup(t, conn, "ops")
	alice := createUser(t, conn, "alice", types.RoleUser)
	caller := authz.Actor{ID: alice.ID, Role: types.RoleUser}

	_, err := dir.AddMembers(ctx, group.ID, []MemberAdd{
		{UserID: alice.ID, Role: types.MembershipAdmin},
	})
	require.NoError(t, err)

	err = dir.ChangeRole(ctx, caller, group.ID, alice.ID, types.MembershipMember)
	require.ErrorIs(t, err, apperrors.ErrConflict)

	// The row survives the rejected change.
	var membership models.Membership
	require.NoError(t, conn.Where("group_id = ? AND user_id = ?", group.ID, alice.ID).
		First(&membership).Error)
	assert.Equal(t, types.MembershipAdmin, membership.Role)
}

func TestChangeRoleWithSpareAdmin(t *testing.T) {
	conn := openTestDB(t)
	dir := New(conn)
	ctx := context.Background()

	group := createGroup(t, conn, "ops")
	alice := createUser(t, conn, "alice", types.RoleUser)
	bob := createUser(t, conn, "bob", types.RoleUser)
	caller := authz.Actor{ID: alice.ID, Role: types.RoleUser}

	_, err := dir.AddMembers(ctx, group.ID, []MemberAdd{
		{UserID: alice.ID, Role: types.MembershipAdmin},
		{UserID: bob.ID, Role: types.MembershipAdmin},
	})
	require.NoError(t, err)

	require.NoError(t, dir.ChangeRole(ctx, caller, group.ID, alice.ID, types.MembershipMember))

	admins, err := dir.AdminGroupIDsFor(ctx, alice.ID)
	require.NoError(t, err)
	assert.Empty(t, admins)
}

func TestRemoveMemberBlocksSoleAdminSelfRemoval(t *testing.T) {
	conn := openTestDB(t)
	dir := New(conn)
	ctx := context.Background()

	group := createGroup(t, conn, "ops")
	alice := createUser(t, conn, "alice", types.RoleUser)
	bob := createUser(t, conn, "bob", types.RoleUser)
	caller := authz.Actor{ID: alice.ID, Role: types.RoleUser}

	_, err := dir.AddMembers(ctx, group.ID, []MemberAdd{
		{UserID: alice.ID, Role: types.MembershipAdmin},
		{UserID: bob.ID, Role: types.MembershipMember},
	})
	require.NoError(t, err)

	err = dir.RemoveMember(ctx, caller, group.ID, alice.ID)
	require.ErrorIs(t, err, apperrors.ErrConflict)

	require.NoError(t, dir.RemoveMember(ctx, caller, group.ID, bob.ID))

	groups, err := dir.GroupIDsFor(ctx, bob.ID)
	require.NoError(t, err)
	assert.Empty(t, groups)
}

func TestRemoveMemberGuardsSuperAdminTarget(t *testing.T) {
	conn := openTestDB(t)
	dir := New(conn)
	ctx := context.Background()

	group := createGroup(t, conn, "ops")
	root := createUser(t, conn, "root", types.RoleSuperAdmin)
	alice := createUser(t, conn, "alice", types.RoleUser)

	_, err := dir.AddMembers(ctx, group.ID, []MemberAdd{
		{UserID: root.ID, Role: types.MembershipMember},
		{UserID: alice.ID, Role: types.MembershipAdmin},
	})
	require.NoError(t, err)

	err = dir.RemoveMember(ctx, authz.Actor{ID: alice.ID, Role: types.RoleUser}, group.ID, root.ID)
	require.ErrorIs(t, err, apperrors.ErrAccessDenied)

	err = dir.RemoveMember(ctx, authz.Actor{ID: root.ID, Role: types.RoleSuperAdmin}, group.ID, root.ID)
	require.NoError(t, err)
}

func TestGroupIDsForReflectsWrites(t *testing.T) {
	conn := openTestDB(t)
	dir := New(conn)
	ctx := context.Background()

	group := createGroup(t, conn, "ops")
	alice := createUser(t, conn, "alice", types.RoleUser)

	// Prime the cache before the membership exists.
	groups, err := dir.GroupIDsFor(ctx, alice.ID)
	require.NoError(t, err)
	assert.Empty(t, groups)

	_, err = dir.AddMembers(ctx, group.ID, []MemberAdd{
		{UserID: alice.ID, Role: types.MembershipMember},
	})
	require.NoError(t, err)

	groups, err = dir.GroupIDsFor(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, []uint{group.ID}, groups)
}

func TestListGroupsFor(t *testing.T) {
	conn := openTestDB(t)
	dir := New(conn)
	ctx := context.Background()

	ops := createGroup(t, conn, "ops")
	dev := createGroup(t, conn, "dev")
	createGroup(t, conn, "unrelated")
	alice := createUser(t, conn, "alice", types.RoleUser)

	_, err := dir.AddMembers(ctx, ops.ID, []MemberAdd{{UserID: alice.ID, Role: types.MembershipAdmin}})
	require.NoError(t, err)
	_, err = dir.AddMembers(ctx, dev.ID, []MemberAdd{{UserID: alice.ID, Role: types.MembershipMember}})
	require.NoError(t, err)

	groups, err := dir.ListGroupsFor(ctx, alice.ID)
	require.NoError(t, err)

	names := make([]string, 0, len(groups))
	for _, g := range groups {
		names = append(names, g.Name)
	}
	assert.ElementsMatch(t, []string{"ops", "dev"}, names)
}
