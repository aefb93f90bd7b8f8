package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/lookout-dev/lookout/db"
	"github.com/lookout-dev/lookout/internal/authz"
	"github.com/lookout-dev/lookout/internal/directory"
	"github.com/lookout-dev/lookout/internal/middleware"
	"github.com/lookout-dev/lookout/internal/models"
	"github.com/lookout-dev/lookout/internal/ownership"
	"github.com/lookout-dev/lookout/internal/types"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func openHandlerDB(t *testing.T) *gorm.DB {
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

func newAuthzEngine(conn *gorm.DB) (*authz.Engine, *ownership.Graph) {
	graph := ownership.NewGraph(conn)
	return authz.NewEngine(directory.New(conn), graph), graph
}

// testContext builds a gin context the way the router middleware would leave
// it: request body attached, route params set, authenticated user in context.
func testContext(t *testing.T, user models.User, method string, params gin.Params, body interface{}) (*gin.Context, *httptest.ResponseRecorder) {
	t.Helper()

	w := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(w)

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, "/", &buf)
	req.Header.Set("Content-Type", "application/json")
	ctx.Request = req
	ctx.Params = params

	ctx.Set(types.ContextUserKey, middleware.AuthenticatedUser{
		ID:    user.ID,
		Name:  user.Name,
		Email: user.Email,
		Role:  user.Role,
	})

	return ctx, w
}

func idParam(name string, id uint) gin.Params {
	return gin.Params{{Key: name, Value: strconv.FormatUint(uint64(id), 10)}}
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

func addMembership(t *testing.T, conn *gorm.DB, user models.User, group models.Group, role string) {
	t.Helper()

	require.NoError(t, conn.Create(&models.Membership{
		UserID:  user.ID,
		GroupID: group.ID,
		Role:    role,
	}).Error)
}

// probeFixture models a server shared by two tenants: the server is attached
// to both groups, one probe is scoped to group A only, one probe has no
// groups of its own.
type probeFixture struct {
	conn    *gorm.DB
	handler *ProbeHandler

	alice models.User // member of group A
	bob   models.User // member of group B
	root  models.User // super admin

	groupA   models.Group
	groupB   models.Group
	server   models.Server
	scoped   models.Probe // attached to group A, carries a webhook token
	unscoped models.Probe // no groups, inherits server visibility
}

func newProbeFixture(t *testing.T) *probeFixture {
	t.Helper()

	conn := openHandlerDB(t)
	engine, graph := newAuthzEngine(conn)

	f := &probeFixture{
		conn:    conn,
		handler: &ProbeHandler{DB: conn, Engine: engine, Graph: graph},
		alice:   createUser(t, conn, "alice", types.RoleUser),
		bob:     createUser(t, conn, "bob", types.RoleUser),
		root:    createUser(t, conn, "root", types.RoleSuperAdmin),
	}

	f.groupA = models.Group{Name: "team-a"}
	require.NoError(t, conn.Create(&f.groupA).Error)
	f.groupB = models.Group{Name: "team-b"}
	require.NoError(t, conn.Create(&f.groupB).Error)

	addMembership(t, conn, f.alice, f.groupA, types.MembershipMember)
	addMembership(t, conn, f.bob, f.groupB, types.MembershipMember)

	f.server = models.Server{Name: "web-1", Type: "linux", CreatedByID: f.alice.ID}
	require.NoError(t, conn.Create(&f.server).Error)
	require.NoError(t, conn.Model(&f.server).Association("Groups").Append(&f.groupA, &f.groupB))

	token := "tok-group-a"
	f.scoped = models.Probe{
		ServerID:     f.server.ID,
		Name:         "deploy-hook",
		Type:         types.ProbeWebhook,
		Status:       types.StatusUnknown,
		Interval:     60,
		Config:       datatypes.JSON(`{}`),
		WebhookToken: &token,
	}
	require.NoError(t, conn.Create(&f.scoped).Error)
	require.NoError(t, conn.Model(&f.scoped).Association("Groups").Append(&f.groupA))

	f.unscoped = models.Probe{
		ServerID: f.server.ID,
		Name:     "health",
		Type:     types.ProbeHTTP,
		Status:   types.StatusUnknown,
		Interval: 60,
		Config:   datatypes.JSON(`{"url":"https://web-1.example.com/health"}`),
	}
	require.NoError(t, conn.Create(&f.unscoped).Error)

	return f
}

func (f *probeFixture) list(t *testing.T, user models.User) (*httptest.ResponseRecorder, []ProbeResponse) {
	t.Helper()

	ctx, w := testContext(t, user, http.MethodGet, idParam("server_id", f.server.ID), nil)
	f.handler.ListProbes(ctx)

	var listed []ProbeResponse
	if w.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listed))
	}
	return w, listed
}

func TestListProbesHidesProbesOutsideActorGroups(t *testing.T) {
	f := newProbeFixture(t)

	// bob can view the server through group B, but the group-A probe and
	// its webhook token must not appear in his listing.
	w, listed := f.list(t, f.bob)
	require.Equal(t, http.StatusOK, w.Code)

	require.Len(t, listed, 1)
	assert.Equal(t, f.unscoped.ID, listed[0].ID)
	assert.NotContains(t, w.Body.String(), "tok-group-a")
}

func TestListProbesIncludesProbesOfActorGroups(t *testing.T) {
	f := newProbeFixture(t)

	w, listed := f.list(t, f.alice)
	require.Equal(t, http.StatusOK, w.Code)

	require.Len(t, listed, 2)
	assert.Contains(t, w.Body.String(), "tok-group-a")
}

func TestListProbesSuperAdminSeesEverything(t *testing.T) {
	f := newProbeFixture(t)

	w, listed := f.list(t, f.root)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, listed, 2)
}

func TestGetProbeOutsideActorGroupsIsForbidden(t *testing.T) {
	f := newProbeFixture(t)

	ctx, w := testContext(t, f.bob, http.MethodGet, idParam("probe_id", f.scoped.ID), nil)
	f.handler.GetProbe(ctx)
	assert.Equal(t, http.StatusForbidden, w.Code)

	ctx, w = testContext(t, f.alice, http.MethodGet, idParam("probe_id", f.scoped.ID), nil)
	f.handler.GetProbe(ctx)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestGetProbeWithoutGroupsInheritsServerVisibility(t *testing.T) {
	f := newProbeFixture(t)

	ctx, w := testContext(t, f.bob, http.MethodGet, idParam("probe_id", f.unscoped.ID), nil)
	f.handler.GetProbe(ctx)
	assert.Equal(t, http.StatusOK, w.Code)
}
