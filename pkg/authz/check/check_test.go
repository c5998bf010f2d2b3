package check

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-iam/authz-core/pkg/authz/models"
	"github.com/nexus-iam/authz-core/pkg/observability"
	"github.com/nexus-iam/authz-core/pkg/resilience"
)

type fakeMatrix struct {
	entry *models.MatrixEntry
	hit   bool
	err   error
}

func (f *fakeMatrix) Lookup(ctx context.Context, userProfileID, permissionKey string) (*models.MatrixEntry, bool, error) {
	return f.entry, f.hit, f.err
}

type fakeResolver struct {
	permission     *models.Permission
	resourcePerm   *models.ResourcePermission
	resourceHit    bool
	directPerms    []models.UserPermission
	roleGrants     []RoleGrant
	policyBindings []PolicyBinding
}

func (f *fakeResolver) FindPermission(ctx context.Context, resource, action, scope string) (*models.Permission, error) {
	return f.permission, nil
}

func (f *fakeResolver) ResourcePermission(ctx context.Context, userID, permissionID, resourceType, resourceID string) (*models.ResourcePermission, bool, error) {
	return f.resourcePerm, f.resourceHit, nil
}

func (f *fakeResolver) ActiveUserPermissions(ctx context.Context, userID, permissionID string) ([]models.UserPermission, error) {
	return f.directPerms, nil
}

func (f *fakeResolver) ActiveRoleGrants(ctx context.Context, userID, permissionID string) ([]RoleGrant, error) {
	return f.roleGrants, nil
}

func (f *fakeResolver) ApplicablePolicies(ctx context.Context, userID string) ([]PolicyBinding, error) {
	return f.policyBindings, nil
}

type fakeLogger struct{ entries []models.CheckLogEntry }

func (f *fakeLogger) LogCheck(ctx context.Context, entry models.CheckLogEntry) error {
	f.entries = append(f.entries, entry)
	return nil
}

func newTestEngine(resolver Resolver) *Engine {
	logger := observability.NewStandardLogger("check-test")
	metrics := observability.NewPrometheusMetrics("authz_test", nil)
	manager := resilience.NewManager(logger, metrics, nil, resilience.Config{
		FailureThreshold:    5,
		MonitoringPeriod:    time.Minute,
		ResetTimeout:        time.Second,
		HalfOpenMaxAttempts: 1,
	})
	return New(Config{
		Matrix:         &fakeMatrix{},
		DB:             resolver,
		CheckLog:       &fakeLogger{},
		Logger:         logger,
		Metrics:        metrics,
		BreakerManager: manager,
	})
}

func TestEngine_SuperadminBypass(t *testing.T) {
	e := newTestEngine(&fakeResolver{})
	result, err := e.Check(context.Background(), CheckRequest{UserID: "u1", IsSuperadmin: true, Resource: "document", Action: "READ"})
	require.NoError(t, err)
	assert.True(t, result.IsAllowed)
	assert.Equal(t, []string{"superadmin"}, result.GrantedBy)
}

func TestEngine_NoMatchingPermission(t *testing.T) {
	e := newTestEngine(&fakeResolver{permission: nil})
	result, err := e.Check(context.Background(), CheckRequest{UserID: "u1", Resource: "document", Action: "READ"})
	require.NoError(t, err)
	assert.False(t, result.IsAllowed)
	assert.Equal(t, "no matching permission", result.Reason)
}

func TestEngine_ExplicitDenyShortCircuits(t *testing.T) {
	resolver := &fakeResolver{
		permission: &models.Permission{ID: "perm-1", Code: "document.read", Resource: "document", Action: models.ActionRead},
		directPerms: []models.UserPermission{
			{ID: "up-1", IsGranted: false, Priority: 100, CreatedAt: time.Now()},
		},
		roleGrants: []RoleGrant{{RoleID: "role-1", RoleName: "editor"}},
	}
	e := newTestEngine(resolver)
	result, err := e.Check(context.Background(), CheckRequest{UserID: "u1", Resource: "document", Action: "READ"})
	require.NoError(t, err)
	assert.False(t, result.IsAllowed)
	assert.Equal(t, "Explicitly denied by user permission", result.Reason)
}

func TestEngine_DirectGrantWins(t *testing.T) {
	resolver := &fakeResolver{
		permission: &models.Permission{ID: "perm-1", Code: "document.read", Resource: "document", Action: models.ActionRead},
		directPerms: []models.UserPermission{
			{ID: "up-1", IsGranted: true, Priority: 100, CreatedAt: time.Now()},
		},
	}
	e := newTestEngine(resolver)
	result, err := e.Check(context.Background(), CheckRequest{UserID: "u1", Resource: "document", Action: "READ"})
	require.NoError(t, err)
	assert.True(t, result.IsAllowed)
	assert.Contains(t, result.GrantedBy, "direct-user-permission")
}

func TestEngine_RoleGrantContributes(t *testing.T) {
	resolver := &fakeResolver{
		permission: &models.Permission{ID: "perm-1", Code: "document.read", Resource: "document", Action: models.ActionRead},
		roleGrants: []RoleGrant{{RoleID: "role-1", RoleName: "editor"}},
	}
	e := newTestEngine(resolver)
	result, err := e.Check(context.Background(), CheckRequest{UserID: "u1", Resource: "document", Action: "READ"})
	require.NoError(t, err)
	assert.True(t, result.IsAllowed)
	assert.Contains(t, result.GrantedBy, "role:editor")
}

func TestEngine_MatrixHitShortCircuits(t *testing.T) {
	e := newTestEngine(&fakeResolver{})
	e.matrix = &fakeMatrix{hit: true, entry: &models.MatrixEntry{IsAllowed: true, GrantedBy: models.StringSlice{"direct"}}}

	result, err := e.Check(context.Background(), CheckRequest{UserID: "u1", Resource: "document", Action: "READ"})
	require.NoError(t, err)
	assert.True(t, result.IsAllowed)
	assert.Equal(t, []string{"direct"}, result.GrantedBy)
}

func TestEngine_BatchCheckRejectsOversizedBatch(t *testing.T) {
	e := newTestEngine(&fakeResolver{})
	triples := make([]Triple, BatchMaxSize+1)
	_, err := e.BatchCheck(context.Background(), "u1", false, triples)
	require.Error(t, err)
}

func TestEngine_BatchCheckResolvesMultiple(t *testing.T) {
	resolver := &fakeResolver{
		permission: &models.Permission{ID: "perm-1", Code: "document.read", Resource: "document", Action: models.ActionRead},
		directPerms: []models.UserPermission{
			{ID: "up-1", IsGranted: true, Priority: 100, CreatedAt: time.Now()},
		},
	}
	e := newTestEngine(resolver)
	result, err := e.BatchCheck(context.Background(), "u1", false, []Triple{
		{Resource: "document", Action: "READ"},
		{Resource: "document", Action: "READ", ResourceID: "doc-2"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result.TotalChecked)
	assert.Equal(t, 2, result.TotalAllowed)
}
