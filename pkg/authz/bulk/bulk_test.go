package bulk

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-iam/authz-core/pkg/authz/models"
	"github.com/nexus-iam/authz-core/pkg/observability"
)

type fakeStore struct {
	ids        map[string]string
	grantFn    func(targetIDs, permissionIDs []string) (models.BulkResult, error)
}

func (f *fakeStore) PermissionIDsByCode(ctx context.Context, codes []string) (map[string]string, error) {
	return f.ids, nil
}

func (f *fakeStore) BulkGrant(ctx context.Context, targetIDs, permissionIDs []string, conditions json.RawMessage, priority int, performedBy string) (models.BulkResult, error) {
	return f.grantFn(targetIDs, permissionIDs)
}

func (f *fakeStore) BulkRevoke(ctx context.Context, targetIDs, permissionIDs []string, forceRevoke bool, revokeReason, performedBy string) (models.BulkResult, error) {
	return models.BulkResult{Processed: len(targetIDs) * len(permissionIDs)}, nil
}

func newTestService(store Store) *Service {
	return New(store, observability.NewStandardLogger("bulk-test"), observability.NewPrometheusMetrics("authz_test", nil))
}

func TestService_GrantReportsUnknownCodeAsFailurePerTarget(t *testing.T) {
	store := &fakeStore{
		ids: map[string]string{"document.read": "perm-1"},
		grantFn: func(targetIDs, permissionIDs []string) (models.BulkResult, error) {
			assert.Equal(t, []string{"perm-1"}, permissionIDs)
			return models.BulkResult{Processed: len(targetIDs), Summary: models.BulkSummary{Created: len(targetIDs)}}, nil
		},
	}
	svc := newTestService(store)

	result, err := svc.Grant(context.Background(), GrantRequest{
		TargetIDs:       []string{"user-1", "user-2"},
		PermissionCodes: []string{"document.read", "document.nonexistent"},
		PerformedBy:     "admin-1",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Processed)
	assert.Equal(t, 2, result.Failed)
	assert.Len(t, result.Errors, 2)
	for _, e := range result.Errors {
		assert.Equal(t, "document.nonexistent", e.PermissionID)
	}
}

func TestService_GrantRejectsEmptyTargets(t *testing.T) {
	svc := newTestService(&fakeStore{})

	_, err := svc.Grant(context.Background(), GrantRequest{PermissionCodes: []string{"document.read"}})
	require.Error(t, err)
}

func TestService_RevokeDelegatesToStore(t *testing.T) {
	store := &fakeStore{ids: map[string]string{"document.read": "perm-1"}}
	svc := newTestService(store)

	result, err := svc.Revoke(context.Background(), RevokeRequest{
		TargetIDs:       []string{"user-1"},
		PermissionCodes: []string{"document.read"},
		PerformedBy:     "admin-1",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Processed)
	assert.Equal(t, 0, result.Failed)
}
