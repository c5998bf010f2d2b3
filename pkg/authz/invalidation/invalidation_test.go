package invalidation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-iam/authz-core/pkg/observability"
)

type fakeCache struct {
	userCalls []string
	roleCalls []string
	failUser  bool
}

func (f *fakeCache) InvalidateUserCache(ctx context.Context, userID string) error {
	if f.failUser {
		return assert.AnError
	}
	f.userCalls = append(f.userCalls, userID)
	return nil
}

func (f *fakeCache) InvalidateRoleCache(ctx context.Context, roleID string, users RoleUserLister) error {
	f.roleCalls = append(f.roleCalls, roleID)
	return nil
}

type fakeMatrix struct{ calls []string }

func (f *fakeMatrix) InvalidateUser(ctx context.Context, userProfileID string) error {
	f.calls = append(f.calls, userProfileID)
	return nil
}

type fakeRoleUsers struct{ users []string }

func (f fakeRoleUsers) UsersWithRole(ctx context.Context, roleID string) ([]string, error) {
	return f.users, nil
}

func newTestFabric(c CacheInvalidator, m MatrixInvalidator, u RoleUserLister) *Fabric {
	logger := observability.NewStandardLogger("invalidation-test")
	metrics := observability.NewPrometheusMetrics("authz_test", nil)
	return New(c, m, u, logger, metrics)
}

func TestFabric_OnUserGrantChangeCascadesCacheAndMatrix(t *testing.T) {
	c := &fakeCache{}
	m := &fakeMatrix{}
	f := newTestFabric(c, m, nil)

	f.OnUserGrantChange(context.Background(), "user-1")

	assert.Equal(t, []string{"user-1"}, c.userCalls)
	assert.Equal(t, []string{"user-1"}, m.calls)
}

func TestFabric_OnRoleChangeCascadesToMembers(t *testing.T) {
	c := &fakeCache{}
	m := &fakeMatrix{}
	u := fakeRoleUsers{users: []string{"user-1", "user-2"}}
	f := newTestFabric(c, m, u)

	f.OnRoleChange(context.Background(), "role-1")

	require.Equal(t, []string{"role-1"}, c.roleCalls)
	assert.ElementsMatch(t, []string{"user-1", "user-2"}, m.calls)
}

func TestFabric_OnUserGrantChangeDegradesWithoutPanicOnCacheFailure(t *testing.T) {
	c := &fakeCache{failUser: true}
	m := &fakeMatrix{}
	f := newTestFabric(c, m, nil)

	assert.NotPanics(t, func() {
		f.OnUserGrantChange(context.Background(), "user-1")
	})
	assert.Empty(t, m.calls, "matrix invalidation should be skipped once cache invalidation fails")
}
