package permcache

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-iam/authz-core/pkg/cache"
	"github.com/nexus-iam/authz-core/pkg/observability"
)

func setupService(t *testing.T) (*Service, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := cache.NewRedisCacheFromClient(client)
	logger := observability.NewStandardLogger("permcache-test")
	metrics := observability.NewPrometheusMetrics("authz_test", nil)

	return New(c, logger, metrics), mr
}

func TestService_SetAndGetCheck(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()

	_, hit := svc.GetCheck(ctx, "user-1", "document", "READ", "", "doc-1")
	assert.False(t, hit)

	require.NoError(t, svc.SetCheck(ctx, "user-1", "document", "READ", "", "doc-1", true))

	allowed, hit := svc.GetCheck(ctx, "user-1", "document", "READ", "", "doc-1")
	assert.True(t, hit)
	assert.True(t, allowed)
}

func TestService_InvalidateUserCache(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()

	require.NoError(t, svc.SetCheck(ctx, "user-2", "document", "READ", "", "doc-1", true))
	require.NoError(t, svc.SetCheck(ctx, "user-2", "document", "UPDATE", "", "doc-2", false))

	require.NoError(t, svc.InvalidateUserCache(ctx, "user-2"))

	_, hit := svc.GetCheck(ctx, "user-2", "document", "READ", "", "doc-1")
	assert.False(t, hit)
	_, hit = svc.GetCheck(ctx, "user-2", "document", "UPDATE", "", "doc-2")
	assert.False(t, hit)
}

type stubRoleUsers struct{ users []string }

func (s stubRoleUsers) UsersWithRole(ctx context.Context, roleID string) ([]string, error) {
	return s.users, nil
}

func TestService_InvalidateRoleCache(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()

	require.NoError(t, svc.SetCheck(ctx, "user-3", "document", "READ", "", "doc-1", true))

	err := svc.InvalidateRoleCache(ctx, "role-1", stubRoleUsers{users: []string{"user-3"}})
	require.NoError(t, err)

	_, hit := svc.GetCheck(ctx, "user-3", "document", "READ", "", "doc-1")
	assert.False(t, hit)
}

func TestService_TrackActivity(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()

	count, err := svc.TrackActivity(ctx, "user-4")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	count, err = svc.TrackActivity(ctx, "user-4")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestService_Prewarm(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()

	entries := []PrewarmEntry{
		{Resource: "document", Action: "READ", ResourceID: "doc-1", IsAllowed: true},
		{Resource: "document", Action: "READ", ResourceID: "doc-2", IsAllowed: false},
	}
	require.NoError(t, svc.Prewarm(ctx, "user-5", entries))

	allowed, hit := svc.GetCheck(ctx, "user-5", "document", "READ", "", "doc-1")
	assert.True(t, hit)
	assert.True(t, allowed)

	allowed, hit = svc.GetCheck(ctx, "user-5", "document", "READ", "", "doc-2")
	assert.True(t, hit)
	assert.False(t, allowed)
}
