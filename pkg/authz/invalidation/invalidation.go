// Package invalidation implements the Invalidation Fabric (spec §4.9,
// §5, C12): cascades cache and matrix invalidation whenever a grant,
// role, or delegation mutation commits, under the hand-rolled
// circuit-breaker used elsewhere for cache-path calls so that a
// degraded Redis/matrix tier never fails the mutation that triggered
// it.
package invalidation

import (
	"context"

	"github.com/nexus-iam/authz-core/pkg/observability"
	"github.com/nexus-iam/authz-core/pkg/resilience"
)

// CacheInvalidator matches permcache.Service's user/role invalidation
// surface without importing permcache directly, keeping this package
// free to be used from internal/repository without a cycle.
type CacheInvalidator interface {
	InvalidateUserCache(ctx context.Context, userID string) error
	InvalidateRoleCache(ctx context.Context, roleID string, users RoleUserLister) error
}

// RoleUserLister resolves the user IDs currently holding a role.
type RoleUserLister interface {
	UsersWithRole(ctx context.Context, roleID string) ([]string, error)
}

// MatrixInvalidator matches matrix.Store's per-user invalidation call.
type MatrixInvalidator interface {
	InvalidateUser(ctx context.Context, userProfileID string) error
}

// Fabric cascades a mutation into the cache and matrix tiers.
type Fabric struct {
	cache   CacheInvalidator
	matrix  MatrixInvalidator
	users   RoleUserLister
	breaker *resilience.Breaker
	logger  observability.Logger
	metrics observability.MetricsClient
}

// New builds a Fabric. users resolves role membership for role-level
// cascades; it may be nil if role invalidation is never used.
func New(cacheSvc CacheInvalidator, matrixStore MatrixInvalidator, users RoleUserLister, logger observability.Logger, metrics observability.MetricsClient) *Fabric {
	breaker := resilience.New("invalidation-fabric", resilience.Config{}, logger, metrics)
	return &Fabric{cache: cacheSvc, matrix: matrixStore, users: users, breaker: breaker, logger: logger, metrics: metrics}
}

// OnUserGrantChange invalidates a single user's cache and matrix entry
// after a grant, revoke, bulk grant/revoke, or delegation mutation
// (spec §4.9: "On user grant/revoke/delegation change: invalidate that
// user's cache and matrix"). Failures are logged and counted, never
// returned — the fabric degrades without blocking the transaction that
// already committed.
func (f *Fabric) OnUserGrantChange(ctx context.Context, userID string) {
	f.run(ctx, "user_grant_change", userID, func(ctx context.Context) (interface{}, error) {
		if err := f.cache.InvalidateUserCache(ctx, userID); err != nil {
			return nil, err
		}
		return nil, f.matrix.InvalidateUser(ctx, userID)
	})
}

// OnRoleChange invalidates a role's permission set and cascades to
// every user currently holding that role (spec §4.9: role mutation
// cascades to member users' cache and matrix).
func (f *Fabric) OnRoleChange(ctx context.Context, roleID string) {
	f.run(ctx, "role_change", roleID, func(ctx context.Context) (interface{}, error) {
		if err := f.cache.InvalidateRoleCache(ctx, roleID, f.users); err != nil {
			return nil, err
		}
		if f.users == nil {
			return nil, nil
		}
		userIDs, err := f.users.UsersWithRole(ctx, roleID)
		if err != nil {
			return nil, err
		}
		for _, uid := range userIDs {
			if err := f.matrix.InvalidateUser(ctx, uid); err != nil {
				f.logger.Warn("invalidation: matrix cascade failed", map[string]interface{}{"roleId": roleID, "userId": uid, "error": err.Error()})
			}
		}
		return nil, nil
	})
}

// OnPermissionChange cascades a permission mutation to the users the
// caller names as affected, running OnUserGrantChange for each: their
// check keys and summary key are cleared and their matrix rows deleted.
// Cached results of users not named are left to TTL expiry (spec §4.9:
// permission mutation invalidates derived state, not the whole cache).
func (f *Fabric) OnPermissionChange(ctx context.Context, affectedUserIDs []string) {
	for _, uid := range affectedUserIDs {
		f.OnUserGrantChange(ctx, uid)
	}
}

func (f *Fabric) run(ctx context.Context, op, subject string, fn func(ctx context.Context) (interface{}, error)) {
	_, err := f.breaker.Execute(ctx, fn, func(ctx context.Context) (interface{}, error) {
		return nil, nil
	})
	if err != nil {
		f.logger.Warn("invalidation: degraded", map[string]interface{}{"operation": op, "subject": subject, "error": err.Error()})
		f.metrics.IncrementCounter("invalidation_degraded_total", 1)
	}
}
