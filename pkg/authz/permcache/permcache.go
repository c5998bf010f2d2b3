// Package permcache implements the Permission Cache Service (spec
// §4.8, C8): key shapes, TTL classes, warm-up counters, and targeted
// invalidation on top of the pkg/cache.Cache abstraction.
package permcache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/nexus-iam/authz-core/pkg/authz/models"
	"github.com/nexus-iam/authz-core/pkg/cache"
	"github.com/nexus-iam/authz-core/pkg/observability"
)

// TTL classes (spec §4.8 table).
const (
	TTLRead    = 600 * time.Second
	TTLCritial = 60 * time.Second
	TTLDefault = 300 * time.Second
)

// WarmupWindow is the default activity-counter TTL (spec §4.8).
const WarmupWindow = 3600 * time.Second

// WarmupBatchSize bounds a single pre-population pipeline dispatch
// (spec §5: "warm-up pipeline bounds batch size (default 50)").
const WarmupBatchSize = 50

// WarmupThreshold is the grant-batch size above which pre-population
// triggers (spec §4.8: "a subsequent grant batch that exceeds the
// threshold causes pre-population"; §6 default 10).
const WarmupThreshold = 10

// criticalResources/criticalActions implement the TTL-class table's
// second row (spec §4.8).
var criticalResources = map[string]bool{"user": true, "role": true, "permission": true}
var criticalActions = map[string]bool{"UPDATE": true, "DELETE": true}

// entry is the stored cache value shape (spec §4.8 invariant).
type entry struct {
	IsAllowed  bool      `json:"isAllowed"`
	CachedAt   time.Time `json:"cachedAt"`
	TTLSeconds int       `json:"ttl"`
	Resource   string    `json:"resource"`
	Action     string    `json:"action"`
	Scope      string    `json:"scope,omitempty"`
	ResourceID string    `json:"resourceId,omitempty"`
}

// Service is the Permission Cache Service.
type Service struct {
	c       cache.Cache
	logger  observability.Logger
	metrics observability.MetricsClient
}

// New wraps a Cache implementation (normally the circuit-breaker
// protected Redis adapter from pkg/cache).
func New(c cache.Cache, logger observability.Logger, metrics observability.MetricsClient) *Service {
	return &Service{c: c, logger: logger, metrics: metrics}
}

// CheckKey builds the per-check cache key (spec §4.8).
func CheckKey(userID, resource, action, scope, resourceID string) string {
	if scope == "" {
		scope = "none"
	}
	if resourceID == "" {
		resourceID = "all"
	}
	return fmt.Sprintf("perm:%s:%s:%s:%s:%s", userID, resource, action, scope, resourceID)
}

// UserSummaryKey builds the user-summary cache key.
func UserSummaryKey(userID string) string { return fmt.Sprintf("user:%s:summary", userID) }

// RolePermissionsKey builds the role-permissions cache key.
func RolePermissionsKey(roleID string) string { return fmt.Sprintf("role:%s:permissions", roleID) }

// WarmupKey builds the activity counter key.
func WarmupKey(userID string) string { return fmt.Sprintf("warmup:activity:%s", userID) }

// ttlFor resolves the TTL class for a (resource, action) pair.
func ttlFor(resource, action string) time.Duration {
	if action == string(models.ActionRead) || action == "READ" {
		return TTLRead
	}
	if criticalResources[resource] && criticalActions[action] {
		return TTLCritial
	}
	return TTLDefault
}

// GetCheck fetches a cached check result. Only IsAllowed is returned
// to the caller, per spec §4.8; cache misses and errors both increment
// the miss metric.
func (s *Service) GetCheck(ctx context.Context, userID, resource, action, scope, resourceID string) (isAllowed bool, hit bool) {
	key := CheckKey(userID, resource, action, scope, resourceID)
	var e entry
	if err := s.c.Get(ctx, key, &e); err != nil {
		s.metrics.IncrementCounter("permcache_check_miss_total", 1)
		return false, false
	}
	s.metrics.IncrementCounter("permcache_check_hit_total", 1)
	return e.IsAllowed, true
}

// SetCheck writes a check result at its TTL class.
func (s *Service) SetCheck(ctx context.Context, userID, resource, action, scope, resourceID string, isAllowed bool) error {
	ttl := ttlFor(resource, action)
	e := entry{
		IsAllowed:  isAllowed,
		CachedAt:   time.Now().UTC(),
		TTLSeconds: int(ttl.Seconds()),
		Resource:   resource,
		Action:     action,
		Scope:      scope,
		ResourceID: resourceID,
	}
	return s.c.Set(ctx, CheckKey(userID, resource, action, scope, resourceID), e, ttl)
}

// InvalidateUserCache deletes the user's summary key then scan-deletes
// every perm:<userId>:* key in batches (spec §4.8).
func (s *Service) InvalidateUserCache(ctx context.Context, userID string) error {
	if err := s.c.Del(ctx, UserSummaryKey(userID)); err != nil {
		s.logger.Warn("permcache: failed deleting user summary key", map[string]interface{}{"userId": userID, "error": err.Error()})
	}
	pattern := fmt.Sprintf("perm:%s:*", userID)
	n, err := cache.ScanAndDelete(ctx, s.c, pattern)
	if err != nil {
		return err
	}
	s.metrics.IncrementCounter("permcache_invalidations_total", float64(n))
	return nil
}

// RoleUserLister resolves the user IDs currently holding a role, used
// to cascade role invalidation to each affected user's cache.
type RoleUserLister interface {
	UsersWithRole(ctx context.Context, roleID string) ([]string, error)
}

// InvalidateRoleCache deletes the role key then delegates to user
// invalidation for every user holding that role (spec §4.8).
func (s *Service) InvalidateRoleCache(ctx context.Context, roleID string, users RoleUserLister) error {
	if err := s.c.Del(ctx, RolePermissionsKey(roleID)); err != nil {
		s.logger.Warn("permcache: failed deleting role key", map[string]interface{}{"roleId": roleID, "error": err.Error()})
	}
	userIDs, err := users.UsersWithRole(ctx, roleID)
	if err != nil {
		return err
	}
	for _, uid := range userIDs {
		if err := s.InvalidateUserCache(ctx, uid); err != nil {
			s.logger.Warn("permcache: failed invalidating user during role cascade", map[string]interface{}{"userId": uid, "roleId": roleID, "error": err.Error()})
		}
	}
	return nil
}

// TrackActivity increments the warm-up counter for a user via the
// atomic Lua script (0→1 transition sets expiry), returning the new
// count.
func (s *Service) TrackActivity(ctx context.Context, userID string) (int64, error) {
	res, err := s.c.Eval(ctx, cache.WarmupIncrScript, 1, WarmupKey(userID), int(WarmupWindow.Seconds()))
	if err != nil {
		return 0, err
	}
	switch v := res.(type) {
	case int64:
		return v, nil
	case string:
		n, convErr := strconv.ParseInt(v, 10, 64)
		return n, convErr
	default:
		return 0, fmt.Errorf("permcache: unexpected warm-up script result type %T", res)
	}
}

// PrewarmEntry is one permission result to pre-populate.
type PrewarmEntry struct {
	Resource   string
	Action     string
	Scope      string
	ResourceID string
	IsAllowed  bool
}

// Prewarm pipelines a bounded batch of SET operations pre-populating
// the check cache after a grant batch exceeds WarmupThreshold (spec
// §4.8).
func (s *Service) Prewarm(ctx context.Context, userID string, entries []PrewarmEntry) error {
	if len(entries) > WarmupBatchSize {
		entries = entries[:WarmupBatchSize]
	}
	ops := make([]cache.PipelineOp, 0, len(entries))
	for _, pe := range entries {
		ttl := ttlFor(pe.Resource, pe.Action)
		e := entry{
			IsAllowed:  pe.IsAllowed,
			CachedAt:   time.Now().UTC(),
			TTLSeconds: int(ttl.Seconds()),
			Resource:   pe.Resource,
			Action:     pe.Action,
			Scope:      pe.Scope,
			ResourceID: pe.ResourceID,
		}
		ops = append(ops, cache.PipelineOp{
			Kind:  cache.PipelineSet,
			Key:   CheckKey(userID, pe.Resource, pe.Action, pe.Scope, pe.ResourceID),
			Value: e,
			TTL:   ttl,
		})
	}
	_, err := s.c.Pipeline(ctx, ops)
	return err
}

// PurgeExpired backs the hourly cache-refresh job (spec §4.11). Every
// entry this service writes already carries a Redis TTL, so expired
// rows are reclaimed by Redis itself; this walks the check-key space
// once per run purely to surface a live count for the monitoring
// surface, rather than to delete anything TTL hasn't already handled.
func (s *Service) PurgeExpired(ctx context.Context) (int64, error) {
	var cursor uint64
	var total int64
	for {
		next, keys, err := s.c.Scan(ctx, cursor, "perm:*", cache.ScanDeleteBatchSize)
		if err != nil {
			return total, err
		}
		total += int64(len(keys))
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return total, nil
}

// InvalidateAll implements scheduler.Invalidator: the nightly sweep's
// global cache invalidation when any row was affected (spec §4.11).
func (s *Service) InvalidateAll(ctx context.Context) {
	if _, err := cache.ScanAndDelete(ctx, s.c, "perm:*"); err != nil {
		s.logger.Warn("permcache: global invalidation failed", map[string]interface{}{"error": err.Error()})
	}
	if _, err := cache.ScanAndDelete(ctx, s.c, "user:*:summary"); err != nil {
		s.logger.Warn("permcache: global user-summary invalidation failed", map[string]interface{}{"error": err.Error()})
	}
	if _, err := cache.ScanAndDelete(ctx, s.c, "role:*:permissions"); err != nil {
		s.logger.Warn("permcache: global role invalidation failed", map[string]interface{}{"error": err.Error()})
	}
}
