// Package matrix implements the Permission Matrix (spec §4.6, C7): a
// pre-computed effective-permission table that answers checks in O(1)
// for frequently-checked users, backed by an in-process LRU hot path
// in front of the persisted matrix table.
package matrix

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jmoiron/sqlx"

	"github.com/nexus-iam/authz-core/pkg/authz/models"
	"github.com/nexus-iam/authz-core/pkg/errors"
	"github.com/nexus-iam/authz-core/pkg/observability"
)

// EntryTTL is how long a computed matrix row is valid (spec §4.6).
const EntryTTL = 24 * time.Hour

// hotCacheSize bounds the in-process LRU mirror of the hottest rows;
// the persisted table in Postgres remains the source of truth.
const hotCacheSize = 10000

func hotKey(userProfileID, permissionKey string) string {
	return userProfileID + "\x00" + permissionKey
}

// Store is the Permission Matrix's persistence + hot-path layer.
type Store struct {
	db      *sqlx.DB
	hot     *lru.Cache[string, models.MatrixEntry]
	logger  observability.Logger
	metrics observability.MetricsClient
}

// New builds a Store, grounded on the teacher's golang-lru-backed
// MultiLevelCache L1 layer.
func New(db *sqlx.DB, logger observability.Logger, metrics observability.MetricsClient) (*Store, error) {
	hot, err := lru.New[string, models.MatrixEntry](hotCacheSize)
	if err != nil {
		return nil, fmt.Errorf("matrix: creating hot cache: %w", err)
	}
	return &Store{db: db, hot: hot, logger: logger, metrics: metrics}, nil
}

// Lookup answers a check in O(1) if a non-expired row exists, checking
// the in-process hot cache before the database.
func (s *Store) Lookup(ctx context.Context, userProfileID, permissionKey string) (*models.MatrixEntry, bool, error) {
	key := hotKey(userProfileID, permissionKey)
	if entry, ok := s.hot.Get(key); ok {
		if entry.ExpiresAt.After(time.Now()) {
			s.metrics.IncrementCounter("matrix_hot_hit_total", 1)
			return &entry, true, nil
		}
		s.hot.Remove(key)
	}

	var entry models.MatrixEntry
	const q = `SELECT * FROM authz.permission_matrix WHERE user_profile_id = $1 AND permission_key = $2 AND expires_at > now()`
	if err := s.db.GetContext(ctx, &entry, q, userProfileID, permissionKey); err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			s.metrics.IncrementCounter("matrix_miss_total", 1)
			return nil, false, nil
		}
		return nil, false, errors.DBQueryFailed("matrix.Lookup", err)
	}
	s.hot.Add(key, entry)
	s.metrics.IncrementCounter("matrix_db_hit_total", 1)
	return &entry, true, nil
}

// Upsert writes one matrix row, keeping the maximum priority on
// conflict (spec §4.6: "matrix storing the maximum").
func (s *Store) Upsert(ctx context.Context, entry models.MatrixEntry) error {
	if entry.ExpiresAt.IsZero() {
		entry.ExpiresAt = time.Now().Add(EntryTTL)
	}
	const q = `INSERT INTO authz.permission_matrix
		(user_profile_id, permission_key, is_allowed, granted_by, priority, expires_at, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_profile_id, permission_key) DO UPDATE SET
			is_allowed = CASE WHEN EXCLUDED.priority >= authz.permission_matrix.priority THEN EXCLUDED.is_allowed ELSE authz.permission_matrix.is_allowed END,
			granted_by = CASE WHEN EXCLUDED.priority >= authz.permission_matrix.priority THEN EXCLUDED.granted_by ELSE authz.permission_matrix.granted_by END,
			priority = GREATEST(authz.permission_matrix.priority, EXCLUDED.priority),
			expires_at = EXCLUDED.expires_at,
			metadata = EXCLUDED.metadata`
	if _, err := s.db.ExecContext(ctx, q, entry.UserProfileID, entry.PermissionKey, entry.IsAllowed, entry.GrantedBy, entry.Priority, entry.ExpiresAt, entry.Metadata); err != nil {
		return errors.DBQueryFailed("matrix.Upsert", err)
	}
	s.hot.Add(hotKey(entry.UserProfileID, entry.PermissionKey), entry)
	return nil
}

// InvalidateUser deletes all matrix rows for a user, called on any
// grant/role/policy mutation touching that user (spec §4.6).
func (s *Store) InvalidateUser(ctx context.Context, userProfileID string) error {
	const q = `DELETE FROM authz.permission_matrix WHERE user_profile_id = $1`
	if _, err := s.db.ExecContext(ctx, q, userProfileID); err != nil {
		return errors.DBQueryFailed("matrix.InvalidateUser", err)
	}
	s.purgeHotForUser(userProfileID)
	return nil
}

// purgeHotForUser evicts hot-cache entries for a user. The LRU has no
// prefix-scan API, so this walks current keys; acceptable because the
// hot cache is bounded to hotCacheSize.
func (s *Store) purgeHotForUser(userProfileID string) {
	prefix := userProfileID + "\x00"
	for _, k := range s.hot.Keys() {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			s.hot.Remove(k)
		}
	}
}

// DeleteExpired removes expired rows, run by the daily maintenance job
// (spec §4.6).
func (s *Store) DeleteExpired(ctx context.Context) (int64, error) {
	const q = `DELETE FROM authz.permission_matrix WHERE expires_at <= now()`
	res, err := s.db.ExecContext(ctx, q)
	if err != nil {
		return 0, errors.DBQueryFailed("matrix.DeleteExpired", err)
	}
	return res.RowsAffected()
}

// HighPriorityUsers returns up to limit userProfileIDs checked in the
// last 24h and currently marked high priority, for the hourly refresh
// job (spec §4.6).
func (s *Store) HighPriorityUsers(ctx context.Context, limit int) ([]string, error) {
	const q = `SELECT user_profile_id FROM authz.active_user_tracking
		WHERE is_high_priority = true AND last_check_at > now() - interval '24 hours'
		ORDER BY check_count DESC LIMIT $1`
	var ids []string
	if err := s.db.SelectContext(ctx, &ids, q, limit); err != nil {
		return nil, errors.DBQueryFailed("matrix.HighPriorityUsers", err)
	}
	return ids, nil
}

// RegularActiveUsers returns up to limit userProfileIDs active in the
// last 48h with more than 10 checks, for the hourly refresh job.
func (s *Store) RegularActiveUsers(ctx context.Context, limit int) ([]string, error) {
	const q = `SELECT user_profile_id FROM authz.active_user_tracking
		WHERE is_high_priority = false AND last_check_at > now() - interval '48 hours' AND check_count > 10
		ORDER BY check_count DESC LIMIT $1`
	var ids []string
	if err := s.db.SelectContext(ctx, &ids, q, limit); err != nil {
		return nil, errors.DBQueryFailed("matrix.RegularActiveUsers", err)
	}
	return ids, nil
}

// ResetInactiveTrackers zeroes the counters of trackers whose window
// has rolled over, run by the daily maintenance job.
func (s *Store) ResetInactiveTrackers(ctx context.Context, windowStart time.Time) (int64, error) {
	const q = `UPDATE authz.active_user_tracking SET check_count = 0, window_start = $1, is_high_priority = false
		WHERE last_check_at < $1`
	res, err := s.db.ExecContext(ctx, q, windowStart)
	if err != nil {
		return 0, errors.DBQueryFailed("matrix.ResetInactiveTrackers", err)
	}
	return res.RowsAffected()
}

// TrackCheck bumps a user's activity counter and flips is_high_priority
// once the count exceeds models.HighPriorityThreshold within the
// current window.
func (s *Store) TrackCheck(ctx context.Context, userProfileID string) (promoted bool, err error) {
	const q = `INSERT INTO authz.active_user_tracking (user_profile_id, check_count, window_start, is_high_priority, last_check_at)
		VALUES ($1, 1, now(), false, now())
		ON CONFLICT (user_profile_id) DO UPDATE SET
			check_count = authz.active_user_tracking.check_count + 1,
			last_check_at = now(),
			is_high_priority = (authz.active_user_tracking.check_count + 1) > $2
		RETURNING is_high_priority`
	if err := s.db.GetContext(ctx, &promoted, q, userProfileID, models.HighPriorityThreshold); err != nil {
		return false, errors.DBQueryFailed("matrix.TrackCheck", err)
	}
	return promoted, nil
}
