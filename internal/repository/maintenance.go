package repository

import (
	"context"
	"time"

	"github.com/nexus-iam/authz-core/pkg/errors"
)

// ExpireGrants implements scheduler.MaintenanceStore: flips
// isGranted=false on UserPermission / isActive=false on UserRole where
// validUntil < now, and deletes expired PolicyAssignment rows (spec
// §4.11's nightly sweep, also used by the startup sweep).
func (s *GrantStore) ExpireGrants(ctx context.Context) (int64, error) {
	var total int64

	res, err := s.db.ExecContext(ctx, `UPDATE authz.user_permissions SET is_granted = false WHERE is_granted = true AND valid_until IS NOT NULL AND valid_until < now()`)
	if err != nil {
		return total, errors.DBQueryFailed("GrantStore.ExpireGrants", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		total += n
	}

	res, err = s.db.ExecContext(ctx, `UPDATE authz.user_roles SET is_active = false WHERE is_active = true AND valid_until IS NOT NULL AND valid_until < now()`)
	if err != nil {
		return total, errors.DBQueryFailed("GrantStore.ExpireGrants", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		total += n
	}

	res, err = s.db.ExecContext(ctx, `DELETE FROM authz.policy_assignments WHERE valid_until IS NOT NULL AND valid_until < now()`)
	if err != nil {
		return total, errors.DBQueryFailed("GrantStore.ExpireGrants", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		total += n
	}

	return total, nil
}

// CleanupCheckLogs implements scheduler.MaintenanceStore: deletes
// PermissionCheckLog rows older than olderThan (spec §4.11's weekly
// log cleanup).
func (s *GrantStore) CleanupCheckLogs(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	res, err := s.db.ExecContext(ctx, `DELETE FROM authz.permission_check_log WHERE checked_at < $1`, cutoff)
	if err != nil {
		return 0, errors.DBQueryFailed("GrantStore.CleanupCheckLogs", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ExpiringGrantsByUser implements scheduler.MaintenanceStore: locates
// temporary grants whose validUntil falls within `within` of now,
// grouped by user (spec §4.11's daily expiring-notice).
func (s *GrantStore) ExpiringGrantsByUser(ctx context.Context, within time.Duration) (map[string][]string, error) {
	const q = `
		SELECT up.user_profile_id, p.code
		FROM authz.user_permissions up
		JOIN authz.permissions p ON p.id = up.permission_id
		WHERE up.is_granted = true AND up.is_temporary = true
		  AND up.valid_until IS NOT NULL
		  AND up.valid_until > now() AND up.valid_until <= now() + $1 * interval '1 second'`
	rows, err := s.db.QueryContext(ctx, q, within.Seconds())
	if err != nil {
		return nil, errors.DBQueryFailed("GrantStore.ExpiringGrantsByUser", err)
	}
	defer rows.Close()

	grouped := make(map[string][]string)
	for rows.Next() {
		var userID, code string
		if err := rows.Scan(&userID, &code); err != nil {
			return nil, errors.DBQueryFailed("GrantStore.ExpiringGrantsByUser", err)
		}
		grouped[userID] = append(grouped[userID], code)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.DBQueryFailed("GrantStore.ExpiringGrantsByUser", err)
	}
	return grouped, nil
}
