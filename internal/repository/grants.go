package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/nexus-iam/authz-core/pkg/authz/condition"
	"github.com/nexus-iam/authz-core/pkg/authz/history"
	"github.com/nexus-iam/authz-core/pkg/authz/models"
	"github.com/nexus-iam/authz-core/pkg/authz/permcache"
	"github.com/nexus-iam/authz-core/pkg/errors"
)

// defaultGrantPriority is the fallback priority a user grant takes when
// the caller leaves it unset (spec §4.9).
const defaultGrantPriority = 100

// criticalPermissionCodes may only be revoked with forceRevoke=true
// (spec §4.9).
var criticalPermissionCodes = map[string]bool{
	"system.admin":      true,
	"permission.grant":  true,
	"permission.revoke": true,
}

const (
	bulkMaxTargets     = 100
	bulkMaxPermissions = 100
)

// GrantUser grants permissionID to userID, validating both exist,
// reactivating a previously-revoked row in place, and rejecting an
// already-granted row as a conflict (spec §4.9).
func (s *GrantStore) GrantUser(ctx context.Context, userID, permissionID string, conditions json.RawMessage, priority int, isTemporary bool, validFrom, validUntil *time.Time, grantReason, performedBy string) error {
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := s.grantUserTx(ctx, tx, userID, permissionID, conditions, priority, isTemporary, validFrom, validUntil, grantReason, performedBy, false)
		return err
	})
	s.cascadeUser(ctx, err, userID)
	return err
}

// cascadeUser fires the invalidation fabric's per-user cascade once a
// mutation commits successfully (spec §4.9: "On user grant/revoke/
// delegation change: invalidate that user's cache and matrix").
func (s *GrantStore) cascadeUser(ctx context.Context, err error, userID string) {
	if err == nil && s.invalidator != nil {
		s.invalidator.OnUserGrantChange(ctx, userID)
	}
}

// grantOutcomeCreated/grantOutcomeUpdated/grantOutcomeSkipped classify
// what grantUserTx actually did, so bulk callers can report the
// created/skipped summary split (spec §8 scenario S6).
const (
	grantOutcomeCreated = "created"
	grantOutcomeUpdated = "updated"
	grantOutcomeSkipped = "skipped"
)

// grantUserTx inserts or reactivates one user grant, validating both
// the user and the permission exist (spec §4.9). When skipIfGranted
// is true, an already-granted row is left untouched and reported as
// grantOutcomeSkipped instead of failing with AlreadyExists — the
// behavior bulk grant wants (spec §8 S6) but a single GrantUser call
// must still reject as a conflict.
func (s *GrantStore) grantUserTx(ctx context.Context, tx *sqlx.Tx, userID, permissionID string, conditions json.RawMessage, priority int, isTemporary bool, validFrom, validUntil *time.Time, grantReason, performedBy string, skipIfGranted bool) (string, error) {
	if err := mustExist(ctx, tx, "authz.user_profiles", userID); err != nil {
		return "", err
	}
	if err := mustExist(ctx, tx, "authz.permissions", permissionID); err != nil {
		return "", err
	}

	sanitized, err := sanitizeConditions(conditions)
	if err != nil {
		return "", err
	}
	if priority == 0 {
		priority = defaultGrantPriority
	}

	var existing models.UserPermission
	err = tx.GetContext(ctx, &existing, `SELECT * FROM authz.user_permissions WHERE user_profile_id = $1 AND permission_id = $2`, userID, permissionID)
	switch {
	case stderrors.Is(err, sql.ErrNoRows):
		existing = models.UserPermission{
			ID:            newID(),
			UserProfileID: userID,
			PermissionID:  permissionID,
			IsGranted:     true,
			Conditions:    sanitized,
			ValidFrom:     validFrom,
			ValidUntil:    validUntil,
			Priority:      priority,
			IsTemporary:   isTemporary,
			GrantReason:   grantReason,
			GrantedBy:     performedBy,
			CreatedAt:     time.Now().UTC(),
			UpdatedAt:     time.Now().UTC(),
		}
		const q = `INSERT INTO authz.user_permissions
			(id, user_profile_id, permission_id, is_granted, conditions, valid_from, valid_until, priority, is_temporary, grant_reason, granted_by, created_at, updated_at)
			VALUES (:id, :user_profile_id, :permission_id, :is_granted, :conditions, :valid_from, :valid_until, :priority, :is_temporary, :grant_reason, :granted_by, :created_at, :updated_at)`
		if _, err := tx.NamedExecContext(ctx, q, existing); err != nil {
			return "", errors.DBQueryFailed("GrantStore.GrantUser", err)
		}
		if err := s.appendHistory(ctx, tx, history.EntityUserPermission, existing.ID, history.OpGrant, nil, existing, performedBy); err != nil {
			return "", err
		}
		return grantOutcomeCreated, nil
	case err != nil:
		return "", errors.DBQueryFailed("GrantStore.GrantUser", err)
	case existing.IsGranted:
		if skipIfGranted {
			return grantOutcomeSkipped, nil
		}
		return "", errors.AlreadyExists("GrantStore.GrantUser", fmt.Sprintf("user %s already holds permission %s", userID, permissionID))
	default:
		prevJSON, err := historySnapshot(existing)
		if err != nil {
			return "", err
		}
		existing.IsGranted = true
		existing.Conditions = sanitized
		existing.ValidFrom = validFrom
		existing.ValidUntil = validUntil
		existing.Priority = priority
		existing.IsTemporary = isTemporary
		existing.GrantReason = grantReason
		existing.GrantedBy = performedBy
		existing.RevokeReason = ""
		existing.UpdatedAt = time.Now().UTC()

		const q = `UPDATE authz.user_permissions SET is_granted = true, conditions = :conditions,
			valid_from = :valid_from, valid_until = :valid_until, priority = :priority, is_temporary = :is_temporary,
			grant_reason = :grant_reason, granted_by = :granted_by, revoke_reason = '', updated_at = :updated_at
			WHERE id = :id`
		if _, err := tx.NamedExecContext(ctx, q, existing); err != nil {
			return "", errors.DBQueryFailed("GrantStore.GrantUser", err)
		}
		if err := s.appendHistory(ctx, tx, history.EntityUserPermission, existing.ID, history.OpUpdate, prevJSON, existing, performedBy); err != nil {
			return "", err
		}
		return grantOutcomeUpdated, nil
	}
}

// RevokeUser marks a user's direct grant as not granted.
func (s *GrantStore) RevokeUser(ctx context.Context, userID, permissionID, revokeReason, performedBy string) error {
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		return s.revokeUserTx(ctx, tx, userID, permissionID, revokeReason, performedBy, false)
	})
	s.cascadeUser(ctx, err, userID)
	return err
}

func (s *GrantStore) revokeUserTx(ctx context.Context, tx *sqlx.Tx, userID, permissionID, revokeReason, performedBy string, forceRevoke bool) error {
	var existing models.UserPermission
	err := tx.GetContext(ctx, &existing, `SELECT * FROM authz.user_permissions WHERE user_profile_id = $1 AND permission_id = $2`, userID, permissionID)
	if stderrors.Is(err, sql.ErrNoRows) {
		return errors.NotFound("GrantStore.RevokeUser", fmt.Sprintf("user %s has no grant for permission %s", userID, permissionID))
	}
	if err != nil {
		return errors.DBQueryFailed("GrantStore.RevokeUser", err)
	}
	if !existing.IsGranted {
		return nil
	}

	var code string
	if err := tx.GetContext(ctx, &code, `SELECT code FROM authz.permissions WHERE id = $1`, permissionID); err != nil {
		return errors.DBQueryFailed("GrantStore.RevokeUser", err)
	}
	if criticalPermissionCodes[code] && !forceRevoke {
		return errors.Denied("GrantStore.RevokeUser", fmt.Sprintf("revoking critical permission %q requires forceRevoke", code))
	}

	prevJSON, err := historySnapshot(existing)
	if err != nil {
		return err
	}
	existing.IsGranted = false
	existing.RevokeReason = revokeReason
	existing.UpdatedAt = time.Now().UTC()

	const q = `UPDATE authz.user_permissions SET is_granted = false, revoke_reason = :revoke_reason, updated_at = :updated_at WHERE id = :id`
	if _, err := tx.NamedExecContext(ctx, q, existing); err != nil {
		return errors.DBQueryFailed("GrantStore.RevokeUser", err)
	}
	return s.appendHistory(ctx, tx, history.EntityUserPermission, existing.ID, history.OpRevoke, prevJSON, existing, performedBy)
}

// BulkGrant grants each permission in permissionIDs to each target in
// targetIDs. Each (target, permission) pair commits independently so a
// single failure does not roll back the whole batch (spec §4.9). A
// batch whose permissionIDs exceed permcache.WarmupThreshold also
// pre-populates the check cache for every permission actually granted
// to a target (spec §4.8).
func (s *GrantStore) BulkGrant(ctx context.Context, targetIDs, permissionIDs []string, conditions json.RawMessage, priority int, performedBy string) (models.BulkResult, error) {
	if len(targetIDs) > bulkMaxTargets {
		return models.BulkResult{}, errors.BatchSizeExceeded("GrantStore.BulkGrant", len(targetIDs), bulkMaxTargets)
	}
	if len(permissionIDs) > bulkMaxPermissions {
		return models.BulkResult{}, errors.BatchSizeExceeded("GrantStore.BulkGrant", len(permissionIDs), bulkMaxPermissions)
	}

	var permsByID map[string]models.Permission
	shouldPrewarm := s.prewarmer != nil && len(permissionIDs) > permcache.WarmupThreshold
	if shouldPrewarm {
		var err error
		permsByID, err = s.permissionsByID(ctx, permissionIDs)
		if err != nil {
			shouldPrewarm = false
		}
	}

	result := models.BulkResult{}
	for _, targetID := range targetIDs {
		var granted []string
		for _, permissionID := range permissionIDs {
			var outcome string
			err := s.withTx(ctx, func(tx *sqlx.Tx) error {
				var txErr error
				outcome, txErr = s.grantUserTx(ctx, tx, targetID, permissionID, conditions, priority, false, nil, nil, "bulk grant", performedBy, true)
				return txErr
			})
			if err != nil {
				result.Failed++
				result.Errors = append(result.Errors, models.BulkItemError{TargetID: targetID, PermissionID: permissionID, Error: err.Error()})
				continue
			}
			result.Processed++
			if outcome == grantOutcomeSkipped {
				result.Summary.Skipped++
			} else {
				result.Summary.Created++
			}
			granted = append(granted, permissionID)
		}
		s.cascadeUser(ctx, nil, targetID)
		if shouldPrewarm && len(granted) > 0 {
			s.prewarmGranted(ctx, targetID, granted, permsByID)
		}
	}
	return result, nil
}

// permissionsByID loads the resource/action/scope of each permission
// in ids, used to build pre-population entries without a second round
// trip per target.
func (s *GrantStore) permissionsByID(ctx context.Context, ids []string) (map[string]models.Permission, error) {
	var rows []models.Permission
	const q = `SELECT id, resource, action, scope FROM authz.permissions WHERE id = ANY($1)`
	if err := s.db.SelectContext(ctx, &rows, q, pq.Array(ids)); err != nil {
		return nil, errors.DBQueryFailed("GrantStore.permissionsByID", err)
	}
	out := make(map[string]models.Permission, len(rows))
	for _, r := range rows {
		out[r.ID] = r
	}
	return out, nil
}

// prewarmGranted pipelines a check-cache SET for every permission just
// granted to targetID (spec §4.8). Cache failures are logged by the
// cache layer itself and never fail the bulk grant.
func (s *GrantStore) prewarmGranted(ctx context.Context, targetID string, grantedIDs []string, permsByID map[string]models.Permission) {
	entries := make([]permcache.PrewarmEntry, 0, len(grantedIDs))
	for _, id := range grantedIDs {
		p, ok := permsByID[id]
		if !ok {
			continue
		}
		scope := ""
		if p.Scope != nil {
			scope = string(*p.Scope)
		}
		entries = append(entries, permcache.PrewarmEntry{
			Resource:  p.Resource,
			Action:    string(p.Action),
			Scope:     scope,
			IsAllowed: true,
		})
	}
	if len(entries) == 0 {
		return
	}
	_ = s.prewarmer.Prewarm(ctx, targetID, entries)
}

// BulkRevoke revokes each permission in permissionIDs from each target
// in targetIDs; critical permission codes require forceRevoke=true.
func (s *GrantStore) BulkRevoke(ctx context.Context, targetIDs, permissionIDs []string, forceRevoke bool, revokeReason, performedBy string) (models.BulkResult, error) {
	if len(targetIDs) > bulkMaxTargets {
		return models.BulkResult{}, errors.BatchSizeExceeded("GrantStore.BulkRevoke", len(targetIDs), bulkMaxTargets)
	}
	if len(permissionIDs) > bulkMaxPermissions {
		return models.BulkResult{}, errors.BatchSizeExceeded("GrantStore.BulkRevoke", len(permissionIDs), bulkMaxPermissions)
	}

	result := models.BulkResult{}
	for _, targetID := range targetIDs {
		for _, permissionID := range permissionIDs {
			err := s.withTx(ctx, func(tx *sqlx.Tx) error {
				return s.revokeUserTx(ctx, tx, targetID, permissionID, revokeReason, performedBy, forceRevoke)
			})
			if err != nil {
				result.Failed++
				result.Errors = append(result.Errors, models.BulkItemError{TargetID: targetID, PermissionID: permissionID, Error: err.Error()})
				continue
			}
			result.Processed++
		}
		s.cascadeUser(ctx, nil, targetID)
	}
	return result, nil
}

func sanitizeConditions(conditions json.RawMessage) (json.RawMessage, error) {
	if len(conditions) == 0 {
		return conditions, nil
	}
	v := condition.New()
	return v.Validate(conditions, "grant-conditions")
}

func mustExist(ctx context.Context, tx *sqlx.Tx, table, id string) error {
	var exists bool
	q := fmt.Sprintf(`SELECT EXISTS(SELECT 1 FROM %s WHERE id = $1)`, table)
	if err := tx.GetContext(ctx, &exists, q, id); err != nil {
		return errors.DBQueryFailed("GrantStore.mustExist", err)
	}
	if !exists {
		return errors.NotFound("GrantStore.mustExist", fmt.Sprintf("%s %s not found", table, id))
	}
	return nil
}
