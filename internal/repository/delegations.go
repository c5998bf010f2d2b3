package repository

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/nexus-iam/authz-core/pkg/authz/history"
	"github.com/nexus-iam/authz-core/pkg/authz/models"
	"github.com/nexus-iam/authz-core/pkg/errors"
)

// CreateDelegation transfers a subset of delegatorID's currently-held
// permissions to delegateID for [validFrom, validUntil) (spec §4.9,
// §8 scenario S3: "delegator must presently hold every delegated
// permission code").
func (s *GrantStore) CreateDelegation(ctx context.Context, delegatorID, delegateID string, permissionCodes []string, validFrom, validUntil time.Time, reason, performedBy string) (*models.PermissionDelegation, error) {
	if !validFrom.Before(validUntil) {
		return nil, errors.InvalidConditions("GrantStore.CreateDelegation", "validFrom must be before validUntil")
	}
	if !validUntil.After(time.Now().UTC()) {
		return nil, errors.InvalidConditions("GrantStore.CreateDelegation", "validUntil must be in the future")
	}

	var delegation models.PermissionDelegation
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		missing, err := missingHeldCodes(ctx, tx, delegatorID, permissionCodes)
		if err != nil {
			return err
		}
		if len(missing) > 0 {
			return errors.Denied("GrantStore.CreateDelegation", fmt.Sprintf("delegator does not presently hold: %v", missing))
		}

		delegation = models.PermissionDelegation{
			ID:              newID(),
			DelegatorID:     delegatorID,
			DelegateID:      delegateID,
			PermissionCodes: permissionCodes,
			ValidFrom:       validFrom,
			ValidUntil:      validUntil,
			Reason:          reason,
			IsRevoked:       false,
			CreatedAt:       time.Now().UTC(),
		}
		const q = `INSERT INTO authz.permission_delegations
			(id, delegator_id, delegate_id, permission_codes, valid_from, valid_until, reason, is_revoked, created_at)
			VALUES (:id, :delegator_id, :delegate_id, :permission_codes, :valid_from, :valid_until, :reason, :is_revoked, :created_at)`
		if _, err := tx.NamedExecContext(ctx, q, delegation); err != nil {
			return errors.DBQueryFailed("GrantStore.CreateDelegation", err)
		}
		return s.appendHistory(ctx, tx, history.EntityPermissionDelegation, delegation.ID, history.OpGrant, nil, delegation, performedBy)
	})
	s.cascadeUser(ctx, err, delegateID)
	if err != nil {
		return nil, err
	}
	return &delegation, nil
}

// missingHeldCodes checks which of codes the delegator does not
// presently hold, evaluated over both direct grants and role-derived
// grants, per spec §4.9.
func missingHeldCodes(ctx context.Context, tx *sqlx.Tx, delegatorID string, codes []string) ([]string, error) {
	held := make(map[string]bool, len(codes))

	const directQ = `
		SELECT p.code
		FROM authz.user_permissions up
		JOIN authz.permissions p ON p.id = up.permission_id
		WHERE up.user_profile_id = $1 AND up.is_granted = true
		  AND (up.valid_from IS NULL OR up.valid_from <= now())
		  AND (up.valid_until IS NULL OR up.valid_until > now())`
	var directCodes []string
	if err := tx.SelectContext(ctx, &directCodes, directQ, delegatorID); err != nil {
		return nil, errors.DBQueryFailed("GrantStore.missingHeldCodes", err)
	}
	for _, c := range directCodes {
		held[c] = true
	}

	const roleQ = `
		WITH RECURSIVE user_active_roles AS (
			SELECT ur.role_id
			FROM authz.user_roles ur
			WHERE ur.user_profile_id = $1 AND ur.is_active = true
			  AND (ur.valid_from IS NULL OR ur.valid_from <= now())
			  AND (ur.valid_until IS NULL OR ur.valid_until > now())
			UNION
			SELECT rp.parent_role_id
			FROM authz.role_parents rp
			JOIN user_active_roles uar ON uar.role_id = rp.role_id
			WHERE rp.inherit_permissions = true
		)
		SELECT p.code
		FROM user_active_roles uar
		JOIN authz.role_permissions rpm ON rpm.role_id = uar.role_id
		JOIN authz.permissions p ON p.id = rpm.permission_id
		WHERE rpm.is_granted = true
		  AND (rpm.valid_from IS NULL OR rpm.valid_from <= now())
		  AND (rpm.valid_until IS NULL OR rpm.valid_until > now())`
	var roleCodes []string
	if err := tx.SelectContext(ctx, &roleCodes, roleQ, delegatorID); err != nil {
		return nil, errors.DBQueryFailed("GrantStore.missingHeldCodes", err)
	}
	for _, c := range roleCodes {
		held[c] = true
	}

	var missing []string
	for _, c := range codes {
		if !held[c] {
			missing = append(missing, c)
		}
	}
	return missing, nil
}

// RevokeDelegation is permitted for the delegator or any superadmin;
// idempotently rejects an already-revoked delegation.
func (s *GrantStore) RevokeDelegation(ctx context.Context, delegationID, requesterID string, isSuperadmin bool, revokedReason, performedBy string) error {
	var delegateID string
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var d models.PermissionDelegation
		if err := tx.GetContext(ctx, &d, `SELECT * FROM authz.permission_delegations WHERE id = $1`, delegationID); err != nil {
			if stderrors.Is(err, sql.ErrNoRows) {
				return errors.NotFound("GrantStore.RevokeDelegation", fmt.Sprintf("delegation %s not found", delegationID))
			}
			return errors.DBQueryFailed("GrantStore.RevokeDelegation", err)
		}
		if d.IsRevoked {
			return errors.AlreadyExists("GrantStore.RevokeDelegation", fmt.Sprintf("delegation %s already revoked", delegationID))
		}
		if d.DelegatorID != requesterID && !isSuperadmin {
			return errors.Denied("GrantStore.RevokeDelegation", "only the delegator or a superadmin may revoke a delegation")
		}
		delegateID = d.DelegateID

		prevJSON, err := historySnapshot(d)
		if err != nil {
			return err
		}
		d.IsRevoked = true
		d.RevokedBy = requesterID
		d.RevokedReason = revokedReason

		const q = `UPDATE authz.permission_delegations SET is_revoked = true, revoked_by = :revoked_by, revoked_reason = :revoked_reason WHERE id = :id`
		if _, err := tx.NamedExecContext(ctx, q, d); err != nil {
			return errors.DBQueryFailed("GrantStore.RevokeDelegation", err)
		}
		return s.appendHistory(ctx, tx, history.EntityPermissionDelegation, d.ID, history.OpRevoke, prevJSON, d, performedBy)
	})
	s.cascadeUser(ctx, err, delegateID)
	return err
}

// ExtendDelegation is permitted only for the delegator, and only to a
// strictly later validUntil.
func (s *GrantStore) ExtendDelegation(ctx context.Context, delegationID, requesterID string, newValidUntil time.Time, performedBy string) error {
	var delegateID string
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var d models.PermissionDelegation
		if err := tx.GetContext(ctx, &d, `SELECT * FROM authz.permission_delegations WHERE id = $1`, delegationID); err != nil {
			if stderrors.Is(err, sql.ErrNoRows) {
				return errors.NotFound("GrantStore.ExtendDelegation", fmt.Sprintf("delegation %s not found", delegationID))
			}
			return errors.DBQueryFailed("GrantStore.ExtendDelegation", err)
		}
		if d.DelegatorID != requesterID {
			return errors.Denied("GrantStore.ExtendDelegation", "only the delegator may extend a delegation")
		}
		if d.IsRevoked {
			return errors.Denied("GrantStore.ExtendDelegation", "cannot extend a revoked delegation")
		}
		if !newValidUntil.After(d.ValidUntil) {
			return errors.InvalidConditions("GrantStore.ExtendDelegation", "new validUntil must be strictly later than the current one")
		}
		delegateID = d.DelegateID

		prevJSON, err := historySnapshot(d)
		if err != nil {
			return err
		}
		d.ValidUntil = newValidUntil

		const q = `UPDATE authz.permission_delegations SET valid_until = :valid_until WHERE id = :id`
		if _, err := tx.NamedExecContext(ctx, q, d); err != nil {
			return errors.DBQueryFailed("GrantStore.ExtendDelegation", err)
		}
		return s.appendHistory(ctx, tx, history.EntityPermissionDelegation, d.ID, history.OpUpdate, prevJSON, d, performedBy)
	})
	s.cascadeUser(ctx, err, delegateID)
	return err
}
