package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/nexus-iam/authz-core/pkg/authz/history"
	"github.com/nexus-iam/authz-core/pkg/errors"
)

var _ history.RollbackMutator = (*GrantStore)(nil)

// DeleteEdge removes the grant row a "grant" operation created, used
// to roll back a user_permission or role_permission grant.
func (s *GrantStore) DeleteEdge(ctx context.Context, tx *sqlx.Tx, entityType, entityID string) error {
	table, err := tableFor(entityType)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM authz.%s WHERE id = $1`, table), entityID); err != nil {
		return errors.DBQueryFailed("GrantStore.DeleteEdge", err)
	}
	return nil
}

// RestoreState re-inserts a row from its previousState snapshot,
// rolling back a "revoke" or "update" operation.
func (s *GrantStore) RestoreState(ctx context.Context, tx *sqlx.Tx, entityType, entityID string, previousState json.RawMessage) error {
	switch entityType {
	case history.EntityUserPermission:
		var up struct {
			ID            string          `json:"id"`
			UserProfileID string          `json:"user_profile_id"`
			PermissionID  string          `json:"permission_id"`
			IsGranted     bool            `json:"is_granted"`
			Conditions    json.RawMessage `json:"conditions,omitempty"`
			Priority      int             `json:"priority"`
			IsTemporary   bool            `json:"is_temporary"`
			GrantReason   string          `json:"grant_reason,omitempty"`
			GrantedBy     string          `json:"granted_by,omitempty"`
		}
		if err := json.Unmarshal(previousState, &up); err != nil {
			return errors.DBQueryFailed("GrantStore.RestoreState", err)
		}
		const q = `INSERT INTO authz.user_permissions
			(id, user_profile_id, permission_id, is_granted, conditions, priority, is_temporary, grant_reason, granted_by, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now(), now())
			ON CONFLICT (id) DO UPDATE SET is_granted = EXCLUDED.is_granted, conditions = EXCLUDED.conditions, updated_at = now()`
		if _, err := tx.ExecContext(ctx, q, up.ID, up.UserProfileID, up.PermissionID, up.IsGranted, up.Conditions, up.Priority, up.IsTemporary, up.GrantReason, up.GrantedBy); err != nil {
			return errors.DBQueryFailed("GrantStore.RestoreState", err)
		}
		return nil
	case history.EntityRolePermission:
		var rp struct {
			ID           string          `json:"id"`
			RoleID       string          `json:"role_id"`
			PermissionID string          `json:"permission_id"`
			IsGranted    bool            `json:"is_granted"`
			Conditions   json.RawMessage `json:"conditions,omitempty"`
			GrantReason  string          `json:"grant_reason,omitempty"`
			GrantedBy    string          `json:"granted_by,omitempty"`
		}
		if err := json.Unmarshal(previousState, &rp); err != nil {
			return errors.DBQueryFailed("GrantStore.RestoreState", err)
		}
		const q = `INSERT INTO authz.role_permissions
			(id, role_id, permission_id, is_granted, conditions, grant_reason, granted_by, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, now())
			ON CONFLICT (id) DO UPDATE SET is_granted = EXCLUDED.is_granted, conditions = EXCLUDED.conditions`
		if _, err := tx.ExecContext(ctx, q, rp.ID, rp.RoleID, rp.PermissionID, rp.IsGranted, rp.Conditions, rp.GrantReason, rp.GrantedBy); err != nil {
			return errors.DBQueryFailed("GrantStore.RestoreState", err)
		}
		return nil
	default:
		return errors.DBQueryFailed("GrantStore.RestoreState", fmt.Errorf("unsupported entity type %q", entityType))
	}
}

// SetTemplateApplicationActive toggles a template_application row.
func (s *GrantStore) SetTemplateApplicationActive(ctx context.Context, tx *sqlx.Tx, entityID string, active bool) error {
	const q = `UPDATE authz.permission_template_applications SET is_active = $1 WHERE id = $2`
	if _, err := tx.ExecContext(ctx, q, active, entityID); err != nil {
		return errors.DBQueryFailed("GrantStore.SetTemplateApplicationActive", err)
	}
	return nil
}

// SetDelegationRevoked toggles a permission_delegation row.
func (s *GrantStore) SetDelegationRevoked(ctx context.Context, tx *sqlx.Tx, entityID string, revoked bool) error {
	const q = `UPDATE authz.permission_delegations SET is_revoked = $1 WHERE id = $2`
	if _, err := tx.ExecContext(ctx, q, revoked, entityID); err != nil {
		return errors.DBQueryFailed("GrantStore.SetDelegationRevoked", err)
	}
	return nil
}

func tableFor(entityType string) (string, error) {
	switch entityType {
	case history.EntityUserPermission:
		return "user_permissions", nil
	case history.EntityRolePermission:
		return "role_permissions", nil
	default:
		return "", errors.DBQueryFailed("GrantStore.tableFor", fmt.Errorf("unsupported entity type %q", entityType))
	}
}
