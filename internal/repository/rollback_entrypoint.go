package repository

import (
	"context"
	"encoding/json"

	"github.com/jmoiron/sqlx"

	"github.com/nexus-iam/authz-core/pkg/authz/history"
	"github.com/nexus-iam/authz-core/pkg/authz/models"
	"github.com/nexus-iam/authz-core/pkg/errors"
)

// RollbackChange loads historyID and replays its inverse inside one
// transaction, the single callable entrypoint the API's rollback
// handler needs over history.Store.Rollback + GrantStore's
// RollbackMutator methods (spec §4.4). For user_permission /
// role_permission entries it also fires the invalidation cascade for
// the affected users, same as a fresh grant/revoke would.
func (s *GrantStore) RollbackChange(ctx context.Context, historyID, performedBy string) (*models.ChangeHistoryEntry, error) {
	entry, err := s.history.Get(ctx, historyID)
	if err != nil {
		return nil, err
	}

	var affected []string
	var rollbackEntry *models.ChangeHistoryEntry
	txErr := s.withTx(ctx, func(tx *sqlx.Tx) error {
		users, affErr := usersAffectedByRollback(ctx, tx, entry)
		if affErr == nil {
			affected = users
		}

		rb, rbErr := s.history.Rollback(ctx, tx, s, entry, performedBy, newID)
		if rbErr != nil {
			return rbErr
		}
		rollbackEntry = rb
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}

	if s.invalidator != nil {
		for _, userID := range affected {
			s.invalidator.OnUserGrantChange(ctx, userID)
		}
	}

	return rollbackEntry, nil
}

// usersAffectedByRollback discovers which users need a cache/matrix
// invalidation once entry's rollback commits: the row's own user for a
// user_permission, or every active holder of the row's role for a
// role_permission.
func usersAffectedByRollback(ctx context.Context, tx *sqlx.Tx, entry *models.ChangeHistoryEntry) ([]string, error) {
	state := entry.NewState
	if len(state) == 0 {
		state = entry.PreviousState
	}
	if len(state) == 0 {
		return nil, nil
	}

	switch entry.EntityType {
	case history.EntityUserPermission:
		var row struct {
			UserProfileID string `json:"user_profile_id"`
		}
		if err := json.Unmarshal(state, &row); err != nil {
			return nil, errors.DBQueryFailed("GrantStore.usersAffectedByRollback", err)
		}
		if row.UserProfileID == "" {
			return nil, nil
		}
		return []string{row.UserProfileID}, nil
	case history.EntityRolePermission:
		var row struct {
			RoleID string `json:"role_id"`
		}
		if err := json.Unmarshal(state, &row); err != nil {
			return nil, errors.DBQueryFailed("GrantStore.usersAffectedByRollback", err)
		}
		if row.RoleID == "" {
			return nil, nil
		}
		var users []string
		const q = `SELECT DISTINCT user_profile_id FROM authz.user_roles WHERE role_id = $1 AND is_active = true`
		if err := tx.SelectContext(ctx, &users, q, row.RoleID); err != nil {
			return nil, errors.DBQueryFailed("GrantStore.usersAffectedByRollback", err)
		}
		return users, nil
	default:
		return nil, nil
	}
}
