// Package history implements the Change History Log & rollback (spec
// §4.4, C5): an append-only audit trail of every mutating operation,
// with a dispatch table that replays the inverse of a recorded change.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/nexus-iam/authz-core/pkg/authz/models"
	"github.com/nexus-iam/authz-core/pkg/errors"
)

// Entity types recognized by the rollback dispatch table.
const (
	EntityUserPermission       = "user_permission"
	EntityRolePermission       = "role_permission"
	EntityTemplateApplication  = "template_application"
	EntityPermissionDelegation = "permission_delegation"
)

// Operations recorded against an entity.
const (
	OpGrant  = "grant"
	OpRevoke = "revoke"
	OpUpdate = "update"
)

// rollbackPrefix marks a history entry produced by Rollback, itself
// never rollbackable (spec §4.4).
const rollbackPrefix = "rollback_"

// Store appends and replays change-history entries. It is grounded on
// the teacher's raw database/sql repository style, adapted to sqlx for
// named-parameter convenience in the Append/Rollback write paths.
type Store struct {
	db *sqlx.DB
}

// New wraps a live sqlx connection.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Append inserts one history row inside tx as part of the caller's
// surrounding mutation transaction (spec §4.4: "every mutating
// operation emits one history entry inside the same transaction").
func (s *Store) Append(ctx context.Context, tx *sqlx.Tx, entry *models.ChangeHistoryEntry) error {
	if entry.ID == "" {
		return errors.DBQueryFailed("history.Append", fmt.Errorf("entry ID required"))
	}
	if entry.PerformedAt.IsZero() {
		entry.PerformedAt = time.Now().UTC()
	}

	const q = `INSERT INTO authz.change_history
		(id, entity_type, entity_id, operation, previous_state, new_state,
		 performed_by, performed_at, metadata, is_rollbackable, rolled_back_at, rollback_of)
		VALUES (:id, :entity_type, :entity_id, :operation, :previous_state, :new_state,
		 :performed_by, :performed_at, :metadata, :is_rollbackable, :rolled_back_at, :rollback_of)`

	exec := tx
	if exec == nil {
		return errors.DBQueryFailed("history.Append", fmt.Errorf("append must run inside the caller's transaction"))
	}
	if _, err := exec.NamedExecContext(ctx, q, entry); err != nil {
		return errors.DBQueryFailed("history.Append", err)
	}
	return nil
}

// Get loads one entry by ID.
func (s *Store) Get(ctx context.Context, id string) (*models.ChangeHistoryEntry, error) {
	var entry models.ChangeHistoryEntry
	const q = `SELECT * FROM authz.change_history WHERE id = $1`
	if err := s.db.GetContext(ctx, &entry, q, id); err != nil {
		return nil, errors.DBQueryFailed("history.Get", err)
	}
	return &entry, nil
}

// RollbackMutator applies the inverse effect for one (entityType,
// operation) pair against the live authorization tables. Implemented
// by the Grant Store so history stays decoupled from table schemas.
type RollbackMutator interface {
	// DeleteEdge removes the row created by a grant (user_permission /
	// role_permission rollback of operation=grant).
	DeleteEdge(ctx context.Context, tx *sqlx.Tx, entityType, entityID string) error
	// RestoreState recreates/restores a row from its previousState
	// snapshot (revoke/update rollback for user_permission /
	// role_permission).
	RestoreState(ctx context.Context, tx *sqlx.Tx, entityType, entityID string, previousState json.RawMessage) error
	// SetTemplateApplicationActive toggles a template_application row.
	SetTemplateApplicationActive(ctx context.Context, tx *sqlx.Tx, entityID string, active bool) error
	// SetDelegationRevoked toggles a permission_delegation row.
	SetDelegationRevoked(ctx context.Context, tx *sqlx.Tx, entityID string, revoked bool) error
}

// Rollback replays the inverse of entry's mutation, per the spec §4.4
// dispatch table, then appends a non-rollbackable rollback_<op> entry
// linking back to the original via rollbackOf, and marks the original
// rolledBackAt.
func (s *Store) Rollback(ctx context.Context, tx *sqlx.Tx, mutator RollbackMutator, entry *models.ChangeHistoryEntry, performedBy string, newID func() string) (*models.ChangeHistoryEntry, error) {
	if entry.RolledBackAt != nil {
		return nil, errors.DBQueryFailed("history.Rollback", fmt.Errorf("entry %s already rolled back", entry.ID))
	}
	if !entry.IsRollbackable {
		return nil, errors.DBQueryFailed("history.Rollback", fmt.Errorf("entry %s is not rollbackable", entry.ID))
	}
	if len(entry.PreviousState) == 0 && requiresPreviousState(entry.EntityType, entry.Operation) {
		return nil, errors.DBQueryFailed("history.Rollback", fmt.Errorf("previousState required to roll back %s/%s", entry.EntityType, entry.Operation))
	}

	if err := dispatchRollback(ctx, tx, mutator, entry); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	rollbackEntry := &models.ChangeHistoryEntry{
		ID:             newID(),
		EntityType:     entry.EntityType,
		EntityID:       entry.EntityID,
		Operation:      rollbackPrefix + entry.Operation,
		PreviousState:  entry.NewState,
		NewState:       entry.PreviousState,
		PerformedBy:    performedBy,
		PerformedAt:    now,
		IsRollbackable: false,
		RollbackOf:     &entry.ID,
	}
	if err := s.Append(ctx, tx, rollbackEntry); err != nil {
		return nil, err
	}

	const markQ = `UPDATE authz.change_history SET rolled_back_at = $1 WHERE id = $2`
	if _, err := tx.ExecContext(ctx, markQ, now, entry.ID); err != nil {
		return nil, errors.DBQueryFailed("history.Rollback", err)
	}
	entry.RolledBackAt = &now

	return rollbackEntry, nil
}

func requiresPreviousState(entityType, operation string) bool {
	switch entityType {
	case EntityTemplateApplication, EntityPermissionDelegation:
		return false
	default:
		return operation == OpRevoke || operation == OpUpdate
	}
}

func dispatchRollback(ctx context.Context, tx *sqlx.Tx, mutator RollbackMutator, entry *models.ChangeHistoryEntry) error {
	switch entry.EntityType {
	case EntityUserPermission, EntityRolePermission:
		switch entry.Operation {
		case OpGrant:
			return mutator.DeleteEdge(ctx, tx, entry.EntityType, entry.EntityID)
		case OpRevoke, OpUpdate:
			return mutator.RestoreState(ctx, tx, entry.EntityType, entry.EntityID, entry.PreviousState)
		default:
			return errors.DBQueryFailed("history.Rollback", fmt.Errorf("unsupported operation %q for %s", entry.Operation, entry.EntityType))
		}
	case EntityTemplateApplication:
		switch entry.Operation {
		case OpGrant:
			return mutator.SetTemplateApplicationActive(ctx, tx, entry.EntityID, false)
		case OpRevoke:
			return mutator.SetTemplateApplicationActive(ctx, tx, entry.EntityID, true)
		default:
			return errors.DBQueryFailed("history.Rollback", fmt.Errorf("template_application has no rollback for operation %q", entry.Operation))
		}
	case EntityPermissionDelegation:
		switch entry.Operation {
		case OpGrant:
			return mutator.SetDelegationRevoked(ctx, tx, entry.EntityID, true)
		case OpRevoke:
			return mutator.SetDelegationRevoked(ctx, tx, entry.EntityID, false)
		default:
			return errors.DBQueryFailed("history.Rollback", fmt.Errorf("permission_delegation has no rollback for operation %q", entry.Operation))
		}
	default:
		return errors.DBQueryFailed("history.Rollback", fmt.Errorf("unknown entity type %q", entry.EntityType))
	}
}
