package repository

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/nexus-iam/authz-core/pkg/authz/check"
	"github.com/nexus-iam/authz-core/pkg/authz/models"
	"github.com/nexus-iam/authz-core/pkg/errors"
)

// CheckLogStore implements check.Logger by appending to
// authz.permission_check_log (spec §4.10 step 7).
type CheckLogStore struct {
	db *sqlx.DB
}

// NewCheckLogStore wires a CheckLogStore over a live sqlx connection.
func NewCheckLogStore(db *sqlx.DB) *CheckLogStore { return &CheckLogStore{db: db} }

var _ check.Logger = (*CheckLogStore)(nil)

// LogCheck appends one audit row.
func (s *CheckLogStore) LogCheck(ctx context.Context, entry models.CheckLogEntry) error {
	const q = `INSERT INTO authz.permission_check_log
		(id, user_profile_id, resource, action, scope, resource_id, is_allowed, denied_reason, duration_ms, metadata, checked_at)
		VALUES (:id, :user_profile_id, :resource, :action, :scope, :resource_id, :is_allowed, :denied_reason, :duration_ms, :metadata, :checked_at)`
	if _, err := s.db.NamedExecContext(ctx, q, entry); err != nil {
		return errors.DBQueryFailed("CheckLogStore.LogCheck", err)
	}
	return nil
}
