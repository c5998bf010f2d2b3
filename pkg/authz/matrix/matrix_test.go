package matrix

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-iam/authz-core/pkg/authz/models"
	"github.com/nexus-iam/authz-core/pkg/observability"
)

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	sqlxDB := sqlx.NewDb(db, "sqlmock")
	store, err := New(sqlxDB, observability.NewStandardLogger("matrix-test"), observability.NewPrometheusMetrics("authz_test", nil))
	require.NoError(t, err)
	return store, mock
}

func TestStore_LookupHotCacheHit(t *testing.T) {
	store, mock := newTestStore(t)

	entry := models.MatrixEntry{
		UserProfileID: "user-1",
		PermissionKey: "document:read",
		IsAllowed:     true,
		Priority:      models.MatrixPriorityDirect,
		ExpiresAt:     time.Now().Add(time.Hour),
	}
	require.NoError(t, mock.ExpectationsWereMet())

	mock.ExpectExec("INSERT INTO authz.permission_matrix").WillReturnResult(sqlmock.NewResult(1, 1))
	require.NoError(t, store.Upsert(context.Background(), entry))

	got, ok, err := store.Lookup(context.Background(), "user-1", "document:read")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.IsAllowed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_LookupMissFallsThroughToDB(t *testing.T) {
	store, mock := newTestStore(t)

	rows := sqlmock.NewRows([]string{"user_profile_id", "permission_key", "is_allowed", "granted_by", "priority", "expires_at", "metadata"})
	mock.ExpectQuery("SELECT \\* FROM authz.permission_matrix").WillReturnRows(rows)

	_, ok, err := store.Lookup(context.Background(), "user-2", "document:read")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_InvalidateUser(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectExec("DELETE FROM authz.permission_matrix WHERE user_profile_id").WillReturnResult(sqlmock.NewResult(0, 2))
	require.NoError(t, store.InvalidateUser(context.Background(), "user-3"))
	assert.NoError(t, mock.ExpectationsWereMet())
}
