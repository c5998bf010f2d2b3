package repository

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGrantStore_ExpireGrantsSumsAffectedRows(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectExec("UPDATE authz.user_permissions").WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("UPDATE authz.user_roles").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM authz.policy_assignments").WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := store.ExpireGrants(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(6), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGrantStore_CleanupCheckLogsDeletesOldRows(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectExec("DELETE FROM authz.permission_check_log").WillReturnResult(sqlmock.NewResult(0, 42))

	n, err := store.CleanupCheckLogs(context.Background(), 30*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGrantStore_ExpiringGrantsByUserGroupsByUser(t *testing.T) {
	store, mock := newTestStore(t)

	rows := sqlmock.NewRows([]string{"user_profile_id", "code"}).
		AddRow("user-1", "document.read").
		AddRow("user-1", "document.write").
		AddRow("user-2", "document.read")
	mock.ExpectQuery("SELECT up.user_profile_id, p.code").WillReturnRows(rows)

	grouped, err := store.ExpiringGrantsByUser(context.Background(), 7*24*time.Hour)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"document.read", "document.write"}, grouped["user-1"])
	assert.ElementsMatch(t, []string{"document.read"}, grouped["user-2"])
	assert.NoError(t, mock.ExpectationsWereMet())
}
