package repository

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGrantStore_GrantUserRejectsAlreadyGranted(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT EXISTS").WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery("SELECT EXISTS").WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	existingRows := sqlmock.NewRows([]string{
		"id", "user_profile_id", "permission_id", "is_granted", "conditions", "valid_from", "valid_until",
		"priority", "is_temporary", "grant_reason", "granted_by", "revoke_reason", "created_at", "updated_at",
	}).AddRow("up-1", "user-1", "perm-1", true, nil, nil, nil, 100, false, "", "admin-0", "", nowT(), nowT())
	mock.ExpectQuery("SELECT \\* FROM authz.user_permissions").WillReturnRows(existingRows)
	mock.ExpectRollback()

	err := store.GrantUser(context.Background(), "user-1", "perm-1", nil, 0, false, nil, nil, "", "admin-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PERMISSION_ALREADY_EXISTS")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGrantStore_RevokeUserRejectsCriticalWithoutForce(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectBegin()
	existingRows := sqlmock.NewRows([]string{
		"id", "user_profile_id", "permission_id", "is_granted", "conditions", "valid_from", "valid_until",
		"priority", "is_temporary", "grant_reason", "granted_by", "revoke_reason", "created_at", "updated_at",
	}).AddRow("up-1", "user-1", "perm-1", true, nil, nil, nil, 100, false, "", "admin-0", "", nowT(), nowT())
	mock.ExpectQuery("SELECT \\* FROM authz.user_permissions").WillReturnRows(existingRows)
	mock.ExpectQuery("SELECT code FROM authz.permissions").
		WillReturnRows(sqlmock.NewRows([]string{"code"}).AddRow("system.admin"))
	mock.ExpectRollback()

	err := store.RevokeUser(context.Background(), "user-1", "perm-1", "cleanup", "admin-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PERMISSION_DENIED")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGrantStore_BulkGrantRejectsOversizedTargets(t *testing.T) {
	store, _ := newTestStore(t)

	targets := make([]string, bulkMaxTargets+1)
	_, err := store.BulkGrant(context.Background(), targets, []string{"perm-1"}, nil, 0, "admin-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PERMISSION_BATCH_SIZE_EXCEEDED")
}

func TestGrantStore_BulkGrantSkipsAlreadyGrantedWithoutFailing(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT EXISTS").WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery("SELECT EXISTS").WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	existingRows := sqlmock.NewRows([]string{
		"id", "user_profile_id", "permission_id", "is_granted", "conditions", "valid_from", "valid_until",
		"priority", "is_temporary", "grant_reason", "granted_by", "revoke_reason", "created_at", "updated_at",
	}).AddRow("up-1", "user-1", "perm-1", true, nil, nil, nil, 100, false, "", "admin-0", "", nowT(), nowT())
	mock.ExpectQuery("SELECT \\* FROM authz.user_permissions").WillReturnRows(existingRows)
	mock.ExpectCommit()

	result, err := store.BulkGrant(context.Background(), []string{"user-1"}, []string{"perm-1"}, nil, 0, "admin-1")
	require.NoError(t, err)
	assert.Equal(t, 1, result.Processed)
	assert.Equal(t, 0, result.Failed)
	assert.Equal(t, 1, result.Summary.Skipped)
	assert.Equal(t, 0, result.Summary.Created)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGrantStore_BulkGrantReportsFailureForNonexistentUser(t *testing.T) {
	store, mock := newTestStore(t)

	// user-1 x perm-1: succeeds.
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT EXISTS").WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery("SELECT EXISTS").WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery("SELECT \\* FROM authz.user_permissions").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "user_profile_id", "permission_id", "is_granted", "conditions", "valid_from", "valid_until",
			"priority", "is_temporary", "grant_reason", "granted_by", "revoke_reason", "created_at", "updated_at",
		}))
	mock.ExpectExec("INSERT INTO authz.user_permissions").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO authz.change_history").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	// user-missing x perm-1: fails at the user-existence check.
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT EXISTS").WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectRollback()

	result, err := store.BulkGrant(context.Background(), []string{"user-1", "user-missing"}, []string{"perm-1"}, nil, 0, "admin-1")
	require.NoError(t, err)
	assert.Equal(t, 1, result.Processed)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 1, result.Summary.Created)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "user-missing", result.Errors[0].TargetID)
	assert.NoError(t, mock.ExpectationsWereMet())
}
