package repository

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-iam/authz-core/pkg/authz/history"
	"github.com/nexus-iam/authz-core/pkg/authz/models"
)

func nowT() time.Time { return time.Now().UTC() }

func newTestStore(t *testing.T) (*GrantStore, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	sqlxDB := sqlx.NewDb(db, "sqlmock")
	hist := history.New(sqlxDB)

	return New(sqlxDB, hist), mock
}

func TestGrantStore_CreatePermissionRejectsDuplicateCode(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT EXISTS").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()

	p := &models.Permission{Code: "document.read", Resource: "document", Action: models.ActionRead}
	err := store.CreatePermission(context.Background(), p, "admin-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PERMISSION_ALREADY_EXISTS")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGrantStore_CreatePermissionSucceeds(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT EXISTS").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery("SELECT EXISTS").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec("INSERT INTO authz.permissions").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO authz.change_history").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	p := &models.Permission{Code: "document.read", Resource: "document", Action: models.ActionRead, IsActive: true}
	err := store.CreatePermission(context.Background(), p, "admin-1")
	require.NoError(t, err)
	assert.NotEmpty(t, p.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGrantStore_UpdatePermissionRejectsSystemPermission(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectBegin()
	rows := sqlmock.NewRows([]string{"id", "code", "resource", "action", "scope", "is_system_permission", "group_name", "dependencies", "is_active", "created_at", "updated_at", "created_by"}).
		AddRow("perm-1", "system.admin", "system", "READ", nil, true, nil, nil, true, nowT(), nowT(), "seed")
	mock.ExpectQuery("SELECT \\* FROM authz.permissions WHERE id").WillReturnRows(rows)
	mock.ExpectRollback()

	p := &models.Permission{ID: "perm-1", Code: "system.admin", Resource: "system", Action: models.ActionRead}
	err := store.UpdatePermission(context.Background(), p, "admin-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SYSTEM_PERMISSION_IMMUTABLE")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGrantStore_DeleteRoleRejectsActiveAssignments(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectBegin()
	roleRows := sqlmock.NewRows([]string{"id", "code", "name", "hierarchy_level", "is_system_role", "is_active", "created_at", "updated_at"}).
		AddRow("role-1", "editor", "Editor", 1, false, true, nowT(), nowT())
	mock.ExpectQuery("SELECT \\* FROM authz.roles WHERE id").WillReturnRows(roleRows)
	mock.ExpectQuery("SELECT COUNT").WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
	mock.ExpectRollback()

	err := store.DeleteRole(context.Background(), "role-1", "admin-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PERMISSION_ALREADY_EXISTS")
	assert.NoError(t, mock.ExpectationsWereMet())
}
