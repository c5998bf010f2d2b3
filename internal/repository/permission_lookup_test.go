package repository

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGrantStore_PermissionIDsByCodeOmitsUnknownCodes(t *testing.T) {
	store, mock := newTestStore(t)

	rows := sqlmock.NewRows([]string{"code", "id"}).
		AddRow("document.read", "perm-1").
		AddRow("document.write", "perm-2")
	mock.ExpectQuery("SELECT code, id FROM authz.permissions").WillReturnRows(rows)

	ids, err := store.PermissionIDsByCode(context.Background(), []string{"document.read", "document.write", "document.nonexistent"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"document.read": "perm-1", "document.write": "perm-2"}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGrantStore_PermissionIDsByCodeEmptyInputSkipsQuery(t *testing.T) {
	store, _ := newTestStore(t)

	ids, err := store.PermissionIDsByCode(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, ids)
}
