package repository

import (
	"context"

	"github.com/lib/pq"

	"github.com/nexus-iam/authz-core/pkg/errors"
)

type codeID struct {
	Code string `db:"code"`
	ID   string `db:"id"`
}

// PermissionIDsByCode resolves permission codes to IDs in one query.
// Codes with no matching row are simply absent from the returned map —
// callers (pkg/authz/bulk) report those as per-item failures rather
// than aborting the whole batch.
func (s *GrantStore) PermissionIDsByCode(ctx context.Context, codes []string) (map[string]string, error) {
	if len(codes) == 0 {
		return map[string]string{}, nil
	}
	var rows []codeID
	const q = `SELECT code, id FROM authz.permissions WHERE code = ANY($1)`
	if err := s.db.SelectContext(ctx, &rows, q, pq.Array(codes)); err != nil {
		return nil, errors.DBQueryFailed("GrantStore.PermissionIDsByCode", err)
	}
	out := make(map[string]string, len(rows))
	for _, r := range rows {
		out[r.Code] = r.ID
	}
	return out, nil
}
