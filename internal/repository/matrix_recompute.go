package repository

import (
	"context"
	"time"

	"github.com/nexus-iam/authz-core/pkg/authz/matrix"
	"github.com/nexus-iam/authz-core/pkg/authz/models"
	"github.com/nexus-iam/authz-core/pkg/errors"
)

// MatrixRecomputer implements scheduler.MatrixRecomputer: it resolves
// a user's full direct + role-derived permission set and atomically
// upserts one matrix row per permission (spec §4.6's hourly refresh).
// It deliberately bypasses the Check Engine's resource/policy layers —
// those are additive or context-dependent and the matrix only ever
// serves unconditional grants (spec §4.6: the matrix answers a check
// in O(1) for the common grant/role case, falling through to full
// resolution whenever the matrix misses).
type MatrixRecomputer struct {
	store  *GrantStore
	matrix *matrix.Store
}

// NewMatrixRecomputer wires a recomputer over a GrantStore and matrix.Store.
func NewMatrixRecomputer(store *GrantStore, m *matrix.Store) *MatrixRecomputer {
	return &MatrixRecomputer{store: store, matrix: m}
}

type recomputedGrant struct {
	Code     string `db:"code"`
	Resource string `db:"resource"`
	Action   string `db:"action"`
	Scope    *string `db:"scope"`
}

func permKeyFor(resource, action string, scope *string) string {
	s := "none"
	if scope != nil && *scope != "" {
		s = *scope
	}
	return resource + ":" + action + ":" + s
}

// RecomputeUser implements scheduler.MatrixRecomputer.
func (r *MatrixRecomputer) RecomputeUser(ctx context.Context, userProfileID string) error {
	const directQ = `
		SELECT p.code, p.resource, p.action, p.scope
		FROM authz.user_permissions up
		JOIN authz.permissions p ON p.id = up.permission_id
		WHERE up.user_profile_id = $1 AND up.is_granted = true
		  AND (up.valid_from IS NULL OR up.valid_from <= now())
		  AND (up.valid_until IS NULL OR up.valid_until > now())`
	var direct []recomputedGrant
	if err := r.store.db.SelectContext(ctx, &direct, directQ, userProfileID); err != nil {
		return errors.DBQueryFailed("MatrixRecomputer.RecomputeUser", err)
	}

	const roleQ = `
		WITH RECURSIVE user_active_roles AS (
			SELECT ur.role_id
			FROM authz.user_roles ur
			WHERE ur.user_profile_id = $1 AND ur.is_active = true
			  AND (ur.valid_from IS NULL OR ur.valid_from <= now())
			  AND (ur.valid_until IS NULL OR ur.valid_until > now())
			UNION
			SELECT rp.parent_role_id
			FROM authz.role_parents rp
			JOIN user_active_roles uar ON uar.role_id = rp.role_id
			WHERE rp.inherit_permissions = true
		)
		SELECT p.code, p.resource, p.action, p.scope
		FROM user_active_roles uar
		JOIN authz.role_permissions rpm ON rpm.role_id = uar.role_id
		JOIN authz.permissions p ON p.id = rpm.permission_id
		WHERE rpm.is_granted = true
		  AND (rpm.valid_from IS NULL OR rpm.valid_from <= now())
		  AND (rpm.valid_until IS NULL OR rpm.valid_until > now())`
	var viaRole []recomputedGrant
	if err := r.store.db.SelectContext(ctx, &viaRole, roleQ, userProfileID); err != nil {
		return errors.DBQueryFailed("MatrixRecomputer.RecomputeUser", err)
	}

	type rowPlan struct {
		priority  int
		grantedBy string
	}
	plans := make(map[string]rowPlan, len(direct)+len(viaRole))
	for _, g := range direct {
		key := permKeyFor(g.Resource, g.Action, g.Scope)
		plans[key] = rowPlan{priority: models.MatrixPriorityDirect, grantedBy: "direct"}
	}
	for _, g := range viaRole {
		key := permKeyFor(g.Resource, g.Action, g.Scope)
		if existing, ok := plans[key]; ok && existing.priority >= models.MatrixPriorityRole {
			continue
		}
		plans[key] = rowPlan{priority: models.MatrixPriorityRole, grantedBy: "role"}
	}

	for key, plan := range plans {
		entry := models.MatrixEntry{
			UserProfileID: userProfileID,
			PermissionKey: key,
			IsAllowed:     true,
			GrantedBy:     models.StringSlice{plan.grantedBy},
			Priority:      plan.priority,
			ExpiresAt:     time.Now().Add(matrix.EntryTTL),
		}
		if err := r.matrix.Upsert(ctx, entry); err != nil {
			return err
		}
	}
	return nil
}
