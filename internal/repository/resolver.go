package repository

import (
	"context"
	"database/sql"
	stderrors "errors"

	"github.com/nexus-iam/authz-core/pkg/authz/check"
	"github.com/nexus-iam/authz-core/pkg/authz/models"
	"github.com/nexus-iam/authz-core/pkg/authz/policy"
	"github.com/nexus-iam/authz-core/pkg/errors"
)

// Resolver wraps GrantStore's read-only queries behind check.Resolver,
// the database-resolution layer (step 5) of the Check Engine's
// pipeline, grounded on the teacher's read-path repository methods
// (internal/repository/agent_repository.go's Get*/List* family).
type Resolver struct {
	store    *GrantStore
	registry *policy.Registry
}

// NewResolver adapts a GrantStore into a check.Resolver.
func NewResolver(store *GrantStore, registry *policy.Registry) *Resolver {
	return &Resolver{store: store, registry: registry}
}

var _ check.Resolver = (*Resolver)(nil)

// FindPermission looks up the permission matching a (resource, action,
// scope) triple, returning nil (not an error) when none exists.
func (r *Resolver) FindPermission(ctx context.Context, resource, action, scope string) (*models.Permission, error) {
	var perm models.Permission
	const q = `SELECT * FROM authz.permissions
		WHERE resource = $1 AND action = $2 AND COALESCE(scope, '') = $3 AND is_active = true`
	err := r.store.db.GetContext(ctx, &perm, q, resource, action, scope)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.DBQueryFailed("repository.FindPermission", err)
	}
	return &perm, nil
}

// ResourcePermission looks up a single-instance grant.
func (r *Resolver) ResourcePermission(ctx context.Context, userID, permissionID, resourceType, resourceID string) (*models.ResourcePermission, bool, error) {
	var rp models.ResourcePermission
	const q = `SELECT * FROM authz.resource_permissions
		WHERE user_profile_id = $1 AND permission_id = $2 AND resource_type = $3 AND resource_id = $4`
	err := r.store.db.GetContext(ctx, &rp, q, userID, permissionID, resourceType, resourceID)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.DBQueryFailed("repository.ResourcePermission", err)
	}
	return &rp, true, nil
}

// ActiveUserPermissions loads every direct grant/deny row for the pair,
// leaving temporal-window filtering to the caller (UserPermission.Active).
func (r *Resolver) ActiveUserPermissions(ctx context.Context, userID, permissionID string) ([]models.UserPermission, error) {
	var perms []models.UserPermission
	const q = `SELECT * FROM authz.user_permissions WHERE user_profile_id = $1 AND permission_id = $2`
	if err := r.store.db.SelectContext(ctx, &perms, q, userID, permissionID); err != nil {
		return nil, errors.DBQueryFailed("repository.ActiveUserPermissions", err)
	}
	return perms, nil
}

// ActiveRoleGrants walks the user's active roles (and their inherited
// parents) for ones that grant permissionID.
func (r *Resolver) ActiveRoleGrants(ctx context.Context, userID, permissionID string) ([]check.RoleGrant, error) {
	const q = `
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
		SELECT r.id AS role_id, r.name AS role_name
		FROM user_active_roles uar
		JOIN authz.roles r ON r.id = uar.role_id
		JOIN authz.role_permissions rpm ON rpm.role_id = uar.role_id
		WHERE rpm.permission_id = $2 AND rpm.is_granted = true
		  AND (rpm.valid_from IS NULL OR rpm.valid_from <= now())
		  AND (rpm.valid_until IS NULL OR rpm.valid_until > now())
		  AND r.is_active = true`

	rows, err := r.store.db.QueryxContext(ctx, q, userID, permissionID)
	if err != nil {
		return nil, errors.DBQueryFailed("repository.ActiveRoleGrants", err)
	}
	defer rows.Close()

	var grants []check.RoleGrant
	for rows.Next() {
		var g check.RoleGrant
		if err := rows.Scan(&g.RoleID, &g.RoleName); err != nil {
			return nil, errors.DBQueryFailed("repository.ActiveRoleGrants", err)
		}
		grants = append(grants, g)
	}
	return grants, nil
}

// ApplicablePolicies loads every active policy assigned (directly or
// via the user's roles) to userID, paired with its registered evaluator.
//
// Only USER and ROLE assignments are resolved here: DEPARTMENT and
// POSITION are valid PolicyAssignment principal types, but the
// organizational sub-domains that own department/position membership
// are external collaborators read only as evaluation-context
// attributes, not a relation this store owns or can join against.
func (r *Resolver) ApplicablePolicies(ctx context.Context, userID string) ([]check.PolicyBinding, error) {
	const q = `
		SELECT DISTINCT p.*
		FROM authz.permission_policies p
		JOIN authz.policy_assignments pa ON pa.policy_id = p.id
		WHERE p.is_active = true
		  AND (pa.valid_from IS NULL OR pa.valid_from <= now())
		  AND (pa.valid_until IS NULL OR pa.valid_until > now())
		  AND (
			(pa.principal_type = 'USER' AND pa.principal_id = $1)
			OR (pa.principal_type = 'ROLE' AND pa.principal_id IN (
				SELECT role_id FROM authz.user_roles WHERE user_profile_id = $1 AND is_active = true
			))
		  )`

	var policies []models.PermissionPolicy
	if err := r.store.db.SelectContext(ctx, &policies, q, userID); err != nil {
		return nil, errors.DBQueryFailed("repository.ApplicablePolicies", err)
	}

	bindings := make([]check.PolicyBinding, 0, len(policies))
	for _, p := range policies {
		eval, ok := r.registry.Get(p.Type)
		if !ok {
			continue
		}
		bindings = append(bindings, check.PolicyBinding{Evaluator: eval, Rules: p.Rules, Policy: p})
	}
	return bindings, nil
}
