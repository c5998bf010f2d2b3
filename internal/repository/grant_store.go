// Package repository implements the Grant Store (spec §4.9, C9): sqlx
// / lib-pq backed CRUD over permissions, roles, grants, and
// delegations, every mutation wrapped in a transaction that also
// writes change-history, grounded on the teacher's raw-SQL
// internal/repository/agent_repository.go style.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/sony/gobreaker"

	"github.com/nexus-iam/authz-core/internal/resilience"
	"github.com/nexus-iam/authz-core/pkg/authz/history"
	"github.com/nexus-iam/authz-core/pkg/authz/models"
	"github.com/nexus-iam/authz-core/pkg/authz/permcache"
	"github.com/nexus-iam/authz-core/pkg/errors"
)

// Invalidator is the Grant Store's narrow view of the invalidation
// fabric (pkg/authz/invalidation.Fabric satisfies this), kept as an
// interface so repository never imports cache/matrix concerns
// directly.
type Invalidator interface {
	OnUserGrantChange(ctx context.Context, userID string)
	OnRoleChange(ctx context.Context, roleID string)
}

// Prewarmer is the Grant Store's narrow view of the permission cache's
// warm-up pre-population (pkg/authz/permcache.Service satisfies this).
type Prewarmer interface {
	Prewarm(ctx context.Context, userID string, entries []permcache.PrewarmEntry) error
}

// breakerInstanceSeq gives each GrantStore its own gobreaker instance
// name, since GetCircuitBreaker keys a process-wide map by name and
// separate stores (e.g. in tests) must not share trip state.
var breakerInstanceSeq atomic.Uint64

// GrantStore is the Grant Store's sqlx-backed implementation.
type GrantStore struct {
	db          *sqlx.DB
	history     *history.Store
	breakerName string
	breaker     resilience.CircuitBreakerConfig
	invalidator Invalidator
	prewarmer   Prewarmer
}

// New wires a GrantStore over a live sqlx connection.
func New(db *sqlx.DB, hist *history.Store) *GrantStore {
	name := fmt.Sprintf("grant-store-database-%d", breakerInstanceSeq.Add(1))
	return &GrantStore{db: db, history: hist, breakerName: name, breaker: resilience.CircuitBreakerConfig{Name: name}}
}

// SetInvalidator wires the cache/matrix invalidation fabric (spec
// §4.9: every committed mutation cascades into the cache and matrix
// tiers). Left nil, mutations simply skip the cascade — useful in
// tests that don't care about cache state.
func (s *GrantStore) SetInvalidator(inv Invalidator) { s.invalidator = inv }

// SetPrewarmer wires the permission cache's warm-up pre-population
// (spec §4.8: a bulk grant batch exceeding WarmupThreshold triggers a
// pipelined SET of the newly granted permissions). Left nil, BulkGrant
// simply skips pre-population.
func (s *GrantStore) SetPrewarmer(p Prewarmer) { s.prewarmer = p }

// withTx runs fn inside a transaction, committing on success and
// rolling back on any error, per spec §5's "multi-entity updates run
// inside one transaction".
func (s *GrantStore) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	_, err := resilience.Execute(ctx, s.breakerName, s.breaker, func() (interface{}, error) {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return nil, errors.DBTransactionFailed("GrantStore.withTx", err)
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, errors.DBTransactionFailed("GrantStore.withTx", err)
		}
		return nil, nil
	})
	if stderrors.Is(err, gobreaker.ErrOpenState) || stderrors.Is(err, gobreaker.ErrTooManyRequests) {
		return errors.CircuitBreakerOpen("GrantStore.withTx", "database")
	}
	return err
}

func newID() string { return uuid.NewString() }

func historySnapshot(v interface{}) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, errors.DBQueryFailed("GrantStore.historySnapshot", err)
	}
	return b, nil
}

func (s *GrantStore) appendHistory(ctx context.Context, tx *sqlx.Tx, entityType, entityID, operation string, previous, next interface{}, performedBy string) error {
	prevJSON, err := historySnapshot(previous)
	if err != nil {
		return err
	}
	nextJSON, err := historySnapshot(next)
	if err != nil {
		return err
	}
	entry := &models.ChangeHistoryEntry{
		ID:             newID(),
		EntityType:     entityType,
		EntityID:       entityID,
		Operation:      operation,
		PreviousState:  prevJSON,
		NewState:       nextJSON,
		PerformedBy:    performedBy,
		PerformedAt:    time.Now().UTC(),
		IsRollbackable: true,
	}
	return s.history.Append(ctx, tx, entry)
}

// --- Permissions -----------------------------------------------------

// CreatePermission rejects on duplicate code and on duplicate
// (resource, action, scope) (spec §4.9).
func (s *GrantStore) CreatePermission(ctx context.Context, p *models.Permission, performedBy string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		var exists bool
		if err := tx.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM authz.permissions WHERE code = $1)`, p.Code); err != nil {
			return errors.DBQueryFailed("GrantStore.CreatePermission", err)
		}
		if exists {
			return errors.AlreadyExists("GrantStore.CreatePermission", fmt.Sprintf("permission code %q already exists", p.Code))
		}

		scope := ""
		if p.Scope != nil {
			scope = string(*p.Scope)
		}
		if err := tx.GetContext(ctx, &exists,
			`SELECT EXISTS(SELECT 1 FROM authz.permissions WHERE resource = $1 AND action = $2 AND COALESCE(scope, '') = $3)`,
			p.Resource, p.Action, scope); err != nil {
			return errors.DBQueryFailed("GrantStore.CreatePermission", err)
		}
		if exists {
			return errors.CombinationExists("GrantStore.CreatePermission", p.Resource, string(p.Action), scope)
		}

		if err := checkDependenciesExist(ctx, tx, p.Dependencies); err != nil {
			return err
		}

		p.ID = newID()
		p.CreatedAt = time.Now().UTC()
		p.UpdatedAt = p.CreatedAt
		p.CreatedBy = performedBy

		const q = `INSERT INTO authz.permissions
			(id, code, resource, action, scope, is_system_permission, group_name, dependencies, is_active, created_at, updated_at, created_by)
			VALUES (:id, :code, :resource, :action, :scope, :is_system_permission, :group_name, :dependencies, :is_active, :created_at, :updated_at, :created_by)`
		if _, err := tx.NamedExecContext(ctx, q, p); err != nil {
			return errors.DBQueryFailed("GrantStore.CreatePermission", err)
		}

		return s.appendHistory(ctx, tx, history.EntityUserPermission, p.ID, history.OpGrant, nil, p, performedBy)
	})
}

// checkDependenciesExist implements the dependencies cascade pre-check
// (supplemented from original_source/: PERMISSION_DEPENDENCY_NOT_FOUND).
func checkDependenciesExist(ctx context.Context, tx *sqlx.Tx, deps models.StringSlice) error {
	for _, dep := range deps {
		var exists bool
		if err := tx.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM authz.permissions WHERE code = $1)`, dep); err != nil {
			return errors.DBQueryFailed("GrantStore.checkDependenciesExist", err)
		}
		if !exists {
			return errors.DependencyNotFound("GrantStore.checkDependenciesExist", fmt.Sprintf("dependency %q not found", dep))
		}
	}
	return nil
}

// affectedUsersForPermission discovers every user affected by a
// permission mutation: direct grant holders union role holders of
// roles carrying the permission (spec §4.12).
func affectedUsersForPermission(ctx context.Context, tx *sqlx.Tx, permissionID string) ([]string, error) {
	affected := map[string]bool{}

	var direct []string
	if err := tx.SelectContext(ctx, &direct, `SELECT DISTINCT user_profile_id FROM authz.user_permissions WHERE permission_id = $1`, permissionID); err != nil {
		return nil, errors.DBQueryFailed("GrantStore.affectedUsersForPermission", err)
	}
	for _, u := range direct {
		affected[u] = true
	}

	var viaRoles []string
	const q = `
		SELECT DISTINCT ur.user_profile_id
		FROM authz.role_permissions rp
		JOIN authz.user_roles ur ON ur.role_id = rp.role_id AND ur.is_active = true
		WHERE rp.permission_id = $1`
	if err := tx.SelectContext(ctx, &viaRoles, q, permissionID); err != nil {
		return nil, errors.DBQueryFailed("GrantStore.affectedUsersForPermission", err)
	}
	for _, u := range viaRoles {
		affected[u] = true
	}

	ids := make([]string, 0, len(affected))
	for u := range affected {
		ids = append(ids, u)
	}
	return ids, nil
}

// UpdatePermission rejects on isSystemPermission=true.
func (s *GrantStore) UpdatePermission(ctx context.Context, p *models.Permission, performedBy string) error {
	var affected []string
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var existing models.Permission
		if err := tx.GetContext(ctx, &existing, `SELECT * FROM authz.permissions WHERE id = $1`, p.ID); err != nil {
			if stderrors.Is(err, sql.ErrNoRows) {
				return errors.NotFound("GrantStore.UpdatePermission", fmt.Sprintf("permission %s not found", p.ID))
			}
			return errors.DBQueryFailed("GrantStore.UpdatePermission", err)
		}
		if existing.IsSystemPermission {
			return errors.SystemPermissionImmutable("GrantStore.UpdatePermission")
		}
		if err := checkDependenciesExist(ctx, tx, p.Dependencies); err != nil {
			return err
		}

		p.UpdatedAt = time.Now().UTC()
		const q = `UPDATE authz.permissions SET resource = :resource, action = :action, scope = :scope,
			group_name = :group_name, dependencies = :dependencies, is_active = :is_active, updated_at = :updated_at
			WHERE id = :id`
		if _, err := tx.NamedExecContext(ctx, q, p); err != nil {
			return errors.DBQueryFailed("GrantStore.UpdatePermission", err)
		}

		prevJSON, err := historySnapshot(existing)
		if err != nil {
			return err
		}
		if err := s.appendHistory(ctx, tx, history.EntityUserPermission, p.ID, history.OpUpdate, prevJSON, p, performedBy); err != nil {
			return err
		}
		if s.invalidator == nil {
			return nil
		}
		affected, err = affectedUsersForPermission(ctx, tx, p.ID)
		return err
	})
	if err == nil && s.invalidator != nil {
		for _, uid := range affected {
			s.invalidator.OnUserGrantChange(ctx, uid)
		}
	}
	return err
}

// DeletePermission rejects on isSystemPermission=true.
func (s *GrantStore) DeletePermission(ctx context.Context, id, performedBy string) error {
	var affected []string
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var existing models.Permission
		if err := tx.GetContext(ctx, &existing, `SELECT * FROM authz.permissions WHERE id = $1`, id); err != nil {
			if stderrors.Is(err, sql.ErrNoRows) {
				return errors.NotFound("GrantStore.DeletePermission", fmt.Sprintf("permission %s not found", id))
			}
			return errors.DBQueryFailed("GrantStore.DeletePermission", err)
		}
		if existing.IsSystemPermission {
			return errors.SystemPermissionDeleteForbidden("GrantStore.DeletePermission")
		}

		if s.invalidator != nil {
			var err error
			affected, err = affectedUsersForPermission(ctx, tx, id)
			if err != nil {
				return err
			}
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM authz.permissions WHERE id = $1`, id); err != nil {
			return errors.DBQueryFailed("GrantStore.DeletePermission", err)
		}
		prevJSON, err := historySnapshot(existing)
		if err != nil {
			return err
		}
		return s.appendHistory(ctx, tx, history.EntityUserPermission, id, history.OpRevoke, prevJSON, nil, performedBy)
	})
	if err == nil && s.invalidator != nil {
		for _, uid := range affected {
			s.invalidator.OnUserGrantChange(ctx, uid)
		}
	}
	return err
}

// --- Roles -------------------------------------------------------------

// CreateRole rejects on duplicate code; may receive initial
// permissions and parent roles.
func (s *GrantStore) CreateRole(ctx context.Context, r *models.Role, permissionIDs, parentRoleIDs []string, performedBy string) error {
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var exists bool
		if err := tx.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM authz.roles WHERE code = $1)`, r.Code); err != nil {
			return errors.DBQueryFailed("GrantStore.CreateRole", err)
		}
		if exists {
			return errors.AlreadyExists("GrantStore.CreateRole", fmt.Sprintf("role code %q already exists", r.Code))
		}

		r.ID = newID()
		r.CreatedAt = time.Now().UTC()
		r.UpdatedAt = r.CreatedAt
		const q = `INSERT INTO authz.roles (id, code, name, hierarchy_level, is_system_role, is_active, created_at, updated_at)
			VALUES (:id, :code, :name, :hierarchy_level, :is_system_role, :is_active, :created_at, :updated_at)`
		if _, err := tx.NamedExecContext(ctx, q, r); err != nil {
			return errors.DBQueryFailed("GrantStore.CreateRole", err)
		}

		for _, pid := range permissionIDs {
			rp := models.RolePermission{ID: newID(), RoleID: r.ID, PermissionID: pid, IsGranted: true, CreatedAt: time.Now().UTC()}
			if _, err := tx.NamedExecContext(ctx, `INSERT INTO authz.role_permissions
				(id, role_id, permission_id, is_granted, conditions, valid_from, valid_until, grant_reason, granted_by, created_at)
				VALUES (:id, :role_id, :permission_id, :is_granted, :conditions, :valid_from, :valid_until, :grant_reason, :granted_by, :created_at)`, rp); err != nil {
				return errors.DBQueryFailed("GrantStore.CreateRole", err)
			}
		}

		if err := checkRoleCycles(ctx, tx, r.ID, parentRoleIDs); err != nil {
			return err
		}
		for _, parentID := range parentRoleIDs {
			if _, err := tx.ExecContext(ctx, `INSERT INTO authz.role_parents (role_id, parent_role_id, inherit_permissions) VALUES ($1, $2, true)`, r.ID, parentID); err != nil {
				return errors.DBQueryFailed("GrantStore.CreateRole", err)
			}
		}

		return s.appendHistory(ctx, tx, history.EntityRolePermission, r.ID, history.OpGrant, nil, r, performedBy)
	})
	if err == nil && s.invalidator != nil {
		s.invalidator.OnRoleChange(ctx, r.ID)
	}
	return err
}

// checkRoleCycles rejects a parent assignment that would introduce a
// cycle in the role-inheritance DAG (spec §5 pre-check discipline).
func checkRoleCycles(ctx context.Context, tx *sqlx.Tx, roleID string, parentRoleIDs []string) error {
	for _, parentID := range parentRoleIDs {
		if parentID == roleID {
			return errors.DependencyCycle("GrantStore.checkRoleCycles", fmt.Sprintf("role %s cannot be its own parent", roleID))
		}
		visited := map[string]bool{roleID: true}
		queue := []string{parentID}
		for len(queue) > 0 {
			current := queue[0]
			queue = queue[1:]
			if visited[current] {
				return errors.DependencyCycle("GrantStore.checkRoleCycles", fmt.Sprintf("assigning parent %s to role %s introduces a cycle", parentID, roleID))
			}
			visited[current] = true
			var ancestors []string
			if err := tx.SelectContext(ctx, &ancestors, `SELECT parent_role_id FROM authz.role_parents WHERE role_id = $1`, current); err != nil {
				return errors.DBQueryFailed("GrantStore.checkRoleCycles", err)
			}
			queue = append(queue, ancestors...)
		}
	}
	return nil
}

// DeleteRole rejects if any active UserRole references it, or if
// isSystemRole=true.
func (s *GrantStore) DeleteRole(ctx context.Context, id, performedBy string) error {
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var role models.Role
		if err := tx.GetContext(ctx, &role, `SELECT * FROM authz.roles WHERE id = $1`, id); err != nil {
			if stderrors.Is(err, sql.ErrNoRows) {
				return errors.NotFound("GrantStore.DeleteRole", fmt.Sprintf("role %s not found", id))
			}
			return errors.DBQueryFailed("GrantStore.DeleteRole", err)
		}
		if role.IsSystemRole {
			return errors.SystemPermissionDeleteForbidden("GrantStore.DeleteRole")
		}

		var activeCount int
		if err := tx.GetContext(ctx, &activeCount, `SELECT COUNT(*) FROM authz.user_roles WHERE role_id = $1 AND is_active = true`, id); err != nil {
			return errors.DBQueryFailed("GrantStore.DeleteRole", err)
		}
		if activeCount > 0 {
			return errors.AlreadyExists("GrantStore.DeleteRole", fmt.Sprintf("role %s has %d active user assignments", id, activeCount))
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM authz.roles WHERE id = $1`, id); err != nil {
			return errors.DBQueryFailed("GrantStore.DeleteRole", err)
		}
		prevJSON, err := historySnapshot(role)
		if err != nil {
			return err
		}
		return s.appendHistory(ctx, tx, history.EntityRolePermission, id, history.OpRevoke, prevJSON, nil, performedBy)
	})
	if err == nil && s.invalidator != nil {
		s.invalidator.OnRoleChange(ctx, id)
	}
	return err
}

// UsersWithRole implements permcache.RoleUserLister.
func (s *GrantStore) UsersWithRole(ctx context.Context, roleID string) ([]string, error) {
	var ids []string
	const q = `SELECT user_profile_id FROM authz.user_roles WHERE role_id = $1 AND is_active = true`
	if err := s.db.SelectContext(ctx, &ids, q, roleID); err != nil {
		return nil, errors.DBQueryFailed("GrantStore.UsersWithRole", err)
	}
	return ids, nil
}
