// Package models defines the §3 data model of the authorization core:
// permissions, roles, their edges, policies, delegations, and the
// derived matrix/cache/history rows. Field shapes are grounded on the
// pack's my-gloria RBAC schema (internal/models/permission.go,
// role.go, delegation.go), adapted from GORM tags to the sqlx-scanned
// `db` tags the teacher's repository layer uses.
package models

import (
	"encoding/json"
	"time"
)

// PermissionAction enumerates the actions a permission can authorize.
type PermissionAction string

const (
	ActionCreate  PermissionAction = "CREATE"
	ActionRead    PermissionAction = "READ"
	ActionUpdate  PermissionAction = "UPDATE"
	ActionDelete  PermissionAction = "DELETE"
	ActionApprove PermissionAction = "APPROVE"
	ActionAssign  PermissionAction = "ASSIGN"
)

// IsValid reports whether a is non-empty: the built-in actions and any
// domain extension beyond them (spec §3: "and domain-specific
// extensions") are all accepted; extensions are not pre-enumerated here.
func (a PermissionAction) IsValid() bool {
	switch a {
	case ActionCreate, ActionRead, ActionUpdate, ActionDelete, ActionApprove, ActionAssign:
		return true
	}
	return len(a) > 0
}

// PermissionScope is the coarse relational qualifier narrowing where a
// permission applies.
type PermissionScope string

const (
	ScopeOwn        PermissionScope = "OWN"
	ScopeDepartment PermissionScope = "DEPARTMENT"
	ScopeSchool     PermissionScope = "SCHOOL"
	ScopeAll        PermissionScope = "ALL"
)

// scopeHierarchy orders scopes from narrowest to broadest, used by
// policy/attribute evaluation when a rule needs to compare scope breadth.
var scopeHierarchy = map[PermissionScope]int{
	ScopeOwn: 1, ScopeDepartment: 2, ScopeSchool: 3, ScopeAll: 4,
}

// Broader reports whether scope a is at least as broad as scope b.
func (a PermissionScope) Broader(b PermissionScope) bool {
	return scopeHierarchy[a] >= scopeHierarchy[b]
}

func (s PermissionScope) IsValid() bool {
	switch s {
	case ScopeOwn, ScopeDepartment, ScopeSchool, ScopeAll, "":
		return true
	}
	return false
}

// Permission is the atomic unit of authority (spec §3).
type Permission struct {
	ID                 string           `db:"id" json:"id"`
	Code               string           `db:"code" json:"code"`
	Resource           string           `db:"resource" json:"resource"`
	Action             PermissionAction `db:"action" json:"action"`
	Scope              *PermissionScope `db:"scope" json:"scope,omitempty"`
	IsSystemPermission bool             `db:"is_system_permission" json:"is_system_permission"`
	Group              *string          `db:"group_name" json:"group,omitempty"`
	Dependencies       StringSlice      `db:"dependencies" json:"dependencies,omitempty"`
	IsActive           bool             `db:"is_active" json:"is_active"`
	CreatedAt          time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time        `db:"updated_at" json:"updated_at"`
	CreatedBy          string           `db:"created_by" json:"created_by,omitempty"`
}

// Key returns the "resource:action:scope" composite used as a
// permission matrix / check-cache key component.
func (p *Permission) Key() string {
	scope := "none"
	if p.Scope != nil {
		scope = string(*p.Scope)
	}
	return p.Resource + ":" + string(p.Action) + ":" + scope
}

// Role is a named bundle of permissions (spec §3).
type Role struct {
	ID             string    `db:"id" json:"id"`
	Code           string    `db:"code" json:"code"`
	Name           string    `db:"name" json:"name"`
	HierarchyLevel int       `db:"hierarchy_level" json:"hierarchy_level"`
	IsSystemRole   bool      `db:"is_system_role" json:"is_system_role"`
	IsActive       bool      `db:"is_active" json:"is_active"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

// RoleParent is an edge in the role-inheritance DAG.
type RoleParent struct {
	RoleID             string `db:"role_id" json:"role_id"`
	ParentRoleID       string `db:"parent_role_id" json:"parent_role_id"`
	InheritPermissions bool   `db:"inherit_permissions" json:"inherit_permissions"`
}

// RolePermission is the (role, permission) edge.
type RolePermission struct {
	ID           string          `db:"id" json:"id"`
	RoleID       string          `db:"role_id" json:"role_id"`
	PermissionID string          `db:"permission_id" json:"permission_id"`
	IsGranted    bool            `db:"is_granted" json:"is_granted"`
	Conditions   json.RawMessage `db:"conditions" json:"conditions,omitempty"`
	ValidFrom    *time.Time      `db:"valid_from" json:"valid_from,omitempty"`
	ValidUntil   *time.Time      `db:"valid_until" json:"valid_until,omitempty"`
	GrantReason  string          `db:"grant_reason" json:"grant_reason,omitempty"`
	GrantedBy    string          `db:"granted_by" json:"granted_by,omitempty"`
	CreatedAt    time.Time       `db:"created_at" json:"created_at"`
}

// Active reports whether the grant's temporal window covers now.
func (rp *RolePermission) Active(now time.Time) bool {
	if rp.ValidFrom != nil && now.Before(*rp.ValidFrom) {
		return false
	}
	if rp.ValidUntil != nil && now.After(*rp.ValidUntil) {
		return false
	}
	return true
}

// UserRole assigns a role to a user profile.
type UserRole struct {
	ID             string     `db:"id" json:"id"`
	UserProfileID  string     `db:"user_profile_id" json:"user_profile_id"`
	RoleID         string     `db:"role_id" json:"role_id"`
	IsActive       bool       `db:"is_active" json:"is_active"`
	ValidFrom      *time.Time `db:"valid_from" json:"valid_from,omitempty"`
	ValidUntil     *time.Time `db:"valid_until" json:"valid_until,omitempty"`
	AssignedBy     string     `db:"assigned_by" json:"assigned_by,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
}

func (ur *UserRole) Active(now time.Time) bool {
	if !ur.IsActive {
		return false
	}
	if ur.ValidFrom != nil && now.Before(*ur.ValidFrom) {
		return false
	}
	if ur.ValidUntil != nil && now.After(*ur.ValidUntil) {
		return false
	}
	return true
}

// UserPermission is a direct grant of a permission to a user.
type UserPermission struct {
	ID            string          `db:"id" json:"id"`
	UserProfileID string          `db:"user_profile_id" json:"user_profile_id"`
	PermissionID  string          `db:"permission_id" json:"permission_id"`
	IsGranted     bool            `db:"is_granted" json:"is_granted"`
	Conditions    json.RawMessage `db:"conditions" json:"conditions,omitempty"`
	ValidFrom     *time.Time      `db:"valid_from" json:"valid_from,omitempty"`
	ValidUntil    *time.Time      `db:"valid_until" json:"valid_until,omitempty"`
	Priority      int             `db:"priority" json:"priority"`
	IsTemporary   bool            `db:"is_temporary" json:"is_temporary"`
	GrantReason   string          `db:"grant_reason" json:"grant_reason,omitempty"`
	GrantedBy     string          `db:"granted_by" json:"granted_by,omitempty"`
	RevokeReason  string          `db:"revoke_reason" json:"revoke_reason,omitempty"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at" json:"updated_at"`
}

func (up *UserPermission) Active(now time.Time) bool {
	if up.ValidFrom != nil && now.Before(*up.ValidFrom) {
		return false
	}
	if up.ValidUntil != nil && now.After(*up.ValidUntil) {
		return false
	}
	return true
}

// ResourcePermission grants a permission scoped to one object instance.
type ResourcePermission struct {
	ID            string          `db:"id" json:"id"`
	UserProfileID string          `db:"user_profile_id" json:"user_profile_id"`
	PermissionID  string          `db:"permission_id" json:"permission_id"`
	ResourceType  string          `db:"resource_type" json:"resource_type"`
	ResourceID    string          `db:"resource_id" json:"resource_id"`
	IsGranted     bool            `db:"is_granted" json:"is_granted"`
	Conditions    json.RawMessage `db:"conditions" json:"conditions,omitempty"`
	ValidFrom     *time.Time      `db:"valid_from" json:"valid_from,omitempty"`
	ValidUntil    *time.Time      `db:"valid_until" json:"valid_until,omitempty"`
	GrantedBy     string          `db:"granted_by" json:"granted_by,omitempty"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
}

func (rp *ResourcePermission) Active(now time.Time) bool {
	if rp.ValidFrom != nil && now.Before(*rp.ValidFrom) {
		return false
	}
	if rp.ValidUntil != nil && now.After(*rp.ValidUntil) {
		return false
	}
	return true
}

// PolicyType enumerates the pluggable policy evaluator kinds (C6).
type PolicyType string

const (
	PolicyTimeBased      PolicyType = "TIME_BASED"
	PolicyLocationBased  PolicyType = "LOCATION_BASED"
	PolicyAttributeBased PolicyType = "ATTRIBUTE_BASED"
)

// PermissionPolicy is a logical rule set of a typed form.
type PermissionPolicy struct {
	ID               string          `db:"id" json:"id"`
	Name             string          `db:"name" json:"name"`
	Type             PolicyType      `db:"type" json:"type"`
	Rules            json.RawMessage `db:"rules" json:"rules"`
	Priority         int             `db:"priority" json:"priority"`
	GrantPermissions StringSlice     `db:"grant_permissions" json:"grant_permissions,omitempty"`
	DenyPermissions  StringSlice     `db:"deny_permissions" json:"deny_permissions,omitempty"`
	IsActive         bool            `db:"is_active" json:"is_active"`
	CreatedAt        time.Time       `db:"created_at" json:"created_at"`
}

// PrincipalType enumerates who a PolicyAssignment targets.
type PrincipalType string

const (
	PrincipalUser       PrincipalType = "USER"
	PrincipalRole       PrincipalType = "ROLE"
	PrincipalDepartment PrincipalType = "DEPARTMENT"
	PrincipalPosition   PrincipalType = "POSITION"
)

// PolicyAssignment binds a policy to a principal.
type PolicyAssignment struct {
	ID            string          `db:"id" json:"id"`
	PolicyID      string          `db:"policy_id" json:"policy_id"`
	PrincipalType PrincipalType   `db:"principal_type" json:"principal_type"`
	PrincipalID   string          `db:"principal_id" json:"principal_id"`
	Conditions    json.RawMessage `db:"conditions" json:"conditions,omitempty"`
	ValidFrom     *time.Time      `db:"valid_from" json:"valid_from,omitempty"`
	ValidUntil    *time.Time      `db:"valid_until" json:"valid_until,omitempty"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
}

func (pa *PolicyAssignment) Active(now time.Time) bool {
	if pa.ValidFrom != nil && now.Before(*pa.ValidFrom) {
		return false
	}
	if pa.ValidUntil != nil && now.After(*pa.ValidUntil) {
		return false
	}
	return true
}

// PermissionDelegation is a temporal, revocable transfer of a subset of
// one principal's permissions to another.
type PermissionDelegation struct {
	ID             string      `db:"id" json:"id"`
	DelegatorID    string      `db:"delegator_id" json:"delegator_id"`
	DelegateID     string      `db:"delegate_id" json:"delegate_id"`
	PermissionCodes StringSlice `db:"permission_codes" json:"permission_codes"`
	ValidFrom      time.Time   `db:"valid_from" json:"valid_from"`
	ValidUntil     time.Time   `db:"valid_until" json:"valid_until"`
	Reason         string      `db:"reason" json:"reason,omitempty"`
	IsRevoked      bool        `db:"is_revoked" json:"is_revoked"`
	RevokedBy      string      `db:"revoked_by" json:"revoked_by,omitempty"`
	RevokedReason  string      `db:"revoked_reason" json:"revoked_reason,omitempty"`
	CreatedAt      time.Time   `db:"created_at" json:"created_at"`
}

// Effective reports whether the delegation is live at time t.
func (d *PermissionDelegation) Effective(t time.Time) bool {
	if d.IsRevoked {
		return false
	}
	return !t.Before(d.ValidFrom) && t.Before(d.ValidUntil)
}

// MatrixEntry is a pre-computed effective-permission row (C7).
type MatrixEntry struct {
	UserProfileID string      `db:"user_profile_id" json:"user_profile_id"`
	PermissionKey string      `db:"permission_key" json:"permission_key"`
	IsAllowed     bool        `db:"is_allowed" json:"is_allowed"`
	GrantedBy     StringSlice `db:"granted_by" json:"granted_by,omitempty"`
	Priority      int         `db:"priority" json:"priority"`
	ExpiresAt     time.Time   `db:"expires_at" json:"expires_at"`
	Metadata      json.RawMessage `db:"metadata" json:"metadata,omitempty"`
}

// Priority weights used when two sources populate the same matrix row;
// the matrix stores the maximum (spec §4.6).
const (
	MatrixPriorityDirect = 100
	MatrixPriorityRole   = 50
	MatrixPriorityOther  = 0
)

// ActiveUserTracking is the rolling per-user check-activity counter
// driving warm-up and matrix-refresh scheduling.
type ActiveUserTracking struct {
	UserProfileID  string    `db:"user_profile_id" json:"user_profile_id"`
	CheckCount     int       `db:"check_count" json:"check_count"`
	WindowStart    time.Time `db:"window_start" json:"window_start"`
	IsHighPriority bool      `db:"is_high_priority" json:"is_high_priority"`
	LastCheckAt    time.Time `db:"last_check_at" json:"last_check_at"`
}

// HighPriorityThreshold is the default warm-up-window check count above
// which a user is treated as high priority (spec §3, §4.6).
const HighPriorityThreshold = 100

// ChangeHistoryEntry is an append-only record of a mutation event (C5).
type ChangeHistoryEntry struct {
	ID              string          `db:"id" json:"id"`
	EntityType      string          `db:"entity_type" json:"entity_type"`
	EntityID        string          `db:"entity_id" json:"entity_id"`
	Operation       string          `db:"operation" json:"operation"`
	PreviousState   json.RawMessage `db:"previous_state" json:"previous_state,omitempty"`
	NewState        json.RawMessage `db:"new_state" json:"new_state,omitempty"`
	PerformedBy     string          `db:"performed_by" json:"performed_by"`
	PerformedAt     time.Time       `db:"performed_at" json:"performed_at"`
	Metadata        json.RawMessage `db:"metadata" json:"metadata,omitempty"`
	IsRollbackable  bool            `db:"is_rollbackable" json:"is_rollbackable"`
	RolledBackAt    *time.Time      `db:"rolled_back_at" json:"rolled_back_at,omitempty"`
	RollbackOf      *string         `db:"rollback_of" json:"rollback_of,omitempty"`
}

// CheckLogEntry is the per-check audit row written in step 7 of the
// Check Engine's resolution pipeline (spec §4.10).
type CheckLogEntry struct {
	ID            string          `db:"id" json:"id"`
	UserProfileID string          `db:"user_profile_id" json:"user_profile_id"`
	Resource      string          `db:"resource" json:"resource"`
	Action        string          `db:"action" json:"action"`
	Scope         string          `db:"scope" json:"scope,omitempty"`
	ResourceID    string          `db:"resource_id" json:"resource_id,omitempty"`
	IsAllowed     bool            `db:"is_allowed" json:"is_allowed"`
	DeniedReason  string          `db:"denied_reason" json:"denied_reason,omitempty"`
	DurationMs    float64         `db:"duration_ms" json:"duration_ms"`
	Metadata      json.RawMessage `db:"metadata" json:"metadata,omitempty"`
	CheckedAt     time.Time       `db:"checked_at" json:"checked_at"`
}

// StringSlice adapts a Go []string to a jsonb/text[] column via
// driver.Valuer/sql.Scanner, matching the teacher's sqlx scan style for
// composite columns (grounded on the jsonb conditions columns across
// internal/repository/*.go).
type StringSlice []string

// BulkItemError names one failed (target, permission) pair in a bulk
// grant/revoke batch (spec §4.9).
type BulkItemError struct {
	TargetID     string `json:"targetId"`
	PermissionID string `json:"permissionId"`
	Error        string `json:"error"`
}

// BulkSummary breaks a bulk grant's successes down into newly-created
// rows versus already-granted rows left untouched (spec §8 scenario
// S6: "summary:{created,skipped}").
type BulkSummary struct {
	Created int `json:"created"`
	Skipped int `json:"skipped"`
}

// BulkResult is the partial-failure shape every bulk operation returns
// (spec §4.9: "{processed, failed, errors[]}"). Shared between
// internal/repository (which produces it) and pkg/authz/bulk (which
// shapes it for the HTTP surface), the same pattern already used for
// MatrixEntry and CheckLogEntry.
type BulkResult struct {
	Processed int             `json:"processed"`
	Failed    int             `json:"failed"`
	Summary   BulkSummary     `json:"summary"`
	Errors    []BulkItemError `json:"errors,omitempty"`
}
