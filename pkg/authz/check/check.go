// Package check implements the Check Engine (spec §4.10, C10): the
// public permission-check contract and its seven-step resolution
// pipeline, short-circuiting on the first authoritative answer.
package check

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nexus-iam/authz-core/pkg/authz/models"
	"github.com/nexus-iam/authz-core/pkg/authz/permcache"
	"github.com/nexus-iam/authz-core/pkg/authz/policy"
	"github.com/nexus-iam/authz-core/pkg/errors"
	"github.com/nexus-iam/authz-core/pkg/observability"
	"github.com/nexus-iam/authz-core/pkg/resilience"
)

// DefaultCheckTimeout bounds a single check (spec §4.10, §6).
const DefaultCheckTimeout = 100 * time.Millisecond

// DefaultBatchTimeout bounds batch/rollback transactions (spec §4.10, §5).
const DefaultBatchTimeout = 30 * time.Second

// BatchMaxSize bounds a single batchCheck call (spec §4.10).
const BatchMaxSize = 100

// CheckRequest is the public check contract's input.
type CheckRequest struct {
	UserID      string
	IsSuperadmin bool
	Resource    string
	Action      string
	Scope       string
	ResourceID  string
	Context     *policy.EvaluationContext
}

// CheckResult is the public check contract's output.
type CheckResult struct {
	IsAllowed       bool
	GrantedBy       []string
	Reason          string
	CheckDurationMs float64
}

// Triple is one (resource, action, scope?, resourceId?) tuple checked
// in a batch request.
type Triple struct {
	Resource   string
	Action     string
	Scope      string
	ResourceID string
}

// BatchResult is the public batchCheck contract's output.
type BatchResult struct {
	Results      map[string]CheckResult
	TotalChecked int
	TotalAllowed int
	CacheHits    int
}

// MatrixLookup is the narrow interface the Check Engine needs from the
// Permission Matrix (pkg/authz/matrix.Store).
type MatrixLookup interface {
	Lookup(ctx context.Context, userProfileID, permissionKey string) (*models.MatrixEntry, bool, error)
}

// Resolver is the narrow interface the Check Engine needs from the
// Grant Store to run database resolution (step 5), implemented by
// internal/repository.
type Resolver interface {
	FindPermission(ctx context.Context, resource, action, scope string) (*models.Permission, error)
	ResourcePermission(ctx context.Context, userID, permissionID, resourceType, resourceID string) (*models.ResourcePermission, bool, error)
	ActiveUserPermissions(ctx context.Context, userID, permissionID string) ([]models.UserPermission, error)
	ActiveRoleGrants(ctx context.Context, userID, permissionID string) ([]RoleGrant, error)
	ApplicablePolicies(ctx context.Context, userID string) ([]PolicyBinding, error)
}

// RoleGrant names a role (transitively, via inheritance) that grants a
// permission to a user.
type RoleGrant struct {
	RoleID   string
	RoleName string
}

// PolicyBinding pairs a policy with the evaluator rules payload.
type PolicyBinding struct {
	Evaluator policy.Evaluator
	Rules     json.RawMessage
	Policy    models.PermissionPolicy
}

// Logger is the narrow append-only check-log sink (step 7).
type Logger interface {
	LogCheck(ctx context.Context, entry models.CheckLogEntry) error
}

// ActivityTracker increments the warm-up counter (step 2), and may
// also drive high-priority promotion for synchronous matrix refresh.
type ActivityTracker interface {
	TrackActivity(ctx context.Context, userID string) (int64, error)
}

// Recorder feeds the Monitoring Surface's rolling health stats (spec
// §4.13): total check count, error rate, check duration, and cache hit
// rate all derive from these two calls. Optional — a nil Engine.recorder
// is a no-op, same convention as checklog/activity.
type Recorder interface {
	RecordCheck(duration time.Duration, errored bool)
	RecordCacheLookup(hit bool)
}

// Engine wires together the resolution pipeline's dependencies.
type Engine struct {
	matrix        MatrixLookup
	matrixBreaker *resilience.Breaker
	cache         *permcache.Service
	cacheBreaker  *resilience.Breaker
	db            Resolver
	dbBreaker     *resilience.Breaker
	activity      ActivityTracker
	checklog      Logger
	logger        observability.Logger
	metrics       observability.MetricsClient
	recorder      Recorder
	tracer        observability.StartSpanFunc
	clock         func() time.Time
}

// Config supplies an Engine's collaborators.
type Config struct {
	Matrix          MatrixLookup
	Cache           *permcache.Service
	DB              Resolver
	Activity        ActivityTracker
	CheckLog        Logger
	Logger          observability.Logger
	Metrics         observability.MetricsClient
	BreakerManager  *resilience.Manager
	Recorder        Recorder
	// Tracer wraps each resolution in a span when set (spec domain stack:
	// "tracing spans around Check Engine resolution stages"). Left nil,
	// resolve runs untraced.
	Tracer observability.StartSpanFunc
}

// New builds an Engine.
func New(cfg Config) *Engine {
	return &Engine{
		matrix:        cfg.Matrix,
		matrixBreaker: cfg.BreakerManager.Get("matrix"),
		cache:         cfg.Cache,
		cacheBreaker:  cfg.BreakerManager.Get("cache"),
		db:            cfg.DB,
		dbBreaker:     cfg.BreakerManager.Get("database"),
		activity:      cfg.Activity,
		checklog:      cfg.CheckLog,
		logger:        cfg.Logger,
		metrics:       cfg.Metrics,
		recorder:      cfg.Recorder,
		tracer:        cfg.Tracer,
		clock:         time.Now,
	}
}

// Check runs the seven-step resolution pipeline for one request,
// bounded by DefaultCheckTimeout.
func (e *Engine) Check(ctx context.Context, req CheckRequest) (CheckResult, error) {
	start := e.clock()
	ctx, cancel := context.WithTimeout(ctx, DefaultCheckTimeout)
	defer cancel()

	var span observability.Span
	if e.tracer != nil {
		ctx, span = e.tracer(ctx, "check.resolve",
			attribute.String("resource", req.Resource),
			attribute.String("action", req.Action),
		)
	}
	result, err := e.resolve(ctx, req)
	if span != nil {
		span.RecordError(err)
		span.SetAttribute("allowed", result.IsAllowed)
		span.End()
	}
	elapsed := e.clock().Sub(start)
	duration := float64(elapsed.Microseconds()) / 1000.0
	result.CheckDurationMs = duration

	if e.recorder != nil && !req.IsSuperadmin {
		e.recorder.RecordCheck(elapsed, err != nil)
	}

	if err != nil {
		if ctx.Err() != nil {
			return CheckResult{}, errors.CheckTimeout("check.Check", DefaultCheckTimeout)
		}
		return CheckResult{}, err
	}

	e.writeCheckLog(ctx, req, result)
	return result, nil
}

func (e *Engine) resolve(ctx context.Context, req CheckRequest) (CheckResult, error) {
	// Step 1: superadmin bypass.
	if req.IsSuperadmin {
		return CheckResult{IsAllowed: true, GrantedBy: []string{"superadmin"}}, nil
	}

	// Step 2: fire-and-forget activity tracking.
	if e.activity != nil {
		go func() {
			trackCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if _, err := e.activity.TrackActivity(trackCtx, req.UserID); err != nil {
				e.logger.Debug("check: activity tracking failed", map[string]interface{}{"error": err.Error()})
			}
		}()
	}

	permissionKey := permissionKey(req.Resource, req.Action, req.Scope)

	// Step 3: matrix lookup, under the matrix breaker.
	if e.matrix != nil {
		entryVal, hit, err := e.matrixLookup(ctx, req.UserID, permissionKey)
		if err == nil && hit {
			e.metrics.IncrementCounter("check_matrix_hit_total", 1)
			return CheckResult{IsAllowed: entryVal.IsAllowed, GrantedBy: entryVal.GrantedBy}, nil
		}
	}

	// Step 4: cache lookup, under the cache breaker.
	if e.cache != nil {
		allowed, hit := e.cacheLookup(ctx, req)
		if e.recorder != nil {
			e.recorder.RecordCacheLookup(hit)
		}
		if hit {
			e.metrics.IncrementCounter("check_cache_hit_total", 1)
			return CheckResult{IsAllowed: allowed}, nil
		}
	}

	// Step 5: database resolution, under the database breaker.
	result, err := e.resolveFromDatabase(ctx, req)
	if err != nil {
		return CheckResult{}, err
	}

	// Step 6: cache write.
	if e.cache != nil {
		_ = e.cache.SetCheck(ctx, req.UserID, req.Resource, req.Action, req.Scope, req.ResourceID, result.IsAllowed)
	}

	return result, nil
}

func (e *Engine) matrixLookup(ctx context.Context, userID, permissionKey string) (*models.MatrixEntry, bool, error) {
	type matrixHit struct {
		entry *models.MatrixEntry
		hit   bool
	}
	v, err := e.matrixBreaker.Execute(ctx, func(ctx context.Context) (interface{}, error) {
		entry, hit, err := e.matrix.Lookup(ctx, userID, permissionKey)
		return matrixHit{entry: entry, hit: hit}, err
	}, nil)
	if err != nil {
		return nil, false, err
	}
	mh := v.(matrixHit)
	return mh.entry, mh.hit, nil
}

func (e *Engine) cacheLookup(ctx context.Context, req CheckRequest) (bool, bool) {
	type cacheHit struct {
		allowed bool
		hit     bool
	}
	v, err := e.cacheBreaker.Execute(ctx, func(ctx context.Context) (interface{}, error) {
		allowed, hit := e.cache.GetCheck(ctx, req.UserID, req.Resource, req.Action, req.Scope, req.ResourceID)
		return cacheHit{allowed: allowed, hit: hit}, nil
	}, nil)
	if err != nil {
		return false, false
	}
	ch := v.(cacheHit)
	return ch.allowed, ch.hit
}

func (e *Engine) resolveFromDatabase(ctx context.Context, req CheckRequest) (CheckResult, error) {
	v, err := e.dbBreaker.Execute(ctx, func(ctx context.Context) (interface{}, error) {
		return e.dbResolve(ctx, req)
	}, func(ctx context.Context) (interface{}, error) {
		return nil, errors.DBError("check.resolveFromDatabase", resilience.ErrOpen)
	})
	if err != nil {
		return CheckResult{}, err
	}
	return v.(CheckResult), nil
}

func (e *Engine) dbResolve(ctx context.Context, req CheckRequest) (CheckResult, error) {
	perm, err := e.db.FindPermission(ctx, req.Resource, req.Action, req.Scope)
	if err != nil {
		return CheckResult{}, err
	}
	if perm == nil {
		return CheckResult{IsAllowed: false, Reason: "no matching permission"}, nil
	}

	var grantedBy []string

	// Resource layer: additive only, never denies.
	if req.ResourceID != "" {
		rp, ok, rErr := e.db.ResourcePermission(ctx, req.UserID, perm.ID, req.Resource, req.ResourceID)
		if rErr != nil {
			return CheckResult{}, rErr
		}
		if ok && rp.Active(e.clock()) && rp.IsGranted {
			grantedBy = append(grantedBy, "resource-specific")
		}
	}

	// Direct layer: highest-priority active UserPermission wins; an
	// explicit deny short-circuits.
	directPerms, err := e.db.ActiveUserPermissions(ctx, req.UserID, perm.ID)
	if err != nil {
		return CheckResult{}, err
	}
	if winner := highestPriorityActive(directPerms, e.clock()); winner != nil {
		if !winner.IsGranted {
			return CheckResult{IsAllowed: false, Reason: "Explicitly denied by user permission"}, nil
		}
		grantedBy = append(grantedBy, "direct-user-permission")
	}

	// Role layer: never overrides an explicit user-level deny (already
	// handled above); any active role contributes.
	roleGrants, err := e.db.ActiveRoleGrants(ctx, req.UserID, perm.ID)
	if err != nil {
		return CheckResult{}, err
	}
	for _, rg := range roleGrants {
		grantedBy = append(grantedBy, "role:"+rg.RoleName)
	}

	// Policy layer: evaluators dispatched per applicable policy sorted
	// by priority (lower value wins ties, deny beats allow).
	if req.Context != nil {
		bindings, err := e.db.ApplicablePolicies(ctx, req.UserID)
		if err != nil {
			return CheckResult{}, err
		}
		sort.Slice(bindings, func(i, j int) bool { return bindings[i].Policy.Priority < bindings[j].Policy.Priority })

		for _, b := range bindings {
			res, evalErr := b.Evaluator.Evaluate(b.Rules, *req.Context)
			if evalErr != nil {
				e.logger.Warn("check: policy evaluation failed", map[string]interface{}{"error": evalErr.Error()})
				continue
			}
			if !res.IsApplicable {
				continue
			}
			if containsPermission(b.Policy.DenyPermissions, perm.Code) {
				return CheckResult{IsAllowed: false, Reason: fmt.Sprintf("denied by policy %s", b.Policy.Name)}, nil
			}
			if containsPermission(b.Policy.GrantPermissions, perm.Code) {
				grantedBy = append(grantedBy, "policy:"+b.Policy.Name)
			}
		}
	}

	if len(grantedBy) == 0 {
		return CheckResult{IsAllowed: false, Reason: "no matching permission"}, nil
	}
	return CheckResult{IsAllowed: true, GrantedBy: grantedBy}, nil
}

func highestPriorityActive(perms []models.UserPermission, now time.Time) *models.UserPermission {
	var winner *models.UserPermission
	for i := range perms {
		p := &perms[i]
		if !p.Active(now) {
			continue
		}
		if winner == nil || p.Priority > winner.Priority ||
			(p.Priority == winner.Priority && p.CreatedAt.After(winner.CreatedAt)) {
			winner = p
		}
	}
	return winner
}

func containsPermission(codes models.StringSlice, code string) bool {
	for _, c := range codes {
		if c == code {
			return true
		}
	}
	return false
}

func permissionKey(resource, action, scope string) string {
	if scope == "" {
		scope = "none"
	}
	return resource + ":" + action + ":" + scope
}

func (e *Engine) writeCheckLog(ctx context.Context, req CheckRequest, result CheckResult) {
	if e.checklog == nil {
		return
	}
	metadata, _ := json.Marshal(map[string]interface{}{"grantedBy": result.GrantedBy})
	entry := models.CheckLogEntry{
		ID:            uuid.NewString(),
		UserProfileID: req.UserID,
		Resource:      req.Resource,
		Action:        req.Action,
		Scope:         req.Scope,
		ResourceID:    req.ResourceID,
		IsAllowed:     result.IsAllowed,
		DeniedReason:  result.Reason,
		DurationMs:    result.CheckDurationMs,
		Metadata:      metadata,
		CheckedAt:     e.clock(),
	}
	logCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := e.checklog.LogCheck(logCtx, entry); err != nil {
		e.logger.Warn("check: failed writing check log", map[string]interface{}{"error": err.Error()})
	}
}

// BatchCheck resolves up to BatchMaxSize triples for one user. Each
// triple gets its own cache lookup in turn (there is no multi-get), and
// each miss is resolved through Check before the next triple (spec
// §4.10).
func (e *Engine) BatchCheck(ctx context.Context, userID string, isSuperadmin bool, triples []Triple) (BatchResult, error) {
	if len(triples) > BatchMaxSize {
		return BatchResult{}, errors.BatchSizeExceeded("check.BatchCheck", len(triples), BatchMaxSize)
	}

	ctx, cancel := context.WithTimeout(ctx, DefaultBatchTimeout)
	defer cancel()

	results := make(map[string]CheckResult, len(triples))
	cacheHits := 0
	totalAllowed := 0

	for _, t := range triples {
		key := permissionKey(t.Resource, t.Action, t.Scope)
		req := CheckRequest{UserID: userID, IsSuperadmin: isSuperadmin, Resource: t.Resource, Action: t.Action, Scope: t.Scope, ResourceID: t.ResourceID}

		if !isSuperadmin && e.cache != nil {
			allowed, hit := e.cacheLookup(ctx, req)
			if e.recorder != nil {
				e.recorder.RecordCacheLookup(hit)
			}
			if hit {
				cacheHits++
				results[key] = CheckResult{IsAllowed: allowed}
				if allowed {
					totalAllowed++
				}
				continue
			}
		}

		res, err := e.Check(ctx, req)
		if err != nil {
			return BatchResult{}, err
		}
		results[key] = res
		if res.IsAllowed {
			totalAllowed++
		}
	}

	return BatchResult{
		Results:      results,
		TotalChecked: len(triples),
		TotalAllowed: totalAllowed,
		CacheHits:    cacheHits,
	}, nil
}
