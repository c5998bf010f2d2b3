// Package bulk implements Bulk Operations (spec §4.9/§8 S6, C14): a
// thin validating front end over the Grant Store's transactional
// multi-target grant/revoke, resolving permission codes to IDs and
// rejecting malformed batches before a single database round trip is
// made. Grounded on the same dependency-inversion style already used
// by pkg/authz/check.Resolver and pkg/authz/invalidation.Fabric — this
// package never imports internal/repository directly.
package bulk

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nexus-iam/authz-core/pkg/authz/models"
	"github.com/nexus-iam/authz-core/pkg/errors"
	"github.com/nexus-iam/authz-core/pkg/observability"
)

// Store is the Grant Store's bulk-operation surface.
type Store interface {
	PermissionIDsByCode(ctx context.Context, codes []string) (map[string]string, error)
	BulkGrant(ctx context.Context, targetIDs, permissionIDs []string, conditions json.RawMessage, priority int, performedBy string) (models.BulkResult, error)
	BulkRevoke(ctx context.Context, targetIDs, permissionIDs []string, forceRevoke bool, revokeReason, performedBy string) (models.BulkResult, error)
}

// GrantRequest is the inbound shape for a bulk grant (permission codes,
// not internal IDs — the API surface speaks in codes throughout).
type GrantRequest struct {
	TargetIDs       []string
	PermissionCodes []string
	Conditions      json.RawMessage
	Priority        int
	PerformedBy     string
}

// RevokeRequest is the inbound shape for a bulk revoke.
type RevokeRequest struct {
	TargetIDs       []string
	PermissionCodes []string
	ForceRevoke     bool
	RevokeReason    string
	PerformedBy     string
}

// Service validates and executes bulk grant/revoke requests.
type Service struct {
	store   Store
	logger  observability.Logger
	metrics observability.MetricsClient
}

// New builds a bulk Service.
func New(store Store, logger observability.Logger, metrics observability.MetricsClient) *Service {
	return &Service{store: store, logger: logger, metrics: metrics}
}

// Grant resolves req's permission codes to IDs and delegates to the
// Grant Store's BulkGrant. A code with no matching permission is
// reported as a per-pair failure for every target, rather than
// aborting the request — consistent with the store's own per-pair
// partial-failure contract (spec §8 S6).
func (s *Service) Grant(ctx context.Context, req GrantRequest) (models.BulkResult, error) {
	if len(req.TargetIDs) == 0 || len(req.PermissionCodes) == 0 {
		return models.BulkResult{}, errors.InvalidConditions("bulk.Service.Grant", "targetIds and permissionCodes must be non-empty")
	}

	ids, missing, err := s.resolveCodes(ctx, req.PermissionCodes)
	if err != nil {
		return models.BulkResult{}, err
	}

	result, err := s.store.BulkGrant(ctx, req.TargetIDs, ids, req.Conditions, req.Priority, req.PerformedBy)
	if err != nil {
		return models.BulkResult{}, err
	}
	s.reportMissingCodes(&result, req.TargetIDs, missing)
	s.metrics.IncrementCounter("bulk_grant_requests_total", 1)
	return result, nil
}

// Revoke resolves req's permission codes to IDs and delegates to the
// Grant Store's BulkRevoke.
func (s *Service) Revoke(ctx context.Context, req RevokeRequest) (models.BulkResult, error) {
	if len(req.TargetIDs) == 0 || len(req.PermissionCodes) == 0 {
		return models.BulkResult{}, errors.InvalidConditions("bulk.Service.Revoke", "targetIds and permissionCodes must be non-empty")
	}

	ids, missing, err := s.resolveCodes(ctx, req.PermissionCodes)
	if err != nil {
		return models.BulkResult{}, err
	}

	result, err := s.store.BulkRevoke(ctx, req.TargetIDs, ids, req.ForceRevoke, req.RevokeReason, req.PerformedBy)
	if err != nil {
		return models.BulkResult{}, err
	}
	s.reportMissingCodes(&result, req.TargetIDs, missing)
	s.metrics.IncrementCounter("bulk_revoke_requests_total", 1)
	return result, nil
}

func (s *Service) resolveCodes(ctx context.Context, codes []string) (ids, missing []string, err error) {
	found, err := s.store.PermissionIDsByCode(ctx, codes)
	if err != nil {
		return nil, nil, err
	}
	for _, code := range codes {
		if id, ok := found[code]; ok {
			ids = append(ids, id)
		} else {
			missing = append(missing, code)
		}
	}
	return ids, missing, nil
}

// reportMissingCodes folds every unknown permission code into the
// batch's failure count and error list, one entry per target, so an
// unresolvable code never silently vanishes from the response.
func (s *Service) reportMissingCodes(result *models.BulkResult, targetIDs, missing []string) {
	for _, code := range missing {
		for _, targetID := range targetIDs {
			result.Failed++
			result.Errors = append(result.Errors, models.BulkItemError{
				TargetID:     targetID,
				PermissionID: code,
				Error:        fmt.Sprintf("unknown permission code %q", code),
			})
		}
	}
}
