package monitoring

import (
	internalresilience "github.com/nexus-iam/authz-core/internal/resilience"
	"github.com/nexus-iam/authz-core/pkg/resilience"
)

// ManagerSource adapts pkg/resilience.Manager (the Check Engine's
// hand-rolled breakers over database/cache/matrix) to BreakerSource.
func ManagerSource(m *resilience.Manager) BreakerSource {
	return BreakerSourceFunc(func() map[string]string {
		snap := m.Snapshot()
		out := make(map[string]string, len(snap))
		for name, state := range snap {
			out[name] = state.String()
		}
		return out
	})
}

// GobreakerSource adapts internal/resilience's package-level gobreaker
// registry (the Grant Store's write-transaction breakers) to
// BreakerSource.
func GobreakerSource() BreakerSource {
	return BreakerSourceFunc(func() map[string]string {
		snap := internalresilience.Snapshot()
		out := make(map[string]string, len(snap))
		for name, state := range snap {
			out[name] = state.String()
		}
		return out
	})
}
