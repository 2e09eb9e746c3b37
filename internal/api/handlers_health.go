package api

import (
	"context"
	"net/http"
	"time"

	"github.com/balance-sentinel/internal/adapter"
	"github.com/balance-sentinel/internal/circuitbreaker"
	"github.com/balance-sentinel/internal/ratelimit"
	"github.com/balance-sentinel/internal/worker"
)

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status       string                           `json:"status"`
	Service      string                           `json:"service"`
	Dependencies map[string]string                `json:"dependencies,omitempty"`
	Providers    []*adapter.ProviderHealth        `json:"providers,omitempty"`
	Breakers     map[string]*circuitbreaker.Stats `json:"breakers,omitempty"`
	Budget       *ratelimit.Usage                 `json:"budget,omitempty"`
	Scheduler    *worker.SchedulerStatus          `json:"scheduler,omitempty"`
}

// handleHealth handles health check requests. Failing dependencies report
// "degraded" but still answer 200: balance reads keep working through the
// fallback chain.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:  "healthy",
		Service: "balance-sentinel",
	}

	if len(s.deps.Pingers) > 0 {
		resp.Dependencies = make(map[string]string, len(s.deps.Pingers))
		for name, p := range s.deps.Pingers {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			err := p.Ping(ctx)
			cancel()
			if err != nil {
				resp.Dependencies[name] = "unavailable"
				resp.Status = "degraded"
				continue
			}
			resp.Dependencies[name] = "ok"
		}
	}

	if s.deps.ChainHealth != nil {
		resp.Providers = s.deps.ChainHealth.Health()
	}
	if s.deps.Breakers != nil {
		resp.Breakers = s.deps.Breakers.BreakerStats()
		for _, st := range resp.Breakers {
			if st.State == circuitbreaker.StateOpen {
				resp.Status = "degraded"
			}
		}
	}
	if s.deps.Budget != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		// usage is informational; Redis health is already reported above
		if usage, err := s.deps.Budget.Usage(ctx); err == nil {
			resp.Budget = usage
		}
		cancel()
	}
	if s.deps.Checker != nil {
		resp.Scheduler = s.deps.Checker.Status()
	}

	respondJSON(w, http.StatusOK, resp)
}
