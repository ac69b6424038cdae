package admin

import (
	"net/http"
	"time"

	"github.com/fastpass-project/endpoint/internal/fastpass/breaker"
	"github.com/fastpass-project/endpoint/internal/fastpass/endpoint"
)

// HealthResponse reports basic liveness for the admin plane's /health route.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

func healthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeSuccess(w, r, HealthResponse{Status: "UP", Timestamp: time.Now()})
	}
}

// statsHandler serves the endpoint's combined proto/scheduler/transport
// counters for GET /stats.
func statsHandler(ep *endpoint.Endpoint) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeSuccess(w, r, ep.Stats())
	}
}

// destinationsHandler serves every configured destination's demand/
// requested/acked/alloc/used counters for GET /destinations.
func destinationsHandler(ep *endpoint.Endpoint) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeSuccess(w, r, ep.Destinations())
	}
}

// resetHandler forces a reset handshake for POST /admin/reset. Requires
// RoleAdmin and is rate-limited to guard against an operator script
// looping a reset storm.
func resetHandler(ep *endpoint.Endpoint) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ep.ForceReset()
		writeSuccess(w, r, nil)
	}
}

// breakerStatsHandler reports every circuit breaker's state for
// GET /admin/breakers, or a disabled marker when no manager is wired.
func breakerStatsHandler(breakers *breaker.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if breakers == nil {
			writeSuccess(w, r, nil)
			return
		}
		writeSuccess(w, r, breakers.GetStats())
	}
}
