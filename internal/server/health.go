package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/54b3r/ragkb-go/internal/logging"
)

// probeTimeout bounds each dependency probe during a readiness check so
// GET /api/ready answers promptly even when a dependency hangs.
const probeTimeout = 5 * time.Second

// Pinger reports the reachability of one external dependency. Implementations
// return nil when healthy and must tolerate concurrent calls.
type Pinger interface {
	// Ping checks the dependency within ctx's deadline.
	Ping(ctx context.Context) error

	// Name labels the dependency in readiness responses (e.g. "embedder",
	// "history").
	Name() string
}

// MultiPinger folds several Pingers into one, useful where a single probe
// slot must cover multiple dependencies.
type MultiPinger struct {
	pingers []Pinger
}

// NewMultiPinger constructs a MultiPinger over the given probes.
func NewMultiPinger(pingers ...Pinger) *MultiPinger {
	return &MultiPinger{pingers: pingers}
}

// Ping runs the probes in order and returns the first failure, prefixed with
// the failing probe's name. Nil when every probe succeeds.
func (m *MultiPinger) Ping(ctx context.Context) error {
	for _, p := range m.pingers {
		if err := p.Ping(ctx); err != nil {
			return fmt.Errorf("%s: %w", p.Name(), err)
		}
	}
	return nil
}

// Name returns a combined label for logging purposes.
func (m *MultiPinger) Name() string { return "multi" }

// readyCheck is one dependency's probe result in the readiness response.
type readyCheck struct {
	// Name is the dependency label.
	Name string `json:"name"`
	// OK is true when the probe succeeded.
	OK bool `json:"ok"`
	// Error is the failure reason, empty on success.
	Error string `json:"error,omitempty"`
}

// readyResponse is the JSON body returned by GET /api/ready.
type readyResponse struct {
	// Ready is true only when every probe succeeded.
	Ready bool `json:"ready"`
	// Checks lists the per-dependency results.
	Checks []readyCheck `json:"checks"`
}

// handleReady handles GET /api/ready. Each registered Pinger runs under its
// own short timeout; any failure turns the response into 503 with the
// failing checks spelled out. /api/health stays liveness-only, this endpoint
// is the one that reflects dependency state.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	resp := readyResponse{Ready: true}

	for _, p := range s.pingers {
		probeCtx, cancel := context.WithTimeout(r.Context(), probeTimeout)
		err := p.Ping(probeCtx)
		cancel()

		check := readyCheck{Name: p.Name(), OK: err == nil}
		if err != nil {
			check.Error = err.Error()
			resp.Ready = false
			log.Warn("readiness probe failed",
				slog.String("dependency", p.Name()),
				slog.Any("error", err),
			)
		}
		resp.Checks = append(resp.Checks, check)
	}

	status := http.StatusOK
	if !resp.Ready {
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Error("ready encode error", slog.Any("error", err))
	}
}
