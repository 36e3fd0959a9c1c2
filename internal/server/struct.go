package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/54b3r/ragkb-go/internal/engine"
	"github.com/54b3r/ragkb-go/internal/kb"
	"github.com/54b3r/ragkb-go/internal/rag"
	"github.com/54b3r/ragkb-go/internal/store"
)

// Config holds the HTTP server configuration.
type Config struct {
	// Host is the address to bind to (default: 127.0.0.1).
	Host string
	// Port is the TCP port to listen on (default: 8080).
	Port int
	// ReadTimeout is the maximum duration for reading the request.
	ReadTimeout time.Duration
	// WriteTimeout is the maximum duration for writing the response.
	WriteTimeout time.Duration
	// ShutdownTimeout is the maximum duration for a graceful shutdown.
	ShutdownTimeout time.Duration
	// Logger is the structured logger used by the server and its handlers.
	// If nil, [logging.New] is used.
	Logger *slog.Logger
	// Pingers is the ordered list of dependency probes run by GET /api/ready.
	// If empty, /api/ready returns 200 with no checks (liveness-only mode).
	Pingers []Pinger
	// RateLimit is the sustained request rate allowed per IP on rate-limited
	// endpoints (requests/second). Defaults to 10 if zero.
	RateLimit float64
	// RateBurst is the maximum instantaneous burst per IP. Defaults to 20 if zero.
	RateBurst int
	// APIKey is the Bearer token required on all protected /api/* routes.
	// If empty, authentication is disabled (development mode).
	APIKey string
	// MetricsRegistry receives the server's Prometheus metrics. If nil, the
	// default registerer is used.
	MetricsRegistry prometheus.Registerer
	// MetricsGatherer backs GET /metrics. If nil, the default gatherer is used.
	MetricsGatherer prometheus.Gatherer
	// History records completed queries. Nil disables history persistence and
	// GET /api/history returns 404.
	History store.HistoryStore
}

// retriever is the interface the handlers call into the engine through.
// *engine.Engine satisfies it; tests inject a fake.
type retriever interface {
	Query(ctx context.Context, text string, opts engine.QueryOptions) (*rag.QueryResult, error)
	AddKB(ctx context.Context, path string) (string, int, error)
	RemoveKB(name string) error
	SwitchKB(name string) error
	SetEnabled(ctx context.Context, enabled bool) error
	SetMode(ctx context.Context, mode string) error
	ListKBs() []kb.Info
	Status() engine.Status
}

// Server is the HTTP server that exposes the retrieval engine.
type Server struct {
	// retriever is the engine facade behind every handler.
	retriever retriever
	// cfg holds the resolved server configuration.
	cfg *Config
	// httpServer is the underlying net/http server.
	httpServer *http.Server
	// log is the structured logger for this server instance.
	log *slog.Logger
	// pingers is the ordered list of dependency probes for GET /api/ready.
	pingers []Pinger
	// metrics holds the server's Prometheus instruments.
	metrics *serverMetrics
	// history records completed queries, nil when disabled.
	history store.HistoryStore
	// stopRL stops the rate limiter's background eviction goroutine on shutdown.
	stopRL func()
}

// queryRequest is the JSON body for POST /api/query.
type queryRequest struct {
	// Query is the question text.
	Query string `json:"query"`
	// Mode optionally overrides the engine's retrieval mode for this query.
	Mode string `json:"mode,omitempty"`
}

// kbAddRequest is the JSON body for POST /api/kbs.
type kbAddRequest struct {
	// Path is the text file to ingest.
	Path string `json:"path"`
}

// kbAddResponse is the JSON response for POST /api/kbs.
type kbAddResponse struct {
	// Name is the knowledge base name derived from the file.
	Name string `json:"name"`
	// ChunkCount is the number of chunks ingested.
	ChunkCount int `json:"chunk_count"`
}

// kbListResponse is the JSON response for GET /api/kbs.
type kbListResponse struct {
	// KBs is the listing, system entries first, then user entries.
	KBs []kb.Info `json:"kbs"`
}

// modeRequest is the JSON body for PUT /api/mode.
type modeRequest struct {
	// Mode is the retrieval mode: "single" or "multi".
	Mode string `json:"mode"`
}

// enabledRequest is the JSON body for PUT /api/enabled.
type enabledRequest struct {
	// Enabled switches retrieval on or off.
	Enabled bool `json:"enabled"`
}

// historyResponse is the JSON response for GET /api/history.
type historyResponse struct {
	// Queries lists the most recent query records, newest first.
	Queries []historyRecord `json:"queries"`
}

// historyRecord is one persisted query in the history listing.
type historyRecord struct {
	Query      string   `json:"query"`
	Mode       string   `json:"mode"`
	KBNames    []string `json:"kb_names"`
	MatchCount int      `json:"match_count"`
	TopScore   float64  `json:"top_score"`
	DurationMS int64    `json:"duration_ms"`
	CreatedAt  string   `json:"created_at"`
}

// errorResponse is the JSON error body returned by every handler.
type errorResponse struct {
	// Error is the human-readable message.
	Error string `json:"error"`
	// Kind is the stable engine error classification, empty for transport
	// level failures.
	Kind string `json:"kind,omitempty"`
}
