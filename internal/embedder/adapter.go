package embedder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/54b3r/ragkb-go/internal/rag"
)

// Adapter defaults, applied when the corresponding Config field is zero.
const (
	// DefaultBatchSize is the maximum number of texts per provider request.
	DefaultBatchSize = 512
	// DefaultMaxRetries is the number of retries after a transient failure.
	DefaultMaxRetries = 3
	// DefaultRetryDelay is the initial back-off, doubled on each attempt.
	DefaultRetryDelay = 5 * time.Second
	// DefaultTimeout is the per-provider-call deadline.
	DefaultTimeout = 60 * time.Second
)

// Config holds the Adapter's batching and retry policy.
type Config struct {
	// BatchSize is the maximum request size sent to the provider.
	BatchSize int
	// MaxRetries is how many times a transient failure is retried.
	MaxRetries int
	// RetryDelay is the initial back-off between attempts; it doubles after
	// every failed attempt.
	RetryDelay time.Duration
	// Timeout is the per-call deadline applied to each provider request.
	Timeout time.Duration
	// Logger records retry warnings. Nil falls back to slog.Default.
	Logger *slog.Logger
}

// Adapter wraps a provider rag.Embedder with the policy the engine relies
// on: order-preserving batching with at most one batch in flight per call,
// retry with exponential back-off on transient failures, a per-call timeout,
// unit-normalisation of every returned vector, and process-wide dimension
// pinning. The first successful call fixes the embedding dimension; any
// later vector of a different length fails with ErrDimensionMismatch.
// Adapter is safe for concurrent use.
type Adapter struct {
	// provider is the wrapped embedding backend.
	provider rag.Embedder
	// cfg is the resolved policy.
	cfg Config
	// log records retries and failures.
	log *slog.Logger

	// mu protects dim.
	mu sync.Mutex
	// dim is the pinned embedding dimension; 0 until the first success.
	dim int
}

// NewAdapter constructs an Adapter around provider with the given policy.
func NewAdapter(provider rag.Embedder, cfg Config) (*Adapter, error) {
	if provider == nil {
		return nil, fmt.Errorf("embedder: provider must not be nil")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{provider: provider, cfg: cfg, log: log}, nil
}

// Dimension returns the pinned embedding dimension, or 0 before the first
// successful call.
func (a *Adapter) Dimension() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dim
}

// Embed converts texts to unit-normalised embeddings, preserving order.
// Inputs longer than the batch size are split into sequential provider
// calls — at most one batch is in flight at a time, which bounds ingestion
// memory and provider load.
func (a *Adapter) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	for i, t := range texts {
		if t == "" {
			return nil, fmt.Errorf("embedder: text %d is empty — the engine must never embed empty input", i)
		}
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += a.cfg.BatchSize {
		end := start + a.cfg.BatchSize
		if end > len(texts) {
			end = len(texts)
		}

		vecs, err := a.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	return out, nil
}

// embedBatch sends one provider request with retry, timeout, dimension
// checking, and normalisation.
func (a *Adapter) embedBatch(ctx context.Context, batch []string) ([][]float32, error) {
	var lastErr error
	delay := a.cfg.RetryDelay

	for attempt := 0; attempt <= a.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			a.log.Warn("embedder: retrying after transient failure",
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
				slog.Any("error", lastErr),
			)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		callCtx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
		vecs, err := a.provider.Embed(callCtx, batch)
		cancel()

		if err == nil {
			return a.finish(batch, vecs)
		}
		if ctx.Err() != nil {
			// Caller cancelled — do not burn the remaining attempts.
			return nil, ctx.Err()
		}
		if !transient(err) {
			return nil, err
		}
		lastErr = err
	}

	return nil, fmt.Errorf("embedder: giving up after %d retries: %w", a.cfg.MaxRetries, lastErr)
}

// finish validates a successful provider response: parallel length, pinned
// dimension, and unit-normalisation.
func (a *Adapter) finish(batch []string, vecs [][]float32) ([][]float32, error) {
	if len(vecs) != len(batch) {
		return nil, fmt.Errorf("embedder: provider returned %d vectors for %d texts", len(vecs), len(batch))
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for i, v := range vecs {
		if len(v) == 0 {
			return nil, fmt.Errorf("embedder: provider returned empty vector for text %d", i)
		}
		if a.dim == 0 {
			a.dim = len(v)
		} else if len(v) != a.dim {
			return nil, fmt.Errorf("%w: pinned %d, got %d", ErrDimensionMismatch, a.dim, len(v))
		}
		rag.Normalize(v)
	}
	return vecs, nil
}

// transient reports whether err is worth retrying: provider 429/5xx
// responses and transport-level failures are transient; other provider
// errors (bad request, auth) are not.
func transient(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Transient()
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		// A per-call timeout with the parent context still live is a
		// transient network stall.
		return true
	}
	// Connection refused, DNS failure, reset — assume transient.
	return true
}
