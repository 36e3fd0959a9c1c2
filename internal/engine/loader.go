package engine

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/54b3r/ragkb-go/internal/event"
	"github.com/54b3r/ragkb-go/internal/kb"
)

// ensureSystemKBs runs the one-shot system knowledge-base scan, or waits
// for a scan already in flight. The loading flag gates entry so exactly one
// goroutine performs the work; the loaded flag prevents re-entry for the
// rest of the process, which also makes removal of a system KB sticky
// until restart.
func (e *Engine) ensureSystemKBs(ctx context.Context) error {
	e.mu.Lock()
	if e.sysLoaded {
		e.mu.Unlock()
		return nil
	}
	if e.sysLoading {
		// Another caller is scanning; wait for its completion signal
		// instead of duplicating the work.
		ch := make(chan struct{})
		e.sysWaiters = append(e.sysWaiters, ch)
		e.mu.Unlock()

		select {
		case <-ch:
			// The scan may have failed; report its outcome, not a blind
			// success.
			e.mu.Lock()
			loaded, scanErr := e.sysLoaded, e.sysScanErr
			e.mu.Unlock()
			if !loaded && scanErr != nil {
				return scanErr
			}
			return nil
		case <-ctx.Done():
			return wrapf(KindCancelled, ctx.Err(), "cancelled while waiting for system knowledge bases")
		}
	}
	e.sysLoading = true
	e.sysScanErr = nil
	e.mu.Unlock()

	entries, scanErr := e.scanSystemDir(ctx)

	e.mu.Lock()
	e.sysLoading = false
	waiters := e.sysWaiters
	e.sysWaiters = nil

	if scanErr != nil {
		// The scan itself failed (directory unusable); leave loaded false
		// so a later mode change can retry.
		e.sysScanErr = scanErr
		e.mu.Unlock()
		for _, ch := range waiters {
			close(ch)
		}
		return scanErr
	}

	e.sysLoaded = true
	wasEmpty := e.reg.Len() == 0
	committed := 0
	for _, entry := range entries {
		// A user KB of the same name owns the name; skip the system file.
		if e.reg.HasUser(entry.Name) {
			e.log.Warn("engine: system knowledge base shadowed by user entry, skipping",
				slog.String("name", entry.Name),
			)
			continue
		}
		e.reg.AddSystem(entry)
		committed++
	}

	activated := false
	e.applyPendingActiveLocked()
	if wasEmpty && e.reg.Len() > 0 && e.reg.ActiveName() == "" {
		// Auto-activate the first entry in lexicographic order.
		names := e.reg.Names()
		_ = e.reg.SetActive(names[0])
		activated = true
	}
	e.updateGaugesLocked()
	snap := e.snapshotLocked()
	e.bus.Publish(event.SystemKBsLoaded{Count: committed})
	e.mu.Unlock()

	for _, ch := range waiters {
		close(ch)
	}
	if activated {
		e.persist(snap)
	}

	e.log.Info("engine: system knowledge bases loaded",
		slog.Int("count", committed),
	)
	return nil
}

// scanSystemDir discovers and ingests every .txt file in the configured
// directory, creating it if absent. Per-file failures are logged and
// skipped — one broken file must not abort the load of the others. The
// engine mutex is NOT held here: ingestion reads files and calls the
// embedder.
func (e *Engine) scanSystemDir(ctx context.Context) ([]*kb.Entry, error) {
	if err := os.MkdirAll(e.cfg.KBDir, 0o755); err != nil {
		return nil, wrapf(KindIO, err, "creating knowledge base directory %s", e.cfg.KBDir)
	}

	dirEntries, err := os.ReadDir(e.cfg.KBDir)
	if err != nil {
		return nil, wrapf(KindIO, err, "scanning knowledge base directory %s", e.cfg.KBDir)
	}

	var entries []*kb.Entry
	for _, de := range dirEntries {
		path := filepath.Join(e.cfg.KBDir, de.Name())

		// Follow symlinks; skip anything that resolves to a directory.
		info, err := os.Stat(path)
		if err != nil {
			e.log.Warn("engine: cannot stat system knowledge base candidate",
				slog.String("path", path),
				slog.Any("error", err),
			)
			continue
		}
		if info.IsDir() {
			continue
		}
		if !strings.EqualFold(filepath.Ext(de.Name()), ".txt") {
			continue
		}

		entry, err := e.builder.Build(ctx, path, kb.OriginSystem)
		if err != nil {
			if ctx.Err() != nil {
				return nil, wrapf(KindCancelled, ctx.Err(), "system knowledge base load cancelled")
			}
			e.log.Warn("engine: system knowledge base failed to load, skipping",
				slog.String("path", path),
				slog.Any("error", err),
			)
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
