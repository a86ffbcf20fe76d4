package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/user/eventlog-streamer/internal/adapter/metrics"
	"github.com/user/eventlog-streamer/internal/domain"
)

// Engine lifecycle states. Transitions only move forward and Disposed is
// absorbing.
const (
	StateIdle int32 = iota
	StateRunning
	StateDisposed
)

// Scan triggers, used as a metric label and in diagnostics.
const (
	triggerReplay       = "replay"
	triggerNotification = "notification"
)

// StreamEngine owns one log source: its lifecycle, the per-source read lock,
// and ordered emission of its records to the output sink.
type StreamEngine struct {
	desc    domain.SourceDescriptor
	source  domain.EventSource
	sink    domain.RecordSink
	logger  *slog.Logger
	metrics *metrics.StreamMetrics

	state atomic.Int32

	// scanMu serializes all reads of the source: the replay pass and every
	// notification-driven re-scan. Dispose also acquires it, so teardown
	// waits for an in-flight scan to finish.
	scanMu sync.Mutex
}

// NewStreamEngine opens the named source and probes it, so a missing or
// inaccessible source fails here rather than during the first background
// scan.
func NewStreamEngine(ctx context.Context, opener domain.SourceOpener, desc domain.SourceDescriptor, sink domain.RecordSink, logger *slog.Logger, m *metrics.StreamMetrics) (*StreamEngine, error) {
	source, err := opener.Open(ctx, desc.Name)
	if err != nil {
		return nil, fmt.Errorf("open source %q: %w", desc.Name, err)
	}

	// Force a count read as an existence probe.
	if _, err := source.Count(ctx); err != nil {
		source.Close()
		return nil, fmt.Errorf("probe source %q: %w: %w", desc.Name, domain.ErrSourceUnavailable, err)
	}

	return &StreamEngine{
		desc:    desc,
		source:  source,
		sink:    sink,
		logger:  logger.With("component", "stream_engine", "source", desc.Name),
		metrics: m,
	}, nil
}

// Descriptor returns the descriptor the engine was built from.
func (e *StreamEngine) Descriptor() domain.SourceDescriptor {
	return e.desc
}

// State returns the current lifecycle state.
func (e *StreamEngine) State() int32 {
	return e.state.Load()
}

// Start transitions the engine from Idle to Running, performs the replay pass
// if the descriptor requests one, and registers for write notifications. Both
// happen before Start returns, so the caller knows the engine is fully in
// live-watch mode afterwards. A second Start always fails.
func (e *StreamEngine) Start(ctx context.Context) error {
	if !e.state.CompareAndSwap(StateIdle, StateRunning) {
		return fmt.Errorf("start source %q: %w", e.desc.Name, domain.ErrAlreadyStarted)
	}
	e.metrics.EnginesActive.Inc()

	if e.desc.ReplayAll {
		e.scan(ctx, triggerReplay)
	}

	// Registration is unconditional: with replay disabled the engine still
	// streams everything written from here on.
	if err := e.source.NotifyWritten(func() {
		e.scan(ctx, triggerNotification)
	}); err != nil {
		return fmt.Errorf("register notification for source %q: %w", e.desc.Name, err)
	}

	e.logger.Info("engine started", "replay", e.desc.ReplayAll)
	return nil
}

// scan re-enumerates the entire stored record set and emits every record.
// The notification primitive does not reliably report how many records are
// new, so each signal is treated purely as a wake-up and resolved by a full
// re-read. Coalesced bursts can therefore re-emit records already written;
// that duplication is documented behavior, not a bug.
func (e *StreamEngine) scan(ctx context.Context, trigger string) {
	e.scanMu.Lock()
	defer e.scanMu.Unlock()

	// A notification can be in flight while Dispose runs. Once disposal has
	// begun the source handle is no longer ours to read.
	if e.state.Load() != StateRunning {
		return
	}

	e.metrics.ScansTotal.WithLabelValues(e.desc.Name, trigger).Inc()

	err := e.source.EnumerateAll(ctx, func(rec domain.Record) error {
		if err := e.sink.Emit(rec); err != nil {
			if errors.Is(err, domain.ErrSinkClosed) {
				// The output is gone; nothing further can be emitted.
				return err
			}
			// One bad record must not block the rest of the pass.
			e.logger.Warn("failed to emit record, skipping", "index", rec.Index, "error", err)
			e.metrics.RecordsSkipped.WithLabelValues(e.desc.Name).Inc()
			return nil
		}
		e.metrics.RecordsEmitted.WithLabelValues(e.desc.Name).Inc()
		return nil
	})
	if err != nil {
		// Terminal for this pass only. The engine stays live; the next
		// notification is the retry mechanism.
		e.metrics.ScanErrors.WithLabelValues(e.desc.Name).Inc()
		e.logger.Error("scan pass failed", "trigger", trigger, "error", err)
	}
}

// Dispose releases the bound source. Idempotent; safe to call while a re-scan
// is in flight, in which case it blocks until the scan completes. Disposing
// an engine that never started is legal.
func (e *StreamEngine) Dispose() error {
	prev := e.state.Swap(StateDisposed)
	if prev == StateDisposed {
		return nil
	}
	if prev == StateRunning {
		e.metrics.EnginesActive.Dec()
	}

	// Drain any in-flight scan, then release the lock before closing. The
	// source's Close may join a notification goroutine that is itself waiting
	// to enter scan; holding scanMu across Close would deadlock with it. Any
	// callback that fires after the release sees the Disposed state and
	// returns without touching the handle.
	e.scanMu.Lock()
	e.scanMu.Unlock()

	if err := e.source.Close(); err != nil {
		return fmt.Errorf("close source %q: %w", e.desc.Name, err)
	}
	e.logger.Info("engine disposed")
	return nil
}
