package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/user/eventlog-streamer/internal/adapter/metrics"
	"github.com/user/eventlog-streamer/internal/domain"
)

// EngineRegistry owns the set of active stream engines, keyed by source name,
// and provides the single coordinated teardown path used by both the signal
// handler and the normal exit flow.
type EngineRegistry struct {
	opener  domain.SourceOpener
	sink    domain.RecordSink
	logger  *slog.Logger
	metrics *metrics.StreamMetrics

	mu      sync.Mutex
	engines map[string]*StreamEngine
}

// NewEngineRegistry creates an empty registry.
func NewEngineRegistry(opener domain.SourceOpener, sink domain.RecordSink, logger *slog.Logger, m *metrics.StreamMetrics) *EngineRegistry {
	return &EngineRegistry{
		opener:  opener,
		sink:    sink,
		logger:  logger.With("component", "engine_registry"),
		metrics: m,
		engines: make(map[string]*StreamEngine),
	}
}

// Add constructs an engine for the descriptor and registers it. Construction
// probes the source and may fail with ErrSourceUnavailable; a name already
// present (case-insensitive) fails with ErrDuplicateSource.
func (r *EngineRegistry) Add(ctx context.Context, desc domain.SourceDescriptor) error {
	key := strings.ToLower(desc.Name)

	r.mu.Lock()
	_, exists := r.engines[key]
	r.mu.Unlock()
	if exists {
		return fmt.Errorf("add source %q: %w", desc.Name, domain.ErrDuplicateSource)
	}

	// Construction probes the source, so it runs outside the registry lock.
	engine, err := NewStreamEngine(ctx, r.opener, desc, r.sink, r.logger, r.metrics)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.engines[key]; exists {
		if derr := engine.Dispose(); derr != nil {
			r.logger.Error("failed to dispose redundant engine", "source", desc.Name, "error", derr)
		}
		return fmt.Errorf("add source %q: %w", desc.Name, domain.ErrDuplicateSource)
	}
	r.engines[key] = engine
	return nil
}

// Len returns the number of registered engines.
func (r *EngineRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.engines)
}

// StartAll starts every registered engine concurrently and waits for all of
// them. The aggregate error carries every individual failure; engines that
// did start successfully keep running, and the caller decides whether to
// proceed or tear the process down.
func (r *EngineRegistry) StartAll(ctx context.Context) error {
	r.mu.Lock()
	engines := make([]*StreamEngine, 0, len(r.engines))
	for _, engine := range r.engines {
		engines = append(engines, engine)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	errs := make([]error, len(engines))
	for i, engine := range engines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = engine.Start(ctx)
		}()
	}
	wg.Wait()

	return errors.Join(errs...)
}

// DisposeAll disposes every engine in the table, continuing past individual
// failures, then clears the table. A second call finds the table empty and is
// a true no-op, which makes it safe to invoke from both a signal-driven
// shutdown and the normal end-of-program path.
func (r *EngineRegistry) DisposeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name, engine := range r.engines {
		if err := engine.Dispose(); err != nil {
			r.logger.Error("failed to dispose engine", "source", name, "error", err)
		}
	}
	clear(r.engines)
}
