// Package filesource adapts an append-only newline-delimited JSON file into a
// log source. It exists so the streamer runs on hosts without an OS event
// log, and it is the source implementation exercised by the test suite.
package filesource

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/valyala/fastjson"
	"golang.org/x/time/rate"

	"github.com/user/eventlog-streamer/internal/domain"
)

const (
	defaultPollInterval = 250 * time.Millisecond

	// Lines beyond this size are treated as corrupt rather than grown into.
	maxLineSize = 1 << 20
)

// Opener opens file-backed sources.
type Opener struct {
	pollInterval time.Duration
	logger       *slog.Logger
}

// NewOpener creates an Opener whose sources poll for appends at the given
// interval. A non-positive interval selects the default.
func NewOpener(pollInterval time.Duration, logger *slog.Logger) *Opener {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	return &Opener{
		pollInterval: pollInterval,
		logger:       logger.With("component", "filesource"),
	}
}

// Open binds to the file at name. A missing or unreadable file fails with
// ErrSourceUnavailable.
func (o *Opener) Open(ctx context.Context, name string) (domain.EventSource, error) {
	info, err := os.Stat(name)
	if err != nil {
		return nil, fmt.Errorf("open %q: %w: %w", name, domain.ErrSourceUnavailable, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("open %q: %w: is a directory", name, domain.ErrSourceUnavailable)
	}

	logName := strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
	return &Source{
		path:     name,
		logName:  logName,
		interval: o.pollInterval,
		logger:   o.logger.With("path", name),
		lastSize: info.Size(),
		lastMod:  info.ModTime(),
	}, nil
}

// Source is one opened file-backed log source.
type Source struct {
	path     string
	logName  string
	interval time.Duration
	logger   *slog.Logger

	// Change baseline, captured at open time so appends landing between
	// open and watcher start still trigger the first poll. Owned by the
	// watch goroutine once it starts.
	lastSize int64
	lastMod  time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	closed bool
}

// Count returns the number of well-formed records currently stored.
func (s *Source) Count(ctx context.Context) (int, error) {
	var n int
	err := s.EnumerateAll(ctx, func(domain.Record) error {
		n++
		return nil
	})
	return n, err
}

// EnumerateAll reads the whole file and calls fn for each stored record in
// file order. A line that is not yet a complete JSON object (the tail of an
// in-progress append) is skipped cheaply, without attempting a full decode.
func (s *Source) EnumerateAll(ctx context.Context, fn func(domain.Record) error) error {
	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("open %s: %w", s.path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	index := 0
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := fastjson.ValidateBytes(line); err != nil {
			s.logger.Debug("skipping incomplete or malformed line", "error", err)
			continue
		}
		index++

		var rec domain.Record
		if err := json.Unmarshal(line, &rec); err != nil {
			s.logger.Warn("failed to decode record, skipping", "line", index, "error", err)
			continue
		}
		if rec.Index == 0 {
			rec.Index = index
		}
		if rec.LogName == "" {
			rec.LogName = s.logName
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan %s: %w", s.path, err)
	}
	return nil
}

// NotifyWritten starts a watcher that invokes fn whenever the file grows or
// its modification time changes. Delivery is at-least-once per burst of
// appends; appends landing between polls coalesce into one invocation.
func (s *Source) NotifyWritten(fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("notify %s: %w", s.path, domain.ErrSourceUnavailable)
	}
	if s.cancel != nil {
		return fmt.Errorf("notify %s: callback already registered", s.path)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.watch(ctx, fn)
	return nil
}

// watch is the poll loop. The limiter paces the stat calls instead of a
// ticker, so a slow callback never causes polls to pile up.
func (s *Source) watch(ctx context.Context, fn func()) {
	limiter := rate.NewLimiter(rate.Every(s.interval), 1)

	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		info, err := os.Stat(s.path)
		if err != nil {
			// The file may reappear; keep watching.
			continue
		}
		if info.Size() != s.lastSize || !info.ModTime().Equal(s.lastMod) {
			s.lastSize = info.Size()
			s.lastMod = info.ModTime()
			if ctx.Err() != nil {
				return
			}
			fn()
		}
	}
}

// Close stops the watcher. Safe to call multiple times.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	return nil
}
