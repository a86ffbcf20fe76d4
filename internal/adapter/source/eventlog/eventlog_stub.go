//go:build !windows

// Package eventlog adapts the Windows Event Log into a log source. On other
// platforms opening always fails; file-backed sources remain available.
package eventlog

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"

	"github.com/user/eventlog-streamer/internal/domain"
)

// Opener opens Windows event logs. Unsupported on this platform.
type Opener struct {
	logger *slog.Logger
}

// NewOpener creates an Opener.
func NewOpener(logger *slog.Logger) *Opener {
	return &Opener{logger: logger.With("component", "eventlog")}
}

// Open always fails: there is no event log to bind to on this platform.
func (o *Opener) Open(ctx context.Context, name string) (domain.EventSource, error) {
	return nil, fmt.Errorf("open %q: %w: event log access unsupported on %s", name, domain.ErrSourceUnavailable, runtime.GOOS)
}
