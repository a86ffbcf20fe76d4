package sink

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"

	"github.com/user/eventlog-streamer/internal/domain"
)

const filePerm = 0644

// LineSink writes records as newline-delimited JSON to an underlying writer.
// A single mutex serializes all emissions, so concurrently streaming engines
// never interleave partial lines.
type LineSink struct {
	mu     sync.Mutex
	w      io.Writer
	gz     *gzip.Writer
	file   *os.File
	closed bool
}

// New wraps an existing writer, typically os.Stdout.
func New(w io.Writer) *LineSink {
	return &LineSink{w: w}
}

// OpenFile opens path for appending and returns a sink writing to it. A path
// ending in ".gz" is compressed transparently, with the compressor flushed
// after every record so a concurrent reader never sees a partial line.
func OpenFile(path string) (*LineSink, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, filePerm)
	if err != nil {
		return nil, fmt.Errorf("open output %s: %w", path, err)
	}
	s := &LineSink{w: f, file: f}
	if strings.HasSuffix(path, ".gz") {
		s.gz = gzip.NewWriter(f)
		s.w = s.gz
	}
	return s, nil
}

// Emit serializes rec as one complete JSON line and flushes it.
func (s *LineSink) Emit(rec domain.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("emit record: %w", domain.ErrSinkClosed)
	}
	if _, err := s.w.Write(data); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	if s.gz != nil {
		if err := s.gz.Flush(); err != nil {
			return fmt.Errorf("flush record: %w", err)
		}
	}
	return nil
}

// Close marks the sink closed and releases the underlying file, if any.
// Subsequent Emit calls fail with ErrSinkClosed.
func (s *LineSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if s.gz != nil {
		if err := s.gz.Close(); err != nil {
			return fmt.Errorf("close compressor: %w", err)
		}
	}
	if s.file != nil {
		if err := s.file.Close(); err != nil {
			return fmt.Errorf("close output: %w", err)
		}
	}
	return nil
}
