package mocks

import (
	"context"
	"fmt"
	"sync"

	"github.com/user/eventlog-streamer/internal/domain"
)

// MockEventSource is a mock implementation of domain.EventSource for testing.
type MockEventSource struct {
	mu             sync.Mutex
	Records        []domain.Record
	CountErr       error
	EnumerateErr   error
	NotifyErr      error
	CloseErr       error
	OnEnumerate    func() // invoked at the start of every EnumerateAll
	CountCalls     int
	EnumerateCalls int
	CloseCalls     int
	callback       func()
	closed         bool
}

func (m *MockEventSource) Count(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CountCalls++
	if m.CountErr != nil {
		return 0, m.CountErr
	}
	return len(m.Records), nil
}

func (m *MockEventSource) EnumerateAll(ctx context.Context, fn func(domain.Record) error) error {
	m.mu.Lock()
	m.EnumerateCalls++
	hook := m.OnEnumerate
	records := make([]domain.Record, len(m.Records))
	copy(records, m.Records)
	err := m.EnumerateErr
	m.mu.Unlock()

	if hook != nil {
		hook()
	}
	if err != nil {
		return err
	}
	for _, rec := range records {
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

func (m *MockEventSource) NotifyWritten(fn func()) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.NotifyErr != nil {
		return m.NotifyErr
	}
	m.callback = fn
	return nil
}

func (m *MockEventSource) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CloseCalls++
	m.closed = true
	m.callback = nil
	return m.CloseErr
}

// Append adds records to the stored set, simulating new writes to the source.
func (m *MockEventSource) Append(recs ...domain.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Records = append(m.Records, recs...)
}

// Trigger invokes the registered write-notification callback synchronously,
// simulating the source's "something changed" signal. No-op after Close.
func (m *MockEventSource) Trigger() {
	m.mu.Lock()
	fn := m.callback
	m.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Registered reports whether a write-notification callback is registered.
func (m *MockEventSource) Registered() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callback != nil
}

// MockSourceOpener is a mock implementation of domain.SourceOpener.
type MockSourceOpener struct {
	mu      sync.Mutex
	Sources map[string]*MockEventSource
	OpenErr error
	Opened  []string
}

func (m *MockSourceOpener) Open(ctx context.Context, name string) (domain.EventSource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Opened = append(m.Opened, name)
	if m.OpenErr != nil {
		return nil, m.OpenErr
	}
	src, ok := m.Sources[name]
	if !ok {
		return nil, fmt.Errorf("open %q: %w", name, domain.ErrSourceUnavailable)
	}
	return src, nil
}

// MockRecordSink is a mock implementation of domain.RecordSink.
type MockRecordSink struct {
	mu        sync.Mutex
	Emitted   []domain.Record
	EmitErrs  map[int]error // emit call index -> error returned for that call
	CloseErr  error
	closed    bool
	emitCalls int
}

func (m *MockRecordSink) Emit(rec domain.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	call := m.emitCalls
	m.emitCalls++
	if m.closed {
		return fmt.Errorf("emit: %w", domain.ErrSinkClosed)
	}
	if err, ok := m.EmitErrs[call]; ok {
		return err
	}
	m.Emitted = append(m.Emitted, rec)
	return nil
}

func (m *MockRecordSink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return m.CloseErr
}

// EmittedRecords returns a copy of everything emitted so far.
func (m *MockRecordSink) EmittedRecords() []domain.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Record, len(m.Emitted))
	copy(out, m.Emitted)
	return out
}
