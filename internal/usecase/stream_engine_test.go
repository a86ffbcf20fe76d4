package usecase

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/user/eventlog-streamer/internal/adapter/metrics"
	"github.com/user/eventlog-streamer/internal/domain"
	"github.com/user/eventlog-streamer/internal/domain/mocks"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testMetrics() *metrics.StreamMetrics {
	return metrics.NewStreamMetricsWith(prometheus.NewRegistry())
}

func testRecords(n int) []domain.Record {
	recs := make([]domain.Record, n)
	for i := range recs {
		recs[i] = domain.Record{
			LogName:   "Application",
			Index:     i + 1,
			EntryType: domain.EntryTypeInformation,
			Message:   "message",
		}
	}
	return recs
}

func newTestEngine(t *testing.T, src *mocks.MockEventSource, desc domain.SourceDescriptor, snk domain.RecordSink) *StreamEngine {
	t.Helper()
	opener := &mocks.MockSourceOpener{Sources: map[string]*mocks.MockEventSource{desc.Name: src}}
	engine, err := NewStreamEngine(context.Background(), opener, desc, snk, testLogger(), testMetrics())
	if err != nil {
		t.Fatalf("expected no error constructing engine, got %v", err)
	}
	return engine
}

func TestStreamEngine_Start(t *testing.T) {
	t.Run("Replay Emits All Records In Order", func(t *testing.T) {
		src := &mocks.MockEventSource{Records: testRecords(3)}
		snk := &mocks.MockRecordSink{}
		engine := newTestEngine(t, src, domain.SourceDescriptor{Name: "Application", ReplayAll: true}, snk)

		if err := engine.Start(context.Background()); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}

		emitted := snk.EmittedRecords()
		if len(emitted) != 3 {
			t.Fatalf("expected 3 emitted records, got %d", len(emitted))
		}
		for i, rec := range emitted {
			if rec.Index != i+1 {
				t.Errorf("expected record %d at position %d, got index %d", i+1, i, rec.Index)
			}
		}
		if !src.Registered() {
			t.Error("expected notification callback to be registered after Start")
		}
	})

	t.Run("No Replay Still Registers For Notifications", func(t *testing.T) {
		src := &mocks.MockEventSource{Records: testRecords(3)}
		snk := &mocks.MockRecordSink{}
		engine := newTestEngine(t, src, domain.SourceDescriptor{Name: "Application"}, snk)

		if err := engine.Start(context.Background()); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if len(snk.EmittedRecords()) != 0 {
			t.Errorf("expected no records emitted without replay, got %d", len(snk.EmittedRecords()))
		}
		if !src.Registered() {
			t.Error("expected notification callback to be registered after Start")
		}
	})

	t.Run("Second Start Fails And Never Replays Again", func(t *testing.T) {
		src := &mocks.MockEventSource{Records: testRecords(2)}
		snk := &mocks.MockRecordSink{}
		engine := newTestEngine(t, src, domain.SourceDescriptor{Name: "Application", ReplayAll: true}, snk)

		if err := engine.Start(context.Background()); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		err := engine.Start(context.Background())
		if !errors.Is(err, domain.ErrAlreadyStarted) {
			t.Fatalf("expected ErrAlreadyStarted, got %v", err)
		}
		if src.EnumerateCalls != 1 {
			t.Errorf("expected exactly 1 replay pass, got %d", src.EnumerateCalls)
		}
	})

	t.Run("Start After Dispose Fails", func(t *testing.T) {
		src := &mocks.MockEventSource{}
		snk := &mocks.MockRecordSink{}
		engine := newTestEngine(t, src, domain.SourceDescriptor{Name: "Application"}, snk)

		if err := engine.Dispose(); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if err := engine.Start(context.Background()); !errors.Is(err, domain.ErrAlreadyStarted) {
			t.Fatalf("expected ErrAlreadyStarted after dispose, got %v", err)
		}
		if src.CloseCalls != 1 {
			t.Errorf("expected source closed once, got %d", src.CloseCalls)
		}
	})
}

func TestStreamEngine_Construction(t *testing.T) {
	t.Run("Probe Failure Fails Fast", func(t *testing.T) {
		src := &mocks.MockEventSource{CountErr: errors.New("access denied")}
		opener := &mocks.MockSourceOpener{Sources: map[string]*mocks.MockEventSource{"Security": src}}

		_, err := NewStreamEngine(context.Background(), opener, domain.SourceDescriptor{Name: "Security"}, &mocks.MockRecordSink{}, testLogger(), testMetrics())
		if !errors.Is(err, domain.ErrSourceUnavailable) {
			t.Fatalf("expected ErrSourceUnavailable, got %v", err)
		}
		if src.CloseCalls != 1 {
			t.Errorf("expected probed source to be released, got %d closes", src.CloseCalls)
		}
	})

	t.Run("Open Failure Propagates", func(t *testing.T) {
		opener := &mocks.MockSourceOpener{Sources: map[string]*mocks.MockEventSource{}}

		_, err := NewStreamEngine(context.Background(), opener, domain.SourceDescriptor{Name: "Missing"}, &mocks.MockRecordSink{}, testLogger(), testMetrics())
		if !errors.Is(err, domain.ErrSourceUnavailable) {
			t.Fatalf("expected ErrSourceUnavailable, got %v", err)
		}
	})
}

func TestStreamEngine_Rescan(t *testing.T) {
	t.Run("Notification Re-Emits Full Record Set", func(t *testing.T) {
		src := &mocks.MockEventSource{Records: testRecords(2)}
		snk := &mocks.MockRecordSink{}
		engine := newTestEngine(t, src, domain.SourceDescriptor{Name: "Application", ReplayAll: true}, snk)

		if err := engine.Start(context.Background()); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		src.Append(domain.Record{LogName: "Application", Index: 3})
		src.Trigger()

		// The re-scan re-reads everything: 2 from replay plus all 3 again.
		// Duplicate emission across scans is documented behavior.
		emitted := snk.EmittedRecords()
		if len(emitted) != 5 {
			t.Fatalf("expected 5 emitted records (2 replay + 3 re-scan), got %d", len(emitted))
		}
		if emitted[4].Index != 3 {
			t.Errorf("expected the new record last, got index %d", emitted[4].Index)
		}
	})

	t.Run("Emission Error Skips Record And Continues", func(t *testing.T) {
		src := &mocks.MockEventSource{Records: testRecords(3)}
		snk := &mocks.MockRecordSink{EmitErrs: map[int]error{1: errors.New("short write")}}
		engine := newTestEngine(t, src, domain.SourceDescriptor{Name: "Application", ReplayAll: true}, snk)

		if err := engine.Start(context.Background()); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}

		emitted := snk.EmittedRecords()
		if len(emitted) != 2 {
			t.Fatalf("expected 2 emitted records after one failure, got %d", len(emitted))
		}
		if emitted[0].Index != 1 || emitted[1].Index != 3 {
			t.Errorf("expected records 1 and 3, got %d and %d", emitted[0].Index, emitted[1].Index)
		}
	})

	t.Run("Closed Sink Aborts The Pass", func(t *testing.T) {
		src := &mocks.MockEventSource{Records: testRecords(3)}
		snk := &mocks.MockRecordSink{}
		if err := snk.Close(); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		engine := newTestEngine(t, src, domain.SourceDescriptor{Name: "Application", ReplayAll: true}, snk)

		// Start must not fail: the scan error is terminal for the pass only.
		if err := engine.Start(context.Background()); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if len(snk.EmittedRecords()) != 0 {
			t.Errorf("expected no records emitted to a closed sink, got %d", len(snk.EmittedRecords()))
		}
	})

	t.Run("Notification After Dispose Is Ignored", func(t *testing.T) {
		src := &mocks.MockEventSource{Records: testRecords(1)}
		snk := &mocks.MockRecordSink{}
		engine := newTestEngine(t, src, domain.SourceDescriptor{Name: "Application"}, snk)

		if err := engine.Start(context.Background()); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if err := engine.Dispose(); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		src.Trigger() // the real source stops delivering; a stale trigger must be harmless
		if len(snk.EmittedRecords()) != 0 {
			t.Errorf("expected no emission after dispose, got %d", len(snk.EmittedRecords()))
		}
	})
}

// staticOpener hands out a prebuilt source regardless of name.
type staticOpener struct {
	src domain.EventSource
}

func (o staticOpener) Open(ctx context.Context, name string) (domain.EventSource, error) {
	return o.src, nil
}

// joiningSource models an OS-backed source whose Close stops a notification
// wait loop and joins it: Close does not return until any callback delivery
// already committed by that loop has finished.
type joiningSource struct {
	records      []domain.Record
	cb           func()
	closeEntered chan struct{}
	cbDone       chan struct{}
}

func (s *joiningSource) Count(ctx context.Context) (int, error) {
	return len(s.records), nil
}

func (s *joiningSource) EnumerateAll(ctx context.Context, fn func(domain.Record) error) error {
	for _, rec := range s.records {
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

func (s *joiningSource) NotifyWritten(fn func()) error {
	s.cb = fn
	return nil
}

func (s *joiningSource) Close() error {
	close(s.closeEntered)
	<-s.cbDone
	return nil
}

func TestStreamEngine_Dispose(t *testing.T) {
	t.Run("Idempotent", func(t *testing.T) {
		src := &mocks.MockEventSource{}
		engine := newTestEngine(t, src, domain.SourceDescriptor{Name: "Application"}, &mocks.MockRecordSink{})

		if err := engine.Start(context.Background()); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		for i := 0; i < 3; i++ {
			if err := engine.Dispose(); err != nil {
				t.Fatalf("dispose %d: expected no error, got %v", i, err)
			}
		}
		if src.CloseCalls != 1 {
			t.Errorf("expected source closed exactly once, got %d", src.CloseCalls)
		}
	})

	t.Run("Blocks Until In-Flight Scan Completes", func(t *testing.T) {
		scanStarted := make(chan struct{})
		release := make(chan struct{})
		src := &mocks.MockEventSource{Records: testRecords(2)}
		src.OnEnumerate = func() {
			select {
			case <-scanStarted:
			default:
				close(scanStarted)
				<-release
			}
		}
		snk := &mocks.MockRecordSink{}
		engine := newTestEngine(t, src, domain.SourceDescriptor{Name: "Application"}, snk)

		if err := engine.Start(context.Background()); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}

		go src.Trigger()
		<-scanStarted

		disposed := make(chan struct{})
		go func() {
			engine.Dispose()
			close(disposed)
		}()

		select {
		case <-disposed:
			t.Fatal("Dispose returned while a scan was in flight")
		case <-time.After(50 * time.Millisecond):
		}

		close(release)
		select {
		case <-disposed:
		case <-time.After(2 * time.Second):
			t.Fatal("Dispose never completed after the scan finished")
		}

		// The scan that was in flight finished its full pass first.
		if len(snk.EmittedRecords()) != 2 {
			t.Errorf("expected the in-flight scan to complete, got %d records", len(snk.EmittedRecords()))
		}
		if src.CloseCalls != 1 {
			t.Errorf("expected source closed exactly once, got %d", src.CloseCalls)
		}
	})

	t.Run("Returns While Source Close Joins A Late Callback", func(t *testing.T) {
		src := &joiningSource{
			records:      testRecords(1),
			closeEntered: make(chan struct{}),
			cbDone:       make(chan struct{}),
		}
		snk := &mocks.MockRecordSink{}
		engine, err := NewStreamEngine(context.Background(), staticOpener{src}, domain.SourceDescriptor{Name: "Application"}, snk, testLogger(), testMetrics())
		if err != nil {
			t.Fatalf("expected no error constructing engine, got %v", err)
		}
		if err := engine.Start(context.Background()); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}

		// A notification committed just before teardown: the source's wait
		// loop delivers it while Close is draining, and Close only returns
		// once the delivery does.
		go func() {
			<-src.closeEntered
			src.cb()
			close(src.cbDone)
		}()

		disposed := make(chan struct{})
		go func() {
			if err := engine.Dispose(); err != nil {
				t.Errorf("expected no error from Dispose, got %v", err)
			}
			close(disposed)
		}()

		select {
		case <-disposed:
		case <-time.After(2 * time.Second):
			t.Fatal("Dispose never returned while the source joined its callback")
		}

		if len(snk.EmittedRecords()) != 0 {
			t.Errorf("expected the late callback to emit nothing, got %d records", len(snk.EmittedRecords()))
		}
	})
}
