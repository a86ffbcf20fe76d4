//go:build windows

// Package eventlog adapts the Windows Event Log into a log source. One
// opened Source wraps one event log handle; enumeration seek-reads forward
// from the oldest record, and write notification uses NotifyChangeEventLog
// on an event handle serviced by a wait goroutine.
package eventlog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"unsafe"

	"golang.org/x/sys/windows"
	"golang.org/x/sys/windows/registry"

	"github.com/user/eventlog-streamer/internal/domain"
)

const eventLogRegistryRoot = `SYSTEM\CurrentControlSet\Services\EventLog`

// Read flags for ReadEventLog.
const (
	evtSequentialRead = 0x0001
	evtSeekRead       = 0x0002
	evtForwardsRead   = 0x0004
)

var (
	modadvapi32 = windows.NewLazySystemDLL("advapi32.dll")

	procOpenEventLogW              = modadvapi32.NewProc("OpenEventLogW")
	procReadEventLogW              = modadvapi32.NewProc("ReadEventLogW")
	procCloseEventLog              = modadvapi32.NewProc("CloseEventLog")
	procGetNumberOfEventLogRecords = modadvapi32.NewProc("GetNumberOfEventLogRecords")
	procGetOldestEventLogRecord    = modadvapi32.NewProc("GetOldestEventLogRecord")
	procNotifyChangeEventLog       = modadvapi32.NewProc("NotifyChangeEventLog")
)

// Opener opens Windows event logs on the local machine.
type Opener struct {
	logger *slog.Logger
}

// NewOpener creates an Opener.
func NewOpener(logger *slog.Logger) *Opener {
	return &Opener{logger: logger.With("component", "eventlog")}
}

// Open binds to the named event log. OpenEventLog silently falls back to the
// Application log for unknown names, so existence is checked against the
// EventLog registry key first.
func (o *Opener) Open(ctx context.Context, name string) (domain.EventSource, error) {
	key, err := registry.OpenKey(registry.LOCAL_MACHINE, eventLogRegistryRoot+`\`+name, registry.QUERY_VALUE)
	if err != nil {
		return nil, fmt.Errorf("open %q: %w: %w", name, domain.ErrSourceUnavailable, err)
	}
	key.Close()

	namePtr, err := windows.UTF16PtrFromString(name)
	if err != nil {
		return nil, fmt.Errorf("open %q: %w: %w", name, domain.ErrSourceUnavailable, err)
	}
	handle, err := openEventLog(nil, namePtr)
	if err != nil {
		return nil, fmt.Errorf("open %q: %w: %w", name, domain.ErrSourceUnavailable, err)
	}

	return &Source{
		name:     name,
		handle:   handle,
		logger:   o.logger.With("log", name),
		resolver: newResolver(name),
	}, nil
}

// Source is one opened Windows event log.
type Source struct {
	name     string
	handle   windows.Handle
	logger   *slog.Logger
	resolver *resolver

	mu        sync.Mutex
	closed    bool
	notifyEvt windows.Handle
	stopEvt   windows.Handle
	done      chan struct{}
}

// Count returns the number of records currently stored in the log.
func (s *Source) Count(ctx context.Context) (int, error) {
	var n uint32
	if err := getNumberOfEventLogRecords(s.handle, &n); err != nil {
		return 0, fmt.Errorf("count %s: %w", s.name, err)
	}
	return int(n), nil
}

// EnumerateAll reads every record currently stored, oldest first, and calls
// fn for each.
func (s *Source) EnumerateAll(ctx context.Context, fn func(domain.Record) error) error {
	var count uint32
	if err := getNumberOfEventLogRecords(s.handle, &count); err != nil {
		return fmt.Errorf("count %s: %w", s.name, err)
	}
	if count == 0 {
		return nil
	}
	var oldest uint32
	if err := getOldestEventLogRecord(s.handle, &oldest); err != nil {
		return fmt.Errorf("oldest record %s: %w", s.name, err)
	}

	buf := make([]byte, 64*1024)
	flags := uint32(evtSeekRead | evtForwardsRead)
	offset := oldest

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		var read, needed uint32
		err := readEventLog(s.handle, flags, offset, &buf[0], uint32(len(buf)), &read, &needed)
		if err == windows.ERROR_HANDLE_EOF {
			return nil
		}
		if err == windows.ERROR_INSUFFICIENT_BUFFER {
			buf = make([]byte, needed)
			continue
		}
		if err != nil {
			return fmt.Errorf("read %s: %w", s.name, err)
		}

		for chunk := buf[:read]; len(chunk) > 0; {
			rec, length, perr := s.parseRecord(chunk)
			if perr != nil {
				return fmt.Errorf("parse %s: %w", s.name, perr)
			}
			if err := fn(rec); err != nil {
				return err
			}
			chunk = chunk[length:]
		}

		// The seek positioned the handle; continue sequentially from there.
		flags = evtSequentialRead | evtForwardsRead
		offset = 0
	}
}

// NotifyWritten registers fn for write notification. The OS pulses the event
// handle at most once every few seconds no matter how many records arrive, so
// delivery is coalescing by nature.
func (s *Source) NotifyWritten(fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("notify %s: %w", s.name, domain.ErrSourceUnavailable)
	}
	if s.done != nil {
		return fmt.Errorf("notify %s: callback already registered", s.name)
	}

	notifyEvt, err := windows.CreateEvent(nil, 0, 0, nil)
	if err != nil {
		return fmt.Errorf("notify %s: create event: %w", s.name, err)
	}
	stopEvt, err := windows.CreateEvent(nil, 0, 0, nil)
	if err != nil {
		windows.CloseHandle(notifyEvt)
		return fmt.Errorf("notify %s: create event: %w", s.name, err)
	}
	if err := notifyChangeEventLog(s.handle, notifyEvt); err != nil {
		windows.CloseHandle(notifyEvt)
		windows.CloseHandle(stopEvt)
		return fmt.Errorf("notify %s: %w", s.name, err)
	}

	s.notifyEvt = notifyEvt
	s.stopEvt = stopEvt
	s.done = make(chan struct{})
	go s.wait(fn)
	return nil
}

// wait services the notification event until the stop event fires.
func (s *Source) wait(fn func()) {
	defer close(s.done)
	handles := []windows.Handle{s.stopEvt, s.notifyEvt}
	for {
		event, err := windows.WaitForMultipleObjects(handles, false, windows.INFINITE)
		if err != nil {
			s.logger.Error("notification wait failed", "error", err)
			return
		}
		switch event {
		case windows.WAIT_OBJECT_0:
			return
		case windows.WAIT_OBJECT_0 + 1:
			fn()
		default:
			return
		}
	}
}

// Close stops notification delivery and releases the log handle.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if s.done != nil {
		windows.SetEvent(s.stopEvt)
		<-s.done
		windows.CloseHandle(s.notifyEvt)
		windows.CloseHandle(s.stopEvt)
	}
	s.resolver.close()
	if err := closeEventLog(s.handle); err != nil {
		return fmt.Errorf("close %s: %w", s.name, err)
	}
	return nil
}

func openEventLog(server, source *uint16) (windows.Handle, error) {
	r1, _, errno := procOpenEventLogW.Call(uintptr(unsafe.Pointer(server)), uintptr(unsafe.Pointer(source)))
	if r1 == 0 {
		return 0, errno
	}
	return windows.Handle(r1), nil
}

func readEventLog(h windows.Handle, flags, offset uint32, buf *byte, size uint32, read, needed *uint32) error {
	r1, _, errno := procReadEventLogW.Call(
		uintptr(h),
		uintptr(flags),
		uintptr(offset),
		uintptr(unsafe.Pointer(buf)),
		uintptr(size),
		uintptr(unsafe.Pointer(read)),
		uintptr(unsafe.Pointer(needed)),
	)
	if r1 == 0 {
		return errno
	}
	return nil
}

func closeEventLog(h windows.Handle) error {
	r1, _, errno := procCloseEventLog.Call(uintptr(h))
	if r1 == 0 {
		return errno
	}
	return nil
}

func getNumberOfEventLogRecords(h windows.Handle, n *uint32) error {
	r1, _, errno := procGetNumberOfEventLogRecords.Call(uintptr(h), uintptr(unsafe.Pointer(n)))
	if r1 == 0 {
		return errno
	}
	return nil
}

func getOldestEventLogRecord(h windows.Handle, n *uint32) error {
	r1, _, errno := procGetOldestEventLogRecord.Call(uintptr(h), uintptr(unsafe.Pointer(n)))
	if r1 == 0 {
		return errno
	}
	return nil
}

func notifyChangeEventLog(h windows.Handle, event windows.Handle) error {
	r1, _, errno := procNotifyChangeEventLog.Call(uintptr(h), uintptr(event))
	if r1 == 0 {
		return errno
	}
	return nil
}
