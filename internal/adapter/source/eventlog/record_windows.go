//go:build windows

package eventlog

import (
	"encoding/binary"
	"fmt"
	"strings"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/windows"
	"golang.org/x/sys/windows/registry"

	"github.com/user/eventlog-streamer/internal/domain"
)

// EVENTLOGRECORD fixed header size, up to and including DataOffset.
const recordHeaderSize = 56

// The legacy event identifier is the instance id with the severity and
// customer bits masked off.
const eventIDMask = 0x3FFFFFFF

// parseRecord decodes one EVENTLOGRECORD from the front of buf and returns
// the record along with its total length in bytes.
func (s *Source) parseRecord(buf []byte) (domain.Record, int, error) {
	if len(buf) < recordHeaderSize {
		return domain.Record{}, 0, fmt.Errorf("truncated record header: %d bytes", len(buf))
	}

	length := binary.LittleEndian.Uint32(buf[0:4])
	if length < recordHeaderSize || int(length) > len(buf) {
		return domain.Record{}, 0, fmt.Errorf("invalid record length %d", length)
	}

	recordNumber := binary.LittleEndian.Uint32(buf[8:12])
	timeGenerated := binary.LittleEndian.Uint32(buf[12:16])
	timeWritten := binary.LittleEndian.Uint32(buf[16:20])
	instanceID := binary.LittleEndian.Uint32(buf[20:24])
	eventType := binary.LittleEndian.Uint16(buf[24:26])
	numStrings := binary.LittleEndian.Uint16(buf[26:28])
	category := binary.LittleEndian.Uint16(buf[28:30])
	stringOffset := binary.LittleEndian.Uint32(buf[36:40])
	sidLength := binary.LittleEndian.Uint32(buf[40:44])
	sidOffset := binary.LittleEndian.Uint32(buf[44:48])
	dataLength := binary.LittleEndian.Uint32(buf[48:52])
	dataOffset := binary.LittleEndian.Uint32(buf[52:56])

	record := buf[:length]

	// Source and computer name immediately follow the fixed header as
	// NUL-terminated UTF-16 strings.
	source, rest := readUTF16(record[recordHeaderSize:])
	machine, _ := readUTF16(rest)

	inserts := readStrings(record, stringOffset, numStrings)

	rec := domain.Record{
		LogName:        s.name,
		CategoryNumber: int(category),
		EntryType:      domain.EntryType(eventType),
		EventID:        int64(instanceID & eventIDMask),
		Index:          int(recordNumber),
		InstanceID:     int64(instanceID),
		MachineName:    machine,
		Source:         source,
		TimeGenerated:  time.Unix(int64(timeGenerated), 0),
		TimeWritten:    time.Unix(int64(timeWritten), 0),
	}
	if rec.EntryType == 0 {
		rec.EntryType = domain.EntryTypeInformation
	}

	// Categorized lookup walks the registry and formats against the
	// service's category file; it is expensive and skipped entirely for the
	// uncategorized sentinel.
	if category != 0 {
		rec.Category = domain.CategoryDisplay(int(category), s.resolver.categoryName(source, category))
	}

	rec.Message = s.resolver.message(source, instanceID, inserts)

	if dataLength > 0 && int(dataOffset+dataLength) <= len(record) {
		rec.Data = make([]byte, dataLength)
		copy(rec.Data, record[dataOffset:dataOffset+dataLength])
	}
	if sidLength > 0 && int(sidOffset+sidLength) <= len(record) {
		sid := (*windows.SID)(unsafe.Pointer(&record[sidOffset]))
		if account, sidDomain, _, err := sid.LookupAccount(""); err == nil {
			rec.UserName = sidDomain + `\` + account
		}
	}

	return rec, int(length), nil
}

// readUTF16 reads a NUL-terminated UTF-16 string from the front of buf and
// returns it with the remainder of buf.
func readUTF16(buf []byte) (string, []byte) {
	units := make([]uint16, 0, 32)
	for i := 0; i+1 < len(buf); i += 2 {
		u := binary.LittleEndian.Uint16(buf[i : i+2])
		if u == 0 {
			return windows.UTF16ToString(units), buf[i+2:]
		}
		units = append(units, u)
	}
	return windows.UTF16ToString(units), nil
}

// readStrings extracts the record's insertion strings.
func readStrings(record []byte, offset uint32, count uint16) []string {
	strs := make([]string, 0, count)
	rest := record[min(int(offset), len(record)):]
	for i := 0; i < int(count); i++ {
		var s string
		s, rest = readUTF16(rest)
		strs = append(strs, s)
	}
	return strs
}

// resolver turns source names, category codes, and instance ids into display
// strings using the per-source message files recorded in the registry.
// Loaded modules are cached until the source closes.
type resolver struct {
	logName string

	mu         sync.Mutex
	modules    map[string][]windows.Handle // registry value -> loaded modules
	categories map[string]string           // source:code -> resolved name
}

func newResolver(logName string) *resolver {
	return &resolver{
		logName:    logName,
		modules:    make(map[string][]windows.Handle),
		categories: make(map[string]string),
	}
}

// categoryName resolves a non-zero category code for a source, or returns ""
// when no category file yields a name.
func (r *resolver) categoryName(source string, code uint16) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := source + ":" + fmt.Sprint(code)
	if name, ok := r.categories[key]; ok {
		return name
	}
	var name string
	for _, module := range r.load(source, "CategoryMessageFile") {
		if s, err := formatMessage(module, uint32(code), nil); err == nil {
			name = s
			break
		}
	}
	r.categories[key] = name
	return name
}

// message formats the record's message from the source's event message files,
// substituting the insertion strings. When no module resolves the id the
// inserts are joined, which is all the information the record itself carries.
func (r *resolver) message(source string, instanceID uint32, inserts []string) string {
	r.mu.Lock()
	modules := r.load(source, "EventMessageFile")
	r.mu.Unlock()

	for _, module := range modules {
		if s, err := formatMessage(module, instanceID, inserts); err == nil {
			return s
		}
	}
	return strings.Join(inserts, " ")
}

// load returns the loaded module handles for a registry value of the source's
// key, loading and caching them on first use. Callers hold r.mu.
func (r *resolver) load(source, value string) []windows.Handle {
	cacheKey := source + ":" + value
	if handles, ok := r.modules[cacheKey]; ok {
		return handles
	}

	var handles []windows.Handle
	key, err := registry.OpenKey(registry.LOCAL_MACHINE, eventLogRegistryRoot+`\`+r.logName+`\`+source, registry.QUERY_VALUE)
	if err == nil {
		defer key.Close()
		if files, _, err := key.GetStringValue(value); err == nil {
			for _, file := range strings.Split(files, ";") {
				path, err := registry.ExpandString(file)
				if err != nil {
					continue
				}
				module, err := windows.LoadLibraryEx(path, 0, windows.LOAD_LIBRARY_AS_DATAFILE)
				if err != nil {
					continue
				}
				handles = append(handles, module)
			}
		}
	}
	r.modules[cacheKey] = handles
	return handles
}

// close frees every cached module.
func (r *resolver) close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, handles := range r.modules {
		for _, h := range handles {
			windows.FreeLibrary(h)
		}
	}
	clear(r.modules)
}

// formatMessage formats a message id from a loaded module with the given
// insertion strings.
func formatMessage(module windows.Handle, id uint32, inserts []string) (string, error) {
	flags := uint32(windows.FORMAT_MESSAGE_FROM_HMODULE)
	var args *byte
	if len(inserts) == 0 {
		flags |= windows.FORMAT_MESSAGE_IGNORE_INSERTS
	} else {
		flags |= windows.FORMAT_MESSAGE_ARGUMENT_ARRAY
		ptrs := make([]uintptr, len(inserts))
		for i, insert := range inserts {
			p, err := windows.UTF16PtrFromString(insert)
			if err != nil {
				return "", err
			}
			ptrs[i] = uintptr(unsafe.Pointer(p))
		}
		args = (*byte)(unsafe.Pointer(&ptrs[0]))
	}

	buf := make([]uint16, 8192)
	n, err := windows.FormatMessage(flags, uintptr(module), id, 0, buf, args)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(windows.UTF16ToString(buf[:n]), "\r\n "), nil
}
