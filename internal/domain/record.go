package domain

import (
	"encoding/json"
	"strconv"
	"time"
)

// EntryType classifies the severity of a record, using the numeric codes the
// OS event log assigns on write.
type EntryType int

const (
	EntryTypeError        EntryType = 1
	EntryTypeWarning      EntryType = 2
	EntryTypeInformation  EntryType = 4
	EntryTypeSuccessAudit EntryType = 8
	EntryTypeFailureAudit EntryType = 16
)

// String returns the enum name serialized into the output stream.
func (t EntryType) String() string {
	switch t {
	case EntryTypeError:
		return "Error"
	case EntryTypeWarning:
		return "Warning"
	case EntryTypeInformation:
		return "Information"
	case EntryTypeSuccessAudit:
		return "SuccessAudit"
	case EntryTypeFailureAudit:
		return "FailureAudit"
	}
	return strconv.Itoa(int(t))
}

// MarshalJSON serializes the entry type by name.
func (t EntryType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON accepts either the enum name or the raw numeric code, so
// records round-trip through file-backed sources.
func (t *EntryType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		switch s {
		case "Error":
			*t = EntryTypeError
		case "Warning":
			*t = EntryTypeWarning
		case "Information":
			*t = EntryTypeInformation
		case "SuccessAudit":
			*t = EntryTypeSuccessAudit
		case "FailureAudit":
			*t = EntryTypeFailureAudit
		default:
			n, err := strconv.Atoi(s)
			if err != nil {
				return err
			}
			*t = EntryType(n)
		}
		return nil
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*t = EntryType(n)
	return nil
}

// Record is a single entry read from a log source. Records are immutable once
// read; sources produce them and nothing downstream mutates them.
type Record struct {
	LogName        string    `json:"LogName"`
	Category       string    `json:"Category"`
	CategoryNumber int       `json:"CategoryNumber"`
	Data           []byte    `json:"Data,omitempty"`
	EntryType      EntryType `json:"EntryType"`
	EventID        int64     `json:"EventID"`
	Index          int       `json:"Index"`
	InstanceID     int64     `json:"InstanceId"`
	MachineName    string    `json:"MachineName"`
	Message        string    `json:"Message"`
	Source         string    `json:"Source"`
	TimeGenerated  time.Time `json:"TimeGenerated"`
	TimeWritten    time.Time `json:"TimeWritten"`
	UserName       string    `json:"UserName,omitempty"`
}

// recordJSON fixes the canonical field order of the output schema. Data is
// emitted as an array of integers rather than base64, matching what consumers
// of the stream expect.
type recordJSON struct {
	LogName        string    `json:"LogName"`
	Category       string    `json:"Category"`
	CategoryNumber int       `json:"CategoryNumber"`
	Data           []int     `json:"Data,omitempty"`
	EntryType      EntryType `json:"EntryType"`
	EventID        int64     `json:"EventID"`
	Index          int       `json:"Index"`
	InstanceID     int64     `json:"InstanceId"`
	MachineName    string    `json:"MachineName"`
	Message        string    `json:"Message"`
	Source         string    `json:"Source"`
	TimeGenerated  time.Time `json:"TimeGenerated"`
	TimeWritten    time.Time `json:"TimeWritten"`
	UserName       string    `json:"UserName,omitempty"`
}

// MarshalJSON emits the canonical schema. Category number 0 means
// "uncategorized" and always serializes as the literal "(0)", regardless of
// whatever name a source may have resolved.
func (r Record) MarshalJSON() ([]byte, error) {
	out := recordJSON{
		LogName:        r.LogName,
		Category:       r.Category,
		CategoryNumber: r.CategoryNumber,
		EntryType:      r.EntryType,
		EventID:        r.EventID,
		Index:          r.Index,
		InstanceID:     r.InstanceID,
		MachineName:    r.MachineName,
		Message:        r.Message,
		Source:         r.Source,
		TimeGenerated:  r.TimeGenerated,
		TimeWritten:    r.TimeWritten,
		UserName:       r.UserName,
	}
	if r.CategoryNumber == 0 {
		out.Category = "(0)"
	}
	if len(r.Data) > 0 {
		out.Data = make([]int, len(r.Data))
		for i, b := range r.Data {
			out.Data[i] = int(b)
		}
	}
	return json.Marshal(out)
}

// UnmarshalJSON accepts the canonical schema, including Data as an integer
// array. Used by file-backed sources that store records in output form.
func (r *Record) UnmarshalJSON(data []byte) error {
	var in recordJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*r = Record{
		LogName:        in.LogName,
		Category:       in.Category,
		CategoryNumber: in.CategoryNumber,
		EntryType:      in.EntryType,
		EventID:        in.EventID,
		Index:          in.Index,
		InstanceID:     in.InstanceID,
		MachineName:    in.MachineName,
		Message:        in.Message,
		Source:         in.Source,
		TimeGenerated:  in.TimeGenerated,
		TimeWritten:    in.TimeWritten,
		UserName:       in.UserName,
	}
	if len(in.Data) > 0 {
		r.Data = make([]byte, len(in.Data))
		for i, n := range in.Data {
			r.Data[i] = byte(n)
		}
	}
	return nil
}

// CategoryDisplay resolves the category string for a record. Lookup of the
// real name is the caller's concern and is expensive; code 0 skips it
// entirely. An empty resolved name falls back to the parenthesized code, the
// same presentation the upstream platform uses for unresolvable categories.
func CategoryDisplay(code int, resolved string) string {
	if code == 0 {
		return "(0)"
	}
	if resolved == "" {
		return "(" + strconv.Itoa(code) + ")"
	}
	return resolved
}
