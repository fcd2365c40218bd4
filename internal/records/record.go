package records

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// FieldID is the record identifier attribute.
	FieldID = "id"
	// FieldModified is the explicit modification timestamp attribute.
	FieldModified = "modified"
	// FieldDate is the fallback timestamp attribute.
	FieldDate = "date"
	// FieldSyncConflict marks a local record whose remote create was rejected.
	FieldSyncConflict = "sync_conflict"

	// LocalIDPrefix distinguishes client-generated identifiers from server-issued ones.
	LocalIDPrefix = "local_"
)

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	time.DateOnly,
}

// Record is a single collection entity with arbitrary fields.
type Record map[string]any

// ID returns the record identifier normalized to a string.
func (r Record) ID() string {
	return normalizeID(r[FieldID])
}

// SetID replaces the record identifier.
func (r Record) SetID(id string) {
	r[FieldID] = id
}

// HasLocalID reports whether the record carries a client-generated identifier.
func (r Record) HasLocalID() bool {
	return IsLocalID(r.ID())
}

// Modified returns the record's modification timestamp, falling back to its date field.
func (r Record) Modified() (time.Time, bool) {
	if ts, ok := parseTimestamp(r[FieldModified]); ok {
		return ts, true
	}
	return parseTimestamp(r[FieldDate])
}

// Stamp sets the modification timestamp.
func (r Record) Stamp(at time.Time) {
	r[FieldModified] = at.UTC().Format(time.RFC3339Nano)
}

// SyncConflict returns the conflict annotation, if any.
func (r Record) SyncConflict() string {
	value, _ := r[FieldSyncConflict].(string)
	return value
}

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for key, value := range r {
		out[key] = value
	}
	return out
}

// Equal compares two records by their canonical JSON encoding.
func Equal(a, b Record) bool {
	left, err := json.Marshal(a)
	if err != nil {
		return false
	}
	right, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(left, right)
}

// DecodeRecord parses a single JSON object, keeping numbers exact.
func DecodeRecord(data []byte) (Record, error) {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	var record Record
	if err := decoder.Decode(&record); err != nil {
		return nil, err
	}
	if record == nil {
		return nil, fmt.Errorf("records: expected object")
	}
	return record, nil
}

// DecodeList parses a JSON array of records, keeping numbers exact.
func DecodeList(data []byte) ([]Record, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return []Record{}, nil
	}
	decoder := json.NewDecoder(bytes.NewReader(trimmed))
	decoder.UseNumber()
	var list []Record
	if err := decoder.Decode(&list); err != nil {
		return nil, err
	}
	if list == nil {
		list = []Record{}
	}
	return list, nil
}

// NewLocalID issues a client-side identifier for a record not yet created remotely.
func NewLocalID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return LocalIDPrefix + value.String(), nil
}

// IsLocalID reports whether the identifier was generated on the client.
func IsLocalID(id string) bool {
	return strings.HasPrefix(id, LocalIDPrefix)
}

// NewMonotonicClock wraps a wall clock so successive readings strictly increase.
func NewMonotonicClock(base func() time.Time) func() time.Time {
	if base == nil {
		base = time.Now
	}
	var (
		mu   sync.Mutex
		last time.Time
	)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now := base().UTC()
		if !now.After(last) {
			now = last.Add(time.Nanosecond)
		}
		last = now
		return now
	}
}

func normalizeID(value any) string {
	switch typed := value.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(typed)
	case json.Number:
		return typed.String()
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64)
	case int:
		return strconv.Itoa(typed)
	case int64:
		return strconv.FormatInt(typed, 10)
	default:
		return fmt.Sprint(typed)
	}
}

// millisecondEpochThreshold separates epoch seconds from epoch milliseconds. 1e11 seconds is
// past the year 5000; 1e11 milliseconds is March 1973.
const millisecondEpochThreshold = 1e11

// fromEpochNumber reads numeric stamps as epoch seconds, or as epoch milliseconds when they are
// too large to be seconds, which is how stamps written by browsers arrive.
func fromEpochNumber(value float64) time.Time {
	if math.Abs(value) >= millisecondEpochThreshold {
		return time.UnixMilli(int64(value)).UTC()
	}
	return time.Unix(int64(value), 0).UTC()
}

func parseTimestamp(value any) (time.Time, bool) {
	switch typed := value.(type) {
	case string:
		trimmed := strings.TrimSpace(typed)
		if trimmed == "" {
			return time.Time{}, false
		}
		for _, layout := range timestampLayouts {
			if ts, err := time.Parse(layout, trimmed); err == nil {
				return ts.UTC(), true
			}
		}
		return time.Time{}, false
	case json.Number:
		number, err := typed.Float64()
		if err != nil {
			return time.Time{}, false
		}
		return fromEpochNumber(number), true
	case float64:
		return fromEpochNumber(typed), true
	case time.Time:
		return typed.UTC(), true
	default:
		return time.Time{}, false
	}
}
