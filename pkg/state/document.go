package state

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

// Decode parses a session document.
//
// Returns ErrMalformed when data is not valid JSON and ErrSchemaViolation
// when it is valid JSON but not an object. Numbers are kept as json.Number so
// integers round-trip exactly.
func Decode(data []byte) (Document, error) {
	obj, err := DecodeObject(data)
	if err != nil {
		if errors.Is(err, ErrNotObject) {
			return nil, fmt.Errorf("%w: session document %v", ErrSchemaViolation, err)
		}
		return nil, err
	}
	return Document(obj), nil
}

// DecodeObject parses a JSON object such as a command payload.
func DecodeObject(data []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data after JSON value", ErrMalformed)
	}

	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w, got %s", ErrNotObject, typeName(raw))
	}
	return obj, nil
}

// Encode renders the document as indented JSON with a trailing newline.
func Encode(doc Document) ([]byte, error) {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal session document: %w", err)
	}
	return append(data, '\n'), nil
}

// Clone returns a shallow copy. Record arrays and nested objects are shared,
// so callers replace them instead of mutating in place.
func (d Document) Clone() Document {
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Merge returns a copy of d with every key of partial overwritten.
func (d Document) Merge(partial map[string]any) Document {
	out := d.Clone()
	for k, v := range partial {
		out[k] = v
	}
	return out
}

// String returns a string field, or "" if absent or not a string.
func (d Document) String(key string) string {
	s, _ := d[key].(string)
	return s
}

// Int returns an integer field.
func (d Document) Int(key string) (int64, bool) {
	v, ok := d[key]
	if !ok {
		return 0, false
	}
	return toInt(v)
}

// Time returns a timestamp field parsed with ParseTime.
func (d Document) Time(key string) (time.Time, bool) {
	s, ok := d[key].(string)
	if !ok {
		return time.Time{}, false
	}
	t, err := ParseTime(s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// SessionID returns the session identifier.
func (d Document) SessionID() string {
	return d.String(FieldSessionID)
}

// Status returns the session status.
func (d Document) Status() Status {
	return Status(d.String(FieldStatus))
}

// CurrentStep returns currentStep, or 0 if it is absent or invalid.
func (d Document) CurrentStep() int64 {
	n, _ := d.Int(FieldCurrentStep)
	return n
}

// TotalSteps returns totalSteps, or 0 if it is absent or invalid.
func (d Document) TotalSteps() int64 {
	n, _ := d.Int(FieldTotalSteps)
	return n
}

// Records returns the records of the given kind, or nil.
func (d Document) Records(kind RecordKind) []any {
	records, _ := d[kind.Field()].([]any)
	return records
}

// Performance returns the performance sub-document, or nil.
func (d Document) Performance() map[string]any {
	perf, _ := d[FieldPerformance].(map[string]any)
	return perf
}

// AppendRecord returns a copy of d with record appended to the array of the
// given kind. The original array is not modified.
func (d Document) AppendRecord(kind RecordKind, record map[string]any) Document {
	prev := d.Records(kind)
	next := make([]any, len(prev), len(prev)+1)
	copy(next, prev)
	next = append(next, record)

	out := d.Clone()
	out[kind.Field()] = next
	return out
}

// LastStepNumber returns the stepNumber of the most recent step record.
func (d Document) LastStepNumber() (int64, bool) {
	steps := d.Records(KindStep)
	if len(steps) == 0 {
		return 0, false
	}
	rec, ok := steps[len(steps)-1].(map[string]any)
	if !ok {
		return 0, false
	}
	v, ok := rec[FieldStepNumber]
	if !ok {
		return 0, false
	}
	return toInt(v)
}

// NewRecord builds a record from payload stamped with stepNumber and now.
// The stamps replace any timestamp or stepNumber the payload carries.
func NewRecord(payload map[string]any, stepNumber int64, now time.Time) map[string]any {
	rec := make(map[string]any, len(payload)+2)
	for k, v := range payload {
		rec[k] = v
	}
	rec[FieldTimestamp] = FormatTime(now)
	rec[FieldStepNumber] = stepNumber
	return rec
}

// FormatTime renders t the way every timestamp in a document is stored.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// zonelessLayout matches ISO 8601 timestamps written without an offset,
// such as those produced by other initializers of the document.
const zonelessLayout = "2006-01-02T15:04:05.999999999"

// ParseTime parses a stored timestamp. RFC 3339 is preferred; a timestamp
// without an offset is read in local time.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err == nil {
		return t, nil
	}
	if local, localErr := time.ParseInLocation(zonelessLayout, s, time.Local); localErr == nil {
		return local, nil
	}
	return time.Time{}, err
}

// toInt converts a decoded JSON number to int64 if it is integral.
func toInt(v any) (int64, bool) {
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true
		}
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return floatToInt(f)
	case float64:
		return floatToInt(n)
	case int:
		return int64(n), true
	case int64:
		return n, true
	case int32:
		return int64(n), true
	default:
		return 0, false
	}
}

func floatToInt(f float64) (int64, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, false
	}
	if f > math.MaxInt64 || f < math.MinInt64 {
		return 0, false
	}
	return int64(f), true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// typeName describes a decoded JSON value for error messages.
func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case json.Number, float64, int, int64, int32:
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}
