package snapshot

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// FormatVersion is the newest snapshot format this build reads and the one
// it writes.
const FormatVersion = 1

// TimeLayout is how time values are rendered in snapshot files.
const TimeLayout = "2006-01-02 15:04:05"

var (
	// ErrMalformedRecord marks a line that cannot be decoded as a row record.
	// It is row-level: the restore counts it and continues.
	ErrMalformedRecord = errors.New("malformed snapshot record")

	// ErrMissingHeader is returned when a snapshot does not start with a header line.
	ErrMissingHeader = errors.New("snapshot header missing")

	// ErrNonScalar is returned when a value cannot be represented in a snapshot.
	ErrNonScalar = errors.New("non-scalar value")
)

// Header is the first record of every snapshot file.
type Header struct {
	Version        int    `json:"version"`
	ProductName    string `json:"productName"`
	ProductVersion string `json:"productVersion"`
	SchemaVersion  int    `json:"schemaVersion"`
	Date           string `json:"date"`
}

// Record is one row of one table.
type Record struct {
	Table  string         `json:"table"`
	Values map[string]any `json:"values"`
}

type headerLine struct {
	Header Header `json:"header"`
}

// envelope is the structural superset used to tell headers from rows.
type envelope struct {
	Header *Header        `json:"header"`
	Table  string         `json:"table"`
	Values map[string]any `json:"values"`
}

// EncodeHeader renders h as a newline-terminated header line.
func EncodeHeader(h Header) ([]byte, error) {
	return marshalLine(headerLine{Header: h})
}

// Encode renders one row as a newline-terminated record line. Keys are
// emitted in sorted order so identical rows always encode identically.
func Encode(table string, values map[string]any) ([]byte, error) {
	if table == "" {
		return nil, errors.New("encode: empty table name")
	}
	normalized := make(map[string]any, len(values))
	for col, v := range values {
		s, err := normalizeScalar(v)
		if err != nil {
			return nil, fmt.Errorf("encode %s.%s: %w", table, col, err)
		}
		normalized[col] = s
	}
	return marshalLine(Record{Table: table, Values: normalized})
}

func marshalLine(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode parses a record line. Any failure wraps ErrMalformedRecord.
func Decode(line []byte) (Record, error) {
	env, err := decodeEnvelope(line)
	if err != nil {
		return Record{}, err
	}
	if env.Header != nil {
		return Record{}, fmt.Errorf("%w: unexpected header", ErrMalformedRecord)
	}
	if env.Table == "" {
		return Record{}, fmt.Errorf("%w: missing table", ErrMalformedRecord)
	}
	if env.Values == nil {
		return Record{}, fmt.Errorf("%w: missing values", ErrMalformedRecord)
	}
	values := make(map[string]any, len(env.Values))
	for col, v := range env.Values {
		s, err := decodeScalar(v)
		if err != nil {
			return Record{}, fmt.Errorf("%w: column %s: %v", ErrMalformedRecord, col, err)
		}
		values[col] = s
	}
	return Record{Table: env.Table, Values: values}, nil
}

// DecodeHeader parses a header line.
func DecodeHeader(line []byte) (Header, error) {
	env, err := decodeEnvelope(line)
	if err != nil {
		return Header{}, fmt.Errorf("%w: %v", ErrMissingHeader, err)
	}
	if env.Header == nil {
		return Header{}, ErrMissingHeader
	}
	return *env.Header, nil
}

func decodeEnvelope(line []byte) (envelope, error) {
	var env envelope
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()
	if err := dec.Decode(&env); err != nil {
		return envelope{}, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	if dec.More() {
		return envelope{}, fmt.Errorf("%w: trailing data", ErrMalformedRecord)
	}
	return env, nil
}

// normalizeScalar reduces v to nil, bool, int64, float64, json.Number or
// string. Times are formatted with TimeLayout.
func normalizeScalar(v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case bool, string, int64, json.Number:
		return x, nil
	case int:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case uint8:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case uint:
		if uint64(x) > math.MaxInt64 {
			return nil, fmt.Errorf("%w: %d overflows int64", ErrNonScalar, x)
		}
		return int64(x), nil
	case uint64:
		if x > math.MaxInt64 {
			return nil, fmt.Errorf("%w: %d overflows int64", ErrNonScalar, x)
		}
		return int64(x), nil
	case float32:
		return checkFloat(float64(x))
	case float64:
		return checkFloat(x)
	case time.Time:
		return x.Format(TimeLayout), nil
	case *time.Time:
		if x == nil {
			return nil, nil
		}
		return x.Format(TimeLayout), nil
	case uuid.UUID:
		return x.String(), nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrNonScalar, v)
	}
}

func checkFloat(f float64) (any, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("%w: %v", ErrNonScalar, f)
	}
	return f, nil
}

// decodeScalar converts a decoded JSON value into a row value. Integral
// numbers become int64, other numbers float64.
func decodeScalar(v any) (any, error) {
	switch x := v.(type) {
	case nil, bool, string:
		return x, nil
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i, nil
		}
		f, err := x.Float64()
		if err != nil {
			return nil, err
		}
		return f, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrNonScalar, v)
	}
}
