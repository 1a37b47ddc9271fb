package tables

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/episteme-ai/episteme/internal/types"
)

// Column types a dynamic table can carry. These are the Postgres names
// stored in the registry and used verbatim in DDL.
const (
	TypeBoolean   = "boolean"
	TypeBigint    = "bigint"
	TypeDouble    = "double precision"
	TypeText      = "text"
	TypeTimestamp = "timestamptz"
	TypeJSONB     = "jsonb"
)

// timeLayouts are the string shapes accepted as timestamps, most
// specific first.
var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// InferType maps a decoded JSON value to a column type. Null carries no
// information and lands on jsonb, the only type that can hold whatever
// shows up later.
func InferType(v any) string {
	switch t := v.(type) {
	case bool:
		return TypeBoolean
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1<<53 {
			return TypeBigint
		}
		return TypeDouble
	case string:
		if _, ok := parseTime(t); ok {
			return TypeTimestamp
		}
		return TypeText
	case map[string]any, []any:
		return TypeJSONB
	default:
		return TypeJSONB
	}
}

func parseTime(s string) (time.Time, bool) {
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

// coerce converts a decoded JSON value into the Go value pgx should bind
// for a column of the given type.
func coerce(col, colType string, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch colType {
	case TypeBoolean:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case TypeBigint:
		if f, ok := v.(float64); ok && f == math.Trunc(f) {
			return int64(f), nil
		}
	case TypeDouble:
		if f, ok := v.(float64); ok {
			return f, nil
		}
	case TypeTimestamp:
		if s, ok := v.(string); ok {
			if ts, ok := parseTime(s); ok {
				return ts, nil
			}
		}
	case TypeText:
		if s, ok := v.(string); ok {
			return s, nil
		}
		// A scalar arriving in a text column is stored as its JSON text.
		b, err := json.Marshal(v)
		if err == nil {
			return string(b), nil
		}
	case TypeJSONB:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s: %w", col, err)
		}
		return b, nil
	}
	return nil, types.NewError(types.KindValidation,
		"value %v does not fit column %s (%s)", v, col, colType)
}
