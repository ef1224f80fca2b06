package database

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// sqlTimeLayout matches SQLite's CURRENT_TIMESTAMP so rows written by
// either the database default or this package compare lexically.
const sqlTimeLayout = "2006-01-02 15:04:05"

var sqlTimeLayouts = []string{
	sqlTimeLayout,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999-07:00",
	time.RFC3339Nano,
}

func formatSQLTime(t time.Time) string {
	return t.UTC().Format(sqlTimeLayout)
}

// parseSQLTime accepts whatever the driver hands back for a TIMESTAMP column.
func parseSQLTime(v any) (*time.Time, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case time.Time:
		u := t.UTC()
		return &u, nil
	case []byte:
		return parseSQLTime(string(t))
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return nil, nil
		}
		for _, layout := range sqlTimeLayouts {
			if parsed, err := time.Parse(layout, s); err == nil {
				u := parsed.UTC()
				return &u, nil
			}
		}
		return nil, fmt.Errorf("unrecognized timestamp %q", s)
	default:
		return nil, fmt.Errorf("unsupported timestamp type %T", v)
	}
}

func encodeJSON[T any](v []T) (string, error) {
	if v == nil {
		v = []T{}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode list: %w", err)
	}
	return string(b), nil
}

func decodeJSON[T any](raw *string) ([]T, error) {
	if raw == nil || strings.TrimSpace(*raw) == "" {
		return nil, nil
	}
	var out []T
	if err := json.Unmarshal([]byte(*raw), &out); err != nil {
		return nil, fmt.Errorf("failed to decode list %q: %w", *raw, err)
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}
