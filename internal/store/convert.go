package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/scrawlhq/scrawl/internal/model"
)

// Timestamps are persisted as unix nanoseconds so that the retry_at
// compare-and-swap is an exact integer equality in every backend.

// UnixOrNil converts an optional time into a nullable column value.
func UnixOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

// TimeOrNil converts a nullable column value back into an optional time.
func TimeOrNil(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64).UTC()
	return &t
}

// EncodeJSON marshals v for a TEXT column; nil-ish values become "".
func EncodeJSON(v any) (string, error) {
	switch x := v.(type) {
	case nil:
		return "", nil
	case map[string]string:
		if len(x) == 0 {
			return "", nil
		}
	case []string:
		if len(x) == 0 {
			return "", nil
		}
	case json.RawMessage:
		return string(x), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DecodeJSONMap unmarshals a TEXT column into a string map; "" yields nil.
func DecodeJSONMap(s string) (map[string]string, error) {
	if s == "" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	return m, nil
}

// DecodeJSONSlice unmarshals a TEXT column into a string slice; "" yields nil.
func DecodeJSONSlice(s string) ([]string, error) {
	if s == "" {
		return nil, nil
	}
	var v []string
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, err
	}
	return v, nil
}

// TableForKind maps a queue-bearing entity kind to its table name.
func TableForKind(k model.Kind) string {
	switch k {
	case model.KindCrawl:
		return "crawls"
	case model.KindSnapshot:
		return "snapshots"
	case model.KindArchiveResult:
		return "archiveresults"
	case model.KindBinary:
		return "binaries"
	}
	return ""
}

// StatusStrings converts statuses for use as query arguments.
func StatusStrings(statuses []model.Status) []any {
	out := make([]any, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, string(s))
	}
	return out
}
