package audit

import (
	"encoding/json"
	"fmt"
)

const numericArrayLimit = 10

// TruncatePayload serializes a payload under the audit size rules: long
// numeric arrays keep their first elements plus a count marker, and anything
// still over maxBytes collapses to a placeholder recording the original size.
func TruncatePayload(payload any, maxBytes int) json.RawMessage {
	if payload == nil {
		return nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return mustMarshal(map[string]string{"marshal_error": err.Error()})
	}

	var decoded any
	if err := json.Unmarshal(raw, &decoded); err == nil {
		if truncated, changed := truncateArrays(decoded); changed {
			if reraw, err := json.Marshal(truncated); err == nil {
				raw = reraw
			}
		}
	}

	if maxBytes > 0 && len(raw) > maxBytes {
		return mustMarshal(map[string]any{"truncated": true, "size": len(raw)})
	}
	return raw
}

// truncateArrays walks the decoded JSON and shortens numeric arrays longer
// than the limit to their first elements plus an "…(N more)" marker.
func truncateArrays(v any) (any, bool) {
	switch val := v.(type) {
	case []any:
		if len(val) > numericArrayLimit && allNumbers(val) {
			out := make([]any, 0, numericArrayLimit+1)
			out = append(out, val[:numericArrayLimit]...)
			out = append(out, fmt.Sprintf("…(%d more)", len(val)-numericArrayLimit))
			return out, true
		}
		changed := false
		for i, item := range val {
			if next, c := truncateArrays(item); c {
				val[i] = next
				changed = true
			}
		}
		return val, changed
	case map[string]any:
		changed := false
		for k, item := range val {
			if next, c := truncateArrays(item); c {
				val[k] = next
				changed = true
			}
		}
		return val, changed
	default:
		return v, false
	}
}

func allNumbers(items []any) bool {
	for _, item := range items {
		if _, ok := item.(float64); !ok {
			return false
		}
	}
	return true
}

func mustMarshal(v any) json.RawMessage {
	raw, _ := json.Marshal(v)
	return raw
}
