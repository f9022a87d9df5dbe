// Package pgutils collects the small PostgreSQL helpers the repositories
// share: error-code classification, deadlock-aware transaction retry, and
// pgvector literal formatting.
package pgutils

import (
	"strconv"
	"strings"
)

// FormatVector renders an embedding as a pgvector literal, e.g. "[0.1,0.2]",
// suitable for binding into a ?::vector placeholder.
func FormatVector(v []float32) string {
	if len(v) == 0 {
		return "[]"
	}

	var sb strings.Builder
	sb.Grow(len(v)*12 + 2)
	sb.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	sb.WriteByte(']')
	return sb.String()
}
