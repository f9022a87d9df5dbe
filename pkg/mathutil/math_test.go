package mathutil

import (
	"math"
	"testing"
)

func TestMinMaxNormalize(t *testing.T) {
	tests := []struct {
		name   string
		scores []float64
		want   []float64
	}{
		{
			name:   "empty slice",
			scores: []float64{},
			want:   []float64{},
		},
		{
			name:   "nil slice",
			scores: nil,
			want:   []float64{},
		},
		{
			name:   "single element maps to 1",
			scores: []float64{0.42},
			want:   []float64{1},
		},
		{
			name:   "equal elements all map to 1",
			scores: []float64{3, 3, 3},
			want:   []float64{1, 1, 1},
		},
		{
			name:   "simple range",
			scores: []float64{1, 2, 3, 4, 5},
			want:   []float64{0, 0.25, 0.5, 0.75, 1},
		},
		{
			name:   "negative values",
			scores: []float64{-2, 0, 2},
			want:   []float64{0, 0.5, 1},
		},
		{
			name:   "unsorted input keeps positions",
			scores: []float64{5, 1, 3},
			want:   []float64{1, 0, 0.5},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MinMaxNormalize(tt.scores)
			if len(got) != len(tt.want) {
				t.Fatalf("MinMaxNormalize() length = %d, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if math.Abs(got[i]-tt.want[i]) > 1e-9 {
					t.Errorf("MinMaxNormalize()[%d] = %v, want %v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestClamp01(t *testing.T) {
	tests := []struct {
		name  string
		value float64
		want  float64
	}{
		{"below range", -0.5, 0},
		{"zero", 0, 0},
		{"inside range", 0.7, 0.7},
		{"one", 1, 1},
		{"above range", 1.3, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Clamp01(tt.value); got != tt.want {
				t.Errorf("Clamp01(%v) = %v, want %v", tt.value, got, tt.want)
			}
		})
	}
}

func TestClampInt(t *testing.T) {
	tests := []struct {
		name             string
		value, min, max  int
		want             int
	}{
		{"below min", -5, 0, 10, 0},
		{"at min", 0, 0, 10, 0},
		{"inside range", 5, 0, 10, 5},
		{"at max", 10, 0, 10, 10},
		{"above max", 15, 0, 10, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClampInt(tt.value, tt.min, tt.max); got != tt.want {
				t.Errorf("ClampInt(%d, %d, %d) = %d, want %d", tt.value, tt.min, tt.max, got, tt.want)
			}
		})
	}
}

func TestClampLimit(t *testing.T) {
	tests := []struct {
		name                    string
		limit, defaultVal, max  int
		want                    int
	}{
		{"zero uses default", 0, 20, 100, 20},
		{"negative uses default", -1, 20, 100, 20},
		{"valid limit kept", 50, 20, 100, 50},
		{"above max clamped", 500, 20, 100, 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClampLimit(tt.limit, tt.defaultVal, tt.max); got != tt.want {
				t.Errorf("ClampLimit(%d, %d, %d) = %d, want %d", tt.limit, tt.defaultVal, tt.max, got, tt.want)
			}
		})
	}
}
