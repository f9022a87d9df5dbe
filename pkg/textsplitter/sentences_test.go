package textsplitter

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitSentences(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{
			name: "basic sentences",
			text: "First sentence. Second one! Third?",
			want: []string{"First sentence.", "Second one!", "Third?"},
		},
		{
			name: "decimal numbers stay whole",
			text: "Pi is 3.14 roughly. Next sentence.",
			want: []string{"Pi is 3.14 roughly.", "Next sentence."},
		},
		{
			name: "cjk terminator",
			text: "これは文です。次の文。",
			want: []string{"これは文です。", "次の文。"},
		},
		{
			name: "no terminator",
			text: "dangling fragment without end",
			want: []string{"dangling fragment without end"},
		},
		{
			name: "empty",
			text: "   ",
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SplitSentences(tt.text))
		})
	}
}

func TestSplitSentenceWindows(t *testing.T) {
	t.Run("empty input yields no chunks", func(t *testing.T) {
		assert.Empty(t, SplitSentenceWindows("", DefaultSentenceConfig()))
		assert.Empty(t, SplitSentenceWindows("  \n\t ", DefaultSentenceConfig()))
	})

	t.Run("short text is a single chunk", func(t *testing.T) {
		chunks := SplitSentenceWindows("One sentence. Two sentences.", DefaultSentenceConfig())
		require.Len(t, chunks, 1)
		assert.Equal(t, 0, chunks[0].Index)
		assert.NotEmpty(t, chunks[0].Hash)
	})

	t.Run("overlap sentences carry between windows", func(t *testing.T) {
		var b strings.Builder
		for i := 0; i < 40; i++ {
			b.WriteString("This is a filler sentence used to pad out windows. ")
		}
		cfg := SentenceConfig{WindowSize: 200, OverlapSentences: 1}
		chunks := SplitSentenceWindows(b.String(), cfg)
		require.Greater(t, len(chunks), 1)

		for i := 1; i < len(chunks); i++ {
			prevSentences := SplitSentences(chunks[i-1].Text)
			last := prevSentences[len(prevSentences)-1]
			assert.True(t, strings.HasPrefix(chunks[i].Text, last),
				"window %d should start with the last sentence of window %d", i, i-1)
		}

		for i, c := range chunks {
			assert.Equal(t, i, c.Index)
		}
	})

	t.Run("degenerate long sentence falls back to hard splits", func(t *testing.T) {
		long := strings.Repeat("abcdefghij ", 100) // no terminators
		cfg := SentenceConfig{WindowSize: 100, OverlapSentences: 0}
		chunks := SplitSentenceWindows(long, cfg)
		require.Greater(t, len(chunks), 1)
		for _, c := range chunks {
			assert.LessOrEqual(t, len([]rune(c.Text)), 2*cfg.WindowSize)
		}
	})
}

func TestHashText(t *testing.T) {
	t.Run("stable under whitespace normalization", func(t *testing.T) {
		a := HashText("the quick  brown\nfox")
		b := HashText("the quick brown fox")
		assert.Equal(t, a, b)
	})

	t.Run("distinct texts hash differently", func(t *testing.T) {
		assert.NotEqual(t, HashText("alpha"), HashText("beta"))
	})

	t.Run("sixteen hex chars", func(t *testing.T) {
		h := HashText("anything")
		assert.Len(t, h, 16)
	})
}
