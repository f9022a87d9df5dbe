package textsplitter

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/zeebo/xxh3"
)

// Chunk is one window of source text, hashed for deduplicated storage.
type Chunk struct {
	Index int
	Text  string
	Hash  string
}

// SentenceConfig tunes the sentence-aware window chunker.
type SentenceConfig struct {
	// WindowSize is the target window length in runes.
	WindowSize int
	// OverlapSentences is how many trailing sentences carry into the next window.
	OverlapSentences int
}

// DefaultSentenceConfig returns the chunker tuning used by the pipelines.
func DefaultSentenceConfig() SentenceConfig {
	return SentenceConfig{
		WindowSize:       1000,
		OverlapSentences: 2,
	}
}

var sentenceTerminators = map[rune]bool{
	'.': true,
	'!': true,
	'?': true,
	'。': true,
	'！': true,
	'？': true,
}

// SplitSentences splits text into sentences on terminator runes followed by
// whitespace (or end of input). Terminators stay attached to their sentence.
func SplitSentences(text string) []string {
	var sentences []string
	var current strings.Builder

	runes := []rune(text)
	for i, r := range runes {
		current.WriteRune(r)
		if !sentenceTerminators[r] {
			continue
		}
		// CJK terminators end a sentence unconditionally; latin ones need
		// trailing whitespace so "3.14" stays whole.
		atEnd := i == len(runes)-1
		followedBySpace := !atEnd && (runes[i+1] == ' ' || runes[i+1] == '\n' || runes[i+1] == '\t')
		if r > 0x2E00 || atEnd || followedBySpace {
			if s := strings.TrimSpace(current.String()); s != "" {
				sentences = append(sentences, s)
			}
			current.Reset()
		}
	}
	if s := strings.TrimSpace(current.String()); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}

// SplitSentenceWindows packs sentences into windows of roughly
// cfg.WindowSize runes, carrying cfg.OverlapSentences sentences between
// consecutive windows. Sentences longer than a whole window fall back to
// rune-safe hard splits. Empty or whitespace-only input yields no chunks.
func SplitSentenceWindows(text string, cfg SentenceConfig) []Chunk {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 1000
	}
	if cfg.OverlapSentences < 0 {
		cfg.OverlapSentences = 0
	}

	var pieces []string
	for _, s := range SplitSentences(text) {
		if len([]rune(s)) > cfg.WindowSize {
			pieces = append(pieces, hardSplit(s, cfg.WindowSize)...)
			continue
		}
		pieces = append(pieces, s)
	}

	var windows []string
	var window []string
	windowLen := 0
	for _, s := range pieces {
		sLen := len([]rune(s))
		if windowLen > 0 && windowLen+sLen+1 > cfg.WindowSize {
			windows = append(windows, strings.Join(window, " "))

			carry := cfg.OverlapSentences
			if carry > len(window) {
				carry = len(window)
			}
			window = append([]string(nil), window[len(window)-carry:]...)
			windowLen = 0
			for _, w := range window {
				windowLen += len([]rune(w)) + 1
			}
		}
		window = append(window, s)
		windowLen += sLen + 1
	}
	if len(window) > 0 {
		windows = append(windows, strings.Join(window, " "))
	}

	chunks := make([]Chunk, 0, len(windows))
	for i, w := range windows {
		chunks = append(chunks, Chunk{
			Index: i,
			Text:  w,
			Hash:  HashText(w),
		})
	}
	return chunks
}

// hardSplit cuts an over-long sentence into pieces of at most size runes,
// preferring to break on whitespace near the limit.
func hardSplit(text string, size int) []string {
	runes := []rune(text)
	var pieces []string
	for start := 0; start < len(runes); {
		end := start + size
		if end >= len(runes) {
			end = len(runes)
		} else {
			// Walk back to the nearest space; give up if the piece has none.
			cut := end
			for cut > start && !unicode.IsSpace(runes[cut]) {
				cut--
			}
			if cut > start {
				end = cut
			}
		}
		if piece := strings.TrimSpace(string(runes[start:end])); piece != "" {
			pieces = append(pieces, piece)
		}
		start = end
		for start < len(runes) && unicode.IsSpace(runes[start]) {
			start++
		}
	}
	return pieces
}

// HashText returns the hex XXH3-64 of the whitespace-normalized text.
// Two texts differing only in whitespace hash identically, which is what
// keeps re-imports from duplicating chunk rows.
func HashText(text string) string {
	normalized := strings.Join(strings.Fields(text), " ")
	return fmt.Sprintf("%016x", xxh3.HashString(normalized))
}
