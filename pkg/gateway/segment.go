package gateway

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// minSentenceRunes is the smallest number of visible characters worth
// synthesizing; anything shorter is punctuation noise.
const minSentenceRunes = 3

// SplitSentences splits buf into the maximal prefix of complete sentences
// and the trailing partial sentence. A sentence ends at '.', '!' or '?'
// followed by whitespace or the end of the buffer. Sentences with fewer
// than three visible characters are consumed but not returned.
//
// The function is pure and idempotent: callers append LLM deltas to their
// buffer, call SplitSentences, enqueue the returned sentences and keep the
// residual as the new buffer.
func SplitSentences(buf string) (sentences []string, rest string) {
	start := 0
	for i := 0; i < len(buf); i++ {
		if !isTerminator(buf[i]) {
			continue
		}
		if i+1 < len(buf) {
			r, _ := utf8.DecodeRuneInString(buf[i+1:])
			if !unicode.IsSpace(r) {
				continue // e.g. "3.14" or "a.b.c"
			}
		}
		s := strings.TrimSpace(buf[start : i+1])
		if visibleRunes(s) >= minSentenceRunes {
			sentences = append(sentences, s)
		}
		start = i + 1
	}
	return sentences, buf[start:]
}

func isTerminator(b byte) bool {
	return b == '.' || b == '!' || b == '?'
}

func visibleRunes(s string) int {
	n := 0
	for _, r := range s {
		if !unicode.IsSpace(r) {
			n++
		}
	}
	return n
}
