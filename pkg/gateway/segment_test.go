package gateway

import (
	"reflect"
	"testing"
)

func TestSplitSentencesBasic(t *testing.T) {
	sentences, rest := SplitSentences("Hoi. Alles goed? Wat kan ik voor je doen")
	want := []string{"Hoi.", "Alles goed?"}
	if !reflect.DeepEqual(sentences, want) {
		t.Errorf("sentences = %v, want %v", sentences, want)
	}
	if rest != " Wat kan ik voor je doen" {
		t.Errorf("rest = %q", rest)
	}
}

func TestSplitSentencesTerminatorAtEnd(t *testing.T) {
	sentences, rest := SplitSentences("Dat klopt!")
	if len(sentences) != 1 || sentences[0] != "Dat klopt!" {
		t.Errorf("sentences = %v", sentences)
	}
	if rest != "" {
		t.Errorf("rest = %q", rest)
	}
}

func TestSplitSentencesDecimalNotTerminator(t *testing.T) {
	sentences, rest := SplitSentences("Het is 3.14 meter. En verder")
	if len(sentences) != 1 || sentences[0] != "Het is 3.14 meter." {
		t.Errorf("sentences = %v", sentences)
	}
	if rest != " En verder" {
		t.Errorf("rest = %q", rest)
	}
}

func TestSplitSentencesShortFragmentConsumed(t *testing.T) {
	// "A." is two visible runes, below the synthesis threshold.
	sentences, rest := SplitSentences("A. Dit is een zin.")
	if len(sentences) != 1 || sentences[0] != "Dit is een zin." {
		t.Errorf("sentences = %v", sentences)
	}
	if rest != "" {
		t.Errorf("rest = %q", rest)
	}
}

func TestSplitSentencesIncremental(t *testing.T) {
	// Feeding deltas through a rolling buffer must yield the same sentences
	// as feeding the whole text at once.
	full := "Hoi. Alles goed. Wat kan ik voor je doen?"
	deltas := []string{"Hoi", ". Alle", "s goed. Wat kan ik", " voor je doen?"}

	var got []string
	buf := ""
	for _, d := range deltas {
		buf += d
		sentences, rest := SplitSentences(buf)
		got = append(got, sentences...)
		buf = rest
	}
	want, _ := SplitSentences(full)
	if !reflect.DeepEqual(got, want) {
		t.Errorf("incremental = %v, want %v", got, want)
	}
	if buf != "" {
		t.Errorf("residual = %q", buf)
	}
}

func TestSplitSentencesIdempotent(t *testing.T) {
	_, rest := SplitSentences("Een zin. En nog wat")
	again, rest2 := SplitSentences(rest)
	if len(again) != 0 {
		t.Errorf("second pass produced sentences: %v", again)
	}
	if rest2 != rest {
		t.Errorf("second pass changed residual: %q -> %q", rest, rest2)
	}
}

func TestSplitSentencesEmpty(t *testing.T) {
	sentences, rest := SplitSentences("")
	if len(sentences) != 0 || rest != "" {
		t.Errorf("got %v, %q", sentences, rest)
	}
}
