package telegram

import (
	"strings"
	"testing"
)

func TestSplitTextShortPassthrough(t *testing.T) {
	t.Parallel()
	got := splitText("hello", 10)
	if len(got) != 1 || got[0] != "hello" {
		t.Fatalf("splitText = %v", got)
	}
}

func TestSplitTextPrefersNewlines(t *testing.T) {
	t.Parallel()
	text := strings.Repeat("aaaa\n", 10) // 50 runes
	got := splitText(text, 22)

	if len(got) < 2 {
		t.Fatalf("expected multiple chunks, got %v", got)
	}
	for i, chunk := range got {
		if len([]rune(chunk)) > 22 {
			t.Errorf("chunk %d over limit: %q", i, chunk)
		}
		// Newline-preferring split must not cut inside a word.
		for _, line := range strings.Split(chunk, "\n") {
			if line != "aaaa" {
				t.Errorf("chunk %d contains cut line %q", i, line)
			}
		}
	}
	if joined := strings.Join(got, "\n"); strings.Count(joined, "a") != strings.Count(text, "a") {
		t.Fatal("content lost in split")
	}
}

func TestSplitTextHardWrapWithoutNewlines(t *testing.T) {
	t.Parallel()
	text := strings.Repeat("x", 25)
	got := splitText(text, 10)
	if len(got) != 3 {
		t.Fatalf("got %d chunks, want 3", len(got))
	}
	if total := len(strings.Join(got, "")); total != 25 {
		t.Fatalf("content length after split = %d, want 25", total)
	}
}
