package tokens

import (
	"strings"
	"testing"
)

func TestCountWordsAndPunct(t *testing.T) {
	cases := []struct {
		in   string
		want int
	}{
		{"", 0},
		{"   ", 0},
		{"hello", 1},
		{"hello world", 2},
		{"hello, world", 3},
		{"a.b", 3},
		{"one two  three\nfour", 4},
	}
	for _, c := range cases {
		if got := Count(c.in); got != c.want {
			t.Fatalf("Count(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestEncodeMatchesCount(t *testing.T) {
	in := "  Alice decided, finally, to ship on April 1st.\nBob agreed."
	spans := Encode(in)
	if len(spans) != Count(in) {
		t.Fatalf("Encode produced %d spans, Count says %d", len(spans), Count(in))
	}
}

func TestEncodeSpansPartitionInput(t *testing.T) {
	in := "  leading space, punctuation... and trailing space  "
	spans := Encode(in)
	if len(spans) == 0 {
		t.Fatal("expected spans")
	}
	if spans[0].Start != 0 {
		t.Fatalf("first span must own leading separators, got start %d", spans[0].Start)
	}
	if spans[len(spans)-1].End != len(in) {
		t.Fatalf("last span must own trailing separators, got end %d", spans[len(spans)-1].End)
	}
	var sb strings.Builder
	for i, sp := range spans {
		if i > 0 && sp.Start != spans[i-1].End {
			t.Fatalf("span %d not contiguous: %d != %d", i, sp.Start, spans[i-1].End)
		}
		sb.WriteString(in[sp.Start:sp.End])
	}
	if sb.String() != in {
		t.Fatalf("span concatenation does not reconstruct input")
	}
}

func TestWindow(t *testing.T) {
	in := "alpha beta gamma delta"
	spans := Encode(in)
	text, start, end := Window(in, spans, 1, 3)
	if text != "beta gamma " {
		t.Fatalf("unexpected window %q", text)
	}
	if in[start:end] != text {
		t.Fatalf("offsets disagree with window text")
	}
	// Clamped end.
	text, _, end = Window(in, spans, 2, 99)
	if text != "gamma delta" || end != len(in) {
		t.Fatalf("unexpected clamped window %q end=%d", text, end)
	}
}
