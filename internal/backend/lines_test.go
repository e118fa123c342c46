package backend

import (
	"slices"
	"strings"
	"testing"
)

func TestLineWriterSplitsAcrossWrites(t *testing.T) {
	var got []string
	w := &lineWriter{fn: func(s string) { got = append(got, s) }}

	for _, chunk := range []string{"fir", "st\nsec", "ond\n", "\nthird"} {
		if _, err := w.Write([]byte(chunk)); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	w.Flush()

	want := []string{"first", "second", "", "third"}
	if !slices.Equal(got, want) {
		t.Errorf("lines = %q, want %q", got, want)
	}
}

func TestForwardLines(t *testing.T) {
	var got []string
	forwardLines(strings.NewReader("a\nb\nc"), func(s string) { got = append(got, s) })

	if !slices.Equal(got, []string{"a", "b", "c"}) {
		t.Errorf("lines = %q", got)
	}
}

func TestForwardLinesNilCallback(t *testing.T) {
	forwardLines(strings.NewReader("ignored\n"), nil)
}
