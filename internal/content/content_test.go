package content

import (
	"encoding/json"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestRoundTripKeepsKind(t *testing.T) {
	sheet := Content{Kind: KindSpreadsheet, Cells: map[string]string{"A1": "12", "B2": "=A1*2"}}
	raw, err := json.Marshal(sheet)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	parsed, err := Parse(KindSpreadsheet, raw)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if parsed.Kind != KindSpreadsheet || parsed.Cells["B2"] != "=A1*2" {
		t.Fatalf("unexpected content: %+v", parsed)
	}
}

func TestParseRejectsKindMismatch(t *testing.T) {
	text := Content{Kind: KindText, HTML: "<p>hello</p>"}
	raw, err := json.Marshal(text)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, err := Parse(KindPresentation, raw); err == nil {
		t.Fatal("expected Parse() to reject a text body on a presentation document")
	}
}

func TestParseEmptySeedsZeroBody(t *testing.T) {
	parsed, err := Parse(KindPresentation, nil)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if parsed.Kind != KindPresentation || parsed.Slides == nil {
		t.Fatalf("unexpected empty presentation: %+v", parsed)
	}
}

func TestEqualComparesByValue(t *testing.T) {
	a := Content{Kind: KindSpreadsheet, Cells: map[string]string{"A1": "1", "A2": "2"}}
	b := Content{Kind: KindSpreadsheet, Cells: map[string]string{"A2": "2", "A1": "1"}}
	if !Equal(a, b) {
		t.Fatal("equal cell maps must compare equal regardless of insertion order")
	}
	b.Cells["A3"] = "3"
	if Equal(a, b) {
		t.Fatal("differing cell maps must not compare equal")
	}
}

func TestDescribeFlattensBodies(t *testing.T) {
	text, _ := json.Marshal(Content{Kind: KindText, HTML: "<h1>Photosynthesis</h1><p>light  energy</p>"})
	if got := Describe(text); got != "Photosynthesis light energy" {
		t.Fatalf("Describe(text) = %q", got)
	}

	slides, _ := json.Marshal(Content{Kind: KindPresentation, Slides: []Slide{
		{Title: "Cells", Body: "<p>membrane</p>"},
	}})
	if got := Describe(slides); got != "Cells membrane" {
		t.Fatalf("Describe(slides) = %q", got)
	}

	if got := Describe([]byte("not json")); got != "" {
		t.Fatalf("Describe(garbage) = %q, want empty", got)
	}
}

func TestDescribeTruncatesOnRuneBoundary(t *testing.T) {
	// 200 three-byte runes: 600 bytes, and the byte limit falls mid-rune
	long, _ := json.Marshal(Content{Kind: KindText, HTML: strings.Repeat("日", 200)})
	got := Describe(long)
	if len(got) == 0 || len(got) > describeLimit {
		t.Fatalf("excerpt length = %d", len(got))
	}
	if !utf8.ValidString(got) {
		t.Fatalf("excerpt is not valid UTF-8: %q", got)
	}
}

func TestUnknownKindRejected(t *testing.T) {
	if _, err := Parse(KindText, []byte(`{"kind":"canvas","html":"x"}`)); err == nil {
		t.Fatal("expected unknown kind to fail")
	}
	bad := Content{Kind: Kind("canvas")}
	if _, err := bad.Canonical(); err == nil {
		t.Fatal("expected canonical serialization of unknown kind to fail")
	}
}
