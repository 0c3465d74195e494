package stream

import (
	"testing"
	"time"
)

func TestScrubTitle(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Morning Show 2024-03-01", "Morning Show"},
		{"News 01/02/2024 live", "News  live"},
		{"Countdown 12:30", "Countdown"},
		{"Plain title", "Plain title"},
	}
	for _, tc := range cases {
		if got := ScrubTitle(tc.in); got != tc.want {
			t.Fatalf("ScrubTitle(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestParseMediaType(t *testing.T) {
	if mt, err := ParseMediaType("VIDEO"); err != nil || mt != MediaVideo {
		t.Fatalf("expected video, got %v %v", mt, err)
	}
	if mt, err := ParseMediaType(""); err != nil || mt != MediaNone {
		t.Fatalf("empty should default to none, got %v %v", mt, err)
	}
	if _, err := ParseMediaType("hologram"); err == nil {
		t.Fatalf("expected error for unknown media type")
	}
}

func TestParseSourceKind(t *testing.T) {
	if k, err := ParseSourceKind("dash"); err != nil || k != SourceDASH {
		t.Fatalf("expected dash, got %v %v", k, err)
	}
	if k, err := ParseSourceKind(""); err != nil || k != SourceAuto {
		t.Fatalf("empty should default to auto, got %v %v", k, err)
	}
	if _, err := ParseSourceKind("carrier-pigeon"); err == nil {
		t.Fatalf("expected error for unknown source kind")
	}
}

func TestChunkStart(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c := Chunk{Offset: 18 * time.Second}
	if got := c.Start(base); !got.Equal(base.Add(18 * time.Second)) {
		t.Fatalf("chunk start = %v", got)
	}
}
