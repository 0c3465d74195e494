package uploader

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/opentranscript/streamwatch/pkg/resilience"
	"github.com/opentranscript/streamwatch/pkg/stream"
)

func testLine(key string, n int64) stream.TranscriptLine {
	return stream.TranscriptLine{
		Key:      key,
		StreamID: "abc123",
		Line:     n,
		Text:     "hello",
		Start:    time.Date(2026, 8, 30, 18, 0, 0, 0, time.UTC),
		End:      time.Date(2026, 8, 30, 18, 0, 2, 0, time.UTC),
	}
}

func TestClientSendsAPIKey(t *testing.T) {
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-API-Key")
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret", nil)
	if err := c.Activate(context.Background(), "caster", "abc123", "title"); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if gotKey != "secret" {
		t.Fatalf("api key header = %q", gotKey)
	}
}

func TestClientConflictIsDistinguishable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "line count mismatch", http.StatusConflict)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret", nil)
	err := c.UploadLine(context.Background(), testLine("caster", 1))
	if err == nil {
		t.Fatalf("expected conflict error")
	}
	if !IsConflict(err) {
		t.Fatalf("conflict not detected: %v", err)
	}
}

func TestClientRateLimitFeedsBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret", nil)
	err := c.UploadLine(context.Background(), testLine("caster", 1))
	if err == nil {
		t.Fatalf("expected rate limit error")
	}
	if !resilience.IsRateLimit(err) {
		t.Fatalf("rate limit not detected: %v", err)
	}
}

func TestClientUploadMediaPath(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret", nil)
	if err := c.UploadMedia(context.Background(), "caster", 7, []byte("ts")); err != nil {
		t.Fatalf("upload media: %v", err)
	}
	if gotPath != "/streams/caster/media/7" {
		t.Fatalf("path = %q", gotPath)
	}
}
