package probe

import (
	"context"
	"testing"
	"time"

	"github.com/opentranscript/streamwatch/pkg/errorsx"
	"github.com/opentranscript/streamwatch/pkg/stream"
)

func TestParseMetadataYouTube(t *testing.T) {
	raw := []byte(`{"is_live":true,"id":"abc123","title":"Daily News 2024-05-01","release_timestamp":1714550400}`)
	info, err := parseMetadata(raw, "https://youtube.com/watch?v=abc123")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !info.Live || info.StreamID != "abc123" {
		t.Fatalf("info = %+v", info)
	}
	if info.Title != "Daily News" {
		t.Fatalf("title = %q", info.Title)
	}
	if info.StartTime.Unix() != 1714550400 {
		t.Fatalf("start time = %v", info.StartTime)
	}
}

func TestParseMetadataTwitch(t *testing.T) {
	raw := []byte(`{"is_live":true,"id":"v99","display_id":"somestreamer","description":"speedrun","timestamp":1714550500}`)
	info, err := parseMetadata(raw, "https://www.twitch.tv/somestreamer")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if info.Title != "somestreamer - speedrun" {
		t.Fatalf("title = %q", info.Title)
	}
	if info.StartTime.Unix() != 1714550500 {
		t.Fatalf("start time = %v", info.StartTime)
	}
}

func TestParseMetadataNotLive(t *testing.T) {
	info, err := parseMetadata([]byte(`{"is_live":false,"id":"x"}`), "https://youtube.com/x")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if info.Live {
		t.Fatalf("expected not live")
	}
}

func TestMediaTypeForTwitchDowngradesVideo(t *testing.T) {
	got := MediaTypeFor("https://www.twitch.tv/someone", stream.MediaVideo)
	if got != stream.MediaAudio {
		t.Fatalf("expected audio downgrade, got %s", got)
	}
	if MediaTypeFor("https://youtube.com/x", stream.MediaVideo) != stream.MediaVideo {
		t.Fatalf("youtube video must stay video")
	}
}

type scriptedProber struct {
	infos []stream.Info
	errs  []error
	calls int
}

func (s *scriptedProber) Probe(ctx context.Context, url, key string) (stream.Info, error) {
	i := s.calls
	if i >= len(s.infos) {
		i = len(s.infos) - 1
	}
	s.calls++
	var err error
	if i < len(s.errs) {
		err = s.errs[i]
	}
	return s.infos[i], err
}

func TestResolveStartTimeLoopsUntilValid(t *testing.T) {
	start := time.Unix(1714550400, 0)
	p := &scriptedProber{infos: []stream.Info{
		{Live: true},
		{Live: true},
		{Live: true, StreamID: "abc", StartTime: start},
	}}
	info, err := ResolveStartTime(context.Background(), p, "u", "k", 5, time.Millisecond)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if p.calls != 3 {
		t.Fatalf("expected 3 probes, got %d", p.calls)
	}
	if !info.StartTime.Equal(start) {
		t.Fatalf("start time = %v", info.StartTime)
	}
}

func TestResolveStartTimeBounded(t *testing.T) {
	p := &scriptedProber{infos: []stream.Info{{Live: true}}}
	_, err := ResolveStartTime(context.Background(), p, "u", "k", 3, time.Millisecond)
	if err == nil {
		t.Fatalf("expected error after bounded attempts")
	}
	if !errorsx.HasReason(err, errorsx.ReasonStartTime) {
		t.Fatalf("expected start time reason, got %v", err)
	}
	if p.calls != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", p.calls)
	}
}

func TestResolveStartTimeStopsWhenOffline(t *testing.T) {
	p := &scriptedProber{infos: []stream.Info{{Live: false}}}
	_, err := ResolveStartTime(context.Background(), p, "u", "k", 5, time.Millisecond)
	if err == nil {
		t.Fatalf("expected offline error")
	}
	if p.calls != 1 {
		t.Fatalf("offline stream should not be re-probed, got %d calls", p.calls)
	}
}
