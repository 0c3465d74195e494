package probe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/opentranscript/streamwatch/pkg/errorsx"
	"github.com/opentranscript/streamwatch/pkg/stream"
)

// Prober reports liveness metadata for a candidate URL. Probing is expensive
// on the provider side, so callers must respect the configured poll interval.
type Prober interface {
	Probe(ctx context.Context, url, key string) (stream.Info, error)
}

// YTDLP probes via `yt-dlp -j`, which dumps stream metadata as one JSON object.
type YTDLP struct {
	Path    string
	Timeout time.Duration

	// run is swapped out in tests.
	run func(ctx context.Context, url string) ([]byte, error)
}

func NewYTDLP(path string, timeout time.Duration) *YTDLP {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	p := &YTDLP{Path: path, Timeout: timeout}
	p.run = p.execProbe
	return p
}

func (p *YTDLP) execProbe(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, p.Path, "-j", url)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, errorsx.Wrap(ctx.Err(), errorsx.ReasonProbeTimeout)
		}
		// Non-zero exit is the normal "not live yet" answer for member or
		// scheduled streams; surface stderr for diagnosis.
		return nil, errorsx.Wrapf(errorsx.ReasonProbe, "yt-dlp -j failed: %v: %s", err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

func (p *YTDLP) Probe(ctx context.Context, url, key string) (stream.Info, error) {
	raw, err := p.run(ctx, url)
	if err != nil {
		return stream.Info{URL: url, Key: key}, err
	}
	info, err := parseMetadata(raw, url)
	if err != nil {
		return stream.Info{URL: url, Key: key}, err
	}
	info.Key = key
	return info, nil
}

type metadata struct {
	IsLive           bool    `json:"is_live"`
	ID               string  `json:"id"`
	Title            string  `json:"title"`
	DisplayID        string  `json:"display_id"`
	Description      string  `json:"description"`
	ReleaseTimestamp float64 `json:"release_timestamp"`
	Timestamp        float64 `json:"timestamp"`
}

// parseMetadata maps yt-dlp JSON to a stream.Info. YouTube reports the stream
// start as release_timestamp; Twitch reports it as timestamp and carries the
// human title in the description field.
func parseMetadata(raw []byte, url string) (stream.Info, error) {
	var md metadata
	if err := json.Unmarshal(raw, &md); err != nil {
		return stream.Info{}, errorsx.Wrap(fmt.Errorf("decode metadata: %w", err), errorsx.ReasonProbe)
	}
	info := stream.Info{URL: url, Live: md.IsLive}
	if !md.IsLive {
		return info, nil
	}
	info.StreamID = md.ID
	info.Title = stream.ScrubTitle(md.Title)
	startEpoch := md.ReleaseTimestamp
	if isTwitch(url) {
		channel := md.DisplayID
		if channel == "" {
			channel = "Unknown Channel"
		}
		title := md.Description
		if title == "" {
			title = "Unknown Title"
		}
		info.Title = fmt.Sprintf("%s - %s", channel, title)
		startEpoch = md.Timestamp
	}
	if startEpoch == 0 {
		startEpoch = md.Timestamp
	}
	if startEpoch > 0 {
		info.StartTime = time.Unix(int64(startEpoch), 0)
	}
	return info, nil
}

func isTwitch(url string) bool {
	return strings.Contains(strings.ToLower(url), "twitch.tv")
}

// MediaTypeFor applies platform constraints to the configured media type.
// Twitch already has clipping on their side, so video downgrades to audio.
func MediaTypeFor(url string, configured stream.MediaType) stream.MediaType {
	if isTwitch(url) && configured == stream.MediaVideo {
		return stream.MediaAudio
	}
	return configured
}

// ResolveStartTime re-probes until the stream reports a usable start time.
// A zero start time corrupts every downstream timestamp, so this loops rather
// than accepting a null value; it gives up after maxAttempts and the caller
// returns to polling.
func ResolveStartTime(ctx context.Context, p Prober, url, key string, maxAttempts int, backoff time.Duration) (stream.Info, error) {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if backoff <= 0 {
		backoff = 2 * time.Second
	}
	var last stream.Info
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		info, err := p.Probe(ctx, url, key)
		if err == nil && info.Live && !info.StartTime.IsZero() {
			return info, nil
		}
		if err == nil && !info.Live {
			return info, errorsx.Wrapf(errorsx.ReasonStartTime, "stream went offline while resolving start time")
		}
		last = info
		slog.Warn("start time not resolved yet",
			"key", key, "attempt", attempt, "max_attempts", maxAttempts, "error", err)
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return last, errorsx.Wrapf(errorsx.ReasonStartTime, "no valid start time for %s after %d attempts", key, maxAttempts)
}
