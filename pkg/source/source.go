package source

import (
	"context"
	"strings"

	"github.com/opentranscript/streamwatch/pkg/stream"
)

// EmitFunc hands a finished chunk to the transcription stage. Ownership of the
// payload transfers on call. A returned error stops the source.
type EmitFunc func(ctx context.Context, chunk stream.Chunk) error

// ChunkSource acquires media for one session and slices it into chunks.
// Run blocks until the stream ends, an unrecoverable downloader error occurs,
// or ctx is cancelled. A nil return means the stream ended normally.
type ChunkSource interface {
	Name() string
	Run(ctx context.Context, sess *stream.Session, emit EmitFunc) error
}

// Per-site raw audio bitrates in bytes per second, measured off real streams.
// Fixed-bitrate slicing depends on these staying stable.
const (
	youtubeAudioRate   = 20_000
	youtubeVideoRate   = 1_028_571
	twitchAudioRate    = 25_540
	twitchSLAudioRate  = 30_117
	liveLatencySeconds = 1
)

func bitrateFor(url string) int {
	if strings.Contains(strings.ToLower(url), "twitch.tv") {
		return twitchAudioRate
	}
	return youtubeAudioRate
}
