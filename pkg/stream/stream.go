package stream

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// MediaType selects what gets shipped to the relay alongside transcript lines.
type MediaType string

const (
	MediaNone  MediaType = "none"
	MediaAudio MediaType = "audio"
	MediaVideo MediaType = "video"
)

func ParseMediaType(value string) (MediaType, error) {
	switch MediaType(strings.ToLower(strings.TrimSpace(value))) {
	case MediaNone, "":
		return MediaNone, nil
	case MediaAudio:
		return MediaAudio, nil
	case MediaVideo:
		return MediaVideo, nil
	}
	return MediaNone, fmt.Errorf("unknown media type %q", value)
}

// SourceKind tags which acquisition strategy produced a chunk.
type SourceKind string

const (
	SourceAuto      SourceKind = "auto"
	SourceFixedRate SourceKind = "fixedrate"
	SourceBuffered  SourceKind = "buffered"
	SourceDASH      SourceKind = "dash"
)

func ParseSourceKind(value string) (SourceKind, error) {
	switch SourceKind(strings.ToLower(strings.TrimSpace(value))) {
	case SourceAuto, "":
		return SourceAuto, nil
	case SourceFixedRate:
		return SourceFixedRate, nil
	case SourceBuffered:
		return SourceBuffered, nil
	case SourceDASH:
		return SourceDASH, nil
	}
	return SourceAuto, fmt.Errorf("unknown source kind %q", value)
}

// Info holds the metadata a liveness probe reports for one candidate URL.
type Info struct {
	URL       string
	Key       string
	Live      bool
	StreamID  string
	Title     string
	StartTime time.Time
	Media     MediaType
}

type Status string

const (
	StatusPolling Status = "polling"
	StatusLive    Status = "live"
	StatusEnded   Status = "ended"
)

// Session is the runtime state of one live occurrence of a streamer.
// It is owned by a single watcher pipeline and never shared across pipelines.
type Session struct {
	TraceID   string
	Key       string
	URL       string
	StreamID  string
	Title     string
	Media     MediaType
	StartTime time.Time
	Status    Status
}

// Chunk is the unit of media handed from acquisition to transcription.
// Offset is relative to the session start time; Seq is monotonic within
// a session for fixedrate/buffered sources.
type Chunk struct {
	Key      string
	StreamID string
	Seq      int64
	Offset   time.Duration
	Duration time.Duration
	Payload  []byte
	Variant  SourceKind
}

// Start returns the absolute wall-clock start of the chunk.
func (c Chunk) Start(sessionStart time.Time) time.Time {
	return sessionStart.Add(c.Offset)
}

// TranscriptLine is one transcribed line with absolute timestamps.
// Immutable once produced; Line is assigned by the delivery state.
type TranscriptLine struct {
	Key      string
	StreamID string
	Line     int64
	Text     string
	Start    time.Time
	End      time.Time
}

var titleDatePattern = regexp.MustCompile(`\b(\d{4}-\d{2}-\d{2})\b|\b(\d{2}/\d{2}/\d{4})\b|\b(\d{2}:\d{2})\b`)

// ScrubTitle strips embedded broadcast dates so the relay shows a stable title.
func ScrubTitle(title string) string {
	return strings.TrimSpace(titleDatePattern.ReplaceAllString(title, ""))
}
