package transcribe

import "context"

// Segment is one piece of recognized speech, timed relative to the start of
// the chunk it came from.
type Segment struct {
	Text  string
	Start float64
	End   float64
}

// Result is the outcome of transcribing one chunk. AudioSeconds is the decoded
// audio length, which can differ from the chunk's nominal duration.
type Result struct {
	Segments     []Segment
	AudioSeconds float64
}

// Engine defines the contract for any transcription backend implementation.
// Engines hold a resident model: Load and Unload bracket its lifetime, and
// Transcribe must only be called while loaded. Implementations do not need to
// be safe for concurrent Transcribe calls; the model manager serializes access.
type Engine interface {
	// Name returns the backend name for logging/metrics.
	Name() string
	// Load makes the model resident.
	Load(ctx context.Context) error
	// Unload releases the model's resources.
	Unload(ctx context.Context) error
	// Transcribe recognizes speech in one media chunk.
	Transcribe(ctx context.Context, media []byte) (Result, error)
}
