package transcribe

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/opentranscript/streamwatch/pkg/metrics"
	"github.com/opentranscript/streamwatch/pkg/stream"
)

// Chunks shorter than this carry no usable speech; the acquisition side emits
// them around stream restarts and injected content boundaries.
const minChunkDuration = 500 * time.Millisecond

const depthWarnThreshold = 10

// How long Run keeps working through queued chunks after its context is
// cancelled. Speech already acquired deserves one bounded pass before exit.
const defaultDrainGrace = 30 * time.Second

// SinkFunc receives transcript lines in order. A returned error stops the
// queue; transient delivery problems are the sink's own business.
type SinkFunc func(ctx context.Context, line stream.TranscriptLine) error

// ChunkDoneFunc runs after a chunk's lines have all been handed to the sink.
// produced is the number of lines the chunk yielded.
type ChunkDoneFunc func(ctx context.Context, chunk stream.Chunk, produced int) error

// Queue decouples chunk acquisition from inference for one session. Enqueue
// blocks when the consumer falls behind — transcription must never silently
// drop speech, so backpressure reaches all the way to the downloader.
type Queue struct {
	manager  *ModelManager
	decensor *Decensor
	sess     *stream.Session
	ch       chan stream.Chunk
	obs      metrics.Observer
	logger   *slog.Logger

	// OnChunkDone, when set, is called after each transcribed chunk.
	// The session wiring uses it to ship the chunk's media.
	OnChunkDone ChunkDoneFunc

	// DrainGrace overrides the post-cancellation drain window. Zero means
	// the default.
	DrainGrace time.Duration
}

func NewQueue(manager *ModelManager, sess *stream.Session, capacity int, decensor *Decensor, obs metrics.Observer, logger *slog.Logger) *Queue {
	if capacity <= 0 {
		capacity = 32
	}
	if logger == nil {
		logger = slog.Default()
	}
	if obs == nil {
		obs = metrics.NoopObserver{}
	}
	return &Queue{
		manager:  manager,
		decensor: decensor,
		sess:     sess,
		ch:       make(chan stream.Chunk, capacity),
		obs:      obs,
		logger:   logger.With("key", sess.Key, "stream_id", sess.StreamID),
	}
}

// Enqueue hands one chunk to the queue, blocking until there is room.
func (q *Queue) Enqueue(ctx context.Context, chunk stream.Chunk) error {
	depth := len(q.ch)
	if depth >= depthWarnThreshold {
		q.logger.Warn("transcription queue falling behind", "depth", depth)
	}
	q.obs.RecordEvent(metrics.MetricsEvent{
		Name:  metrics.EventQueueDepth,
		Time:  time.Now(),
		Value: float64(depth),
		Tags:  map[string]string{metrics.TagKey: q.sess.Key},
	})
	select {
	case q.ch <- chunk:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close signals that no more chunks are coming. Run drains what remains.
func (q *Queue) Close() { close(q.ch) }

// Run consumes chunks until Close and the channel is empty. A chunk that
// fails transcription is logged and skipped; the stream moves on without it.
// When ctx is cancelled mid-queue, the remaining chunks get one drain window
// before Run gives up on them.
func (q *Queue) Run(ctx context.Context, sink SinkFunc) error {
	runCtx := ctx
	var cancel context.CancelFunc
	defer func() {
		if cancel != nil {
			cancel()
		}
	}()
	for chunk := range q.ch {
		if runCtx.Err() != nil {
			if cancel != nil {
				// The drain window expired with work still queued.
				return runCtx.Err()
			}
			grace := q.DrainGrace
			if grace <= 0 {
				grace = defaultDrainGrace
			}
			q.logger.Info("draining queued chunks after cancellation", "depth", len(q.ch)+1, "grace", grace)
			runCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), grace)
		}
		if err := q.process(runCtx, chunk, sink); err != nil {
			return err
		}
	}
	return nil
}

func (q *Queue) process(ctx context.Context, chunk stream.Chunk, sink SinkFunc) error {
	if chunk.Duration < minChunkDuration {
		q.logger.Debug("skipping short chunk", "seq", chunk.Seq, "duration", chunk.Duration)
		return nil
	}
	started := time.Now()
	res, err := q.manager.Transcribe(ctx, chunk.Payload)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		q.logger.Error("chunk transcription failed, skipping", "seq", chunk.Seq, "error", err)
		return nil
	}
	if res.AudioSeconds > 0 && res.AudioSeconds < minChunkDuration.Seconds() {
		// Injected content with a foreign encoding decodes to almost nothing;
		// whatever text came out of it is not the stream.
		q.logger.Debug("discarding sub-threshold transcription", "seq", chunk.Seq, "audio_seconds", res.AudioSeconds)
		return nil
	}
	q.obs.RecordEvent(metrics.MetricsEvent{
		Name:  metrics.EventChunkTranscribed,
		Time:  time.Now(),
		Value: time.Since(started).Seconds(),
		Tags: map[string]string{
			metrics.TagKey:      chunk.Key,
			metrics.TagStreamID: chunk.StreamID,
			metrics.TagVariant:  string(chunk.Variant),
		},
	})

	chunkStart := chunk.Start(q.sess.StartTime)
	produced := 0
	for _, seg := range res.Segments {
		text := q.decensor.Clean(strings.TrimSpace(seg.Text))
		if text == "" {
			continue
		}
		line := stream.TranscriptLine{
			Key:      chunk.Key,
			StreamID: chunk.StreamID,
			Text:     text,
			Start:    chunkStart.Add(time.Duration(seg.Start * float64(time.Second))),
			End:      chunkStart.Add(time.Duration(seg.End * float64(time.Second))),
		}
		if err := sink(ctx, line); err != nil {
			return err
		}
		produced++
	}
	if q.OnChunkDone != nil {
		return q.OnChunkDone(ctx, chunk, produced)
	}
	return nil
}
