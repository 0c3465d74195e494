package source

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/smallnest/ringbuffer"

	"github.com/opentranscript/streamwatch/pkg/downloader"
	"github.com/opentranscript/streamwatch/pkg/metrics"
	"github.com/opentranscript/streamwatch/pkg/stream"
)

// Buffered runs two cooperating roles: a downloader that appends raw bytes
// into a ring buffer and a periodic extractor that takes the buffer's entire
// contents as one chunk every BufferSeconds. Chunk size is time-based rather
// than byte-based, so variable-bitrate audio and video both work — at the cost
// of not being able to tell injected content from the real stream.
type Buffered struct {
	Launcher      downloader.Launcher
	BufferSeconds int
	// Capacity of the ring in bytes. The writer blocks when the extractor
	// falls behind, which bounds memory instead of dropping data.
	Capacity int
	Obs      metrics.Observer
	Logger   *slog.Logger
}

const minExtractBytes = 8192

func (s *Buffered) Name() string { return string(stream.SourceBuffered) }

func (s *Buffered) Run(ctx context.Context, sess *stream.Session, emit EmitFunc) error {
	logger := s.logger().With("key", sess.Key, "stream_id", sess.StreamID)
	proc, err := s.Launcher.OpenStream(ctx, sess.URL)
	if err != nil {
		return err
	}
	defer proc.Stop()

	capacity := s.Capacity
	if capacity <= 0 {
		capacity = 4 << 20
	}
	ring := ringbuffer.New(capacity).SetBlocking(true).WithCancel(ctx)

	downloadErr := make(chan error, 1)
	go func() {
		_, copyErr := io.CopyBuffer(onlyWriter{ring}, proc.Output(), make([]byte, readBlockSize))
		ring.CloseWriter()
		if copyErr != nil && !errors.Is(copyErr, context.Canceled) {
			downloadErr <- copyErr
			return
		}
		downloadErr <- proc.Wait()
	}()

	chunkOffset := time.Since(sess.StartTime) - liveLatencySeconds*time.Second
	if chunkOffset < 0 {
		chunkOffset = 0
	}
	lastExtract := time.Now()

	var seq int64
	extract := func(final bool) error {
		n := ring.Length()
		if n < minExtractBytes {
			return nil
		}
		payload := make([]byte, n)
		if _, err := io.ReadFull(ring, payload); err != nil {
			if final && (errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)) {
				return nil
			}
			return err
		}
		now := time.Now()
		dur := now.Sub(lastExtract)
		lastExtract = now
		seq++
		c := stream.Chunk{
			Key:      sess.Key,
			StreamID: sess.StreamID,
			Seq:      seq,
			Offset:   chunkOffset,
			Duration: dur,
			Payload:  payload,
			Variant:  stream.SourceBuffered,
		}
		chunkOffset += dur
		s.record(c)
		return emit(ctx, c)
	}

	interval := time.Duration(s.BufferSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Info("buffered download started", "interval", interval, "ring_capacity", capacity)
	for {
		select {
		case <-ctx.Done():
			return s.finish(logger, extract, nil, seq)
		case err := <-downloadErr:
			return s.finish(logger, extract, err, seq)
		case <-ticker.C:
			if err := extract(false); err != nil {
				return err
			}
		}
	}
}

// finish drains whatever the downloader left behind before reporting its exit.
func (s *Buffered) finish(logger *slog.Logger, extract func(bool) error, downloadErr error, seq int64) error {
	if err := extract(true); err != nil {
		logger.Warn("final extract failed", "error", err)
	}
	if downloadErr != nil {
		logger.Error("downloader exited with error", "error", downloadErr)
		return downloadErr
	}
	logger.Info("buffered download finished", "chunks", seq)
	return nil
}

func (s *Buffered) record(c stream.Chunk) {
	if s.Obs == nil {
		return
	}
	s.Obs.RecordEvent(metrics.MetricsEvent{
		Name:  metrics.EventChunkProduced,
		Time:  time.Now(),
		Value: float64(len(c.Payload)),
		Tags: map[string]string{
			metrics.TagKey:      c.Key,
			metrics.TagStreamID: c.StreamID,
			metrics.TagVariant:  string(c.Variant),
		},
	})
}

func (s *Buffered) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// onlyWriter hides the ring's ReadFrom so io.CopyBuffer sticks to our block
// size instead of handing the whole reader to the ring.
type onlyWriter struct {
	w io.Writer
}

func (o onlyWriter) Write(p []byte) (int, error) { return o.w.Write(p) }
