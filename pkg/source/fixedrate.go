package source

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/opentranscript/streamwatch/pkg/downloader"
	"github.com/opentranscript/streamwatch/pkg/metrics"
	"github.com/opentranscript/streamwatch/pkg/stream"
)

// FixedRate reads the raw stream at a known fixed bitrate and slices it into
// byte-exact chunks of BufferSeconds * bitrate. Injected content with a
// different encoding falls out of the byte cadence and gets discarded
// downstream by the too-short-audio check. Timestamps drift under stream
// latency or mid-stream restarts; that is a documented limitation of this
// variant, not a bug.
type FixedRate struct {
	Launcher      downloader.Launcher
	BufferSeconds int
	Obs           metrics.Observer
	Logger        *slog.Logger

	// bitrate overrides the per-site table when > 0 (tests).
	bitrate int
}

func (s *FixedRate) Name() string { return string(stream.SourceFixedRate) }

const readBlockSize = 4096

func (s *FixedRate) Run(ctx context.Context, sess *stream.Session, emit EmitFunc) error {
	logger := s.logger().With("key", sess.Key, "stream_id", sess.StreamID)
	proc, err := s.Launcher.OpenStream(ctx, sess.URL)
	if err != nil {
		return err
	}
	defer proc.Stop()

	rate := s.bitrate
	if rate <= 0 {
		rate = bitrateFor(sess.URL)
	}
	chunkSize := s.BufferSeconds * rate
	chunkDur := time.Duration(s.BufferSeconds) * time.Second

	// Anchor the first chunk at the moment bytes start flowing; everything
	// after advances by the byte cadence.
	baseOffset := time.Since(sess.StartTime) - liveLatencySeconds*time.Second
	if baseOffset < 0 {
		baseOffset = 0
	}

	var (
		buf  []byte
		seq  int64
		read = make([]byte, readBlockSize)
	)
	flush := func(payload []byte, dur time.Duration) error {
		seq++
		c := stream.Chunk{
			Key:      sess.Key,
			StreamID: sess.StreamID,
			Seq:      seq,
			Offset:   baseOffset + time.Duration(seq-1)*chunkDur,
			Duration: dur,
			Payload:  payload,
			Variant:  stream.SourceFixedRate,
		}
		s.record(c)
		return emit(ctx, c)
	}

	logger.Info("fixed-rate download started", "bitrate", rate, "chunk_bytes", chunkSize)
	for {
		if ctx.Err() != nil {
			break
		}
		n, rerr := proc.Output().Read(read)
		if n > 0 {
			buf = append(buf, read[:n]...)
			for len(buf) >= chunkSize {
				payload := make([]byte, chunkSize)
				copy(payload, buf[:chunkSize])
				buf = buf[chunkSize:]
				if err := flush(payload, chunkDur); err != nil {
					return err
				}
			}
		}
		if rerr != nil {
			if !errors.Is(rerr, io.EOF) {
				logger.Warn("stream read failed", "error", rerr)
			}
			break
		}
	}

	// Exited but there is still usable data in the buffer.
	if len(buf) >= readBlockSize {
		dur := time.Duration(float64(len(buf)) / float64(rate) * float64(time.Second))
		if err := flush(buf, dur); err != nil {
			return err
		}
	}

	waitErr := proc.Wait()
	if waitErr != nil && ctx.Err() == nil {
		logger.Error("downloader exited with error", "error", waitErr, "stderr", proc.Stderr())
		return waitErr
	}
	logger.Info("fixed-rate download finished", "chunks", seq)
	return nil
}

func (s *FixedRate) record(c stream.Chunk) {
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

func (s *FixedRate) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}
