package uploader

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/opentranscript/streamwatch/pkg/metrics"
	"github.com/opentranscript/streamwatch/pkg/resilience"
	"github.com/opentranscript/streamwatch/pkg/stream"
)

const deliveryQueueSize = 256

// DeliveryConfig wires one session's upload pipeline.
type DeliveryConfig struct {
	// Client is nil when the relay is disabled; lines then only reach the
	// local transcript.
	Client     *Client
	Session    *stream.Session
	ScratchDir string
	Retry      resilience.RetryPolicy
	Breaker    *resilience.CircuitBreaker
	DumpMedia  bool
	Obs        metrics.Observer
	Logger     *slog.Logger
}

type mediaItem struct {
	lineNo  int64
	payload []byte
}

// Delivery ships transcript lines and media to the relay on goroutines of
// their own, so a slow or failing upload never stalls transcription. Lines
// and media are independent flows; each preserves its own order. A line that
// exhausts its retries is dropped with a log line — the local transcript
// already has it, and stalling the stream over one line is worse.
type Delivery struct {
	client     *Client
	sess       *stream.Session
	scratchDir string
	retry      resilience.RetryPolicy
	breaker    *resilience.CircuitBreaker
	dumpMedia  bool
	obs        metrics.Observer
	logger     *slog.Logger

	lineCh  chan stream.TranscriptLine
	mediaCh chan mediaItem
	wg      sync.WaitGroup

	// flowCtx governs the upload attempts themselves. It deliberately does
	// not carry the session's cancellation: queued items still get a final
	// attempt after shutdown, bounded by the context Close swaps in.
	flowMu  sync.RWMutex
	flowCtx context.Context

	mu    sync.Mutex
	state deliveryState
}

func NewDelivery(cfg DeliveryConfig) *Delivery {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	obs := cfg.Obs
	if obs == nil {
		obs = metrics.NoopObserver{}
	}
	breaker := cfg.Breaker
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker(3, 30*time.Second)
	}
	return &Delivery{
		client:     cfg.Client,
		sess:       cfg.Session,
		scratchDir: cfg.ScratchDir,
		retry:      cfg.Retry,
		breaker:    breaker,
		dumpMedia:  cfg.DumpMedia,
		obs:        obs,
		logger:     logger.With("key", cfg.Session.Key, "stream_id", cfg.Session.StreamID),
		lineCh:     make(chan stream.TranscriptLine, deliveryQueueSize),
		mediaCh:    make(chan mediaItem, deliveryQueueSize),
	}
}

// Start loads persisted state, announces the stream, and launches the upload
// flows. An activation failure is not fatal: lines still reach the local
// transcript, and the first conflict resync will re-activate.
func (d *Delivery) Start(ctx context.Context) error {
	st, err := loadDeliveryState(uploadStatePath(d.scratchDir, d.sess.Key))
	if err != nil {
		return err
	}
	if st.StreamID != d.sess.StreamID {
		st = deliveryState{StreamID: d.sess.StreamID, Title: d.sess.Title}
	}
	d.mu.Lock()
	d.state = st
	d.mu.Unlock()

	if d.client != nil {
		if err := d.retry.DoContext(ctx, func() error {
			return d.client.Activate(ctx, d.sess.Key, d.sess.StreamID, d.sess.Title)
		}); err != nil {
			d.logger.Warn("stream activation failed, continuing with local transcript", "error", err)
		}
	}

	d.setFlowContext(context.WithoutCancel(ctx))
	d.wg.Add(2)
	go d.lineLoop()
	go d.mediaLoop()
	return nil
}

func (d *Delivery) flowContext() context.Context {
	d.flowMu.RLock()
	defer d.flowMu.RUnlock()
	return d.flowCtx
}

func (d *Delivery) setFlowContext(ctx context.Context) {
	d.flowMu.Lock()
	d.flowCtx = ctx
	d.flowMu.Unlock()
}

// SubmitLine assigns the next line number, records the line locally, and
// queues it for upload. Callers submit lines in order from a single goroutine.
func (d *Delivery) SubmitLine(ctx context.Context, line stream.TranscriptLine) error {
	d.mu.Lock()
	d.state.LineCount++
	line.Line = d.state.LineCount
	d.state.Lines = append(d.state.Lines, storedLine{
		Line:  line.Line,
		Text:  line.Text,
		Start: line.Start,
		End:   line.End,
	})
	st := d.state
	d.mu.Unlock()

	if err := appendLocalTranscript(transcriptPath(d.scratchDir, d.sess.Key, d.sess.StreamID), d.sess.StartTime, line); err != nil {
		d.logger.Warn("local transcript write failed", "error", err)
	}
	if err := saveDeliveryState(uploadStatePath(d.scratchDir, d.sess.Key), st); err != nil {
		d.logger.Warn("delivery state save failed", "error", err)
	}

	select {
	case d.lineCh <- line:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SubmitMedia queues one line's media chunk. Media for a line may upload
// before or after the line itself; the relay keys it by line number.
func (d *Delivery) SubmitMedia(ctx context.Context, lineNo int64, payload []byte) error {
	if d.dumpMedia {
		path := mediaDumpPath(d.scratchDir, d.sess.Key, lineNo)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err == nil {
			if err := os.WriteFile(path, payload, 0o644); err != nil {
				d.logger.Warn("media dump failed", "line", lineNo, "error", err)
			}
		}
	}
	if d.client == nil {
		return nil
	}
	select {
	case d.mediaCh <- mediaItem{lineNo: lineNo, payload: payload}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LineCount returns the number of lines assigned so far this session.
func (d *Delivery) LineCount() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state.LineCount
}

// Close drains both flows and deactivates the stream on the relay. The given
// context bounds the drain: queued items keep uploading until it expires.
func (d *Delivery) Close(ctx context.Context) error {
	d.setFlowContext(ctx)
	close(d.lineCh)
	close(d.mediaCh)
	d.wg.Wait()
	if d.client == nil {
		return nil
	}
	if err := d.client.Deactivate(ctx, d.sess.Key); err != nil {
		d.logger.Warn("stream deactivation failed", "error", err)
	}
	return nil
}

func (d *Delivery) lineLoop() {
	defer d.wg.Done()
	for line := range d.lineCh {
		if d.client == nil {
			continue
		}
		d.uploadLine(d.flowContext(), line)
	}
}

func (d *Delivery) uploadLine(ctx context.Context, line stream.TranscriptLine) {
	attempt := 0
	err := d.retry.DoContext(ctx, func() error {
		attempt++
		if attempt > 1 {
			d.obs.RecordEvent(metrics.MetricsEvent{
				Name:  metrics.EventUploadRetry,
				Time:  time.Now(),
				Value: float64(attempt - 1),
				Tags:  map[string]string{metrics.TagKey: line.Key},
			})
		}
		if !d.breaker.Allow() {
			return resilience.RateLimitError{Service: "relay", Message: "circuit open"}
		}
		uploadErr := d.client.UploadLine(ctx, line)
		if uploadErr == nil {
			d.breaker.OnSuccess()
			return nil
		}
		d.breaker.OnError(uploadErr)
		if IsConflict(uploadErr) {
			// The relay's idea of this stream diverged (restarted relay,
			// competing worker). Replay our full state; it includes this line.
			if resyncErr := d.resync(ctx); resyncErr == nil {
				return nil
			}
		}
		return uploadErr
	})
	if err == nil {
		d.obs.RecordEvent(metrics.MetricsEvent{
			Name:  metrics.EventLineUploaded,
			Time:  time.Now(),
			Value: float64(line.Line),
			Tags:  map[string]string{metrics.TagKey: line.Key, metrics.TagStreamID: line.StreamID},
		})
		return
	}
	if ctx.Err() != nil {
		return
	}
	d.logger.Error("line upload dropped after retries", "line", line.Line, "error", err)
	d.obs.RecordEvent(metrics.MetricsEvent{
		Name:  metrics.EventUploadDropped,
		Time:  time.Now(),
		Value: float64(line.Line),
		Tags:  map[string]string{metrics.TagKey: line.Key},
	})
}

// resync re-activates the stream and replays every stored line. Used when the
// relay reports a conflict; afterwards both sides agree on the line count.
func (d *Delivery) resync(ctx context.Context) error {
	d.mu.Lock()
	st := d.state
	d.mu.Unlock()

	d.logger.Warn("relay state conflict, replaying full transcript", "lines", len(st.Lines))
	if err := d.client.Activate(ctx, d.sess.Key, st.StreamID, st.Title); err != nil {
		return err
	}
	for _, sl := range st.Lines {
		line := stream.TranscriptLine{
			Key:      d.sess.Key,
			StreamID: st.StreamID,
			Line:     sl.Line,
			Text:     sl.Text,
			Start:    sl.Start,
			End:      sl.End,
		}
		if err := d.client.UploadLine(ctx, line); err != nil {
			return err
		}
	}
	return nil
}

func (d *Delivery) mediaLoop() {
	defer d.wg.Done()
	for item := range d.mediaCh {
		ctx := d.flowContext()
		err := d.retry.DoContext(ctx, func() error {
			return d.client.UploadMedia(ctx, d.sess.Key, item.lineNo, item.payload)
		})
		if err != nil && ctx.Err() == nil {
			d.logger.Error("media upload dropped after retries", "line", item.lineNo, "error", err)
			d.obs.RecordEvent(metrics.MetricsEvent{
				Name:  metrics.EventUploadDropped,
				Time:  time.Now(),
				Value: float64(item.lineNo),
				Tags:  map[string]string{metrics.TagKey: d.sess.Key},
			})
		}
	}
}
