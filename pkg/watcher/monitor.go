package watcher

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"

	"github.com/opentranscript/streamwatch/pkg/config"
	"github.com/opentranscript/streamwatch/pkg/downloader"
	"github.com/opentranscript/streamwatch/pkg/metrics"
	"github.com/opentranscript/streamwatch/pkg/probe"
	"github.com/opentranscript/streamwatch/pkg/resilience"
	"github.com/opentranscript/streamwatch/pkg/source"
	"github.com/opentranscript/streamwatch/pkg/stream"
	"github.com/opentranscript/streamwatch/pkg/transcribe"
	"github.com/opentranscript/streamwatch/pkg/uploader"
)

// Monitor states.
const (
	stateIdle     = "idle"
	stateChecking = "checking"
	stateLive     = "live"
	stateStopped  = "stopped"
)

const (
	eventCheck  = "check"
	eventGoLive = "go_live"
	eventGoIdle = "go_idle"
	eventStop   = "stop"
)

// Poll interval jitter in seconds: spread monitors out so they never probe
// the provider in lockstep.
const (
	jitterMinSeconds = -5
	jitterMaxSeconds = 10
)

// Deps are the shared collaborators every monitor uses. The model manager and
// relay client are shared across monitors; everything else is stateless.
type Deps struct {
	Prober   probe.Prober
	Launcher downloader.Launcher
	Merger   downloader.Merger
	Model    *transcribe.ModelManager
	Relay    *uploader.Client
	Decensor *transcribe.Decensor
	Obs      metrics.Observer
	Logger   *slog.Logger
}

func (d Deps) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

func (d Deps) obs() metrics.Observer {
	if d.Obs != nil {
		return d.Obs
	}
	return metrics.NoopObserver{}
}

// Monitor watches one streamer: it polls the candidate URLs until one goes
// live, runs the full acquisition-transcription-upload pipeline for the
// session, and returns to polling when the stream ends.
type Monitor struct {
	cfg      config.Config
	streamer config.StreamerConfig
	deps     Deps
	machine  *fsm.FSM
	logger   *slog.Logger

	mu            sync.Mutex
	currentStream string
}

func NewMonitor(cfg config.Config, streamer config.StreamerConfig, deps Deps) *Monitor {
	machine := fsm.NewFSM(
		stateIdle,
		fsm.Events{
			{Name: eventCheck, Src: []string{stateIdle}, Dst: stateChecking},
			{Name: eventGoLive, Src: []string{stateChecking}, Dst: stateLive},
			{Name: eventGoIdle, Src: []string{stateChecking, stateLive}, Dst: stateIdle},
			{Name: eventStop, Src: []string{stateIdle, stateChecking, stateLive}, Dst: stateStopped},
		},
		fsm.Callbacks{},
	)
	return &Monitor{
		cfg:      cfg,
		streamer: streamer,
		deps:     deps,
		machine:  machine,
		logger:   deps.logger().With("key", streamer.Key),
	}
}

// Key returns the streamer key this monitor watches.
func (m *Monitor) Key() string { return m.streamer.Key }

// State returns the current lifecycle state for status reporting.
func (m *Monitor) State() string { return m.machine.Current() }

// CurrentStream returns the stream id of the running session, or "".
func (m *Monitor) CurrentStream() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentStream
}

func (m *Monitor) setCurrentStream(id string) {
	m.mu.Lock()
	m.currentStream = id
	m.mu.Unlock()
}

// Run polls until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	m.logger.Info("monitor started", "urls", len(m.streamer.URLs))
	for {
		m.poll(ctx)
		select {
		case <-ctx.Done():
			_ = m.machine.Event(context.Background(), eventStop)
			m.logger.Info("monitor stopped")
			return
		case <-time.After(m.pollInterval()):
		}
	}
}

// pollInterval applies jitter to the configured retry period.
func (m *Monitor) pollInterval() time.Duration {
	base := m.cfg.Server.SecondsBetweenChannelRetry
	jitter := jitterMinSeconds + rand.Intn(jitterMaxSeconds-jitterMinSeconds+1)
	total := base + jitter
	if total < 1 {
		total = 1
	}
	return time.Duration(total) * time.Second
}

func (m *Monitor) poll(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if err := m.machine.Event(ctx, eventCheck); err != nil {
		return
	}
	defer func() {
		if m.machine.Current() != stateIdle {
			_ = m.machine.Event(context.Background(), eventGoIdle)
		}
	}()

	for _, url := range m.streamer.URLs {
		info, err := m.deps.Prober.Probe(ctx, url, m.streamer.Key)
		if err != nil {
			m.logger.Debug("probe failed", "url", url, "error", err)
			continue
		}
		if !info.Live {
			continue
		}
		if m.cfg.Blacklisted(info.StreamID) {
			m.logger.Info("live stream is blacklisted, ignoring", "stream_id", info.StreamID)
			continue
		}
		resolved, err := probe.ResolveStartTime(ctx, m.deps.Prober, url, m.streamer.Key, 5, 2*time.Second)
		if err != nil {
			m.logger.Warn("could not resolve stream start time", "url", url, "error", err)
			continue
		}
		if err := m.machine.Event(ctx, eventGoLive); err != nil {
			return
		}
		if err := m.runSession(ctx, url, resolved); err != nil && ctx.Err() == nil {
			m.logger.Error("session ended with error", "stream_id", resolved.StreamID, "error", err)
		}
		return
	}
}

func (m *Monitor) runSession(ctx context.Context, url string, info stream.Info) error {
	sess := &stream.Session{
		TraceID:   uuid.NewString(),
		Key:       m.streamer.Key,
		URL:       url,
		StreamID:  info.StreamID,
		Title:     info.Title,
		Media:     probe.MediaTypeFor(url, m.streamer.Media()),
		StartTime: info.StartTime,
		Status:    stream.StatusLive,
	}
	logger := m.logger.With("stream_id", sess.StreamID, "trace_id", sess.TraceID)
	logger.Info("stream is live", "title", sess.Title, "started_at", sess.StartTime, "media", sess.Media)
	m.setCurrentStream(sess.StreamID)
	defer m.setCurrentStream("")

	obs := m.deps.obs()
	obs.RecordEvent(metrics.MetricsEvent{
		Name: metrics.EventSessionStart,
		Time: time.Now(),
		Tags: map[string]string{
			metrics.TagKey:      sess.Key,
			metrics.TagStreamID: sess.StreamID,
			metrics.TagTraceID:  sess.TraceID,
		},
	})
	defer obs.RecordEvent(metrics.MetricsEvent{
		Name: metrics.EventSessionEnd,
		Time: time.Now(),
		Tags: map[string]string{
			metrics.TagKey:      sess.Key,
			metrics.TagStreamID: sess.StreamID,
			metrics.TagTraceID:  sess.TraceID,
		},
	})

	// Warm the model before bytes start flowing so the first chunk does not
	// pay the load latency.
	if err := m.deps.Model.EnsureLoaded(ctx); err != nil {
		return err
	}

	delivery := uploader.NewDelivery(uploader.DeliveryConfig{
		Client:     m.deps.Relay,
		Session:    sess,
		ScratchDir: m.cfg.Server.ScratchDir,
		Retry:      m.uploadRetry(),
		DumpMedia:  m.cfg.Server.EnableDumpMedia,
		Obs:        obs,
		Logger:     logger,
	})
	if err := delivery.Start(ctx); err != nil {
		return err
	}

	queue := transcribe.NewQueue(m.deps.Model, sess, 0, m.deps.Decensor, obs, logger)
	if sess.Media != stream.MediaNone {
		queue.OnChunkDone = func(ctx context.Context, chunk stream.Chunk, produced int) error {
			if produced == 0 {
				return nil
			}
			return delivery.SubmitMedia(ctx, delivery.LineCount(), chunk.Payload)
		}
	}

	queueDone := make(chan error, 1)
	go func() {
		queueDone <- queue.Run(ctx, delivery.SubmitLine)
	}()

	srcErr := m.buildSource(sess, logger).Run(ctx, sess, queue.Enqueue)
	queue.Close()
	queueErr := <-queueDone

	// Drain the upload pipeline even on error paths; the relay should learn
	// the stream ended.
	closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := delivery.Close(closeCtx); err != nil {
		logger.Warn("delivery close failed", "error", err)
	}
	sess.Status = stream.StatusEnded
	logger.Info("session finished", "lines", delivery.LineCount())

	if srcErr != nil {
		return srcErr
	}
	return queueErr
}

// uploadRetry maps the configured attempt budget onto the retry policy
// (one initial try plus MaxRetries retries).
func (m *Monitor) uploadRetry() resilience.RetryPolicy {
	return resilience.RetryPolicy{
		MaxRetries: m.cfg.Server.UploadMaxAttempts - 1,
		Backoff:    time.Duration(m.cfg.Server.UploadBackoffMS) * time.Millisecond,
	}
}

// buildSource picks the acquisition strategy. Auto resolves to the buffered
// variant for video (byte cadence does not hold there) and fixed-rate for
// plain audio.
func (m *Monitor) buildSource(sess *stream.Session, logger *slog.Logger) source.ChunkSource {
	kind := m.streamer.SourceKind()
	if kind == stream.SourceAuto {
		if sess.Media == stream.MediaVideo {
			kind = stream.SourceBuffered
		} else {
			kind = stream.SourceFixedRate
		}
	}
	obs := m.deps.obs()
	switch kind {
	case stream.SourceDASH:
		return &source.DASH{
			Launcher:        m.deps.Launcher,
			Merger:          m.deps.Merger,
			BufferSeconds:   m.cfg.Server.BufferSizeSeconds,
			FragmentSeconds: m.cfg.DASH.FragmentSeconds,
			StaleWindow:     time.Duration(m.cfg.DASH.StaleWindow) * time.Second,
			ScratchDir:      m.cfg.Server.ScratchDir,
			Obs:             obs,
			Logger:          logger,
		}
	case stream.SourceBuffered:
		return &source.Buffered{
			Launcher:      m.deps.Launcher,
			BufferSeconds: m.cfg.Server.BufferSizeSeconds,
			Obs:           obs,
			Logger:        logger,
		}
	default:
		return &source.FixedRate{
			Launcher:      m.deps.Launcher,
			BufferSeconds: m.cfg.Server.BufferSizeSeconds,
			Obs:           obs,
			Logger:        logger,
		}
	}
}
