package transcribe

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/opentranscript/streamwatch/pkg/errorsx"
	"github.com/opentranscript/streamwatch/pkg/metrics"
)

const idleCheckInterval = 30 * time.Second

// ModelManager owns the one transcription model all sessions share. It loads
// eagerly at startup, unloads after the model sits idle across every session,
// and reloads transparently on the next submission. Callers never observe
// load state; they call Transcribe and wait.
type ModelManager struct {
	engine     Engine
	idleUnload time.Duration
	sem        chan struct{}
	obs        metrics.Observer
	logger     *slog.Logger

	mu       sync.Mutex
	loaded   bool
	inFlight int
	lastUsed time.Time
}

func NewModelManager(engine Engine, concurrency int, idleUnload time.Duration, obs metrics.Observer, logger *slog.Logger) *ModelManager {
	if concurrency <= 0 {
		concurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	if obs == nil {
		obs = metrics.NoopObserver{}
	}
	return &ModelManager{
		engine:     engine,
		idleUnload: idleUnload,
		sem:        make(chan struct{}, concurrency),
		obs:        obs,
		logger:     logger,
	}
}

// Start loads the model eagerly. A failure here means the worker cannot do its
// job at all; the caller treats it as fatal.
func (m *ModelManager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.loadLocked(ctx); err != nil {
		return err
	}
	m.lastUsed = time.Now()
	return nil
}

// EnsureLoaded makes the model resident without counting as usage, so a
// pre-warm at session start cannot keep an otherwise idle model alive.
func (m *ModelManager) EnsureLoaded(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadLocked(ctx)
}

func (m *ModelManager) loadLocked(ctx context.Context) error {
	if m.loaded {
		return nil
	}
	started := time.Now()
	if err := m.engine.Load(ctx); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonModelLoad)
	}
	m.loaded = true
	m.logger.Info("model loaded", "engine", m.engine.Name(), "took", time.Since(started))
	m.obs.RecordEvent(metrics.MetricsEvent{
		Name:  metrics.EventModelLoad,
		Time:  time.Now(),
		Value: time.Since(started).Seconds(),
	})
	return nil
}

// Transcribe runs one chunk through the model, loading it first if an idle
// unload got there before us. Concurrency is bounded by the semaphore.
func (m *ModelManager) Transcribe(ctx context.Context, media []byte) (Result, error) {
	select {
	case m.sem <- struct{}{}:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	defer func() { <-m.sem }()

	m.mu.Lock()
	if err := m.loadLocked(ctx); err != nil {
		m.mu.Unlock()
		return Result{}, err
	}
	m.inFlight++
	m.lastUsed = time.Now()
	m.mu.Unlock()

	res, err := m.engine.Transcribe(ctx, media)

	m.mu.Lock()
	m.inFlight--
	m.lastUsed = time.Now()
	m.mu.Unlock()

	if err != nil {
		return Result{}, errorsx.Wrap(err, errorsx.ReasonTranscribe)
	}
	return res, nil
}

// RunIdleWatchdog unloads the model once it has been idle for the configured
// window. Blocks until ctx is cancelled; run it in its own goroutine.
func (m *ModelManager) RunIdleWatchdog(ctx context.Context) {
	if m.idleUnload <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(idleCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.unloadIfIdle(ctx)
		}
	}
}

func (m *ModelManager) unloadIfIdle(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.loaded || m.inFlight > 0 {
		return
	}
	idle := time.Since(m.lastUsed)
	if idle < m.idleUnload {
		return
	}
	if err := m.unloadLocked(ctx); err != nil {
		m.logger.Error("idle unload failed", "error", err)
		return
	}
	m.logger.Info("model unloaded after idle period", "idle", idle)
}

func (m *ModelManager) unloadLocked(ctx context.Context) error {
	if err := m.engine.Unload(ctx); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonModelUnload)
	}
	m.loaded = false
	m.obs.RecordEvent(metrics.MetricsEvent{
		Name:  metrics.EventModelUnload,
		Time:  time.Now(),
		Value: 1,
	})
	return nil
}

// Shutdown releases the model at worker exit.
func (m *ModelManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.loaded {
		return nil
	}
	return m.unloadLocked(ctx)
}

// Loaded reports whether the model is currently resident.
func (m *ModelManager) Loaded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loaded
}
