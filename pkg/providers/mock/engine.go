package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/opentranscript/streamwatch/pkg/transcribe"
)

type EngineConfig struct {
	// Transcript is returned as a single segment for every chunk.
	Transcript string
	// SecondsPerChunk is the reported audio length per transcription.
	SecondsPerChunk float64
	LoadErr         error
	TranscribeErr   error
}

// Engine is a scriptable transcription backend for tests and dry runs.
type Engine struct {
	cfg EngineConfig

	mu          sync.Mutex
	loaded      bool
	Loads       int
	Unloads     int
	Transcribed [][]byte
}

func NewEngine(cfg EngineConfig) *Engine {
	if cfg.Transcript == "" {
		cfg.Transcript = "mock transcript"
	}
	if cfg.SecondsPerChunk == 0 {
		cfg.SecondsPerChunk = 6
	}
	return &Engine{cfg: cfg}
}

func (e *Engine) Name() string { return "mock_engine" }

func (e *Engine) Load(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cfg.LoadErr != nil {
		return e.cfg.LoadErr
	}
	e.loaded = true
	e.Loads++
	return nil
}

func (e *Engine) Unload(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.loaded = false
	e.Unloads++
	return nil
}

func (e *Engine) Transcribe(ctx context.Context, media []byte) (transcribe.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.loaded {
		return transcribe.Result{}, errors.New("model not loaded")
	}
	if e.cfg.TranscribeErr != nil {
		return transcribe.Result{}, e.cfg.TranscribeErr
	}
	e.Transcribed = append(e.Transcribed, media)
	return transcribe.Result{
		Segments:     []transcribe.Segment{{Text: e.cfg.Transcript, Start: 0, End: e.cfg.SecondsPerChunk}},
		AudioSeconds: e.cfg.SecondsPerChunk,
	}, nil
}

var _ transcribe.Engine = (*Engine)(nil)
