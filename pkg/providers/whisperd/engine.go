package whisperd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/opentranscript/streamwatch/pkg/configutil"
	"github.com/opentranscript/streamwatch/pkg/errorsx"
	"github.com/opentranscript/streamwatch/pkg/logging"
	"github.com/opentranscript/streamwatch/pkg/transcribe"
)

// Settings are free-form engine options forwarded with every transcription
// request. Decoded from the transcription.settings config map.
type Settings struct {
	Language       string   `mapstructure:"language"`
	BeamSize       *int     `mapstructure:"beam_size"`
	Temperature    *float64 `mapstructure:"temperature"`
	VADFilter      *bool    `mapstructure:"vad_filter"`
	TimeoutSeconds *int     `mapstructure:"timeout_seconds"`
}

type Config struct {
	Endpoint    string
	Model       string
	Device      string
	ComputeType string
	CacheDir    string
	Settings    map[string]any
}

// Engine talks to a local whisperd sidecar over HTTP. The sidecar owns the
// actual model weights; Load and Unload translate to its model endpoints so
// idle-unload policy frees real memory.
type Engine struct {
	cfg      Config
	settings Settings
	client   *http.Client
	logger   *slog.Logger
}

func New(cfg Config) (*Engine, error) {
	if err := configutil.RequireString(cfg.Endpoint, "transcription.endpoint"); err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonConfig)
	}
	var settings Settings
	if err := configutil.DecodeSettings(cfg.Settings, &settings); err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("transcription.settings: %w", err), errorsx.ReasonConfig)
	}
	timeout := time.Duration(configutil.IntValue(settings.TimeoutSeconds, 120)) * time.Second
	return &Engine{
		cfg:      cfg,
		settings: settings,
		client:   &http.Client{Timeout: timeout},
		logger:   logging.NewComponentLogger(slog.Default(), "whisperd_engine"),
	}, nil
}

func (e *Engine) Name() string { return "whisperd" }

type loadRequest struct {
	Model       string `json:"model"`
	Device      string `json:"device"`
	ComputeType string `json:"compute_type"`
	CacheDir    string `json:"cache_dir,omitempty"`
}

func (e *Engine) Load(ctx context.Context) error {
	body, err := json.Marshal(loadRequest{
		Model:       e.cfg.Model,
		Device:      e.cfg.Device,
		ComputeType: e.cfg.ComputeType,
		CacheDir:    e.cfg.CacheDir,
	})
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonModelLoad)
	}
	if err := e.post(ctx, "/v1/model/load", "application/json", bytes.NewReader(body), nil); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonModelLoad)
	}
	e.logger.Info("model load requested",
		slog.String("model", e.cfg.Model),
		slog.String("device", e.cfg.Device),
		slog.String("compute_type", e.cfg.ComputeType))
	return nil
}

func (e *Engine) Unload(ctx context.Context) error {
	if err := e.post(ctx, "/v1/model/unload", "application/json", nil, nil); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonModelUnload)
	}
	return nil
}

type transcribeResponse struct {
	Segments []struct {
		Text  string  `json:"text"`
		Start float64 `json:"start"`
		End   float64 `json:"end"`
	} `json:"segments"`
	Duration float64 `json:"duration"`
}

func (e *Engine) Transcribe(ctx context.Context, media []byte) (transcribe.Result, error) {
	var resp transcribeResponse
	path := "/v1/transcribe" + e.transcribeQuery()
	if err := e.post(ctx, path, "application/octet-stream", bytes.NewReader(media), &resp); err != nil {
		return transcribe.Result{}, errorsx.Wrap(err, errorsx.ReasonTranscribe)
	}
	res := transcribe.Result{AudioSeconds: resp.Duration}
	for _, s := range resp.Segments {
		res.Segments = append(res.Segments, transcribe.Segment{Text: s.Text, Start: s.Start, End: s.End})
	}
	return res, nil
}

func (e *Engine) transcribeQuery() string {
	var params []string
	if e.settings.Language != "" {
		params = append(params, "language="+e.settings.Language)
	}
	if e.settings.BeamSize != nil {
		params = append(params, fmt.Sprintf("beam_size=%d", *e.settings.BeamSize))
	}
	if e.settings.Temperature != nil {
		params = append(params, fmt.Sprintf("temperature=%g", *e.settings.Temperature))
	}
	if e.settings.VADFilter != nil {
		params = append(params, fmt.Sprintf("vad_filter=%t", *e.settings.VADFilter))
	}
	if len(params) == 0 {
		return ""
	}
	return "?" + strings.Join(params, "&")
}

func (e *Engine) post(ctx context.Context, path, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.Endpoint+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("whisperd %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

var _ transcribe.Engine = (*Engine)(nil)
