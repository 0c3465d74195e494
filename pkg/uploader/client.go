package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/opentranscript/streamwatch/pkg/errorsx"
	"github.com/opentranscript/streamwatch/pkg/logging"
	"github.com/opentranscript/streamwatch/pkg/resilience"
	"github.com/opentranscript/streamwatch/pkg/stream"
)

const apiKeyHeader = "X-API-Key"

// Client talks to the relay server. Every request carries the worker API key;
// the relay distinguishes conflict (its stream state diverged from ours) from
// rate limiting, and callers handle the two differently.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *slog.Logger
}

func NewClient(baseURL, apiKey string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  logging.NewComponentLogger(logger, "relay_client"),
	}
}

// Activate announces a live stream to the relay. The relay resets its line
// counter for the key when the stream id changes.
func (c *Client) Activate(ctx context.Context, key, streamID, title string) error {
	q := url.Values{}
	q.Set("id", streamID)
	q.Set("title", title)
	path := fmt.Sprintf("/streams/%s/activate?%s", url.PathEscape(key), q.Encode())
	if err := c.get(ctx, path); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonRelayActivate)
	}
	return nil
}

// Deactivate tells the relay the stream ended.
func (c *Client) Deactivate(ctx context.Context, key string) error {
	path := fmt.Sprintf("/streams/%s/deactivate", url.PathEscape(key))
	if err := c.get(ctx, path); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonRelayActivate)
	}
	return nil
}

type linePayload struct {
	StreamID string `json:"stream_id"`
	Line     int64  `json:"line"`
	Text     string `json:"text"`
	Start    string `json:"start"`
	End      string `json:"end"`
}

// UploadLine sends one transcript line. A relay conflict (it knows a different
// line count or stream id) comes back as ReasonRelayConflict so the delivery
// layer can resync its full state.
func (c *Client) UploadLine(ctx context.Context, line stream.TranscriptLine) error {
	payload := linePayload{
		StreamID: line.StreamID,
		Line:     line.Line,
		Text:     line.Text,
		Start:    line.Start.UTC().Format(time.RFC3339Nano),
		End:      line.End.UTC().Format(time.RFC3339Nano),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonUploadLine)
	}
	path := fmt.Sprintf("/streams/%s/lines", url.PathEscape(line.Key))
	if err := c.post(ctx, path, "application/json", bytes.NewReader(body)); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonUploadLine)
	}
	return nil
}

// UploadMedia sends the media chunk backing one transcript line.
func (c *Client) UploadMedia(ctx context.Context, key string, lineNo int64, media []byte) error {
	path := fmt.Sprintf("/streams/%s/media/%d", url.PathEscape(key), lineNo)
	if err := c.post(ctx, path, "application/octet-stream", bytes.NewReader(media)); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonUploadMedia)
	}
	return nil
}

// StatusPayload is the periodic worker heartbeat.
type StatusPayload struct {
	Worker   string            `json:"worker"`
	Time     string            `json:"time"`
	Watching map[string]string `json:"watching"`
}

func (c *Client) ReportStatus(ctx context.Context, payload StatusPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return c.post(ctx, "/status", "application/json", bytes.NewReader(body))
}

func (c *Client) get(ctx context.Context, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req)
}

func (c *Client) post(ctx context.Context, path, contentType string, body io.Reader) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	return c.do(req)
}

func (c *Client) do(req *http.Request) error {
	req.Header.Set(apiKeyHeader, c.apiKey)
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(data))
	switch resp.StatusCode {
	case http.StatusConflict:
		return errorsx.Wrapf(errorsx.ReasonRelayConflict, "relay conflict: %s", msg)
	case http.StatusTooManyRequests:
		return errorsx.Wrap(resilience.RateLimitError{Service: "relay", Message: msg}, errorsx.ReasonUploadRateLimit)
	}
	return fmt.Errorf("relay %s %s: status %d: %s", req.Method, req.URL.Path, resp.StatusCode, msg)
}

// IsConflict reports whether an upload failed because the relay's stream state
// diverged from ours.
func IsConflict(err error) bool {
	return errorsx.HasReason(err, errorsx.ReasonRelayConflict)
}
