package metrics

import "time"

type MetricsEvent struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

// Event names emitted by the worker pipeline.
const (
	EventChunkProduced    = "chunk_produced"
	EventChunkTranscribed = "chunk_transcribed"
	EventQueueDepth       = "queue_depth"
	EventModelLoad        = "model_load"
	EventModelUnload      = "model_unload"
	EventLineUploaded     = "line_uploaded"
	EventUploadRetry      = "upload_retry"
	EventUploadDropped    = "upload_dropped"
	EventSessionStart     = "session_start"
	EventSessionEnd       = "session_end"
	EventSequenceReset    = "sequence_reset"
)

// Common tag keys.
const (
	TagKey      = "key"
	TagStreamID = "stream_id"
	TagVariant  = "variant"
	TagTraceID  = "trace_id"
)

type Observer interface {
	RecordEvent(ev MetricsEvent)
}

type Flusher interface {
	Flush() error
}

type NoopObserver struct{}

func (NoopObserver) RecordEvent(MetricsEvent) {}
