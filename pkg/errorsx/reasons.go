package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonProbe          ReasonCode = "probe"
	ReasonProbeTimeout   ReasonCode = "probe_timeout"
	ReasonStartTime      ReasonCode = "start_time_unresolved"
	ReasonDownloaderExec ReasonCode = "downloader_exec"
	ReasonDownloaderExit ReasonCode = "downloader_exit"
	ReasonFragmentMerge  ReasonCode = "fragment_merge"

	ReasonModelLoad     ReasonCode = "model_load"
	ReasonModelUnload   ReasonCode = "model_unload"
	ReasonTranscribe    ReasonCode = "transcribe"
	ReasonAudioTooShort ReasonCode = "audio_too_short"

	ReasonUploadLine      ReasonCode = "upload_line"
	ReasonUploadMedia     ReasonCode = "upload_media"
	ReasonUploadRateLimit ReasonCode = "upload_rate_limit"
	ReasonRelayConflict   ReasonCode = "relay_conflict"
	ReasonRelayActivate   ReasonCode = "relay_activate"

	ReasonConfig ReasonCode = "config"
)
