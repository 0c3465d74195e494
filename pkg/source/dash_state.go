package source

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

// dashState is the per-key resume record persisted after every emitted chunk.
// A worker restart mid-session reads it back to skip already-delivered
// fragments and keep chunk offsets continuous.
type dashState struct {
	StreamID     string  `json:"stream_id"`
	LastSequence int     `json:"last_sequence"`
	Elapsed      float64 `json:"current_stream_time"`
}

func loadDashState(path string) (dashState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return dashState{}, nil
		}
		return dashState{}, err
	}
	var st dashState
	if err := json.Unmarshal(data, &st); err != nil {
		// A corrupt state file is treated as absent; re-transcribing a few
		// fragments beats refusing to attach.
		return dashState{}, nil
	}
	return st, nil
}

func saveDashState(path string, st dashState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func clearDashScratch(fragDir, statePath string) error {
	if err := os.RemoveAll(fragDir); err != nil {
		return err
	}
	if err := os.Remove(statePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return os.MkdirAll(fragDir, 0o755)
}

func ensureDashScratch(fragDir string) error {
	return os.MkdirAll(fragDir, 0o755)
}

func dashPaths(scratchDir, key string) (fragDir, statePath string) {
	base := filepath.Join(scratchDir, key)
	return filepath.Join(base, "fragments"), filepath.Join(base, "dash_state.json")
}
