package uploader

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/opentranscript/streamwatch/pkg/stream"
)

// deliveryState is everything the relay knows about one key's stream, kept
// locally so a conflict resync can replay it and a worker restart can pick up
// the line counter where it left off.
type deliveryState struct {
	StreamID  string       `json:"stream_id"`
	Title     string       `json:"title"`
	LineCount int64        `json:"line_count"`
	Lines     []storedLine `json:"lines"`
}

type storedLine struct {
	Line  int64     `json:"line"`
	Text  string    `json:"text"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func uploadStatePath(scratchDir, key string) string {
	return filepath.Join(scratchDir, key, "upload_state.json")
}

func transcriptPath(scratchDir, key, streamID string) string {
	return filepath.Join(scratchDir, key, fmt.Sprintf("transcript-%s.txt", streamID))
}

func mediaDumpPath(scratchDir, key string, lineNo int64) string {
	return filepath.Join(scratchDir, key, "media", fmt.Sprintf("line-%d.ts", lineNo))
}

func loadDeliveryState(path string) (deliveryState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return deliveryState{}, nil
		}
		return deliveryState{}, err
	}
	var st deliveryState
	if err := json.Unmarshal(data, &st); err != nil {
		return deliveryState{}, nil
	}
	return st, nil
}

func saveDeliveryState(path string, st deliveryState) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
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

// appendLocalTranscript writes the fallback transcript line. It is the record
// of last resort: written even when the relay is unreachable or disabled.
func appendLocalTranscript(path string, sessionStart time.Time, line stream.TranscriptLine) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	offset := line.Start.Sub(sessionStart)
	if offset < 0 {
		offset = 0
	}
	total := int(offset.Seconds())
	stamp := fmt.Sprintf("%02d:%02d:%02d", total/3600, (total/60)%60, total%60)
	_, err = fmt.Fprintf(f, "[%s] %s\n", stamp, line.Text)
	return err
}
