package downloader

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/opentranscript/streamwatch/pkg/errorsx"
)

// Merger remuxes fragment files into a single MPEG-TS file. Even audio-only
// fragments go through the remux so every chunk downstream shares one
// container format.
type Merger interface {
	Merge(ctx context.Context, inputs []string, output string) error
}

type FFmpeg struct {
	Path string
}

func NewFFmpeg(path string) *FFmpeg {
	if path == "" {
		path = "ffmpeg"
	}
	return &FFmpeg{Path: path}
}

func (f *FFmpeg) Merge(ctx context.Context, inputs []string, output string) error {
	if len(inputs) == 0 {
		return errorsx.Wrapf(errorsx.ReasonFragmentMerge, "no inputs to merge")
	}
	args := []string{"-y"}
	for _, in := range inputs {
		args = append(args, "-i", in)
	}
	args = append(args, "-c", "copy", "-f", "mpegts", output)
	cmd := exec.CommandContext(ctx, f.Path, args...)
	if err := cmd.Run(); err != nil {
		return errorsx.Wrap(fmt.Errorf("ffmpeg merge: %w", err), errorsx.ReasonFragmentMerge)
	}
	return nil
}
