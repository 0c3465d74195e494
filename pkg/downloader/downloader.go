package downloader

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/opentranscript/streamwatch/pkg/errorsx"
	"github.com/opentranscript/streamwatch/pkg/stream"
)

// StreamProcess is a running raw-byte download whose stdout carries the media.
type StreamProcess interface {
	Output() io.Reader
	// Wait blocks until the process exits and returns its exit error, if any.
	Wait() error
	// Stop terminates the process. Safe to call more than once.
	Stop()
	// Stderr returns captured stderr output for diagnosis after exit.
	Stderr() string
}

// FragmentProcess is a running fragment download that materializes files into
// a directory instead of streaming bytes.
type FragmentProcess interface {
	Done() <-chan struct{}
	Err() error
	Stop()
}

// Launcher starts external download processes. The watcher owns their
// lifetimes; every process must die with the session context.
type Launcher interface {
	OpenStream(ctx context.Context, url string) (StreamProcess, error)
	OpenFragments(ctx context.Context, url, dir string, media stream.MediaType) (FragmentProcess, error)
}

// YTDLP launches yt-dlp subprocesses.
type YTDLP struct {
	Path   string
	Logger *slog.Logger
}

func NewYTDLP(path string, logger *slog.Logger) *YTDLP {
	if logger == nil {
		logger = slog.Default()
	}
	return &YTDLP{Path: path, Logger: logger}
}

// OpenStream starts a best-audio download writing raw bytes to stdout.
func (y *YTDLP) OpenStream(ctx context.Context, url string) (StreamProcess, error) {
	cmd := exec.CommandContext(ctx, y.Path,
		"-f", "ba",
		"--quiet",
		"--no-warnings",
		"--match-filter", "is_live",
		"-o", "-",
		url,
	)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonDownloaderExec)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("start yt-dlp: %w", err), errorsx.ReasonDownloaderExec)
	}
	y.Logger.Debug("yt-dlp stream download started", "url", url, "pid", cmd.Process.Pid)
	return &streamProc{cmd: cmd, out: stdout, stderr: &stderr}, nil
}

// OpenFragments starts a from-the-start fragment download that keeps fragment
// files on disk under dir. Filenames are predictable: id.format_id-FragN.
func (y *YTDLP) OpenFragments(ctx context.Context, url, dir string, media stream.MediaType) (FragmentProcess, error) {
	// H.264 + AAC keeps the MPEG-TS remux lossless; VP9 video tracks get
	// dropped by ffmpeg -c copy -f mpegts.
	format := "bestaudio/best"
	if media == stream.MediaVideo {
		format = "bestvideo[vcodec^=avc]+bestaudio[acodec^=mp4a]/best[vcodec^=avc]/best"
	}
	// A merged output left by an earlier run makes yt-dlp consider the
	// download finished and skip it. Fragments stay; they carry the resume.
	removeFinalFiles(dir)
	cmd := exec.CommandContext(ctx, y.Path,
		"--quiet",
		"--no-warnings",
		"--live-from-start",
		"--keep-fragments",
		"--match-filter", "is_live",
		"-f", format,
		"-o", filepath.Join(dir, "%(id)s.%(format_id)s"),
		url,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("start yt-dlp fragments: %w", err), errorsx.ReasonDownloaderExec)
	}
	y.Logger.Debug("yt-dlp fragment download started", "url", url, "dir", dir, "media", media)
	fp := &fragmentProc{cmd: cmd, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		if err != nil && ctx.Err() == nil {
			fp.setErr(errorsx.Wrap(fmt.Errorf("yt-dlp exited: %w: %s", err, strings.TrimSpace(stderr.String())), errorsx.ReasonDownloaderExit))
		}
		close(fp.done)
	}()
	return fp, nil
}

func removeFinalFiles(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.Contains(name, "-Frag") ||
			strings.HasSuffix(name, ".part") ||
			strings.HasSuffix(name, ".ytdl") {
			continue
		}
		_ = os.Remove(filepath.Join(dir, name))
	}
}

type streamProc struct {
	cmd     *exec.Cmd
	out     io.Reader
	stderr  *bytes.Buffer
	stopped sync.Once
}

func (p *streamProc) Output() io.Reader { return p.out }

func (p *streamProc) Wait() error {
	if err := p.cmd.Wait(); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonDownloaderExit)
	}
	return nil
}

func (p *streamProc) Stop() {
	p.stopped.Do(func() {
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
	})
}

func (p *streamProc) Stderr() string { return p.stderr.String() }

type fragmentProc struct {
	cmd     *exec.Cmd
	done    chan struct{}
	mu      sync.Mutex
	err     error
	stopped sync.Once
}

func (p *fragmentProc) Done() <-chan struct{} { return p.done }

func (p *fragmentProc) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *fragmentProc) setErr(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

func (p *fragmentProc) Stop() {
	p.stopped.Do(func() {
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
	})
}
