package source

import (
	"bytes"
	"context"
	"io"
	"os"
	"testing"

	"github.com/opentranscript/streamwatch/pkg/downloader"
	"github.com/opentranscript/streamwatch/pkg/stream"
)

// fakeLauncher serves canned processes instead of spawning yt-dlp.
type fakeLauncher struct {
	stream    *fakeStreamProc
	fragments *fakeFragmentProc
}

func (l *fakeLauncher) OpenStream(ctx context.Context, url string) (downloader.StreamProcess, error) {
	return l.stream, nil
}

func (l *fakeLauncher) OpenFragments(ctx context.Context, url, dir string, media stream.MediaType) (downloader.FragmentProcess, error) {
	return l.fragments, nil
}

type fakeStreamProc struct {
	r io.Reader
}

func (p *fakeStreamProc) Output() io.Reader { return p.r }
func (p *fakeStreamProc) Wait() error       { return nil }
func (p *fakeStreamProc) Stop()             {}
func (p *fakeStreamProc) Stderr() string    { return "" }

type fakeFragmentProc struct {
	done chan struct{}
	err  error
}

func newFinishedFragmentProc() *fakeFragmentProc {
	p := &fakeFragmentProc{done: make(chan struct{})}
	close(p.done)
	return p
}

func (p *fakeFragmentProc) Done() <-chan struct{} { return p.done }
func (p *fakeFragmentProc) Err() error            { return p.err }
func (p *fakeFragmentProc) Stop()                 {}

// concatMerger joins input files byte for byte, standing in for ffmpeg.
type concatMerger struct{}

func (concatMerger) Merge(ctx context.Context, inputs []string, output string) error {
	var buf bytes.Buffer
	for _, in := range inputs {
		data, err := os.ReadFile(in)
		if err != nil {
			return err
		}
		buf.Write(data)
	}
	return os.WriteFile(output, buf.Bytes(), 0o644)
}

type chunkCollector struct {
	chunks []stream.Chunk
}

func (c *chunkCollector) emit(ctx context.Context, chunk stream.Chunk) error {
	c.chunks = append(c.chunks, chunk)
	return nil
}

func testSession(media stream.MediaType) *stream.Session {
	return &stream.Session{
		TraceID:  "trace-1",
		Key:      "caster",
		URL:      "https://www.youtube.com/watch?v=abc123",
		StreamID: "abc123",
		Media:    media,
		Status:   stream.StatusLive,
	}
}

func pattern(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i % 251)
	}
	return out
}

func assertPayloadsConcatTo(t *testing.T, chunks []stream.Chunk, want []byte) {
	t.Helper()
	var got []byte
	for _, c := range chunks {
		got = append(got, c.Payload...)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("reassembled payload mismatch: got %d bytes, want %d", len(got), len(want))
	}
}
