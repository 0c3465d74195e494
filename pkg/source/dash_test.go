package source

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opentranscript/streamwatch/pkg/downloader"
	"github.com/opentranscript/streamwatch/pkg/stream"
)

func writeFragment(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write fragment: %v", err)
	}
	return path
}

func TestDashStateRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dash_state.json")
	want := dashState{StreamID: "abc123", LastSequence: 42, Elapsed: 37.5}
	if err := saveDashState(path, want); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := loadDashState(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got != want {
		t.Fatalf("state = %+v, want %+v", got, want)
	}
}

func TestDashStateMissingAndCorrupt(t *testing.T) {
	dir := t.TempDir()
	if st, err := loadDashState(filepath.Join(dir, "nope.json")); err != nil || st != (dashState{}) {
		t.Fatalf("missing file: st=%+v err=%v", st, err)
	}
	corrupt := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(corrupt, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if st, err := loadDashState(corrupt); err != nil || st != (dashState{}) {
		t.Fatalf("corrupt file: st=%+v err=%v", st, err)
	}
}

func TestDashObserveSkipsInProgressFiles(t *testing.T) {
	dir := t.TempDir()
	s := &DASH{}
	rec := NewReconciler(0, 1)
	seen := make(map[string]bool)

	part := writeFragment(t, dir, "abc123.140-Frag3.part", []byte("x"))
	ytdl := writeFragment(t, dir, "abc123.140-Frag3.ytdl", []byte("x"))
	empty := writeFragment(t, dir, "abc123.140-Frag4", nil)
	noseq := writeFragment(t, dir, "abc123.140", []byte("x"))
	good := writeFragment(t, dir, "abc123.140-Frag5", []byte("media"))

	for _, p := range []string{part, ytdl, empty, noseq} {
		if s.observe(rec, p, seen, false) {
			t.Fatalf("accepted unfinished fragment %s", p)
		}
	}
	if !s.observe(rec, good, seen, false) {
		t.Fatalf("complete fragment rejected")
	}
	// Second observation of the same path is a no-op.
	if s.observe(rec, good, seen, false) {
		t.Fatalf("same path observed twice")
	}
}

func TestDashRunAssemblesFragmentsInOrder(t *testing.T) {
	scratch := t.TempDir()
	sess := testSession("audio")
	fragDir, statePath := dashPaths(scratch, sess.Key)
	if err := os.MkdirAll(fragDir, 0o755); err != nil {
		t.Fatal(err)
	}

	// Fragments written out of order; the state file ties them to this stream
	// so they survive the fresh-session check.
	writeFragment(t, fragDir, "abc123.140-Frag2", []byte("BBBB"))
	writeFragment(t, fragDir, "abc123.140-Frag1", []byte("AAAA"))
	writeFragment(t, fragDir, "abc123.140-Frag3", []byte("CCCC"))
	if err := saveDashState(statePath, dashState{StreamID: sess.StreamID}); err != nil {
		t.Fatal(err)
	}

	src := &DASH{
		Launcher:        &fakeLauncher{fragments: newFinishedFragmentProc()},
		Merger:          concatMerger{},
		BufferSeconds:   2,
		FragmentSeconds: 1.0,
		ScratchDir:      scratch,
	}

	var col chunkCollector
	if err := src.Run(context.Background(), sess, col.emit); err != nil {
		t.Fatalf("run: %v", err)
	}
	assertPayloadsConcatTo(t, col.chunks, []byte("AAAABBBBCCCC"))
	if len(col.chunks) != 2 {
		t.Fatalf("expected 2 chunks (2 frags + drain), got %d", len(col.chunks))
	}
	if col.chunks[0].Duration != 2*time.Second {
		t.Fatalf("first chunk duration = %v", col.chunks[0].Duration)
	}
	if col.chunks[1].Offset != 2*time.Second {
		t.Fatalf("second chunk offset = %v", col.chunks[1].Offset)
	}

	st, err := loadDashState(statePath)
	if err != nil {
		t.Fatal(err)
	}
	if st.LastSequence != 3 {
		t.Fatalf("persisted last_sequence = %d", st.LastSequence)
	}
	if st.Elapsed != 3.0 {
		t.Fatalf("persisted elapsed = %v", st.Elapsed)
	}
}

// writingLauncher materializes fragment files the moment the download starts,
// the way yt-dlp does right after launch.
type writingLauncher struct {
	files map[string][]byte
	proc  *fakeFragmentProc
}

func (l *writingLauncher) OpenStream(ctx context.Context, url string) (downloader.StreamProcess, error) {
	return nil, nil
}

func (l *writingLauncher) OpenFragments(ctx context.Context, url, dir string, media stream.MediaType) (downloader.FragmentProcess, error) {
	for name, data := range l.files {
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			return nil, err
		}
	}
	return l.proc, nil
}

func TestDashRunTreatsLaunchTimeFilesAsFresh(t *testing.T) {
	scratch := t.TempDir()
	sess := testSession("audio")
	fragDir, statePath := dashPaths(scratch, sess.Key)
	if err := os.MkdirAll(fragDir, 0o755); err != nil {
		t.Fatal(err)
	}

	// Fragments already delivered before the restart, plus the progress the
	// previous run persisted.
	writeFragment(t, fragDir, "abc123.140-Frag39", []byte("OLDA"))
	writeFragment(t, fragDir, "abc123.140-Frag40", []byte("OLDB"))
	if err := saveDashState(statePath, dashState{StreamID: sess.StreamID, LastSequence: 40, Elapsed: 100}); err != nil {
		t.Fatal(err)
	}

	// The relaunched downloader restarts its numbering and writes files the
	// instant it comes up. Those are fresh work, not leftovers.
	src := &DASH{
		Launcher: &writingLauncher{
			files: map[string][]byte{
				"abc123.140-Frag1": []byte("NEWA"),
				"abc123.140-Frag2": []byte("NEWB"),
			},
			proc: newFinishedFragmentProc(),
		},
		Merger:          concatMerger{},
		BufferSeconds:   2,
		FragmentSeconds: 1.0,
		ScratchDir:      scratch,
	}

	var col chunkCollector
	if err := src.Run(context.Background(), sess, col.emit); err != nil {
		t.Fatalf("run: %v", err)
	}
	assertPayloadsConcatTo(t, col.chunks, []byte("NEWANEWB"))
	if len(col.chunks) == 0 {
		t.Fatalf("launch-time fragments dropped as already delivered")
	}
	if col.chunks[0].Offset != 100*time.Second {
		t.Fatalf("first chunk offset = %v, want resumed elapsed", col.chunks[0].Offset)
	}
}

func TestDashStaleWindowFinalizesLiveEdge(t *testing.T) {
	scratch := t.TempDir()
	sess := testSession("audio")
	fragDir, statePath := dashPaths(scratch, sess.Key)
	if err := os.MkdirAll(fragDir, 0o755); err != nil {
		t.Fatal(err)
	}

	writeFragment(t, fragDir, "abc123.140-Frag1", []byte("AAAA"))
	writeFragment(t, fragDir, "abc123.140-Frag2", []byte("BBBB"))
	if err := saveDashState(statePath, dashState{StreamID: sess.StreamID}); err != nil {
		t.Fatal(err)
	}

	// The downloader stays alive but nothing new arrives; without the stale
	// drain Frag2 would wait for a successor forever.
	src := &DASH{
		Launcher:        &fakeLauncher{fragments: &fakeFragmentProc{done: make(chan struct{})}},
		Merger:          concatMerger{},
		BufferSeconds:   4,
		FragmentSeconds: 1.0,
		StaleWindow:     100 * time.Millisecond,
		ScratchDir:      scratch,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2500*time.Millisecond)
	defer cancel()
	var col chunkCollector
	if err := src.Run(ctx, sess, col.emit); err != nil {
		t.Fatalf("run: %v", err)
	}
	assertPayloadsConcatTo(t, col.chunks, []byte("AAAABBBB"))
}

func TestDashRunClearsScratchForNewStream(t *testing.T) {
	scratch := t.TempDir()
	sess := testSession("audio")
	fragDir, statePath := dashPaths(scratch, sess.Key)
	if err := os.MkdirAll(fragDir, 0o755); err != nil {
		t.Fatal(err)
	}

	// Leftovers from a different stream id must not leak into this session.
	writeFragment(t, fragDir, "oldstream.140-Frag9", []byte("STALE"))
	if err := saveDashState(statePath, dashState{StreamID: "oldstream", LastSequence: 9, Elapsed: 99}); err != nil {
		t.Fatal(err)
	}

	src := &DASH{
		Launcher:        &fakeLauncher{fragments: newFinishedFragmentProc()},
		Merger:          concatMerger{},
		BufferSeconds:   2,
		FragmentSeconds: 1.0,
		ScratchDir:      scratch,
	}

	var col chunkCollector
	if err := src.Run(context.Background(), sess, col.emit); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(col.chunks) != 0 {
		t.Fatalf("stale fragments emitted: %d chunks", len(col.chunks))
	}
	if _, err := os.Stat(filepath.Join(fragDir, "oldstream.140-Frag9")); !os.IsNotExist(err) {
		t.Fatalf("stale fragment not cleared")
	}
}
