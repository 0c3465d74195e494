package source

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/opentranscript/streamwatch/pkg/downloader"
	"github.com/opentranscript/streamwatch/pkg/metrics"
	"github.com/opentranscript/streamwatch/pkg/stream"
)

// DASH acquires media by letting the downloader materialize manifest fragments
// on disk and reassembling them into chunks. Fragment boundaries carry the
// manifest's own timing, so chunk offsets stay accurate under stream latency
// and survive worker restarts mid-session. The price is disk churn and a
// merge step per chunk.
type DASH struct {
	Launcher downloader.Launcher
	Merger   downloader.Merger
	// BufferSeconds is the target chunk duration; fragments aggregate until
	// they reach it (within aggregateSlack).
	BufferSeconds int
	// FragmentSeconds is the nominal duration of one manifest fragment.
	FragmentSeconds float64
	// StaleWindow bounds how long the newest fragment is held back waiting
	// for a successor. When no new fragment arrives within it, pending
	// fragments are finalized as the live edge. Zero disables the drain.
	StaleWindow time.Duration
	ScratchDir  string
	Obs         metrics.Observer
	Logger      *slog.Logger
}

// Aggregation stops slightly short of the target so a nominal fragment
// duration that doesn't divide the buffer evenly still fills chunks.
const aggregateSlack = 0.2

const rescanInterval = time.Second

// yt-dlp fragment files end in -FragN; in-progress downloads carry extra
// suffixes that must be skipped until the rename.
var fragSeqPattern = regexp.MustCompile(`-Frag(\d+)$`)

func (s *DASH) Name() string { return string(stream.SourceDASH) }

func (s *DASH) Run(ctx context.Context, sess *stream.Session, emit EmitFunc) error {
	logger := s.logger().With("key", sess.Key, "stream_id", sess.StreamID)
	fragDir, statePath := dashPaths(s.ScratchDir, sess.Key)

	st, err := loadDashState(statePath)
	if err != nil {
		return err
	}
	if st.StreamID != sess.StreamID {
		// Fresh session: leftovers belong to a previous stream.
		if err := clearDashScratch(fragDir, statePath); err != nil {
			return err
		}
		st = dashState{StreamID: sess.StreamID}
	} else if err := ensureDashScratch(fragDir); err != nil {
		return err
	}

	needFiles := 1
	if sess.Media == stream.MediaVideo {
		needFiles = 2
	}
	rec := NewReconciler(st.LastSequence, needFiles)
	elapsed := time.Duration(st.Elapsed * float64(time.Second))
	if st.LastSequence > 0 {
		logger.Info("resuming session", "last_sequence", st.LastSequence, "elapsed", elapsed)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(fragDir); err != nil {
		return err
	}

	// Leftovers must be accounted before the downloader starts writing, or a
	// fresh live-edge file lands in the preexisting scan and gets mistaken
	// for an already-delivered fragment.
	seen := make(map[string]bool)
	s.scan(rec, fragDir, seen, true)

	proc, err := s.Launcher.OpenFragments(ctx, sess.URL, fragDir, sess.Media)
	if err != nil {
		return err
	}
	defer proc.Stop()

	agg := &dashAggregate{}
	var seq int64
	flush := func() error {
		if len(agg.payload) == 0 {
			return nil
		}
		seq++
		c := stream.Chunk{
			Key:      sess.Key,
			StreamID: sess.StreamID,
			Seq:      seq,
			Offset:   elapsed,
			Duration: agg.duration,
			Payload:  agg.payload,
			Variant:  stream.SourceDASH,
		}
		elapsed += agg.duration
		agg.clear()
		s.record(c)
		if err := emit(ctx, c); err != nil {
			return err
		}
		st.LastSequence = rec.LastRawFinalized()
		st.Elapsed = elapsed.Seconds()
		return saveDashState(statePath, st)
	}

	fragDur := time.Duration(s.FragmentSeconds * float64(time.Second))
	target := time.Duration(float64(s.BufferSeconds)-aggregateSlack) * time.Second
	process := func(finals []FinalFragment) error {
		for _, frag := range finals {
			data, err := s.mergeFragment(ctx, sess.Key, frag)
			if err != nil {
				logger.Warn("fragment merge failed, skipping", "seq", frag.EffectiveSeq, "error", err)
				continue
			}
			agg.add(data, fragDur)
			if agg.duration >= target {
				if err := flush(); err != nil {
					return err
				}
			}
		}
		return nil
	}

	resets := 0
	reconcile := func(drain bool) error {
		if r := rec.Resets(); r > resets {
			resets = r
			logger.Warn("fragment sequence reset detected", "resets", resets)
			s.recordReset(sess)
		}
		if drain {
			return process(rec.Drain())
		}
		return process(rec.Finalize())
	}
	if err := reconcile(false); err != nil {
		return err
	}

	ticker := time.NewTicker(rescanInterval)
	defer ticker.Stop()

	lastArrival := time.Now()
	logger.Info("fragment download started", "dir", fragDir, "need_files", needFiles)
	for {
		select {
		case <-ctx.Done():
			return s.finish(logger, flush, nil, seq)
		case <-proc.Done():
			// One last pass picks up files written just before exit.
			s.scan(rec, fragDir, seen, false)
			if err := reconcile(true); err != nil {
				return err
			}
			return s.finish(logger, flush, proc.Err(), seq)
		case ev, ok := <-watcher.Events:
			if !ok {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if s.observe(rec, ev.Name, seen, false) {
				lastArrival = time.Now()
				if err := reconcile(false); err != nil {
					return err
				}
			}
		case err, ok := <-watcher.Errors:
			if ok && err != nil {
				logger.Warn("fragment watch error", "error", err)
			}
		case <-ticker.C:
			// The watcher can miss renames under load; the rescan is the
			// source of truth.
			if s.scan(rec, fragDir, seen, false) {
				lastArrival = time.Now()
				if err := reconcile(false); err != nil {
					return err
				}
				continue
			}
			if s.StaleWindow > 0 && time.Since(lastArrival) >= s.StaleWindow {
				// No successor is coming; the held-back newest fragment is
				// the live edge.
				lastArrival = time.Now()
				if err := reconcile(true); err != nil {
					return err
				}
			}
		}
	}
}

// finish flushes the partial aggregate before reporting the downloader's exit.
func (s *DASH) finish(logger *slog.Logger, flush func() error, downloadErr error, seq int64) error {
	if err := flush(); err != nil {
		logger.Warn("final flush failed", "error", err)
	}
	if downloadErr != nil {
		logger.Error("fragment downloader exited with error", "error", downloadErr)
		return downloadErr
	}
	logger.Info("fragment download finished", "chunks", seq)
	return nil
}

// scan reads the fragment directory and feeds any unseen files to the
// reconciler. Returns true when at least one observation was accepted.
func (s *DASH) scan(rec *Reconciler, fragDir string, seen map[string]bool, preexisting bool) bool {
	entries, err := os.ReadDir(fragDir)
	if err != nil {
		return false
	}
	changed := false
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if s.observe(rec, filepath.Join(fragDir, e.Name()), seen, preexisting) {
			changed = true
		}
	}
	return changed
}

// observe validates one path and registers it exactly once. The seen set is
// what distinguishes a sequence reset (new file, low number) from rescans
// re-walking old files.
func (s *DASH) observe(rec *Reconciler, path string, seen map[string]bool, preexisting bool) bool {
	if seen[path] {
		return false
	}
	name := filepath.Base(path)
	if strings.HasSuffix(name, ".part") || strings.HasSuffix(name, ".ytdl") || strings.HasSuffix(name, ".tmp") {
		return false
	}
	m := fragSeqPattern.FindStringSubmatch(name)
	if m == nil {
		return false
	}
	rawSeq, err := strconv.Atoi(m[1])
	if err != nil {
		return false
	}
	fi, err := os.Stat(path)
	if err != nil || fi.Size() == 0 {
		// Still materializing; the next rescan picks it up.
		return false
	}
	seen[path] = true
	return rec.Observe(rawSeq, path, preexisting)
}

// mergeFragment remuxes one finalized fragment's track files into MPEG-TS and
// returns the bytes. The merge scratch file is removed; the fragment files
// stay on disk so restart resume can account for them.
func (s *DASH) mergeFragment(ctx context.Context, key string, frag FinalFragment) ([]byte, error) {
	out := filepath.Join(s.ScratchDir, key, fmt.Sprintf("merge-%d.ts", frag.EffectiveSeq))
	if err := s.Merger.Merge(ctx, frag.Paths, out); err != nil {
		return nil, err
	}
	defer os.Remove(out)
	return os.ReadFile(out)
}

type dashAggregate struct {
	payload  []byte
	duration time.Duration
}

func (a *dashAggregate) add(data []byte, dur time.Duration) {
	a.payload = append(a.payload, data...)
	a.duration += dur
}

func (a *dashAggregate) clear() {
	a.payload = nil
	a.duration = 0
}

func (s *DASH) record(c stream.Chunk) {
	if s.Obs == nil {
		return
	}
	s.Obs.RecordEvent(metrics.MetricsEvent{
		Name:  metrics.EventChunkProduced,
		Time:  time.Now(),
		Value: float64(len(c.Payload)),
		Tags: map[string]string{
			metrics.TagKey:      c.Key,
			metrics.TagStreamID: c.StreamID,
			metrics.TagVariant:  string(c.Variant),
		},
	})
}

func (s *DASH) recordReset(sess *stream.Session) {
	if s.Obs == nil {
		return
	}
	s.Obs.RecordEvent(metrics.MetricsEvent{
		Name:  metrics.EventSequenceReset,
		Time:  time.Now(),
		Value: 1,
		Tags: map[string]string{
			metrics.TagKey:      sess.Key,
			metrics.TagStreamID: sess.StreamID,
		},
	})
}

func (s *DASH) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}
