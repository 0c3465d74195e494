package source

import (
	"sort"
)

// fragEntry tracks one manifest sequence number within the current epoch.
// A fragment is stale until a higher sequence number proves it is closed.
type fragEntry struct {
	rawSeq  int
	paths   []string
	retired bool
}

func (e *fragEntry) hasPath(path string) bool {
	for _, p := range e.paths {
		if p == path {
			return true
		}
	}
	return false
}

// FinalFragment is a fragment the reconciler has proven complete. EffectiveSeq
// is monotonic across sequence resets; RawSeq is the manifest's own number.
type FinalFragment struct {
	EffectiveSeq int64
	RawSeq       int
	Paths        []string
}

// Reconciler decides which materialized fragment files are ready for
// transcription. It owns three correctness properties:
//
//  1. Staleness: a fragment is finalized only once a higher sequence exists,
//     because the downloader may still be appending to the newest file.
//  2. Restart resume: after a worker restart mid-session, fragments already
//     delivered in a prior run (seq <= resumeFrom, present at attach time) are
//     ignored rather than re-emitted.
//  3. Sequence reset: when the stream itself drops and its manifest numbering
//     restarts at a low value, the reconciler opens a new epoch and keeps
//     effective sequence numbers rising instead of stalling until the old
//     maximum is re-reached.
//
// It performs no I/O; the DASH source feeds it observations and acts on what
// Finalize returns.
type Reconciler struct {
	frags         map[int]*fragEntry
	epochBase     int64 // effective seq offset for the current epoch
	maxRaw        int   // highest raw seq observed this epoch
	lastRawFinal  int   // highest raw seq finalized this epoch
	lastEffective int64
	resumeFrom    int
	needFiles     int
	resets        int
}

// NewReconciler builds a reconciler. resumeFrom is the last sequence finalized
// by a prior run of this session (0 for a fresh session); needFiles is the
// number of track files a sequence needs before it counts as complete
// (1 for audio, 2 for video+audio).
func NewReconciler(resumeFrom int, needFiles int) *Reconciler {
	if needFiles <= 0 {
		needFiles = 1
	}
	return &Reconciler{
		frags:         make(map[int]*fragEntry),
		maxRaw:        resumeFrom,
		lastRawFinal:  resumeFrom,
		lastEffective: int64(resumeFrom),
		resumeFrom:    resumeFrom,
		needFiles:     needFiles,
	}
}

// Observe registers a fragment file for a manifest sequence number.
// preexisting marks files found in the very first directory scan, which are
// leftovers of a prior run rather than fresh live-edge output. Returns true
// when the observation was accepted.
func (r *Reconciler) Observe(rawSeq int, path string, preexisting bool) bool {
	if rawSeq <= 0 {
		return false
	}
	if preexisting && rawSeq <= r.resumeFrom {
		// Already delivered in a prior run.
		return false
	}
	if !preexisting && rawSeq <= r.lastRawFinal {
		if entry := r.frags[rawSeq]; entry != nil && entry.hasPath(path) {
			return false
		}
		if rawSeq == r.lastRawFinal {
			// Late extra track for a sequence we just finalized; a reset
			// would have to go strictly below it.
			return false
		}
		// A fresh file strictly below what we already finalized means the
		// stream restarted and its manifest numbering reset. The live edge
		// moved; open a new epoch and keep going from the new low sequence.
		r.reset()
	}
	entry, ok := r.frags[rawSeq]
	if !ok {
		entry = &fragEntry{rawSeq: rawSeq}
		r.frags[rawSeq] = entry
	}
	if entry.retired {
		return false
	}
	if entry.hasPath(path) {
		return true
	}
	entry.paths = append(entry.paths, path)
	if rawSeq > r.maxRaw {
		r.maxRaw = rawSeq
	}
	return true
}

func (r *Reconciler) reset() {
	r.frags = make(map[int]*fragEntry)
	r.epochBase = r.lastEffective
	r.maxRaw = 0
	r.lastRawFinal = 0
	r.resumeFrom = 0
	r.resets++
}

// Finalize returns, in order, every fragment that is complete and no longer
// stale. Fragments are handed out exactly once and in contiguous sequence:
// an incomplete sequence blocks everything behind it so chunks never reorder.
func (r *Reconciler) Finalize() []FinalFragment {
	return r.collect(true)
}

// Drain finalizes everything complete including the newest sequence. Only
// valid once the downloader has exited, since nothing is appending anymore.
func (r *Reconciler) Drain() []FinalFragment {
	return r.collect(false)
}

func (r *Reconciler) collect(holdNewest bool) []FinalFragment {
	pending := make([]int, 0, len(r.frags))
	for seq, entry := range r.frags {
		if !entry.retired && seq > r.lastRawFinal {
			pending = append(pending, seq)
		}
	}
	sort.Ints(pending)

	var out []FinalFragment
	for _, seq := range pending {
		entry := r.frags[seq]
		if holdNewest && seq >= r.maxRaw {
			// Newest sequence: may still be appended to.
			break
		}
		if len(entry.paths) < r.needFiles {
			// Incomplete sequence; wait for its remaining tracks rather
			// than skipping ahead.
			break
		}
		entry.retired = true
		r.lastRawFinal = seq
		r.lastEffective = r.epochBase + int64(seq)
		out = append(out, FinalFragment{
			EffectiveSeq: r.lastEffective,
			RawSeq:       seq,
			Paths:        append([]string(nil), entry.paths...),
		})
	}
	return out
}

// LastFinalized returns the highest effective sequence finalized so far.
func (r *Reconciler) LastFinalized() int64 { return r.lastEffective }

// LastRawFinalized returns the manifest sequence of the newest finalized
// fragment in the current epoch; this is what gets persisted for resume.
func (r *Reconciler) LastRawFinalized() int { return r.lastRawFinal }

// Resets reports how many sequence resets were reconciled this session.
func (r *Reconciler) Resets() int { return r.resets }
