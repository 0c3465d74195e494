package source

import (
	"fmt"
	"testing"
)

func observeRange(t *testing.T, r *Reconciler, from, to int, preexisting bool) {
	t.Helper()
	for seq := from; seq <= to; seq++ {
		r.Observe(seq, fmt.Sprintf("frag-%d.m4a", seq), preexisting)
	}
}

func TestFinalizeHoldsBackNewestFragment(t *testing.T) {
	r := NewReconciler(0, 1)
	observeRange(t, r, 1, 3, false)
	out := r.Finalize()
	if len(out) != 2 {
		t.Fatalf("expected 2 finalized, got %d", len(out))
	}
	if out[0].RawSeq != 1 || out[1].RawSeq != 2 {
		t.Fatalf("unexpected order: %+v", out)
	}
	// Seq 3 is the live edge; it finalizes once 4 appears.
	r.Observe(4, "frag-4.m4a", false)
	out = r.Finalize()
	if len(out) != 1 || out[0].RawSeq != 3 {
		t.Fatalf("expected seq 3 after supersession, got %+v", out)
	}
}

func TestFinalizeDeliversExactlyOnce(t *testing.T) {
	r := NewReconciler(0, 1)
	observeRange(t, r, 1, 5, false)
	first := r.Finalize()
	second := r.Finalize()
	if len(first) != 4 || len(second) != 0 {
		t.Fatalf("expected 4 then 0, got %d then %d", len(first), len(second))
	}
	// Re-observing an already finalized fragment must not re-emit it.
	r.Observe(2, "frag-2.m4a", false)
	if out := r.Finalize(); len(out) != 0 {
		t.Fatalf("re-observed finalized fragment re-emitted: %+v", out)
	}
}

func TestVideoNeedsBothTracks(t *testing.T) {
	r := NewReconciler(0, 2)
	r.Observe(1, "frag-1.video", false)
	r.Observe(2, "frag-2.video", false)
	r.Observe(2, "frag-2.audio", false)
	r.Observe(3, "frag-3.video", false)
	if out := r.Finalize(); len(out) != 0 {
		t.Fatalf("seq 1 missing audio must block finalization, got %+v", out)
	}
	r.Observe(1, "frag-1.audio", false)
	out := r.Finalize()
	if len(out) != 2 || out[0].RawSeq != 1 || out[1].RawSeq != 2 {
		t.Fatalf("expected 1,2 once both tracks present, got %+v", out)
	}
}

func TestRestartResumeSkipsDeliveredFragments(t *testing.T) {
	// Prior run finalized through 40; its files are still on disk at attach.
	r := NewReconciler(40, 1)
	observeRange(t, r, 1, 42, true)
	out := r.Finalize()
	if len(out) != 1 || out[0].RawSeq != 41 {
		t.Fatalf("expected only 41 (42 stale), got %+v", out)
	}
	if out[0].EffectiveSeq != 41 {
		t.Fatalf("effective seq = %d", out[0].EffectiveSeq)
	}
}

func TestSequenceResetContinuesImmediately(t *testing.T) {
	r := NewReconciler(0, 1)
	observeRange(t, r, 1, 50, false)
	if got := len(r.Finalize()); got != 49 {
		t.Fatalf("expected 49 finalized before reset, got %d", got)
	}

	// Stream drops; manifest numbering restarts at 1. Fresh files, not
	// leftovers — progress must continue now, not after 49 more fragments.
	r.Observe(1, "restart-frag-1.m4a", false)
	r.Observe(2, "restart-frag-2.m4a", false)
	out := r.Finalize()
	if len(out) != 1 {
		t.Fatalf("expected immediate progress after reset, got %+v", out)
	}
	if out[0].RawSeq != 1 {
		t.Fatalf("expected new raw seq 1, got %d", out[0].RawSeq)
	}
	if out[0].EffectiveSeq != 50 {
		t.Fatalf("effective seq must keep rising across reset, got %d", out[0].EffectiveSeq)
	}
	if r.Resets() != 1 {
		t.Fatalf("resets = %d", r.Resets())
	}
}

func TestDuplicateObservationsWithinEpochIgnored(t *testing.T) {
	r := NewReconciler(0, 1)
	r.Observe(1, "frag-1.m4a", false)
	r.Observe(1, "frag-1.m4a", false)
	r.Observe(2, "frag-2.m4a", false)
	out := r.Finalize()
	if len(out) != 1 || len(out[0].Paths) != 1 {
		t.Fatalf("duplicate path registered twice: %+v", out)
	}
}

func TestObserveRejectsNonPositiveSeq(t *testing.T) {
	r := NewReconciler(0, 1)
	if r.Observe(0, "x", false) || r.Observe(-3, "y", false) {
		t.Fatalf("non-positive sequences must be rejected")
	}
}
