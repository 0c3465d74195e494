package source

import (
	"bytes"
	"context"
	"testing"
	"time"
)

func TestFixedRateSlicesExactChunkSizes(t *testing.T) {
	const rate = 1000
	input := pattern(2*rate*2 + readBlockSize) // two full chunks plus a tail

	src := &FixedRate{
		Launcher:      &fakeLauncher{stream: &fakeStreamProc{r: bytes.NewReader(input)}},
		BufferSeconds: 2,
		bitrate:       rate,
	}
	sess := testSession("audio")
	sess.StartTime = time.Now()

	var col chunkCollector
	if err := src.Run(context.Background(), sess, col.emit); err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(col.chunks) != 3 {
		t.Fatalf("expected 2 full chunks + tail, got %d", len(col.chunks))
	}
	for i, c := range col.chunks[:2] {
		if len(c.Payload) != 2*rate {
			t.Fatalf("chunk %d size = %d, want %d", i, len(c.Payload), 2*rate)
		}
		if c.Duration != 2*time.Second {
			t.Fatalf("chunk %d duration = %v", i, c.Duration)
		}
	}
	if len(col.chunks[2].Payload) != readBlockSize {
		t.Fatalf("tail size = %d", len(col.chunks[2].Payload))
	}
	assertPayloadsConcatTo(t, col.chunks, input)
}

func TestFixedRateSequenceAndOffsetAdvance(t *testing.T) {
	const rate = 500
	input := pattern(3 * rate) // three 1-second chunks

	src := &FixedRate{
		Launcher:      &fakeLauncher{stream: &fakeStreamProc{r: bytes.NewReader(input)}},
		BufferSeconds: 1,
		bitrate:       rate,
	}
	sess := testSession("audio")
	sess.StartTime = time.Now()

	var col chunkCollector
	if err := src.Run(context.Background(), sess, col.emit); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(col.chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(col.chunks))
	}
	for i, c := range col.chunks {
		if c.Seq != int64(i+1) {
			t.Fatalf("chunk %d seq = %d", i, c.Seq)
		}
	}
	step := col.chunks[1].Offset - col.chunks[0].Offset
	if step != time.Second {
		t.Fatalf("offset step = %v, want 1s", step)
	}
}

func TestFixedRateDropsShortTail(t *testing.T) {
	const rate = 1000
	input := pattern(2*rate + 100) // tail far below one read block

	src := &FixedRate{
		Launcher:      &fakeLauncher{stream: &fakeStreamProc{r: bytes.NewReader(input)}},
		BufferSeconds: 2,
		bitrate:       rate,
	}
	sess := testSession("audio")
	sess.StartTime = time.Now()

	var col chunkCollector
	if err := src.Run(context.Background(), sess, col.emit); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(col.chunks) != 1 {
		t.Fatalf("expected short tail dropped, got %d chunks", len(col.chunks))
	}
}
