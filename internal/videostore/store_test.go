package videostore

import (
	"testing"

	"github.com/replaycore/instantreplay/internal/types"
)

func frame(ts int64, n int) types.EncodedVideoFrame {
	return types.EncodedVideoFrame{Payload: make([]byte, n), PTS: ts, Duration: 1000, IsKeyframe: ts == 0}
}

func TestInsertEmptyHasZeroSpan(t *testing.T) {
	s := New(2, 30, 0)
	if got := s.SpanTicks(); got != 0 {
		t.Fatalf("span of empty store = %d, want 0", got)
	}
	s.Insert(frame(0, 10))
	if got := s.SpanTicks(); got != 0 {
		t.Fatalf("span after one insert = %d, want 0", got)
	}
}

func TestSpanBoundHoldsAfterEveryInsert(t *testing.T) {
	const maxSpan = 2 * 10_000_000
	s := New(2, 30, 0)
	for i := int64(0); i < 1000; i++ {
		s.Insert(frame(i*50_000, 8))
		span := s.SpanTicks()
		if span > maxSpan {
			t.Fatalf("insert %d: span %d exceeds maxSpan %d", i, span, maxSpan)
		}
	}
}

func TestOrderingNonDecreasing(t *testing.T) {
	s := New(5, 30, 0)
	for i := int64(0); i < 200; i++ {
		s.Insert(frame(i*100_000, 8))
	}
	snap := s.Snapshot()
	for i := 1; i < len(snap); i++ {
		if snap[i].PTS < snap[i-1].PTS {
			t.Fatalf("snapshot out of order at %d: %d < %d", i, snap[i].PTS, snap[i-1].PTS)
		}
	}
}

func TestSnapshotIndependence(t *testing.T) {
	s := New(2, 30, 0)
	s.Insert(frame(0, 4))
	snap := s.Snapshot()
	original := append([]byte(nil), snap[0].Payload...)

	for i := int64(1); i < 500; i++ {
		s.Insert(frame(i*50_000, 4))
	}

	for i, b := range snap[0].Payload {
		if b != original[i] {
			t.Fatalf("snapshot payload mutated after further inserts/evictions")
		}
	}
}

func TestRebasingFirstFrameIsZero(t *testing.T) {
	s := New(5, 30, 0)
	s.Insert(frame(1_000_000, 4))
	s.Insert(frame(1_100_000, 4))
	s.Insert(frame(1_200_000, 4))
	snap := s.Snapshot()
	if snap[0].PTS != 0 {
		t.Fatalf("first frame ts = %d, want 0", snap[0].PTS)
	}
	for _, f := range snap {
		if f.PTS < 0 {
			t.Fatalf("negative ts %d after rebasing", f.PTS)
		}
	}
}

func TestInsertAtOldestTimestampDoesNotEvict(t *testing.T) {
	s := New(2, 30, 0)
	s.Insert(frame(0, 4))
	countBefore := s.Count()
	s.Insert(frame(0, 4)) // ts equals oldest retained ts
	if s.Count() != countBefore+1 {
		t.Fatalf("insert at oldest ts evicted unexpectedly: count=%d", s.Count())
	}
}

func TestRoundTripPreservesPayloadAndCount(t *testing.T) {
	s := New(10, 30, 0)
	const n = 50
	payloads := make([][]byte, n)
	for i := 0; i < n; i++ {
		p := []byte{byte(i), byte(i + 1), byte(i + 2)}
		payloads[i] = p
		s.Insert(types.EncodedVideoFrame{Payload: p, PTS: int64(i) * 100_000, Duration: 1000})
	}
	snap := s.Snapshot()
	if len(snap) != n {
		t.Fatalf("snapshot len = %d, want %d", len(snap), n)
	}
	for i, f := range snap {
		if string(f.Payload) != string(payloads[i]) {
			t.Fatalf("frame %d payload mismatch", i)
		}
	}
}

func TestByteCeilingBounds(t *testing.T) {
	s := New(100, 30, 40) // 40-byte hard ceiling
	for i := int64(0); i < 100; i++ {
		s.Insert(frame(i, 10))
	}
	if got := s.Bytes(); got > 40 {
		t.Fatalf("bytes() = %d, exceeds hard ceiling 40", got)
	}
}

func TestSlotCapacityClamped(t *testing.T) {
	if c := slotCapacity(1, 1); c != minSlots {
		t.Fatalf("slotCapacity(1,1) = %d, want min %d", c, minSlots)
	}
	if c := slotCapacity(1000, 1000); c != maxSlots {
		t.Fatalf("slotCapacity(1000,1000) = %d, want max %d", c, maxSlots)
	}
}

func TestSequenceHeaderOverwrite(t *testing.T) {
	s := New(2, 30, 0)
	s.SetSequenceHeader([]byte{1, 2, 3})
	s.SetSequenceHeader([]byte{4, 5})
	if got := s.SequenceHeader(); string(got) != string([]byte{4, 5}) {
		t.Fatalf("sequence header = %v, want [4 5]", got)
	}
}
