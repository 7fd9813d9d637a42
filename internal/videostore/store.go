// Package videostore implements the VideoSampleStore (spec §4.7): a
// time-bounded circular store of encoded video frames.
//
// Grounded on the single-lock-guards-everything idiom the teacher applies
// to shared buffers (internal/capture/xshm_linux.go's mutex around the
// XShm image, internal/audio/pulse_linux.go's pcmCollector mutex): every
// store operation here takes the same lock, so insert and snapshot never
// interleave and eviction only ever happens inside insert.
package videostore

import (
	"sync"

	"github.com/replaycore/instantreplay/internal/types"
)

const (
	minSlots = 100
	maxSlots = 100_000
)

// Store is the time-bounded FIFO described in spec §3/§4.7.
type Store struct {
	mu       sync.Mutex
	frames   []types.EncodedVideoFrame // oldest at index 0
	slotCap  int                       // fixed slot ceiling, independent of Go slice cap
	maxSpan  int64                     // ticks
	capBytes uint64
	totalLen uint64
	seqHdr   []byte
}

// slotCapacity computes ceil(windowSecs * fpsHint * 1.5), clamped to
// [minSlots, maxSlots] (spec §4.7 init).
func slotCapacity(windowSecs, fpsHint int) int {
	n := (windowSecs*fpsHint*3 + 1) / 2 // ceil(windowSecs*fpsHint*1.5)
	if n < minSlots {
		n = minSlots
	}
	if n > maxSlots {
		n = maxSlots
	}
	return n
}

// New creates a store bounded by windowSecs of history and a hard byte
// ceiling (capBytes prevents pathological growth if timestamps stall).
func New(windowSecs, fpsHint, capBytes int) *Store {
	slots := slotCapacity(windowSecs, fpsHint)
	return &Store{
		frames:   make([]types.EncodedVideoFrame, 0, slots),
		slotCap:  slots,
		maxSpan:  int64(windowSecs) * 10_000_000,
		capBytes: uint64(capBytes),
	}
}

// SetSequenceHeader stores the codec parameter header to pass to a muxer;
// overwrites any prior value.
func (s *Store) SetSequenceHeader(hdr []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seqHdr = hdr
}

// SequenceHeader returns the last stored sequence header.
func (s *Store) SequenceHeader() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seqHdr
}

// Insert takes ownership of frame.Payload. Evicts by timestamp first
// (drop oldest while newest-oldest > maxSpan, using frame's ts as
// "newest"), then by slot capacity if still full, then inserts at the
// tail (newest end).
func (s *Store) Insert(frame types.EncodedVideoFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()

	evict := func() {
		s.totalLen -= uint64(len(s.frames[0].Payload))
		s.frames = s.frames[1:]
	}

	for len(s.frames) > 0 && frame.PTS-s.frames[0].PTS > s.maxSpan {
		evict()
	}
	if len(s.frames) >= s.slotCap && len(s.frames) > 0 {
		evict()
	}
	for s.capBytes > 0 && s.totalLen+uint64(len(frame.Payload)) > s.capBytes && len(s.frames) > 0 {
		evict()
	}

	// Compact once the backing array's spare capacity past the newest
	// frame exceeds the slot ceiling (append regrows the array after
	// repeated eviction), so its capacity stays near the ceiling.
	if cap(s.frames)-len(s.frames) > s.slotCap {
		compacted := make([]types.EncodedVideoFrame, len(s.frames), s.slotCap+1)
		copy(compacted, s.frames)
		s.frames = compacted
	}

	s.frames = append(s.frames, frame)
	s.totalLen += uint64(len(frame.Payload))
}

// SpanTicks returns newest.ts - oldest.ts, or 0 if empty.
func (s *Store) SpanTicks() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) == 0 {
		return 0
	}
	return s.frames[len(s.frames)-1].PTS - s.frames[0].PTS
}

// Bytes returns the sum of payload lengths currently held.
func (s *Store) Bytes() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalLen
}

// Count returns the number of frames currently held.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

// Snapshot allocates independent payload copies with timestamps rebased so
// the first frame's ts is 0. Returned frames are independent of the store
// and survive subsequent eviction.
func (s *Store) Snapshot() []types.OwnedVideoFrame {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.frames) == 0 {
		return nil
	}
	base := s.frames[0].PTS
	out := make([]types.OwnedVideoFrame, len(s.frames))
	for i, f := range s.frames {
		payload := make([]byte, len(f.Payload))
		copy(payload, f.Payload)
		out[i] = types.OwnedVideoFrame{
			Payload:    payload,
			PTS:        f.PTS - base,
			Duration:   f.Duration,
			IsKeyframe: f.IsKeyframe,
		}
	}
	return out
}
