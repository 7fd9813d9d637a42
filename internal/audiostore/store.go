// Package audiostore implements the AudioSampleStore (spec §4.8): the
// same time-bounded FIFO contract as videostore, bounded both by
// elapsed ticks and by a hard slot-count ceiling (MAX_AUDIO_SAMPLES).
//
// Grounded on internal/videostore/store.go for the eviction/snapshot
// contract and its evict-then-compact idiom, applied here to a store
// whose slot ceiling is a fixed constant rather than derived from
// fps/window (audio frames are small and numerous enough that a single
// generous ceiling covers every configured window).
package audiostore

import (
	"sync"

	"github.com/replaycore/instantreplay/internal/types"
)

// maxAudioSamples is MAX_AUDIO_SAMPLES (spec §4.8): the hard slot
// ceiling enforced regardless of window length. At one 1024-sample
// frame per ~21ms, 16384 slots covers nearly 6 minutes of 48kHz audio,
// comfortably past any sane ReplayDuration.
const maxAudioSamples = 16384

// Store is the time-bounded FIFO described in spec §4.8.
type Store struct {
	mu       sync.Mutex
	frames   []types.EncodedAudioFrame // oldest at index 0
	slotCap  int                       // fixed slot ceiling, independent of Go slice cap
	maxSpan  int64                     // ticks
	totalLen uint64
	cfgHdr   []byte
}

// New creates a store bounded by windowSecs of history (max_duration =
// windowSecs * 10,000,000 ticks per spec §4.8) and the fixed
// MAX_AUDIO_SAMPLES slot ceiling.
func New(windowSecs int) *Store {
	return &Store{
		frames:  make([]types.EncodedAudioFrame, 0, maxAudioSamples),
		slotCap: maxAudioSamples,
		maxSpan: int64(windowSecs) * 10_000_000,
	}
}

// SetCodecConfigHeader stores the codec config bytes to pass to a muxer;
// overwrites any prior value.
func (s *Store) SetCodecConfigHeader(hdr []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfgHdr = hdr
}

// CodecConfigHeader returns the last stored codec config header.
func (s *Store) CodecConfigHeader() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfgHdr
}

// Insert takes ownership of frame.Payload. Evicts by timestamp span
// first, then by the MAX_AUDIO_SAMPLES slot ceiling if still full, then
// inserts at the tail (newest end) — mirroring videostore.Store.Insert.
func (s *Store) Insert(frame types.EncodedAudioFrame) {
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

	// Compact once the backing array's spare capacity past the newest
	// frame exceeds the slot ceiling (append regrows the array after
	// repeated eviction), so its capacity stays near the ceiling.
	if cap(s.frames)-len(s.frames) > s.slotCap {
		compacted := make([]types.EncodedAudioFrame, len(s.frames), s.slotCap+1)
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

// Snapshot allocates independent payload copies with timestamps rebased
// so the first frame's ts is 0.
func (s *Store) Snapshot() []types.OwnedAudioFrame {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.frames) == 0 {
		return nil
	}
	base := s.frames[0].PTS
	out := make([]types.OwnedAudioFrame, len(s.frames))
	for i, f := range s.frames {
		payload := make([]byte, len(f.Payload))
		copy(payload, f.Payload)
		out[i] = types.OwnedAudioFrame{
			Payload:  payload,
			PTS:      f.PTS - base,
			Duration: f.Duration,
		}
	}
	return out
}
