// Package audiomixer implements the AudioMixer component (spec §4.5):
// combining up to three AudioSources into one canonical-PCM stream,
// tolerant of bursty or intermittent per-source packets.
//
// Grounded on the teacher's dedicated-goroutine-per-concern shape (the
// capture/mix/encode thread split in cmd/bunghole's session wiring) and
// on internal/audio/pulse_linux.go's ticker-driven drain loop, adapted
// from a single 20ms Opus-frame cadence to a 1ms scan interval over N
// sources with dormancy and wall-clock output pacing (spec §4.5).
package audiomixer

import (
	"encoding/binary"
	"log/slog"
	"sync"
	"time"

	"github.com/replaycore/instantreplay/internal/types"
)

const (
	scanInterval  = time.Millisecond
	dormantAfter  = 100 * time.Millisecond
	sharedRingCap = 48000 * 4 * 5 // 5s of 48kHz/16-bit/stereo PCM (spec §4.5)
	byteRate      = 48000 * 4     // bytes/sec at the canonical format
	maxSourcesLen = 3
)

// sourceSlot pairs a configured AudioSource with its constant-for-the-
// session volume (spec §4.5: "Per-source volume values are configured
// at mixer creation and remain constant for the session").
type sourceSlot struct {
	src    types.AudioSource
	volume int // 0-100
}

// Mixer runs its own scan goroutine, summing per-source contributions
// into a shared ring that Read drains.
type Mixer struct {
	log     *slog.Logger
	sources []sourceSlot

	mu       sync.Mutex
	ring     []byte
	stopCh   chan struct{}
	stopped  chan struct{}
	started  bool
}

// Source describes one mixer input at construction time.
type Source struct {
	AudioSource types.AudioSource
	Volume      int // 0-100
}

// New builds a mixer over up to three sources (spec §4.5). Extra
// sources beyond three are rejected by the caller's config validation,
// not here; New truncates defensively rather than panicking.
func New(sources []Source, log *slog.Logger) *Mixer {
	if log == nil {
		log = slog.Default()
	}
	if len(sources) > maxSourcesLen {
		sources = sources[:maxSourcesLen]
	}
	m := &Mixer{log: log, stopCh: make(chan struct{}), stopped: make(chan struct{})}
	for _, s := range sources {
		vol := s.Volume
		if vol < 0 {
			vol = 0
		}
		if vol > 100 {
			vol = 100
		}
		m.sources = append(m.sources, sourceSlot{src: s.AudioSource, volume: vol})
	}
	return m
}

// Start opens every source and launches the scan goroutine.
func (m *Mixer) Start() error {
	for _, s := range m.sources {
		if err := s.src.Start(); err != nil {
			return err
		}
	}
	m.started = true
	go m.run()
	return nil
}

// Read drains up to maxBytes of mixed canonical PCM.
func (m *Mixer) Read(maxBytes int) []byte {
	maxBytes -= maxBytes % 4
	m.mu.Lock()
	defer m.mu.Unlock()
	if maxBytes > len(m.ring) {
		maxBytes = len(m.ring)
	}
	if maxBytes == 0 {
		return nil
	}
	out := make([]byte, maxBytes)
	copy(out, m.ring[:maxBytes])
	m.ring = m.ring[maxBytes:]
	return out
}

// Close stops the scan goroutine and every source.
func (m *Mixer) Close() {
	if m.started {
		close(m.stopCh)
		<-m.stopped
	}
	for _, s := range m.sources {
		s.src.Close()
	}
}

// run is the mix thread: every scanInterval it asks each source for as
// many bytes as are available, mixes them, and appends to the shared
// ring, clamped by wall-clock output pacing so a bursty source cannot
// make the mixer run ahead of real time (spec §4.5).
func (m *Mixer) run() {
	defer close(m.stopped)

	ticker := time.NewTicker(scanInterval)
	defer ticker.Stop()

	start := time.Now()
	var producedBytes int64

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.scanOnce(start, &producedBytes)
		}
	}
}

func (m *Mixer) scanOnce(start time.Time, producedBytes *int64) {
	budget := int64(time.Since(start).Seconds()*float64(byteRate)) - *producedBytes
	if budget <= 0 {
		return
	}
	budget -= budget % 4
	if budget == 0 {
		return
	}

	frames := int(budget / 4)
	mixed := make([]int32, frames*2) // interleaved L/R accumulators

	for _, slot := range m.sources {
		contribution := m.sourceBytes(slot, budget)
		addContribution(mixed, contribution, slot.volume)
	}

	out := saturateInt16(mixed)

	m.mu.Lock()
	m.ring = append(m.ring, out...)
	if over := len(m.ring) - sharedRingCap; over > 0 {
		m.ring = m.ring[over:] // drop oldest on overflow (spec §4.5)
	}
	m.mu.Unlock()

	*producedBytes += int64(len(out))
}

// sourceBytes returns up to budget bytes of canonical PCM from one
// source, substituting silence when the source is dormant (spec §4.5).
func (m *Mixer) sourceBytes(slot sourceSlot, budget int64) []byte {
	last, ok := slot.src.LastPacketAt()
	data := slot.src.Read(int(budget))
	if len(data) > 0 {
		return data
	}
	if ok && time.Since(last) > dormantAfter {
		return nil // dormant: contributes implicit silence
	}
	return nil
}

// addContribution sums data (int16 LE stereo PCM) scaled by volume/100
// into mixed, an accumulator sized from this scan's pacing budget; data
// beyond that length is ignored. No division by source count (spec
// §4.5: avoids attenuating the mix when another source is silent).
func addContribution(mixed []int32, data []byte, volume int) {
	n := len(data) / 2
	for i := 0; i < n && i < len(mixed); i++ {
		s := int16(binary.LittleEndian.Uint16(data[i*2 : i*2+2]))
		mixed[i] += int32(s) * int32(volume) / 100
	}
}

func saturateInt16(mixed []int32) []byte {
	out := make([]byte, len(mixed)*2)
	for i, v := range mixed {
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		binary.LittleEndian.PutUint16(out[i*2:i*2+2], uint16(int16(v)))
	}
	return out
}
