package pipeline

import (
	"sync"
	"time"

	"github.com/replaycore/instantreplay/internal/types"
)

// fakeFrameSource always has a frame ready, so it exercises the pacing
// loop's every-due-tick submission path without touching X11/XShm.
type fakeFrameSource struct {
	mu     sync.Mutex
	region types.Region
	closed bool
	seq    int
}

func (f *fakeFrameSource) SetRegion(r types.Region) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.region = r
	return nil
}

func (f *fakeFrameSource) AcquireLatest() (*types.Texture, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	return &types.Texture{Data: []byte{byte(f.seq)}, Width: 64, Height: 64}, true
}

func (f *fakeFrameSource) RefreshRate() uint32 { return 60 }

func (f *fakeFrameSource) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

// neverReadyFrameSource simulates a source that never has a frame,
// exercising the missed-frame counter path.
type neverReadyFrameSource struct{ fakeFrameSource }

func (f *neverReadyFrameSource) AcquireLatest() (*types.Texture, bool) { return nil, false }

// fakeColorConverter is a passthrough so pipeline tests don't need sws.
type fakeColorConverter struct {
	mu     sync.Mutex
	closed bool
}

func (c *fakeColorConverter) Convert(in *types.Texture) (*types.Texture, error) { return in, nil }

func (c *fakeColorConverter) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

// fakeVideoEncoder hands every submitted texture straight to the sink as
// a keyframe, standing in for the real async FFmpeg pump.
type fakeVideoEncoder struct {
	mu        sync.Mutex
	sink      types.VideoFrameSink
	seqHeader []byte
	closed    bool
	frameDur  int64
}

func (e *fakeVideoEncoder) SetSink(s types.VideoFrameSink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sink = s
}

func (e *fakeVideoEncoder) Submit(tex *types.Texture, pts int64) error {
	e.mu.Lock()
	sink := e.sink
	dur := e.frameDur
	e.mu.Unlock()
	if sink != nil {
		sink.HandleVideoFrame(types.EncodedVideoFrame{
			Payload:    append([]byte(nil), tex.Data...),
			PTS:        pts,
			Duration:   dur,
			IsKeyframe: true,
		})
	}
	return nil
}

func (e *fakeVideoEncoder) Flush() {}

func (e *fakeVideoEncoder) SequenceHeader() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.seqHeader
}

func (e *fakeVideoEncoder) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
}

// fakeAudioMixer hands out fixed-size blocks of silent canonical PCM on
// every Read, standing in for AudioMixer's real wall-clock pacing.
type fakeAudioMixer struct {
	mu      sync.Mutex
	started bool
	closed  bool
}

func (m *fakeAudioMixer) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = true
	return nil
}

func (m *fakeAudioMixer) Read(maxBytes int) []byte {
	return make([]byte, maxBytes)
}

func (m *fakeAudioMixer) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}

// fakeAudioEncoder accumulates PCM and emits fixed 1024-sample frames,
// mirroring audioencoder.Encoder's framing without requiring libopus.
type fakeAudioEncoder struct {
	mu        sync.Mutex
	sink      types.AudioFrameSink
	acc       []byte
	cfgHeader []byte
	nextPTS   int64
	haveFirst bool
}

const fakeFrameBytes = 1024 * 2 * 2 // samplesPerFrame * channels * bytesPerSample
const fakeFrameDuration = int64(1024) * 10_000_000 / 48000

func (e *fakeAudioEncoder) SetSink(s types.AudioFrameSink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sink = s
}

func (e *fakeAudioEncoder) Feed(pcm []byte, originTS int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.haveFirst && originTS != 0 {
		e.nextPTS = originTS
		e.haveFirst = true
	}
	e.acc = append(e.acc, pcm...)
	for len(e.acc) >= fakeFrameBytes {
		block := e.acc[:fakeFrameBytes]
		e.acc = e.acc[fakeFrameBytes:]
		if e.sink != nil {
			e.sink.HandleAudioFrame(types.EncodedAudioFrame{
				Payload:  append([]byte(nil), block...),
				PTS:      e.nextPTS,
				Duration: fakeFrameDuration,
			})
		}
		e.nextPTS += fakeFrameDuration
	}
	return nil
}

func (e *fakeAudioEncoder) Flush() error { return nil }

func (e *fakeAudioEncoder) CodecConfigHeader() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfgHeader
}

// manualClock lets a test advance wall-clock time deterministically
// instead of waiting on real sleeps, so a multi-second pacing scenario
// runs in milliseconds.
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock(start time.Time) *manualClock {
	return &manualClock{now: start}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
