// Package pipeline owns the ReplayPipeline state machine (spec §4.10):
// the long-running goroutine that paces frame capture at the configured
// fps, drains mixed audio into the audio encoder, and runs Save/Stop as
// one-shot events on that same goroutine so a save in flight can never
// race a concurrent stop.
//
// Grounded on richinsley-bunghole/internal/session/session.go's
// Stop chan struct{} + closed bool + mutex idiom for one-shot shutdown,
// and cmd/bunghole/main.go's signal.Notify pattern for the surrounding
// entrypoint (wired in cmd/replayd).
package pipeline

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/replaycore/instantreplay/internal/audiostore"
	"github.com/replaycore/instantreplay/internal/muxer"
	"github.com/replaycore/instantreplay/internal/ticks"
	"github.com/replaycore/instantreplay/internal/types"
	"github.com/replaycore/instantreplay/internal/videostore"
)

// State is one node of the pipeline's lifecycle (spec §4.10).
type State int

const (
	StateUninit State = iota
	StateStarting
	StateCapturing
	StateSaving
	StateStopping
	StateStopped
	StateError
)

func (s State) String() string {
	switch s {
	case StateUninit:
		return "uninit"
	case StateStarting:
		return "starting"
	case StateCapturing:
		return "capturing"
	case StateSaving:
		return "saving"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

const saveTimeout = 30 * time.Second

// Params are the pipeline's dependencies and static configuration.
// Components are injected rather than constructed here so the pipeline
// can be driven by fakes in tests, independent of the cgo capture,
// conversion and codec backends.
type Params struct {
	FrameSource types.FrameSource
	Converter   types.ColorConverter
	VideoEnc    types.VideoEncoder
	VideoStore  *videostore.Store

	AudioEnabled bool
	AudioMixer   types.AudioMixerReader
	AudioEnc     types.AudioEncoderSink
	AudioStore   *audiostore.Store

	Region  types.Region
	Width   int
	Height  int
	FPS     int
	Quality types.Quality
	// Codec is "h264" or "h265", matching the codec the VideoEnc was
	// actually constructed with, so Save can tag the muxed stream
	// correctly. Empty defaults to "h265".
	Codec string

	// MinFramesForSave is the save precondition frame floor (spec §4.10,
	// "approximately one second of frames"). Zero defaults to FPS.
	MinFramesForSave int

	Log *slog.Logger
	// Now stands in for time.Now so tests can inject a controllable
	// clock; production callers should leave it nil.
	Now func() time.Time
}

// Pipeline is one running instant-replay session.
type Pipeline struct {
	frameSource types.FrameSource
	converter   types.ColorConverter
	videoEnc    types.VideoEncoder
	videoStore  *videostore.Store

	audioEnabled bool
	audioMixer   types.AudioMixerReader
	audioEnc     types.AudioEncoderSink
	audioStore   *audiostore.Store

	region  types.Region
	width   int
	height  int
	fps     int
	quality types.Quality
	codec   string

	minFramesForSave int
	frameInterval    time.Duration
	now              func() time.Time
	log              *slog.Logger

	mu         sync.Mutex
	state      State
	startTime  time.Time
	closedStop bool

	stopCh  chan struct{}
	stopped chan struct{}
	saveCh  chan saveRequest

	framesCaptured int64
	framesMissed   int64
}

type saveRequest struct {
	path string
	resp chan error
}

// New validates p and returns a Pipeline in StateUninit. FPS is clamped
// to [30, 120] per spec §4.10.
func New(p Params) (*Pipeline, error) {
	if p.FrameSource == nil || p.Converter == nil || p.VideoEnc == nil || p.VideoStore == nil {
		return nil, fmt.Errorf("pipeline: FrameSource, Converter, VideoEnc and VideoStore are required")
	}
	if p.AudioEnabled && (p.AudioMixer == nil || p.AudioEnc == nil || p.AudioStore == nil) {
		return nil, fmt.Errorf("pipeline: AudioEnabled requires AudioMixer, AudioEnc and AudioStore")
	}
	fps := p.FPS
	if fps < 30 {
		fps = 30
	}
	if fps > 120 {
		fps = 120
	}
	minFrames := p.MinFramesForSave
	if minFrames <= 0 {
		minFrames = fps
	}
	now := p.Now
	if now == nil {
		now = time.Now
	}
	log := p.Log
	if log == nil {
		log = slog.Default()
	}
	codec := p.Codec
	if codec == "" {
		codec = "h265"
	}

	pl := &Pipeline{
		frameSource:      p.FrameSource,
		converter:        p.Converter,
		videoEnc:         p.VideoEnc,
		videoStore:       p.VideoStore,
		audioEnabled:     p.AudioEnabled,
		audioMixer:       p.AudioMixer,
		audioEnc:         p.AudioEnc,
		audioStore:       p.AudioStore,
		region:           p.Region,
		width:            p.Width,
		height:           p.Height,
		fps:              fps,
		quality:          p.Quality,
		codec:            codec,
		minFramesForSave: minFrames,
		frameInterval:    time.Second / time.Duration(fps),
		now:              now,
		log:              log,
		state:            StateUninit,
		stopCh:           make(chan struct{}),
		stopped:          make(chan struct{}),
		saveCh:           make(chan saveRequest),
	}

	pl.videoEnc.SetSink(types.VideoFrameSinkFunc(func(f types.EncodedVideoFrame) {
		if f.IsKeyframe && len(pl.videoEnc.SequenceHeader()) > 0 {
			pl.videoStore.SetSequenceHeader(pl.videoEnc.SequenceHeader())
		}
		pl.videoStore.Insert(f)
	}))
	if pl.audioEnabled {
		pl.audioEnc.SetSink(types.AudioFrameSinkFunc(func(f types.EncodedAudioFrame) {
			pl.audioStore.SetCodecConfigHeader(pl.audioEnc.CodecConfigHeader())
			pl.audioStore.Insert(f)
		}))
	}

	return pl, nil
}

// State reports the pipeline's current lifecycle state.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Pipeline) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// Start transitions Uninit -> Starting -> Capturing and launches the
// pacing goroutine. Any initialization failure transitions to Error.
func (p *Pipeline) Start() error {
	p.mu.Lock()
	if p.state != StateUninit {
		st := p.state
		p.mu.Unlock()
		return fmt.Errorf("pipeline: start called in state %s, want uninit", st)
	}
	p.state = StateStarting
	p.mu.Unlock()

	if err := p.frameSource.SetRegion(p.region); err != nil {
		p.setState(StateError)
		return fmt.Errorf("pipeline: %w", err)
	}
	if p.audioEnabled {
		if err := p.audioMixer.Start(); err != nil {
			p.setState(StateError)
			return fmt.Errorf("pipeline: %w", err)
		}
	}

	p.mu.Lock()
	p.startTime = p.now()
	p.state = StateCapturing
	p.mu.Unlock()

	go p.run()
	return nil
}

// Save snapshots both stores and muxes them to path. It blocks on the
// capture goroutine to actually perform the mux, so that a concurrent
// Stop can never interrupt a save in progress (spec §4.10, §5).
func (p *Pipeline) Save(path string) error {
	p.mu.Lock()
	state := p.state
	p.mu.Unlock()
	if state != StateCapturing {
		return fmt.Errorf("pipeline: save refused: pipeline is %s, not capturing", state)
	}
	if p.videoStore.Count() < p.minFramesForSave {
		return fmt.Errorf("pipeline: %w", types.ErrSaveTooEarly)
	}

	req := saveRequest{path: path, resp: make(chan error, 1)}
	select {
	case p.saveCh <- req:
	case <-p.stopCh:
		return fmt.Errorf("pipeline: save refused, pipeline is stopping")
	}

	select {
	case err := <-req.resp:
		return err
	case <-time.After(saveTimeout):
		return fmt.Errorf("pipeline: %w", types.ErrSaveTimeout)
	}
}

// Stop requests the capture goroutine exit, waits for it to join (which
// happens only after any save already in flight completes), tears down
// owned components, and leaves the pipeline in StateStopped.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if p.closedStop {
		p.mu.Unlock()
		<-p.stopped
		return
	}
	p.closedStop = true
	p.state = StateStopping
	close(p.stopCh)
	p.mu.Unlock()

	<-p.stopped

	p.mu.Lock()
	p.state = StateStopped
	p.mu.Unlock()
}

// Stats reports frame counters for health monitoring; never gates
// correctness (spec §4.10 Open Questions).
func (p *Pipeline) Stats() (captured, missed int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.framesCaptured, p.framesMissed
}

// Status is the pipeline_status(handle) result (spec §6).
type Status struct {
	State       State
	WindowSecs  int
	MemoryBytes uint64
}

// Status reports the current lifecycle state and the in-memory window's
// span and footprint across both stores.
func (p *Pipeline) Status() Status {
	p.mu.Lock()
	state := p.state
	p.mu.Unlock()

	mem := p.videoStore.Bytes()
	if p.audioEnabled {
		mem += p.audioStore.Bytes()
	}
	return Status{
		State:       state,
		WindowSecs:  int(p.videoStore.SpanTicks() / ticks.PerSecond),
		MemoryBytes: mem,
	}
}

func (p *Pipeline) run() {
	defer func() {
		p.teardown()
		close(p.stopped)
	}()

	nextFrameDue := p.now()
	for {
		// Priority drain: a save request already queued is always
		// handled before a concurrent stop is observed.
		select {
		case req := <-p.saveCh:
			p.handleSave(req)
			continue
		default:
		}

		select {
		case <-p.stopCh:
			return
		case req := <-p.saveCh:
			p.handleSave(req)
			continue
		case <-time.After(time.Millisecond):
		}

		nextFrameDue = p.tick(p.now(), nextFrameDue)
	}
}

// tick implements the pacing loop's audio drain and fps-gated frame
// submission (spec §4.10 steps 4-6), returning the updated
// next-frame-due deadline.
func (p *Pipeline) tick(now time.Time, nextFrameDue time.Time) time.Time {
	if p.audioEnabled {
		data := p.audioMixer.Read(4096)
		if len(data) > 0 {
			originTS := ticks.FromDuration(now.Sub(p.startTime))
			if err := p.audioEnc.Feed(data, originTS); err != nil {
				p.log.Warn("audio feed dropped", "err", err)
			}
		}
	}

	if now.Before(nextFrameDue) {
		return nextFrameDue
	}
	lag := now.Sub(nextFrameDue)
	nextFrameDue = nextFrameDue.Add(p.frameInterval)
	if lag > 2*p.frameInterval {
		nextFrameDue = now
	}

	tex, ok := p.frameSource.AcquireLatest()
	if !ok {
		p.mu.Lock()
		p.framesMissed++
		p.mu.Unlock()
		return nextFrameDue
	}
	converted, err := p.converter.Convert(tex)
	if err != nil {
		p.log.Error("color convert failed", "err", err)
		return nextFrameDue
	}
	pts := ticks.FromDuration(now.Sub(p.startTime))
	if err := p.videoEnc.Submit(converted, pts); err != nil {
		p.log.Warn("video submit dropped", "err", err)
		return nextFrameDue
	}
	p.mu.Lock()
	p.framesCaptured++
	p.mu.Unlock()
	return nextFrameDue
}

// handleSave runs entirely on the capture goroutine: Capturing ->
// Saving -> Capturing, bracketing the passthrough mux (spec §4.9,
// §4.10).
func (p *Pipeline) handleSave(req saveRequest) {
	p.setState(StateSaving)

	videoSnap := p.videoStore.Snapshot()
	videoParams := types.VideoParams{
		Width:          p.width,
		Height:         p.height,
		FPS:            p.fps,
		Quality:        p.quality,
		Codec:          p.codec,
		SequenceHeader: p.videoStore.SequenceHeader(),
	}

	var audioSnap []types.OwnedAudioFrame
	var audioParams *types.AudioParams
	if p.audioEnabled {
		audioSnap = p.audioStore.Snapshot()
		audioParams = &types.AudioParams{
			SampleRate:        48000,
			Channels:          2,
			BitrateBPS:        192_000,
			CodecConfigHeader: p.audioStore.CodecConfigHeader(),
		}
	}

	err := muxer.Write(req.path, videoSnap, videoParams, audioSnap, audioParams)

	p.setState(StateCapturing)
	req.resp <- err
}

func (p *Pipeline) teardown() {
	p.videoEnc.Flush()
	p.videoEnc.Close()
	p.converter.Close()
	p.frameSource.Close()
	if p.audioEnabled {
		if err := p.audioEnc.Flush(); err != nil {
			p.log.Warn("audio flush on stop failed", "err", err)
		}
		p.audioMixer.Close()
	}
}
