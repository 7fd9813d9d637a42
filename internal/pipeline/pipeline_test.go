package pipeline

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/replaycore/instantreplay/internal/audiostore"
	"github.com/replaycore/instantreplay/internal/types"
	"github.com/replaycore/instantreplay/internal/videostore"
)

// driveClock accelerates a manualClock against real wall time so a
// multi-second pacing scenario completes in well under a second of
// actual test time, while the pacing goroutine still only ever wakes on
// its own real ~1ms cadence.
func driveClock(t *testing.T, clock *manualClock, speedup time.Duration, stop <-chan struct{}) {
	t.Helper()
	go func() {
		ticker := time.NewTicker(time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				clock.Advance(speedup)
			}
		}
	}()
}

func newTestPipeline(t *testing.T, fps int, clock *manualClock) (*Pipeline, *videostore.Store) {
	t.Helper()
	store := videostore.New(5, fps, 256<<20)
	p, err := New(Params{
		FrameSource: &fakeFrameSource{},
		Converter:   &fakeColorConverter{},
		VideoEnc:    &fakeVideoEncoder{frameDur: int64(time.Second/time.Duration(fps)) / 100},
		VideoStore:  store,
		Width:       64,
		Height:      64,
		FPS:         fps,
		Quality:     types.QualityMedium,
		Now:         clock.Now,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p, store
}

func TestSaveTooEarlyBeforeFirstFrames(t *testing.T) {
	clock := newManualClock(time.Unix(0, 0))
	p, _ := newTestPipeline(t, 60, clock)
	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	err := p.Save(filepath.Join(t.TempDir(), "out.mp4"))
	if err == nil {
		t.Fatalf("expected save-too-early error, got nil")
	}
	if !errors.Is(err, types.ErrSaveTooEarly) {
		t.Fatalf("expected ErrSaveTooEarly, got %v", err)
	}
}

func TestHappySaveVideoOnly(t *testing.T) {
	clock := newManualClock(time.Unix(0, 0))
	p, store := newTestPipeline(t, 60, clock)
	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	stopDriver := make(chan struct{})
	defer close(stopDriver)
	driveClock(t, clock, 20*time.Millisecond, stopDriver)

	deadline := time.Now().Add(2 * time.Second)
	for store.Count() < 60 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if store.Count() < 60 {
		t.Fatalf("store only accumulated %d frames before deadline", store.Count())
	}

	out := filepath.Join(t.TempDir(), "clip.mp4")
	if err := p.Save(out); err != nil {
		t.Fatalf("Save: %v", err)
	}
	info, err := os.Stat(out)
	if err != nil {
		t.Fatalf("stat output: %v", err)
	}
	if info.Size() == 0 {
		t.Fatalf("output file is empty")
	}
}

func TestSaveTagsMuxedStreamWithConfiguredCodec(t *testing.T) {
	clock := newManualClock(time.Unix(0, 0))
	store := videostore.New(5, 60, 256<<20)
	p, err := New(Params{
		FrameSource: &fakeFrameSource{},
		Converter:   &fakeColorConverter{},
		VideoEnc:    &fakeVideoEncoder{frameDur: int64(time.Second/60) / 100},
		VideoStore:  store,
		Width:       64,
		Height:      64,
		FPS:         60,
		Quality:     types.QualityMedium,
		Codec:       "h264",
		Now:         clock.Now,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	stopDriver := make(chan struct{})
	defer close(stopDriver)
	driveClock(t, clock, 20*time.Millisecond, stopDriver)

	deadline := time.Now().Add(2 * time.Second)
	for store.Count() < 60 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if store.Count() < 60 {
		t.Fatalf("store only accumulated %d frames before deadline", store.Count())
	}

	out := filepath.Join(t.TempDir(), "h264_clip.mp4")
	if err := p.Save(out); err != nil {
		t.Fatalf("Save: %v", err)
	}
	info, err := os.Stat(out)
	if err != nil {
		t.Fatalf("stat output: %v", err)
	}
	if info.Size() == 0 {
		t.Fatalf("output file is empty")
	}
}

func TestEvictionBoundsSpanUnderContinuousRun(t *testing.T) {
	clock := newManualClock(time.Unix(0, 0))
	store := videostore.New(2, 60, 256<<20) // 2 second window
	p, err := New(Params{
		FrameSource: &fakeFrameSource{},
		Converter:   &fakeColorConverter{},
		VideoEnc:    &fakeVideoEncoder{frameDur: int64(time.Second/60) / 100},
		VideoStore:  store,
		Width:       64,
		Height:      64,
		FPS:         60,
		Quality:     types.QualityMedium,
		Now:         clock.Now,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	stopDriver := make(chan struct{})
	defer close(stopDriver)
	driveClock(t, clock, 20*time.Millisecond, stopDriver)

	// Let the simulated clock run well past the 2-second window so the
	// store has to start evicting.
	deadline := time.Now().Add(1500 * time.Millisecond)
	for clock.Now().Sub(time.Unix(0, 0)) < 3*time.Second && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	maxSpan := int64(2 * 10_000_000)
	if span := store.SpanTicks(); span > maxSpan {
		t.Fatalf("span = %d ticks, want <= %d", span, maxSpan)
	}
	if c := store.Count(); c < 50 || c > 130 {
		t.Fatalf("frame count = %d, want roughly one window's worth", c)
	}
}

func TestStopWaitsForSaveInProgress(t *testing.T) {
	clock := newManualClock(time.Unix(0, 0))
	p, store := newTestPipeline(t, 60, clock)
	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	stopDriver := make(chan struct{})
	driveClock(t, clock, 20*time.Millisecond, stopDriver)

	deadline := time.Now().Add(2 * time.Second)
	for store.Count() < 60 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if store.Count() < 60 {
		t.Fatalf("store only accumulated %d frames before deadline", store.Count())
	}

	out := filepath.Join(t.TempDir(), "clip.mp4")
	saveErr := make(chan error, 1)
	go func() {
		saveErr <- p.Save(out)
	}()

	time.Sleep(50 * time.Millisecond)
	stopDone := make(chan struct{})
	go func() {
		p.Stop()
		close(stopDone)
	}()

	select {
	case err := <-saveErr:
		if err != nil {
			t.Fatalf("Save: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("save did not complete")
	}

	select {
	case <-stopDone:
	case <-time.After(5 * time.Second):
		t.Fatalf("stop did not complete")
	}

	close(stopDriver)
	if got := p.State(); got != StateStopped {
		t.Fatalf("state = %v, want stopped", got)
	}
}

func TestStatusReportsWindowAndMemory(t *testing.T) {
	clock := newManualClock(time.Unix(0, 0))
	p, store := newTestPipeline(t, 60, clock)
	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	stopDriver := make(chan struct{})
	defer close(stopDriver)
	driveClock(t, clock, 20*time.Millisecond, stopDriver)

	deadline := time.Now().Add(2 * time.Second)
	for store.Count() < 60 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	st := p.Status()
	if st.State != StateCapturing {
		t.Fatalf("state = %v, want capturing", st.State)
	}
	if st.MemoryBytes == 0 {
		t.Fatalf("expected nonzero memory usage once frames have accumulated")
	}
	if st.WindowSecs < 0 {
		t.Fatalf("window_secs = %d, want >= 0", st.WindowSecs)
	}
}

func TestAudioFramesMuxAlongsideVideo(t *testing.T) {
	clock := newManualClock(time.Unix(0, 0))
	videoStore := videostore.New(5, 60, 256<<20)
	audioStore := audiostore.New(5)
	p, err := New(Params{
		FrameSource:  &fakeFrameSource{},
		Converter:    &fakeColorConverter{},
		VideoEnc:     &fakeVideoEncoder{frameDur: int64(time.Second/60) / 100},
		VideoStore:   videoStore,
		AudioEnabled: true,
		AudioMixer:   &fakeAudioMixer{},
		AudioEnc:     &fakeAudioEncoder{cfgHeader: []byte("opushead")},
		AudioStore:   audioStore,
		Width:        64,
		Height:       64,
		FPS:          60,
		Quality:      types.QualityMedium,
		Now:          clock.Now,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	stopDriver := make(chan struct{})
	defer close(stopDriver)
	driveClock(t, clock, 20*time.Millisecond, stopDriver)

	deadline := time.Now().Add(2 * time.Second)
	for (videoStore.Count() < 60 || audioStore.Count() == 0) && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if videoStore.Count() < 60 {
		t.Fatalf("video store only accumulated %d frames", videoStore.Count())
	}
	if audioStore.Count() == 0 {
		t.Fatalf("audio store accumulated no frames")
	}

	out := filepath.Join(t.TempDir(), "clip_with_audio.mp4")
	if err := p.Save(out); err != nil {
		t.Fatalf("Save: %v", err)
	}
	info, err := os.Stat(out)
	if err != nil {
		t.Fatalf("stat output: %v", err)
	}
	if info.Size() == 0 {
		t.Fatalf("output file is empty")
	}
}

func TestMissedFrameIsCountedNotFatal(t *testing.T) {
	clock := newManualClock(time.Unix(0, 0))
	store := videostore.New(5, 60, 256<<20)
	p, err := New(Params{
		FrameSource: &neverReadyFrameSource{},
		Converter:   &fakeColorConverter{},
		VideoEnc:    &fakeVideoEncoder{},
		VideoStore:  store,
		Width:       64,
		Height:      64,
		FPS:         60,
		Quality:     types.QualityMedium,
		Now:         clock.Now,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	stopDriver := make(chan struct{})
	driveClock(t, clock, 20*time.Millisecond, stopDriver)
	time.Sleep(100 * time.Millisecond)
	close(stopDriver)
	p.Stop()

	_, missed := p.Stats()
	if missed == 0 {
		t.Fatalf("expected missed frames to be counted")
	}
	if store.Count() != 0 {
		t.Fatalf("store should stay empty when the source never has a frame")
	}
}
