// Package types holds the data model shared across the replay pipeline:
// textures, encoded frames, capture regions and the interfaces each
// component implements. Keeping these in one package (rather than each
// component package defining its own) mirrors the teacher's shared
// internal/types package and avoids import cycles between capture,
// convert, videoencoder and the stores.
package types

import (
	"time"
	"unsafe"
)

// PixFmt identifies the pixel layout of a Texture.
type PixFmt int

const (
	PixFmtBGRA PixFmt = iota // capture-native, 32-bit packed
	PixFmtNV12               // encoder-accepted 4:2:0 planar
)

// Texture is a frame handle. Exactly one of Ptr and Data carries the
// pixels: the XShm capturer fills Data with a Go-owned copy of each
// grabbed BGRA frame, and the color converter returns Ptr pointing at its
// own reused NV12 planes. Stride is the row pitch in bytes.
type Texture struct {
	Ptr    unsafe.Pointer
	Data   []byte
	Width  int
	Height int
	Stride int
	Format PixFmt
}

// Rect is an integer pixel rectangle in virtual-desktop coordinates.
type Rect struct {
	X, Y, W, H int
}

// Empty reports whether the rectangle encloses zero area.
func (r Rect) Empty() bool { return r.W <= 0 || r.H <= 0 }

// Inside reports whether r lies entirely within bound.
func (r Rect) Inside(bound Rect) bool {
	return r.X >= bound.X && r.Y >= bound.Y &&
		r.X+r.W <= bound.X+bound.W && r.Y+r.H <= bound.Y+bound.H
}

// EvenFloor rounds W and H down to the nearest even pixel, as the codec
// requires (4:2:0 chroma subsampling needs even dimensions).
func (r Rect) EvenFloor() Rect {
	r.W -= r.W % 2
	r.H -= r.H % 2
	return r
}

// AspectRatio enumerates the crop ratios the capture region may be locked to.
type AspectRatio string

const (
	AspectNative AspectRatio = "native"
	Aspect16x9   AspectRatio = "16:9"
	Aspect9x16   AspectRatio = "9:16"
	Aspect1x1    AspectRatio = "1:1"
	Aspect4x5    AspectRatio = "4:5"
	Aspect16x10  AspectRatio = "16:10"
	Aspect4x3    AspectRatio = "4:3"
	Aspect21x9   AspectRatio = "21:9"
	Aspect32x9   AspectRatio = "32:9"
)

// ratio returns the ratio's width and height terms as written (16:10 stays
// 16, 10), or ok=false for native or an unrecognized ratio.
func (a AspectRatio) ratio() (w, h int, ok bool) {
	switch a {
	case Aspect16x9:
		return 16, 9, true
	case Aspect9x16:
		return 9, 16, true
	case Aspect1x1:
		return 1, 1, true
	case Aspect4x5:
		return 4, 5, true
	case Aspect16x10:
		return 16, 10, true
	case Aspect4x3:
		return 4, 3, true
	case Aspect21x9:
		return 21, 9, true
	case Aspect32x9:
		return 32, 9, true
	default:
		return 0, 0, false
	}
}

// CropToAspect returns the largest rW:rH rectangle centered inside monitor.
// Native (or an unrecognized ratio) returns monitor unchanged.
func CropToAspect(monitor Rect, ratio AspectRatio) Rect {
	rw, rh, ok := ratio.ratio()
	if !ok {
		return monitor
	}
	// Candidate 1: full width, derived height.
	w1, h1 := monitor.W, monitor.W*rh/rw
	// Candidate 2: full height, derived width.
	w2, h2 := monitor.H*rw/rh, monitor.H
	var w, h int
	if h1 <= monitor.H {
		w, h = w1, h1
	} else {
		w, h = w2, h2
	}
	// Round to even before centering so the margins stay balanced.
	w -= w % 2
	h -= h % 2
	out := Rect{
		X: monitor.X + (monitor.W-w)/2,
		Y: monitor.Y + (monitor.H-h)/2,
		W: w,
		H: h,
	}
	return out.EvenFloor()
}

// RegionKind selects how a capture Region resolves to a display rectangle.
type RegionKind int

const (
	RegionMonitor RegionKind = iota
	RegionAllMonitors
	RegionWindow
	RegionRect
)

// Region describes what the FrameSource should capture.
type Region struct {
	Kind         RegionKind
	MonitorIndex int
	WindowHandle uintptr
	Rect         Rect
	// AspectRatio crops a RegionMonitor/RegionAllMonitors resolution to
	// the largest centered rectangle of this ratio (spec §6). Ignored
	// for RegionRect/RegionWindow, whose Rect is already explicit and
	// used unchanged.
	AspectRatio AspectRatio
}

// EncodedVideoFrame is one compressed video access unit. Payload is owned by
// whoever currently holds the frame: the encoder pump produces it, the
// VideoSampleStore takes ownership on insert, and a snapshot deep-copies it
// into an independent OwnedVideoFrame. Once handed to a store, a frame's
// fields are immutable.
type EncodedVideoFrame struct {
	Payload    []byte
	PTS        int64 // ticks, pipeline-clock relative
	Duration   int64 // ticks
	IsKeyframe bool
}

// EncodedAudioFrame is one compressed audio access unit with the same
// ownership rules as EncodedVideoFrame.
type EncodedAudioFrame struct {
	Payload  []byte
	PTS      int64 // ticks
	Duration int64 // ticks
}

// OwnedVideoFrame is an independent copy returned by VideoSampleStore.Snapshot.
type OwnedVideoFrame struct {
	Payload    []byte
	PTS        int64
	Duration   int64
	IsKeyframe bool
}

// OwnedAudioFrame is an independent copy returned by AudioSampleStore.Snapshot.
type OwnedAudioFrame struct {
	Payload  []byte
	PTS      int64
	Duration int64
}

// VideoParams describes the stream the muxer must advertise for video.
type VideoParams struct {
	Width, Height int
	FPS           int
	Quality       Quality
	// Codec is "h264" or "h265", matching the encoder that actually
	// produced SequenceHeader/the snapshot's payloads (config.Config.Codec).
	Codec          string
	SequenceHeader []byte
}

// AudioParams describes the stream the muxer must advertise for audio.
type AudioParams struct {
	SampleRate        int
	Channels          int
	BitrateBPS        int
	CodecConfigHeader []byte
}

// Quality is the coarse encoder preset that maps to a target bitrate.
type Quality string

const (
	QualityLow      Quality = "low"
	QualityMedium   Quality = "medium"
	QualityHigh     Quality = "high"
	QualityLossless Quality = "lossless"
)

// BitsPerPixel is the bpp coefficient for each quality preset (spec §4.3).
func (q Quality) BitsPerPixel() float64 {
	switch q {
	case QualityLow:
		return 0.1
	case QualityHigh:
		return 0.4
	case QualityLossless:
		return 1.0
	default:
		return 0.2 // medium
	}
}

// TargetBitrate computes bitrate_bps = clamp(w*h*fps*bpp[q], 1Mbps, 50Mbps).
func TargetBitrate(width, height, fps int, q Quality) int64 {
	raw := float64(width) * float64(height) * float64(fps) * q.BitsPerPixel()
	const minBPS, maxBPS = 1_000_000.0, 50_000_000.0
	if raw < minBPS {
		raw = minBPS
	}
	if raw > maxBPS {
		raw = maxBPS
	}
	return int64(raw)
}

// FrameSource hands out the most recent captured GPU texture of a bounded
// region (spec §4.1).
type FrameSource interface {
	SetRegion(r Region) error
	AcquireLatest() (*Texture, bool)
	RefreshRate() uint32
	Close()
}

// ColorConverter converts a capture-native texture to the encoder-accepted
// format on the GPU (spec §4.2). The returned texture is owned by the
// converter and reused on the next call.
type ColorConverter interface {
	Convert(in *Texture) (*Texture, error)
	Close()
}

// VideoFrameSink receives completed encoded video frames on the encoder's
// pump goroutine (spec §4.3). Implementations must be safe to call
// concurrently with Submit.
type VideoFrameSink interface {
	HandleVideoFrame(f EncodedVideoFrame)
}

// VideoFrameSinkFunc adapts a function to a VideoFrameSink.
type VideoFrameSinkFunc func(EncodedVideoFrame)

func (f VideoFrameSinkFunc) HandleVideoFrame(frame EncodedVideoFrame) { f(frame) }

// AudioFrameSink receives completed encoded audio frames (spec §4.6).
type AudioFrameSink interface {
	HandleAudioFrame(f EncodedAudioFrame)
}

// AudioFrameSinkFunc adapts a function to an AudioFrameSink.
type AudioFrameSinkFunc func(EncodedAudioFrame)

func (f AudioFrameSinkFunc) HandleAudioFrame(frame EncodedAudioFrame) { f(frame) }

// VideoEncoder is the async hardware/software video encoder (spec
// §4.3): Submit enqueues a texture, the encoder's own pump invokes the
// registered sink as frames complete.
type VideoEncoder interface {
	SetSink(sink VideoFrameSink)
	Submit(tex *Texture, presentationTS int64) error
	Flush()
	SequenceHeader() []byte
	Close()
}

// AudioMixerReader is the AudioMixer's consumer-facing surface (spec
// §4.5): Start begins the mix thread, Read drains mixed canonical PCM.
type AudioMixerReader interface {
	Start() error
	Read(maxBytes int) []byte
	Close()
}

// AudioEncoderSink is the AudioEncoder's producer-facing surface (spec
// §4.6): Feed accumulates PCM and emits fixed-size frames through the
// registered sink.
type AudioEncoderSink interface {
	SetSink(sink AudioFrameSink)
	Feed(pcmBytes []byte, originTS int64) error
	Flush() error
	CodecConfigHeader() []byte
}

// AudioSource is a single device's capture thread, producing canonical
// PCM (48kHz/16-bit/stereo interleaved) into a per-source ring that
// AudioMixer drains (spec §4.4). LastPacketAt powers the mixer's
// dormancy rule: ok is false until the first packet has ever arrived.
type AudioSource interface {
	Start() error
	Read(maxBytes int) []byte
	LastPacketAt() (t time.Time, ok bool)
	Close()
}
