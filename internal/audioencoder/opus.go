// Package audioencoder implements the AudioEncoder component (spec
// §4.6): a fixed-size PCM accumulator feeding the Opus encoder and
// emitting access units with predictable timestamps through a sink.
//
// Grounded on the teacher's opus.NewEncoder/Encode usage in
// internal/audio/pulse_linux.go, generalized from a 20ms fixed-cadence
// ticker-driven collector to an accumulate-on-feed model sized to the
// spec's fixed 1024-sample frame, and on the async-pump shape of
// internal/videoencoder for how a sink gets invoked off the feeding
// goroutine's critical path — here the accumulator is small enough that
// feed() can encode synchronously under its own lock instead.
package audioencoder

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/hraban/opus"

	"github.com/replaycore/instantreplay/internal/types"
)

const (
	sampleRate      = 48000
	channels        = 2
	samplesPerFrame = 1024              // spec §4.6
	frameBytes      = samplesPerFrame * channels * 2 // int16 stereo interleaved
	frameDuration   = int64(samplesPerFrame) * 10_000_000 / sampleRate
	maxOpusPacket   = 4000
)

// Encoder accumulates canonical PCM and emits one EncodedAudioFrame per
// complete 1024-sample block.
type Encoder struct {
	enc *opus.Encoder

	mu        sync.Mutex
	acc       []byte
	sink      types.AudioFrameSink
	nextPTS   int64
	haveFirst bool
	cfgHeader []byte
}

// New allocates the Opus encoder at the canonical sample rate/channels.
func New() (*Encoder, error) {
	enc, err := opus.NewEncoder(sampleRate, channels, opus.AppAudio)
	if err != nil {
		return nil, fmt.Errorf("audioencoder: %w: opus init: %v", types.ErrEncoderInit, err)
	}
	return &Encoder{enc: enc, cfgHeader: opusHead(channels, sampleRate)}, nil
}

// SetSink registers the frame sink invoked as each frame completes.
func (e *Encoder) SetSink(sink types.AudioFrameSink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sink = sink
}

// Feed appends pcmBytes (canonical PCM) to the internal accumulator and
// emits one encoded frame per complete 1024-sample block. The first
// emitted frame's timestamp is the first non-zero originTS seen;
// subsequent frames advance by exactly one frame duration (spec §4.6).
func (e *Encoder) Feed(pcmBytes []byte, originTS int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.haveFirst && originTS != 0 {
		e.nextPTS = originTS
		e.haveFirst = true
	}

	e.acc = append(e.acc, pcmBytes...)
	for len(e.acc) >= frameBytes {
		if err := e.emitLocked(e.acc[:frameBytes]); err != nil {
			return err
		}
		e.acc = e.acc[frameBytes:]
	}
	return nil
}

// Flush pads the trailing partial block with silence, emits it, and
// resets the accumulator.
func (e *Encoder) Flush() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.acc) == 0 {
		return nil
	}
	padded := make([]byte, frameBytes)
	copy(padded, e.acc)
	e.acc = e.acc[:0]
	return e.emitLocked(padded)
}

// CodecConfigHeader exposes the codec config bytes the muxer needs,
// available as soon as the encoder is constructed (Opus's config is
// static per sample rate/channel count, unlike a video SequenceHeader
// that depends on the bitstream the hardware encoder negotiates).
func (e *Encoder) CodecConfigHeader() []byte {
	return e.cfgHeader
}

func (e *Encoder) emitLocked(block []byte) error {
	pcm := make([]int16, samplesPerFrame*channels)
	for i := range pcm {
		pcm[i] = int16(binary.LittleEndian.Uint16(block[i*2 : i*2+2]))
	}

	out := make([]byte, maxOpusPacket)
	n, err := e.enc.Encode(pcm, out)
	if err != nil {
		return fmt.Errorf("audioencoder: opus encode: %w", err)
	}

	frame := types.EncodedAudioFrame{
		Payload:  append([]byte(nil), out[:n]...),
		PTS:      e.nextPTS,
		Duration: frameDuration,
	}
	e.nextPTS += frameDuration
	if e.sink != nil {
		e.sink.HandleAudioFrame(frame)
	}
	return nil
}

// opusHead builds a minimal Ogg-Opus "OpusHead" identification header,
// the extradata layout FFmpeg's muxers expect for an Opus stream
// (RFC 7845 §5.1, without the Ogg page framing).
func opusHead(channels, sampleRate int) []byte {
	h := make([]byte, 19)
	copy(h[0:8], []byte("OpusHead"))
	h[8] = 1 // version
	h[9] = byte(channels)
	binary.LittleEndian.PutUint16(h[10:12], 0) // pre-skip
	binary.LittleEndian.PutUint32(h[12:16], uint32(sampleRate))
	binary.LittleEndian.PutUint16(h[16:18], 0) // output gain
	h[18] = 0                                  // channel mapping family
	return h
}
