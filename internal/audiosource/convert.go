// Package audiosource implements the per-device AudioSource component
// (spec §4.4): opening one PulseAudio device and converting whatever
// format it delivers into canonical PCM (48kHz, 16-bit signed, 2
// channels interleaved).
//
// convert.go holds the format-conversion matrix on its own, free of cgo
// and of the PulseAudio client, so it can be exercised directly in
// tests. Grounded on the bit-depth handling the teacher's
// pcmCollector.Write does for S16LE (internal/audio/pulse_linux.go) and
// generalized to the rest of the matrix spec §4.4 requires.
package audiosource

import (
	"encoding/binary"
	"math"
)

// SampleFormat identifies the wire layout of one source sample, as
// negotiated with the device.
type SampleFormat int

const (
	FormatS16LE SampleFormat = iota
	FormatS24LE
	FormatS32LE
	FormatF32LE
	// FormatF32LEExtensible is the WAVE_FORMAT_EXTENSIBLE float-in-PCM
	// subtype some devices negotiate: bit-identical to FormatF32LE on
	// the wire, carried under a different format tag.
	FormatF32LEExtensible
)

const (
	canonicalRate     = 48000
	canonicalChannels = 2
	canonicalBytes    = 4 // 2 channels * 2 bytes/sample (spec §4.4)
)

func bytesPerSample(f SampleFormat) int {
	switch f {
	case FormatS24LE:
		return 3
	case FormatS32LE, FormatF32LE, FormatF32LEExtensible:
		return 4
	default:
		return 2
	}
}

// decodeToFloat64 reads one sample at off, already known to be in range,
// and returns it normalized to [-1, 1].
func decodeToFloat64(data []byte, off int, f SampleFormat) float64 {
	switch f {
	case FormatS16LE:
		v := int16(binary.LittleEndian.Uint16(data[off : off+2]))
		return float64(v) / 32768.0
	case FormatS24LE:
		u := uint32(data[off]) | uint32(data[off+1])<<8 | uint32(data[off+2])<<16
		v := int32(u << 8) >> 8 // sign-extend 24->32
		return float64(v) / 8388608.0
	case FormatS32LE:
		v := int32(binary.LittleEndian.Uint32(data[off : off+4]))
		return float64(v) / 2147483648.0
	case FormatF32LE, FormatF32LEExtensible:
		bits := binary.LittleEndian.Uint32(data[off : off+4])
		return float64(math.Float32frombits(bits))
	default:
		return 0
	}
}

func encodeInt16(v float64) int16 {
	if v > 1 {
		v = 1
	} else if v < -1 {
		v = -1
	}
	return int16(v * 32767.0)
}

// ToCanonical converts data (interleaved samples in format f, at srcRate
// with srcChannels channels) into canonical 48kHz/16-bit/stereo
// interleaved PCM. Mono sources are duplicated to stereo; multi-channel
// sources beyond stereo are downmixed by taking the first two channels.
// Sample-rate conversion uses linear interpolation (spec §4.4).
func ToCanonical(data []byte, f SampleFormat, srcRate, srcChannels int) []byte {
	if srcChannels <= 0 {
		srcChannels = 1
	}
	bps := bytesPerSample(f)
	frameBytes := bps * srcChannels
	if frameBytes == 0 || len(data) < frameBytes {
		return nil
	}
	nFrames := len(data) / frameBytes

	// Decode to per-channel-pair float frames at the source rate.
	left := make([]float64, nFrames)
	right := make([]float64, nFrames)
	for i := 0; i < nFrames; i++ {
		base := i * frameBytes
		l := decodeToFloat64(data, base, f)
		var r float64
		if srcChannels >= 2 {
			r = decodeToFloat64(data, base+bps, f)
		} else {
			r = l // mono -> stereo duplication
		}
		left[i] = l
		right[i] = r
	}

	if srcRate == canonicalRate || nFrames == 0 {
		return interleaveInt16(left, right)
	}
	return resampleLinear(left, right, srcRate, canonicalRate)
}

// resampleLinear performs linear-interpolation sample-rate conversion
// (spec §4.4) and returns canonical interleaved int16 bytes.
func resampleLinear(left, right []float64, srcRate, dstRate int) []byte {
	n := len(left)
	outN := int(float64(n) * float64(dstRate) / float64(srcRate))
	if outN <= 0 {
		return nil
	}
	outL := make([]float64, outN)
	outR := make([]float64, outN)
	step := float64(srcRate) / float64(dstRate)
	for i := 0; i < outN; i++ {
		pos := float64(i) * step
		i0 := int(pos)
		if i0 >= n-1 {
			outL[i] = left[n-1]
			outR[i] = right[n-1]
			continue
		}
		frac := pos - float64(i0)
		outL[i] = left[i0]*(1-frac) + left[i0+1]*frac
		outR[i] = right[i0]*(1-frac) + right[i0+1]*frac
	}
	return interleaveInt16(outL, outR)
}

func interleaveInt16(left, right []float64) []byte {
	out := make([]byte, len(left)*canonicalBytes)
	for i := range left {
		l := encodeInt16(left[i])
		r := encodeInt16(right[i])
		o := i * canonicalBytes
		binary.LittleEndian.PutUint16(out[o:o+2], uint16(l))
		binary.LittleEndian.PutUint16(out[o+2:o+4], uint16(r))
	}
	return out
}

// SilenceFrames returns n canonical silent sample-frames (zero-filled,
// spec §4.4's "silence packets are written as zero-filled samples with
// the same canonical byte count they would have non-silent").
func SilenceFrames(n int) []byte {
	return make([]byte, n*canonicalBytes)
}
