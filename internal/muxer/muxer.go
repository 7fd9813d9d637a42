// Package muxer implements the Muxer component (spec §4.9): writing a
// VideoSampleStore snapshot and an optional AudioSampleStore snapshot
// into a single container file without re-encoding either stream
// (passthrough muxing).
//
// Grounded on e1z0-QAnotherRTSP's src/video.go recording path:
// AllocOutputFormatContext + OpenIOContext + NewStream + WriteHeader/
// WriteInterleavedFrame/WriteTrailer is the same astiav call sequence
// that repo uses for its "stream copy" video track, generalized here to
// write from in-memory frame snapshots instead of packets read live off
// an RTSP session, and to two streams built from raw codec parameters
// rather than copied from a live decoder context.
package muxer

import (
	"fmt"

	astiav "github.com/asticode/go-astiav"

	"github.com/replaycore/instantreplay/internal/types"
)

// Write creates path and mixes videoSnap (required) with audioSnap
// (optional) into one container, non-decreasing timestamp order across
// streams, video winning timestamp ties (spec §4.9).
func Write(
	path string,
	videoSnap []types.OwnedVideoFrame,
	videoParams types.VideoParams,
	audioSnap []types.OwnedAudioFrame,
	audioParams *types.AudioParams,
) error {
	oc, err := astiav.AllocOutputFormatContext(nil, "mp4", path)
	if err != nil || oc == nil {
		return fmt.Errorf("muxer: %w: alloc output context: %v", types.ErrMux, err)
	}
	defer oc.Free()

	ioFlags := astiav.NewIOContextFlags(astiav.IOContextFlagWrite)
	pb, err := astiav.OpenIOContext(path, ioFlags, nil, nil)
	if err != nil {
		return fmt.Errorf("muxer: %w: open io context: %v", types.ErrMux, err)
	}
	defer func() {
		_ = pb.Close()
		pb.Free()
	}()
	oc.SetPb(pb)

	videoStream, err := newVideoStream(oc, videoParams)
	if err != nil {
		return err
	}

	var audioStream *astiav.Stream
	if audioParams != nil && len(audioSnap) > 0 {
		audioStream, err = newAudioStream(oc, *audioParams)
		if err != nil {
			return err
		}
	}

	if err := oc.WriteHeader(nil); err != nil {
		return fmt.Errorf("muxer: %w: write header: %v", types.ErrMux, err)
	}

	if err := writeInterleaved(oc, videoStream, videoSnap, audioStream, audioSnap); err != nil {
		return err
	}

	if err := oc.WriteTrailer(); err != nil {
		return fmt.Errorf("muxer: %w: write trailer: %v", types.ErrMux, err)
	}
	return nil
}

// videoCodecID maps config.Config.Codec's "h264"/"h265" strings to the
// astiav codec ID that actually matches the payloads videoencoder.New
// produced, so a passthrough mux never tags an H.264 bitstream as HEVC
// (or vice versa).
func videoCodecID(codec string) (astiav.CodecID, error) {
	switch codec {
	case "h264":
		return astiav.CodecIDH264, nil
	case "h265", "":
		return astiav.CodecIDHevc, nil
	default:
		return 0, fmt.Errorf("muxer: %w: unknown video codec %q", types.ErrMux, codec)
	}
}

func newVideoStream(oc *astiav.FormatContext, p types.VideoParams) (*astiav.Stream, error) {
	s := oc.NewStream(nil)
	if s == nil {
		return nil, fmt.Errorf("muxer: %w: alloc video stream", types.ErrMux)
	}
	par := s.CodecParameters()
	par.SetMediaType(astiav.MediaTypeVideo)
	codecID, err := videoCodecID(p.Codec)
	if err != nil {
		return nil, err
	}
	par.SetCodecID(codecID)
	par.SetWidth(p.Width)
	par.SetHeight(p.Height)
	par.SetBitRate(types.TargetBitrate(p.Width, p.Height, p.FPS, p.Quality))
	if len(p.SequenceHeader) > 0 {
		par.SetExtraData(p.SequenceHeader)
	}
	s.SetTimeBase(astiav.NewRational(1, 10_000_000))
	return s, nil
}

func newAudioStream(oc *astiav.FormatContext, p types.AudioParams) (*astiav.Stream, error) {
	s := oc.NewStream(nil)
	if s == nil {
		return nil, fmt.Errorf("muxer: %w: alloc audio stream", types.ErrMux)
	}
	par := s.CodecParameters()
	par.SetMediaType(astiav.MediaTypeAudio)
	par.SetCodecID(astiav.CodecIDOpus)
	par.SetSampleRate(p.SampleRate)
	par.SetChannelLayout(astiav.ChannelLayoutStereo)
	par.SetBitRate(int64(p.BitrateBPS))
	if len(p.CodecConfigHeader) > 0 {
		par.SetExtraData(p.CodecConfigHeader)
	}
	s.SetTimeBase(astiav.NewRational(1, 10_000_000))
	return s, nil
}

// writeInterleaved walks both snapshots by non-decreasing timestamp,
// video winning ties (spec §4.9), and writes each as one packet.
// Keyframe video packets are flagged AV_PKT_FLAG_KEY so players can
// seek to them as random-access points.
func writeInterleaved(
	oc *astiav.FormatContext,
	videoStream *astiav.Stream,
	videoSnap []types.OwnedVideoFrame,
	audioStream *astiav.Stream,
	audioSnap []types.OwnedAudioFrame,
) error {
	for _, item := range interleaveOrder(videoSnap, audioSnap) {
		if item.isVideo {
			f := videoSnap[item.index]
			if err := writePacket(oc, videoStream, f.Payload, f.PTS, f.Duration, f.IsKeyframe); err != nil {
				return err
			}
			continue
		}
		f := audioSnap[item.index]
		if err := writePacket(oc, audioStream, f.Payload, f.PTS, f.Duration, false); err != nil {
			return err
		}
	}
	return nil
}

// orderedFrame names one frame's source stream and its index in that
// stream's snapshot slice, as emitted by interleaveOrder.
type orderedFrame struct {
	isVideo bool
	index   int
}

// interleaveOrder merges videoSnap and audioSnap into non-decreasing
// timestamp order, video winning on ties (spec §4.9). Kept free of the
// astiav types above so the ordering rule itself is unit-testable.
func interleaveOrder(videoSnap []types.OwnedVideoFrame, audioSnap []types.OwnedAudioFrame) []orderedFrame {
	out := make([]orderedFrame, 0, len(videoSnap)+len(audioSnap))
	vi, ai := 0, 0
	for vi < len(videoSnap) || ai < len(audioSnap) {
		writeVideo := vi < len(videoSnap) && (ai >= len(audioSnap) || videoSnap[vi].PTS <= audioSnap[ai].PTS)
		if writeVideo {
			out = append(out, orderedFrame{isVideo: true, index: vi})
			vi++
			continue
		}
		out = append(out, orderedFrame{isVideo: false, index: ai})
		ai++
	}
	return out
}

func writePacket(oc *astiav.FormatContext, stream *astiav.Stream, payload []byte, pts, duration int64, keyframe bool) error {
	pkt := astiav.AllocPacket()
	defer pkt.Free()

	pkt.SetData(payload)
	pkt.SetStreamIndex(stream.Index())
	pkt.SetPts(pts)
	pkt.SetDts(pts)
	pkt.SetDuration(duration)
	if keyframe {
		pkt.SetFlags(pkt.Flags() | astiav.PacketFlagKey)
	}
	pkt.RescaleTs(astiav.NewRational(1, 10_000_000), stream.TimeBase())

	if err := oc.WriteInterleavedFrame(pkt); err != nil {
		return fmt.Errorf("muxer: %w: write frame: %v", types.ErrMux, err)
	}
	return nil
}
