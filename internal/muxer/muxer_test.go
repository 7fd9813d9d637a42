package muxer

import (
	"testing"

	astiav "github.com/asticode/go-astiav"

	"github.com/replaycore/instantreplay/internal/types"
)

func TestVideoCodecIDMatchesConfiguredCodec(t *testing.T) {
	h264, err := videoCodecID("h264")
	if err != nil {
		t.Fatalf("videoCodecID(h264): %v", err)
	}
	if h264 != astiav.CodecIDH264 {
		t.Fatalf("videoCodecID(h264) = %v, want CodecIDH264", h264)
	}

	h265, err := videoCodecID("h265")
	if err != nil {
		t.Fatalf("videoCodecID(h265): %v", err)
	}
	if h265 != astiav.CodecIDHevc {
		t.Fatalf("videoCodecID(h265) = %v, want CodecIDHevc", h265)
	}

	if empty, err := videoCodecID(""); err != nil || empty != astiav.CodecIDHevc {
		t.Fatalf("videoCodecID(\"\") = (%v, %v), want (CodecIDHevc, nil)", empty, err)
	}

	if _, err := videoCodecID("vp9"); err == nil {
		t.Fatalf("expected error for unknown codec")
	}
}

func TestInterleaveOrderNonDecreasingWithVideoTieBreak(t *testing.T) {
	video := []types.OwnedVideoFrame{
		{PTS: 0}, {PTS: 100}, {PTS: 100}, {PTS: 300},
	}
	audio := []types.OwnedAudioFrame{
		{PTS: 0}, {PTS: 100}, {PTS: 200},
	}

	order := interleaveOrder(video, audio)
	if len(order) != len(video)+len(audio) {
		t.Fatalf("order len = %d, want %d", len(order), len(video)+len(audio))
	}

	ts := func(o orderedFrame) int64 {
		if o.isVideo {
			return video[o.index].PTS
		}
		return audio[o.index].PTS
	}
	for i := 1; i < len(order); i++ {
		if ts(order[i]) < ts(order[i-1]) {
			t.Fatalf("timestamps decreased at %d", i)
		}
	}

	// at PTS=0 video and audio tie: video must come first.
	if !(order[0].isVideo && order[1].isVideo == false) {
		t.Fatalf("expected video to win the PTS=0 tie, got order[0]=%v order[1]=%v", order[0], order[1])
	}
}

func TestInterleaveOrderVideoOnly(t *testing.T) {
	video := []types.OwnedVideoFrame{{PTS: 0}, {PTS: 10}}
	order := interleaveOrder(video, nil)
	if len(order) != 2 {
		t.Fatalf("len = %d, want 2", len(order))
	}
	for _, o := range order {
		if !o.isVideo {
			t.Fatalf("expected all-video order, got audio entry")
		}
	}
}

func TestInterleaveOrderEmpty(t *testing.T) {
	order := interleaveOrder(nil, nil)
	if len(order) != 0 {
		t.Fatalf("len = %d, want 0", len(order))
	}
}
