package audioencoder

import (
	"testing"
)

func TestFrameDurationMatchesSpecFormula(t *testing.T) {
	want := int64(1024) * 10_000_000 / 48000
	if frameDuration != want {
		t.Fatalf("frameDuration = %d, want %d", frameDuration, want)
	}
}

func TestOpusHeadLayout(t *testing.T) {
	h := opusHead(2, 48000)
	if len(h) != 19 {
		t.Fatalf("len(opusHead) = %d, want 19", len(h))
	}
	if string(h[0:8]) != "OpusHead" {
		t.Fatalf("magic = %q, want OpusHead", h[0:8])
	}
	if h[9] != 2 {
		t.Fatalf("channels = %d, want 2", h[9])
	}
}

func TestFrameBytesMatchesSamplesPerFrame(t *testing.T) {
	if frameBytes != samplesPerFrame*channels*2 {
		t.Fatalf("frameBytes = %d, want %d", frameBytes, samplesPerFrame*channels*2)
	}
}
