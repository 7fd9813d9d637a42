//go:build linux

package audiosource

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jfreymuth/pulse"
	"github.com/jfreymuth/pulse/proto"
)

// ringBytes is the per-source ring buffer capacity: 2 seconds of
// canonical PCM at 48kHz/16-bit/stereo (spec §4.4).
const ringBytes = canonicalRate * canonicalBytes * 2

// Source opens one PulseAudio device (a real input, or a sink's monitor
// when isLoopback captures what is being played) and exposes canonical
// PCM through a per-source ring buffer.
//
// Grounded on internal/audio/pulse_linux.go's pcmCollector: same
// Writer-callback + mutex-guarded buffer idiom, generalized from a
// fixed S16LE default-sink monitor to an arbitrary device id/format and
// wrapped with the last-packet-received tracking spec §4.4 requires.
type Source struct {
	client     *pulse.Client
	stream     *pulse.RecordStream
	deviceID   string
	isLoopback bool
	log        *slog.Logger

	// srcRate/srcChannels are the stream's actually-negotiated
	// properties (spec §4.4): PulseAudio is free to hand back a device's
	// native rate/channel count rather than whatever was requested, so
	// ToCanonical always converts from what was negotiated, not from the
	// canonical constants themselves.
	srcRate     int
	srcChannels int

	mu           sync.Mutex
	ring         []byte
	lastPacketAt time.Time
	havePacket   bool
}

// Format declares the wire format Start's record stream requests,
// implementing pulse.Writer's optional Format() byte method the same
// way the teacher's pcmCollector does. Sample rate and channel count are
// intentionally left unconstrained so the server reports each device's
// native values instead of always resampling/downmixing to canonical
// server-side.
func (s *Source) Format() byte { return proto.FormatInt16LE }

// New connects to the PulseAudio server for deviceID (a PulseAudio source
// name, or sink name when isLoopback is set); Start resolves the device
// and negotiates the record stream. deviceID == "" selects the system
// default.
func New(deviceID string, isLoopback bool, log *slog.Logger) (*Source, error) {
	client, err := pulse.NewClient(pulse.ClientApplicationName("instantreplay"))
	if err != nil {
		return nil, fmt.Errorf("audiosource: pulse connect: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Source{client: client, deviceID: deviceID, isLoopback: isLoopback, log: log}, nil
}

// Write implements pulse.Writer: it decodes whatever format/rate/channels
// the stream actually negotiated (read from s.srcRate/s.srcChannels,
// populated by Start before the stream begins delivering packets) into
// canonical PCM and appends it to the ring.
func (s *Source) Write(data []byte) (int, error) {
	canon := ToCanonical(data, FormatS16LE, s.srcRate, s.srcChannels)
	s.mu.Lock()
	s.lastPacketAt = time.Now()
	s.havePacket = true
	s.ring = append(s.ring, canon...)
	if over := len(s.ring) - ringBytes; over > 0 {
		s.ring = s.ring[over:] // drop oldest on overflow
	}
	s.mu.Unlock()
	return len(data), nil
}

// Start opens the record stream and begins filling the ring buffer. The
// stream format is requested as S16LE (via Source.Format) but sample
// rate and channel count are left to the server to negotiate per
// device, so Write's ToCanonical call exercises the real mono/downmix
// and resampling paths (spec §4.4) instead of always receiving
// already-canonical audio.
func (s *Source) Start() error {
	var opts []pulse.RecordOption
	if s.isLoopback {
		sink, err := s.resolveSink()
		if err != nil {
			return err
		}
		opts = append(opts, pulse.RecordMonitor(sink))
	} else {
		source, err := s.resolveSource()
		if err != nil {
			return err
		}
		opts = append(opts, pulse.RecordSource(source))
	}
	opts = append(opts, pulse.RecordBufferFragmentSize(uint32(canonicalBytes*240)))

	stream, err := s.client.NewRecord(s, opts...)
	if err != nil {
		return fmt.Errorf("audiosource: new record stream (device=%q loopback=%v): %w", s.deviceID, s.isLoopback, err)
	}
	s.srcRate = stream.SampleRate()
	s.srcChannels = stream.Channels()
	s.stream = stream
	stream.Start()
	s.log.Info("audio source started",
		"device_id", s.deviceID, "loopback", s.isLoopback,
		"negotiated_rate", s.srcRate, "negotiated_channels", s.srcChannels)
	return nil
}

func (s *Source) resolveSink() (*pulse.Sink, error) {
	if s.deviceID == "" || s.deviceID == "default" {
		return s.client.DefaultSink()
	}
	sinks, err := s.client.ListSinks()
	if err != nil {
		return nil, fmt.Errorf("audiosource: list sinks: %w", err)
	}
	for _, sk := range sinks {
		if sk.ID() == s.deviceID || sk.Name() == s.deviceID {
			return sk, nil
		}
	}
	return nil, fmt.Errorf("audiosource: sink %q not found", s.deviceID)
}

func (s *Source) resolveSource() (*pulse.Source, error) {
	if s.deviceID == "" || s.deviceID == "default" {
		return s.client.DefaultSource()
	}
	sources, err := s.client.ListSources()
	if err != nil {
		return nil, fmt.Errorf("audiosource: list sources: %w", err)
	}
	for _, src := range sources {
		if src.ID() == s.deviceID || src.Name() == s.deviceID {
			return src, nil
		}
	}
	return nil, fmt.Errorf("audiosource: source %q not found", s.deviceID)
}

// Read returns up to maxBytes of canonical PCM, aligned to the 4-byte
// sample-frame boundary, removing the returned bytes from the ring.
func (s *Source) Read(maxBytes int) []byte {
	maxBytes -= maxBytes % canonicalBytes
	s.mu.Lock()
	defer s.mu.Unlock()
	if maxBytes > len(s.ring) {
		maxBytes = len(s.ring)
	}
	if maxBytes == 0 {
		return nil
	}
	out := make([]byte, maxBytes)
	copy(out, s.ring[:maxBytes])
	s.ring = s.ring[maxBytes:]
	return out
}

// LastPacketAt reports the wall-clock time of the most recent packet,
// and whether any packet has ever arrived (spec §4.4/§4.5).
func (s *Source) LastPacketAt() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPacketAt, s.havePacket
}

// Close stops the record stream and disconnects from the server.
func (s *Source) Close() {
	if s.stream != nil {
		s.stream.Stop()
	}
	s.client.Close()
}
