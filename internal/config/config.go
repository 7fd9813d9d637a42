// Package config loads the replay pipeline's configuration (spec §6):
// a YAML file merged with environment variable overrides, then
// validated before anything in the pipeline reads it.
//
// Grounded on tomtom215-lyrebirdaudio-go/internal/config/koanf.go's
// layering (YAML file -> env vars -> struct, env wins), generalized
// from its LYREBIRD_ prefix and device-map shape to REPLAY_ and the
// flat replay config fields this spec names.
package config

import (
	"fmt"
	"strings"
	"sync"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/replaycore/instantreplay/internal/types"
)

const defaultEnvPrefix = "REPLAY_"

// CaptureSourceKind mirrors types.RegionKind at the config layer: the
// user names a capture source before it resolves to a types.Region.
type CaptureSourceKind string

const (
	CaptureSourceMonitor      CaptureSourceKind = "monitor"
	CaptureSourceAllMonitors  CaptureSourceKind = "all_monitors"
	CaptureSourceWindow       CaptureSourceKind = "window"
	CaptureSourceRect         CaptureSourceKind = "rect"
)

// AudioSourceConfig is one of up to three configured mixer inputs
// (spec §6: "up to three {audioSourceDeviceId, audioVolume} pairs").
type AudioSourceConfig struct {
	DeviceID   string `yaml:"device_id" koanf:"device_id"`
	IsLoopback bool   `yaml:"is_loopback" koanf:"is_loopback"`
	Volume     int    `yaml:"volume" koanf:"volume"` // 0-100
}

// Config is the complete replay pipeline configuration (spec §6).
type Config struct {
	ReplayEnabled  bool    `yaml:"replay_enabled" koanf:"replay_enabled"`
	ReplayDuration int     `yaml:"replay_duration" koanf:"replay_duration"` // seconds, >=1
	FPS            int     `yaml:"fps" koanf:"fps"`                        // one of 30,60,120
	Quality        string  `yaml:"quality" koanf:"quality"`                // low|medium|high|lossless

	CaptureSource CaptureSourceKind `yaml:"capture_source" koanf:"capture_source"`
	MonitorIndex  int               `yaml:"monitor_index" koanf:"monitor_index"`
	WindowHandle  uintptr           `yaml:"window_handle" koanf:"window_handle"`
	AreaRect      types.Rect        `yaml:"area_rect" koanf:"area_rect"`
	AspectRatio   types.AspectRatio `yaml:"aspect_ratio" koanf:"aspect_ratio"`

	GPUIndex int    `yaml:"gpu_index" koanf:"gpu_index"`
	Codec    string `yaml:"codec" koanf:"codec"` // h264|h265

	AudioEnabled bool                `yaml:"audio_enabled" koanf:"audio_enabled"`
	AudioSources []AudioSourceConfig `yaml:"audio_sources" koanf:"audio_sources"`
}

// DefaultConfig returns production-reasonable defaults, used when no
// YAML file exists and no env vars override anything.
func DefaultConfig() *Config {
	return &Config{
		ReplayEnabled:  true,
		ReplayDuration: 30,
		FPS:            60,
		Quality:        string(types.QualityMedium),
		CaptureSource:  CaptureSourceAllMonitors,
		AspectRatio:    types.AspectNative,
		GPUIndex:       0,
		Codec:          "h265",
		AudioEnabled:   false,
	}
}

// Validate checks the fields spec §6 constrains. A zero Config never
// validates; callers should start from DefaultConfig and overlay it.
func (c *Config) Validate() error {
	if c.ReplayDuration < 1 {
		return fmt.Errorf("config: replay_duration must be >= 1 second")
	}
	switch c.FPS {
	case 30, 60, 120:
	default:
		return fmt.Errorf("config: fps must be one of 30, 60, 120 (got %d)", c.FPS)
	}
	switch types.Quality(c.Quality) {
	case types.QualityLow, types.QualityMedium, types.QualityHigh, types.QualityLossless:
	default:
		return fmt.Errorf("config: quality must be low, medium, high, or lossless (got %q)", c.Quality)
	}
	switch c.CaptureSource {
	case CaptureSourceMonitor, CaptureSourceAllMonitors, CaptureSourceWindow, CaptureSourceRect:
	default:
		return fmt.Errorf("config: capture_source must be monitor, all_monitors, window, or rect (got %q)", c.CaptureSource)
	}
	if c.Codec != "h264" && c.Codec != "h265" {
		return fmt.Errorf("config: codec must be h264 or h265 (got %q)", c.Codec)
	}
	switch c.AspectRatio {
	case types.AspectNative, types.Aspect16x9, types.Aspect9x16, types.Aspect1x1,
		types.Aspect4x5, types.Aspect16x10, types.Aspect4x3, types.Aspect21x9, types.Aspect32x9:
	default:
		return fmt.Errorf("config: aspect_ratio %q is not a recognized ratio", c.AspectRatio)
	}
	if len(c.AudioSources) > 3 {
		return fmt.Errorf("config: at most three audio_sources are supported (got %d)", len(c.AudioSources))
	}
	for i, s := range c.AudioSources {
		if s.Volume < 0 || s.Volume > 100 {
			return fmt.Errorf("config: audio_sources[%d].volume must be 0-100 (got %d)", i, s.Volume)
		}
	}
	return nil
}

// Loader loads from a YAML file overlaid with REPLAY_ environment
// variables (env wins), following KoanfConfig's layering exactly.
type Loader struct {
	mu        sync.RWMutex
	k         *koanf.Koanf
	filePath  string
	envPrefix string
}

// Option configures a Loader.
type Option func(*Loader)

// WithYAMLFile sets the YAML configuration file path.
func WithYAMLFile(path string) Option {
	return func(l *Loader) { l.filePath = path }
}

// WithEnvPrefix overrides the default "REPLAY_" environment prefix.
func WithEnvPrefix(prefix string) Option {
	return func(l *Loader) { l.envPrefix = prefix }
}

// NewLoader builds a Loader and performs its first load.
func NewLoader(opts ...Option) (*Loader, error) {
	l := &Loader{k: koanf.New("."), envPrefix: defaultEnvPrefix}
	for _, opt := range opts {
		opt(l)
	}
	if err := l.reload(); err != nil {
		return nil, err
	}
	return l, nil
}

// Load unmarshals the current configuration, overlaying it onto
// DefaultConfig so unset fields keep sane values, and validates it.
func (l *Loader) Load() (*Config, error) {
	l.mu.RLock()
	k := l.k
	l.mu.RUnlock()

	cfg := DefaultConfig()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Reload re-reads the YAML file and environment, atomically swapping
// the loader's internal state.
func (l *Loader) Reload() error { return l.reload() }

// Watch starts an fsnotify watch on the YAML file and reloads on every
// change, calling callback with the event description and any error.
// Like koanf's file.Provider, the underlying fsnotify goroutine cannot
// be stopped once started; long-lived callers should prefer triggering
// Reload from a SIGHUP handler instead of Watch for settings that need
// clean shutdown (grounded on KoanfConfig.Watch's same caveat).
func (l *Loader) Watch(callback func(event string, err error)) error {
	if l.filePath == "" {
		return fmt.Errorf("config: cannot watch, no yaml file configured")
	}
	fp := file.Provider(l.filePath)
	return fp.Watch(func(event interface{}, err error) {
		if err != nil {
			callback("watch error", fmt.Errorf("config: file watch: %w", err))
			return
		}
		if err := l.reload(); err != nil {
			callback("reload error", fmt.Errorf("config: reload: %w", err))
			return
		}
		callback("config reloaded", nil)
	})
}

func (l *Loader) reload() error {
	newK := koanf.New(".")

	if l.filePath != "" {
		if err := newK.Load(file.Provider(l.filePath), yaml.Parser()); err != nil {
			return fmt.Errorf("config: load yaml file: %w", err)
		}
	}

	envProvider := env.Provider(".", env.Opt{
		Prefix: l.envPrefix,
		TransformFunc: func(k, v string) (string, any) {
			k = strings.TrimPrefix(k, l.envPrefix)
			return strings.ToLower(strings.ReplaceAll(k, "_", ".")), v
		},
	})
	if err := newK.Load(envProvider, nil); err != nil {
		return fmt.Errorf("config: load env vars: %w", err)
	}

	l.mu.Lock()
	l.k = newK
	l.mu.Unlock()
	return nil
}
