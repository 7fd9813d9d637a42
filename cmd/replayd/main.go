// Command replayd runs one instant-replay pipeline: it captures a
// region of the desktop, keeps a rolling in-memory window of encoded
// video (and, optionally, mixed audio), and writes that window out to a
// file on demand.
//
// Grounded on richinsley-bunghole/cmd/bunghole/main.go's flag parsing,
// os/signal.Notify graceful-shutdown pattern and fatal-on-init-error
// style, generalized from its WebRTC streaming server to this package's
// config-driven capture/save/stop control surface (spec §6).
package main

import (
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/replaycore/instantreplay/internal/audioencoder"
	"github.com/replaycore/instantreplay/internal/audiomixer"
	"github.com/replaycore/instantreplay/internal/audiosource"
	"github.com/replaycore/instantreplay/internal/audiostore"
	"github.com/replaycore/instantreplay/internal/capture"
	"github.com/replaycore/instantreplay/internal/config"
	"github.com/replaycore/instantreplay/internal/convert"
	"github.com/replaycore/instantreplay/internal/pipeline"
	"github.com/replaycore/instantreplay/internal/types"
	"github.com/replaycore/instantreplay/internal/videoencoder"
	"github.com/replaycore/instantreplay/internal/videostore"
)

var (
	flagConfig  = flag.String("config", "", "path to replay config YAML (REPLAY_ env vars always override)")
	flagDisplay = flag.String("display", "", "X11 display to capture (DISPLAY env if empty)")
	flagSaveDir = flag.String("save-dir", ".", "directory pipeline_save writes clips into")
	flagStats   = flag.Bool("stats", false, "log pipeline_status every 5 seconds")
)

func main() {
	flag.Parse()
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	loader, err := config.NewLoader(config.WithYAMLFile(*flagConfig))
	if err != nil {
		log.Error("config init failed", "err", err)
		os.Exit(1)
	}
	cfg, err := loader.Load()
	if err != nil {
		log.Error("config invalid", "err", err)
		os.Exit(1)
	}

	p, err := buildPipeline(cfg, *flagDisplay, log)
	if err != nil {
		log.Error("pipeline init failed", "err", err)
		os.Exit(1)
	}
	if err := p.Start(); err != nil {
		log.Error("pipeline start failed", "err", err)
		os.Exit(1)
	}
	log.Info("replay pipeline capturing", "fps", cfg.FPS, "window_secs", cfg.ReplayDuration)

	if *flagStats {
		go logStatusPeriodically(p, log)
	}

	sigCh := make(chan os.Signal, 1)
	// SIGUSR1 triggers pipeline_save (spec §6); SIGINT/SIGTERM trigger a
	// graceful pipeline_stop, mirroring the teacher's shutdown handler.
	signal.Notify(sigCh, syscall.SIGUSR1, syscall.SIGINT, syscall.SIGTERM)
	for sig := range sigCh {
		if sig == syscall.SIGUSR1 {
			path := saveFilePath(*flagSaveDir)
			if err := p.Save(path); err != nil {
				log.Error("save failed", "err", err, "path", path)
				continue
			}
			log.Info("saved clip", "path", path)
			continue
		}
		log.Info("received signal, stopping", "signal", sig)
		p.Stop()
		return
	}
}

// saveFilePath names each clip with a fresh uuid so repeated SIGUSR1
// saves never clobber an earlier clip in the same directory.
func saveFilePath(dir string) string {
	return dir + "/replay-" + uuid.NewString() + ".mp4"
}

// logStatusPeriodically mirrors the teacher's --stats flag, surfacing
// pipeline_status(handle) (spec §6) on an interval instead of requiring
// a separate query path.
func logStatusPeriodically(p *pipeline.Pipeline, log *slog.Logger) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		st := p.Status()
		log.Info("pipeline status",
			"state", st.State,
			"window_secs", st.WindowSecs,
			"memory_bytes", st.MemoryBytes,
		)
	}
}

// buildPipeline constructs every owned component from cfg and wires
// them into a pipeline.Pipeline, matching cmd/bunghole's single
// composition-root style (one function builds the whole dependency
// graph before the server, here the pipeline, ever starts).
func buildPipeline(cfg *config.Config, display string, log *slog.Logger) (*pipeline.Pipeline, error) {
	region := regionFromConfig(cfg)

	fs, err := capture.NewFrameSource(display, region, uint32(cfg.FPS))
	if err != nil {
		return nil, err
	}
	rect := fs.CurrentRect()

	conv, err := convert.NewColorConverter(rect.W, rect.H)
	if err != nil {
		return nil, err
	}

	gop := cfg.FPS * 2
	videoEnc, err := videoencoder.New(rect.W, rect.H, cfg.FPS, types.Quality(cfg.Quality), cfg.GPUIndex, cfg.Codec, gop, log)
	if err != nil {
		return nil, err
	}

	videoStore := videostore.New(cfg.ReplayDuration, cfg.FPS, 256<<20)

	params := pipeline.Params{
		FrameSource: fs,
		Converter:   conv,
		VideoEnc:    videoEnc,
		VideoStore:  videoStore,
		Region:      region,
		Width:       rect.W,
		Height:      rect.H,
		FPS:         cfg.FPS,
		Quality:     types.Quality(cfg.Quality),
		Codec:       cfg.Codec,
		Log:         log,
	}

	if cfg.AudioEnabled && len(cfg.AudioSources) > 0 {
		mixerSources := make([]audiomixer.Source, 0, len(cfg.AudioSources))
		for _, sc := range cfg.AudioSources {
			src, err := audiosource.New(sc.DeviceID, sc.IsLoopback, log)
			if err != nil {
				return nil, err
			}
			mixerSources = append(mixerSources, audiomixer.Source{AudioSource: src, Volume: sc.Volume})
		}
		audioEnc, err := audioencoder.New()
		if err != nil {
			return nil, err
		}

		params.AudioEnabled = true
		params.AudioMixer = audiomixer.New(mixerSources, log)
		params.AudioEnc = audioEnc
		params.AudioStore = audiostore.New(cfg.ReplayDuration)
	}

	return pipeline.New(params)
}

// regionFromConfig resolves the configured capture source to a types.Region.
// AspectRatio only applies to the Monitor/AllMonitors kinds: a Window or
// Rect source already names an explicit rectangle, which spec §6 says is
// used unchanged rather than aspect-cropped.
func regionFromConfig(cfg *config.Config) types.Region {
	switch cfg.CaptureSource {
	case config.CaptureSourceMonitor:
		return types.Region{Kind: types.RegionMonitor, MonitorIndex: cfg.MonitorIndex, AspectRatio: cfg.AspectRatio}
	case config.CaptureSourceWindow:
		return types.Region{Kind: types.RegionWindow, WindowHandle: cfg.WindowHandle, Rect: cfg.AreaRect}
	case config.CaptureSourceRect:
		return types.Region{Kind: types.RegionRect, Rect: cfg.AreaRect}
	default:
		return types.Region{Kind: types.RegionAllMonitors, AspectRatio: cfg.AspectRatio}
	}
}
