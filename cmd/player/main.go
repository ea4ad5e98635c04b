// Command player is the runnable wiring entrypoint: it fetches and parses
// a tiled 360° DASH manifest, then drives the scheduler and decode
// pipeline until the stream ends or it is interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/arnerak/360transitions/internal/adaptation"
	"github.com/arnerak/360transitions/internal/config"
	"github.com/arnerak/360transitions/internal/decode"
	"github.com/arnerak/360transitions/internal/headtrace"
	"github.com/arnerak/360transitions/internal/logger"
	"github.com/arnerak/360transitions/internal/mpd"
	"github.com/arnerak/360transitions/internal/scheduler"
	"github.com/arnerak/360transitions/internal/tilebuffer"
	"github.com/arnerak/360transitions/internal/transport"
)

func main() {
	manifestURL := flag.String("m", "", "URL of the MPD manifest to play")
	configFile := flag.String("c", "", "path to a JSON config file (optional, overlays defaults)")
	headTraceFile := flag.String("t", "", "path to a head-rotation trace file (optional, replaces live tracking)")
	logLevel := flag.String("L", "info", "log level (debug, info, warn, error)")
	flag.Parse()

	if *manifestURL == "" {
		fmt.Fprintln(os.Stderr, "missing required -m <manifest URL> flag")
		os.Exit(1)
	}

	cfg := config.Default()
	if *configFile != "" {
		loaded, err := config.Load(*configFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	log := logger.New(cfg.LogLevel)

	log.Infof("starting player for %s", *manifestURL)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fetcher := transport.New(&http.Client{}, logger.With(log, "component", "transport"), cfg)

	manifest, err := fetchManifest(ctx, fetcher, *manifestURL)
	if err != nil {
		log.Errorf("failed to fetch manifest: %v", err)
		os.Exit(1)
	}
	log.Infof("parsed manifest: %d tiles, %d qualities, %d segments", manifest.TileCount(), manifest.RepresentationCount(), manifest.SegmentCount())

	frameRate := mustFrameRate(manifest, log)
	layouts, frameWidth, frameHeight := tileLayouts(manifest)

	heads := headtrace.NewRing(headtrace.DefaultCapacity)
	if err := seedHeadSamples(heads, *headTraceFile, manifest); err != nil {
		log.Errorf("failed to load head trace: %v", err)
		os.Exit(1)
	}

	adapter := adaptation.New(manifest, cfg, logger.With(log, "component", "adaptation"), adaptation.NopSampleSink{})
	pipeline := decode.New(nil, layouts, nil, frameWidth, frameHeight, frameRate, cfg.FrameQueueCapacity, cfg.Demo, logger.With(log, "component", "decode"))
	sched := scheduler.New(manifest, *manifestURL, adapter, fetcher, heads, pipeline, cfg, logger.With(log, "component", "scheduler"))

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		if err := sched.Run(ctx); err != nil && ctx.Err() == nil {
			log.Errorf("scheduler stopped with error: %v", err)
		}
	}()

	go func() {
		defer wg.Done()
		if err := bindAndRunDecoders(ctx, sched, pipeline, layouts); err != nil && ctx.Err() == nil {
			log.Errorf("decode pipeline stopped with error: %v", err)
		}
	}()

	if err := runPresentationLoop(ctx, pipeline, frameRate, log); err != nil && ctx.Err() == nil {
		log.Errorf("presentation loop stopped: %v", err)
	}

	stop()
	wg.Wait()
	log.Infof("playback finished")
}

func fetchManifest(ctx context.Context, fetcher transport.Fetcher, url string) (*mpd.MPD, error) {
	result, err := fetcher.Fetch(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch manifest from %s: %w", url, err)
	}
	return mpd.Parse(result.Data)
}

// seedHeadSamples pushes head-rotation samples onto the ring before the
// scheduler starts: one per segment interval replayed from a trace file,
// or a single identity rotation standing in for a live tracker's first
// report when no trace was given.
func seedHeadSamples(heads *headtrace.Ring, traceFile string, m *mpd.MPD) error {
	if traceFile == "" {
		heads.Push(headtrace.Sample{TimestampMs: 0})
		return nil
	}

	trace, err := headtrace.LoadTrace(traceFile)
	if err != nil {
		return err
	}

	segmentDurationMs := m.SegmentDurationS() * 1000
	for i := 0; i < m.SegmentCount(); i++ {
		ts := int64(float64(i) * segmentDurationMs)
		rot, err := trace.RotationForTimestamp(ts)
		if err != nil {
			return err
		}
		heads.Push(headtrace.Sample{TimestampMs: ts, Rotation: rot})
	}
	return nil
}

// tileLayouts derives each tile's pixel placement in the composite frame
// from its SRD, plus the composite frame's total dimensions.
func tileLayouts(m *mpd.MPD) ([]decode.TileLayout, int, int) {
	tiles := m.TileCount()
	layouts := make([]decode.TileLayout, tiles)

	frameWidth, frameHeight := 0, 0
	for tile := 0; tile < tiles; tile++ {
		srd := m.Period.AdaptationSets[tile].SRD
		layouts[tile] = decode.TileLayout{X: srd.X, Y: srd.Y, W: srd.W, H: srd.H}
		if right := srd.X + srd.W; right > frameWidth {
			frameWidth = right
		}
		if bottom := srd.Y + srd.H; bottom > frameHeight {
			frameHeight = bottom
		}
	}
	return layouts, frameWidth, frameHeight
}

func mustFrameRate(m *mpd.MPD, log logger.Logger) float64 {
	fr, err := m.FrameRate()
	if err != nil {
		log.Errorf("failed to read frame rate, defaulting to 30: %v", err)
		return 30
	}
	return fr
}

// bindAndRunDecoders waits for the scheduler to construct every tile's
// TileBuffer (the first-segment download), builds one RawYUVDecoder per
// tile against it, and runs the decode pipeline to completion.
func bindAndRunDecoders(ctx context.Context, sched *scheduler.Scheduler, pipeline *decode.Pipeline, layouts []decode.TileLayout) error {
	buffers, err := waitForBuffers(ctx, sched)
	if err != nil {
		return err
	}

	decoders := make([]decode.TileDecoder, len(buffers))
	for i, b := range buffers {
		decoders[i] = decode.NewRawYUVDecoder(b, layouts[i].W, layouts[i].H)
	}

	pipeline.BindDecoders(decoders, buffers)
	return pipeline.Run(ctx)
}

func waitForBuffers(ctx context.Context, sched *scheduler.Scheduler) ([]*tilebuffer.TileBuffer, error) {
	for {
		buffers := sched.Buffers()
		ready := len(buffers) > 0
		for _, b := range buffers {
			if b == nil {
				ready = false
				break
			}
		}
		if ready {
			return buffers, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// runPresentationLoop calls Present once per frame interval until the
// pipeline reports it is finished or ctx is cancelled.
func runPresentationLoop(ctx context.Context, pipeline *decode.Pipeline, frameRate float64, log logger.Logger) error {
	frameDuration := time.Duration(1000.0/frameRate) * time.Millisecond
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()

	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			deadlineMs := float64(time.Since(start).Milliseconds())
			result := pipeline.Present(deadlineMs)
			if result.FramesDropped > 0 {
				log.Warnf("dropped %d frames catching up to deadline %.0fms", result.FramesDropped, deadlineMs)
			}
			if result.Finished {
				return nil
			}
		}
	}
}
