// Package scheduler drives the segment-by-segment download loop
// (component C4): it waits for enough head-tracking data to plan the
// first segment, fetches each tile's initialization and media segments in
// the planned download order (most-visible tiles first), and throttles
// ahead-of-playback downloads against the decode pipeline's presentation
// clock.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/arnerak/360transitions/internal/adaptation"
	"github.com/arnerak/360transitions/internal/config"
	"github.com/arnerak/360transitions/internal/coreerr"
	"github.com/arnerak/360transitions/internal/headtrace"
	"github.com/arnerak/360transitions/internal/logger"
	"github.com/arnerak/360transitions/internal/mpd"
	"github.com/arnerak/360transitions/internal/tilebuffer"
	"github.com/arnerak/360transitions/internal/transport"
)

// pollInterval is how often the scheduler re-checks a blocking condition
// (enough head samples, enough playback lookahead) while waiting.
const pollInterval = 10 * time.Millisecond

// PlaybackClock reports how far decode/presentation has progressed, so
// the scheduler can stay a bounded number of segments ahead instead of
// downloading the whole representation up front.
type PlaybackClock interface {
	LastDisplayedFrame() int64
}

// Scheduler owns one TileBuffer per tile and fills them segment by
// segment according to the adaptation planner's decisions.
type Scheduler struct {
	m       *mpd.MPD
	mpdURL  string
	adapter *adaptation.Adapter
	fetcher transport.Fetcher
	heads   *headtrace.Ring
	clock   PlaybackClock
	cfg     config.Config
	log     logger.Logger

	buffers []*tilebuffer.TileBuffer
}

// New builds a Scheduler. mpdURL is the manifest's own fetch location,
// used to resolve relative segment URLs.
func New(m *mpd.MPD, mpdURL string, adapter *adaptation.Adapter, fetcher transport.Fetcher, heads *headtrace.Ring, clock PlaybackClock, cfg config.Config, log logger.Logger) *Scheduler {
	return &Scheduler{
		m:       m,
		mpdURL:  mpdURL,
		adapter: adapter,
		fetcher: fetcher,
		heads:   heads,
		clock:   clock,
		cfg:     cfg,
		log:     log,
		buffers: make([]*tilebuffer.TileBuffer, m.TileCount()),
	}
}

// Buffers returns the per-tile byte sources, valid once Run has fetched
// the first segment for every tile (i.e. once Run's init phase returns
// without error, or once the caller observes all entries non-nil).
func (s *Scheduler) Buffers() []*tilebuffer.TileBuffer {
	return s.buffers
}

// Run executes the full download schedule: it blocks until at least one
// head sample is available, downloads segment 1 for every tile, then
// downloads each remaining segment once playback has caught up to within
// one segment of it. It returns when the last segment has been scheduled
// for every tile or ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.waitForHeadSamples(ctx, 1); err != nil {
		return err
	}

	numSegments := s.m.SegmentCount()
	if numSegments == 0 {
		return fmt.Errorf("%w: manifest has no segments", coreerr.ErrManifestInvalid)
	}

	if err := s.downloadFirstSegment(ctx, numSegments); err != nil {
		return err
	}

	frameRate, err := s.m.FrameRate()
	if err != nil {
		return err
	}
	segmentFrames := s.m.SegmentDurationS() * frameRate

	for segment := 2; segment <= numSegments; segment++ {
		lookaheadThreshold := int64(float64(segment-2) * segmentFrames)
		if err := s.waitForPlaybackLookahead(ctx, lookaheadThreshold); err != nil {
			return err
		}

		if err := s.downloadSegment(ctx, segment, numSegments); err != nil {
			return err
		}
	}

	return nil
}

func (s *Scheduler) waitForHeadSamples(ctx context.Context, n int) error {
	for s.heads.Len() < n {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
	return nil
}

func (s *Scheduler) waitForPlaybackLookahead(ctx context.Context, frameThreshold int64) error {
	if s.clock == nil {
		return nil
	}
	for frameThreshold > s.clock.LastDisplayedFrame() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
	return nil
}

// downloadFirstSegment plans and fetches the initialization segment plus
// the first media segment for every tile, constructing each tile's
// TileBuffer.
func (s *Scheduler) downloadFirstSegment(ctx context.Context, numSegments int) error {
	plan := s.adapter.Plan(s.heads.Snapshot(), 1, true)

	for tile := 0; tile < s.m.TileCount(); tile++ {
		quality := plan.TileQuality[tile]

		initURL, err := s.m.InitURL(s.mpdURL, tile, quality)
		if err != nil {
			return err
		}
		initResult, err := s.fetcher.Fetch(ctx, initURL)
		if err != nil {
			return err
		}

		mediaURL, err := s.m.MediaURL(s.mpdURL, 0, tile, quality)
		if err != nil {
			return err
		}
		mediaResult, err := s.fetcher.Fetch(ctx, mediaURL)
		if err != nil {
			return err
		}
		s.adapter.RecordDownload(int64(len(mediaResult.Data)), mediaResult.Duration, mediaResult.CacheHit)

		buf := tilebuffer.New(initResult.Data, mediaResult.Data)
		buf.AddQualitySample(0, quality)
		s.buffers[tile] = buf

		if numSegments == 1 {
			buf.AddSegment(nil, true)
		}
	}

	return nil
}

// downloadSegment fetches the segment-th media segment (1-based) for
// every tile, in the planner's visibility-ordered download sequence, and
// appends each to its TileBuffer.
func (s *Scheduler) downloadSegment(ctx context.Context, segment, numSegments int) error {
	plan := s.adapter.Plan(s.heads.Snapshot(), segment, false)
	last := segment == numSegments
	idx0 := segment - 1

	for _, tile := range plan.DownloadOrder {
		quality := plan.TileQuality[tile]
		if s.adapter.IsLate() {
			quality = s.adapter.LowestQuality()
			s.log.Warnf("segment %d tile %d running late, falling back to lowest quality", segment, tile)
		}

		mediaURL, err := s.m.MediaURL(s.mpdURL, idx0, tile, quality)
		if err != nil {
			return err
		}

		result, fetchErr := s.fetcher.Fetch(ctx, mediaURL)
		if fetchErr != nil {
			s.log.Errorf("segment %d tile %d failed after retries: %v", segment, tile, fetchErr)
			s.buffers[tile].AddSegment(nil, true)
			continue
		}
		s.adapter.RecordDownload(int64(len(result.Data)), result.Duration, result.CacheHit)

		s.buffers[tile].AddSegment(result.Data, last)
		s.buffers[tile].AddQualitySample(float64(idx0)*s.m.SegmentDurationS(), quality)
	}

	return nil
}
