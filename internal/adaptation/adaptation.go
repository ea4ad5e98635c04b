// Package adaptation implements the viewport-adaptive tile quality planner
// (component C3): visibility scoring over a sample grid, head-motion
// prediction via per-axis regression, a bandwidth-budgeted greedy upgrade
// loop, and the popularity-table fallback.
package adaptation

import (
	"math"
	"sort"
	"time"

	"github.com/arnerak/360transitions/internal/config"
	"github.com/arnerak/360transitions/internal/headtrace"
	"github.com/arnerak/360transitions/internal/logger"
	"github.com/arnerak/360transitions/internal/mpd"
	"github.com/arnerak/360transitions/internal/quaternion"
)

// sampleResolution sets the viewport sample grid used to score tile
// visibility: sampleResolution+1 points per axis, (sampleResolution+1)^2
// points in all.
const sampleResolution = 8

// monocularFOVDeg is the per-eye field of view the sample grid is built
// from, widened by config.SafetyFactorLive to sample slightly beyond the
// edges of the visible viewport.
const monocularFOVDeg = 92.0

// HeadSample is one timestamped head-rotation observation, the unit the
// prediction regression is fit over. It is the same type the head
// tracking ring buffer and trace replay source produce, so a
// headtrace.Ring snapshot can be passed to Plan directly.
type HeadSample = headtrace.Sample

// SampleSink receives one telemetry point per planning decision: the
// bandwidth estimate in Mbit/s at the time of the decision and whether the
// decision transitioned to the popularity fallback.
type SampleSink interface {
	AddSample(timestampS, bandwidthMbps float64, transitioned bool)
}

// NopSampleSink discards every sample; the default when no telemetry
// collection is wired up.
type NopSampleSink struct{}

// AddSample implements SampleSink.
func (NopSampleSink) AddSample(float64, float64, bool) {}

// Plan is the result of a planning decision: the chosen quality per tile
// (indexed by tile index) and the order tiles should be requested in.
// DownloadOrder is always a permutation of every tile index; where a
// viewport-visibility ranking applies, it lists tiles most-visible first
// (ties by ascending tile index), consumed forward by the scheduler.
type Plan struct {
	TileQuality   []int
	DownloadOrder []int
	Transitioned  bool
}

// coord is a normalized point in the composite frame, (0,0) top-left to
// (1,1) bottom-right.
type coord struct{ x, y float64 }

// tileBound is one entry of the sorted tile-boundary lookup table used to
// map a normalized coordinate to a tile index.
type tileBound struct {
	x       float64
	yBounds []yBound
}

type yBound struct {
	y    float64
	tile int
}

// Adapter plans per-segment tile quality under a bandwidth budget, using
// the manifest's tile layout and representation ladder.
type Adapter struct {
	m    *mpd.MPD
	cfg  config.Config
	log  logger.Logger
	sink SampleSink

	tileBounds   []tileBound
	samplePoints []coord

	maxHDist, maxVDist float64

	bandwidthEstimate float64 // bytes/sec
	bytesDownloaded   int64
	downloadMs        float64
	downloadStart     time.Time

	tileQuality []int
}

// New builds an Adapter from a parsed manifest. sink may be nil, in which
// case telemetry samples are discarded.
func New(m *mpd.MPD, cfg config.Config, log logger.Logger, sink SampleSink) *Adapter {
	if sink == nil {
		sink = NopSampleSink{}
	}

	a := &Adapter{
		m:    m,
		cfg:  cfg,
		log:  log,
		sink: sink,
	}

	halfFOV := monocularFOVDeg * math.Pi / 180.0 / 2.0
	a.maxHDist = cfg.SafetyFactorLive * math.Tan(halfFOV)
	a.maxVDist = cfg.SafetyFactorLive * math.Tan(halfFOV)

	a.buildTileBounds()
	a.buildSamplePoints()

	a.tileQuality = make([]int, m.TileCount())
	lowest := m.RepresentationCount() - 1
	for i := range a.tileQuality {
		a.tileQuality[i] = lowest
	}

	return a
}

func (a *Adapter) buildTileBounds() {
	sets := a.m.Period.AdaptationSets
	if len(sets) == 0 {
		return
	}
	frameWidth := float64(sets[0].SRD.W * sets[0].SRD.TH)
	frameHeight := float64(sets[0].SRD.H * sets[0].SRD.TV)

	byX := make(map[float64][]yBound)
	for i, as := range sets {
		nx := float64(as.SRD.X+as.SRD.W) / frameWidth
		ny := float64(as.SRD.Y+as.SRD.H) / frameHeight
		byX[nx] = append(byX[nx], yBound{y: ny, tile: i})
	}

	xs := make([]float64, 0, len(byX))
	for x := range byX {
		xs = append(xs, x)
	}
	sort.Float64s(xs)

	a.tileBounds = make([]tileBound, len(xs))
	for i, x := range xs {
		ys := byX[x]
		sort.Slice(ys, func(i, j int) bool { return ys[i].y < ys[j].y })
		a.tileBounds[i] = tileBound{x: x, yBounds: ys}
	}
}

func (a *Adapter) buildSamplePoints() {
	sampleFn := func(i int) float64 { return 0.5 + float64(i)/float64(sampleResolution) }
	a.samplePoints = a.samplePoints[:0]
	for x := -sampleResolution / 2; x <= sampleResolution/2; x++ {
		for y := -sampleResolution / 2; y <= sampleResolution/2; y++ {
			a.samplePoints = append(a.samplePoints, coord{x: sampleFn(x), y: sampleFn(y)})
		}
	}
}

// mapCoordToTile finds the tile whose boundary is the first at or beyond
// the given normalized coordinate in both axes, mirroring a nested
// lower_bound lookup.
func (a *Adapter) mapCoordToTile(c coord) int {
	xi := sort.Search(len(a.tileBounds), func(i int) bool { return a.tileBounds[i].x >= c.x })
	if xi == len(a.tileBounds) {
		xi = len(a.tileBounds) - 1
	}
	ys := a.tileBounds[xi].yBounds
	yi := sort.Search(len(ys), func(i int) bool { return ys[i].y >= c.y })
	if yi == len(ys) {
		yi = len(ys) - 1
	}
	return ys[yi].tile
}

// viewportToEquirect projects a normalized viewport coordinate through a
// head rotation onto the equirectangular composite frame. The ray is built
// in the (forward=X, right=Y, up=Z) head-tracking frame: u offsets right,
// v offsets up, matching how the viewport's y axis (0 at top) is inverted
// before scaling.
func (a *Adapter) viewportToEquirect(rotation quaternion.Quaternion, vp coord) coord {
	u := (vp.x - 0.5) * (2 * a.maxHDist)
	v := (0.5 - vp.y) * (2 * a.maxVDist)

	ray := quaternion.Vec3{X: 1, Y: u, Z: v}.Normalized()
	rotated := rotation.Rotate(ray)
	sph := quaternion.ToSpherical(rotated)

	return coord{
		x: math.Mod(sph.Theta/(2*math.Pi)+0.5+1, 1),
		y: sph.Phi / math.Pi,
	}
}

// visibilityCounts scores each tile by how many sample points project
// onto it for the given rotation, accumulating into counts.
func (a *Adapter) visibilityCounts(rotation quaternion.Quaternion, counts map[int]int) {
	for _, sp := range a.samplePoints {
		tile := a.mapCoordToTile(a.viewportToEquirect(rotation, sp))
		counts[tile]++
	}
}

// predictTileVisibility scores tile visibility either from the latest head
// rotation alone, or (when prediction is enabled and more than one sample
// is available) from two rotations predicted half and one full segment
// duration ahead via per-axis OLS regression on Euler angles.
func (a *Adapter) predictTileVisibility(history []HeadSample) map[int]int {
	counts := make(map[int]int)

	if len(history) == 1 || !a.cfg.ViewportPrediction {
		a.visibilityCounts(history[len(history)-1].Rotation, counts)
		return counts
	}

	n := len(history)
	t := make([]float64, n)
	roll := make([]float64, n)
	pitch := make([]float64, n)
	yaw := make([]float64, n)
	for i, h := range history {
		t[i] = float64(h.TimestampMs)
		e := h.Rotation.ToEuler()
		roll[i], pitch[i], yaw[i] = e.Roll, e.Pitch, e.Yaw
	}

	rollFit := quaternion.FitOLS(t, roll)
	pitchFit := quaternion.FitOLS(t, pitch)
	yawFit := quaternion.FitOLS(t, yaw)

	segmentDurationMs := a.m.SegmentDurationS() * 1000
	latest := float64(history[n-1].TimestampMs)
	horizons := []float64{latest + 0.5*segmentDurationMs, latest + segmentDurationMs}

	for _, ts := range horizons {
		rot := quaternion.FromEuler(quaternion.Euler{
			Roll:  rollFit.Eval(ts),
			Pitch: pitchFit.Eval(ts),
			Yaw:   yawFit.Eval(ts),
		})
		a.visibilityCounts(rot, counts)
	}

	return counts
}

// bandwidthNeeded returns the bit rate, in bytes/sec, required to fetch
// every tile at the quality given by plan.
func (a *Adapter) bandwidthNeeded(plan []int) float64 {
	var bits int
	for tile, q := range plan {
		bits += a.m.RepresentationBandwidth(tile, q)
	}
	return float64(bits) / 8.0
}

// visEntry pairs a tile index with its visibility score, for the greedy
// upgrade loop's repeated "most visible tile" selection.
type visEntry struct {
	tile  int
	score int
}

// Plan chooses a per-tile quality and a tile download order for the given
// segment, based on the most recent head-rotation history. It also resets
// the bandwidth accounting accumulated via RecordDownload since the
// previous call: the elapsed bytes/duration from the previous segment's
// downloads become this call's updated bandwidth estimate.
func (a *Adapter) Plan(history []HeadSample, segment int, firstSegment bool) Plan {
	if firstSegment {
		a.bandwidthEstimate = a.cfg.BandwidthEstimateSeedBps
	} else if a.downloadMs != 0 && a.bytesDownloaded != 0 {
		a.bandwidthEstimate = float64(a.bytesDownloaded) * (1000.0 / a.downloadMs)
	}
	a.bytesDownloaded = 0
	a.downloadMs = 0

	numQualityLevels := a.m.RepresentationCount() - 1
	lowest := numQualityLevels

	plan := make([]int, a.m.TileCount())
	for i := range plan {
		plan[i] = lowest
	}

	var downloadOrder []int
	transitioned := false

	switch {
	case !a.cfg.BandwidthAdaptation:
		// stay at lowest quality; no viewport scoring needed
	case a.cfg.Popularity && !a.cfg.ViewportPrediction:
		transitioned = true
	case a.bandwidthNeeded(plan) < a.bandwidthEstimate*0.75:
		visibility := a.predictTileVisibility(history)

		entries := make([]visEntry, 0, len(visibility))
		for tile, score := range visibility {
			entries = append(entries, visEntry{tile: tile, score: score})
		}
		sort.Slice(entries, func(i, j int) bool {
			if entries[i].score != entries[j].score {
				return entries[i].score < entries[j].score
			}
			return entries[i].tile > entries[j].tile
		})
		for i := len(entries) - 1; i >= 0; i-- {
			downloadOrder = append(downloadOrder, entries[i].tile)
		}
		for t := 0; t < a.m.TileCount(); t++ {
			if !contains(downloadOrder, t) {
				downloadOrder = append(downloadOrder, t)
			}
		}

		if len(entries) > 0 {
			maxVisibility := entries[len(entries)-1].score
			visibilityPerLevel := int(float64(maxVisibility) / float64(numQualityLevels+1))
			if visibilityPerLevel == 0 {
				visibilityPerLevel = 1
			}

			top := len(entries) - 1
			for entries[top].score != 0 {
				tile := entries[top].tile
				if plan[tile] > 0 {
					plan[tile]--
				}

				if a.bandwidthNeeded(plan) > a.bandwidthEstimate*0.75 {
					if a.cfg.Popularity && a.cfg.Transitions {
						transitioned = true
					}
					break
				}

				entries[top].score = max(0, entries[top].score-visibilityPerLevel)
				sort.Slice(entries, func(i, j int) bool { return entries[i].score < entries[j].score })
				top = len(entries) - 1
			}
		}
	}

	if transitioned {
		popPlan, ok, err := a.m.PopularityPlan(segment)
		if ok && err == nil {
			for tile, q := range popPlan {
				if tile < len(plan) {
					plan[tile] = q
				}
			}
		} else if err != nil {
			a.log.Warnf("popularity plan lookup failed for segment %d: %v", segment, err)
		}

		downloadOrder = downloadOrder[:0]
		for q := 0; q <= numQualityLevels; q++ {
			for i := 0; i < a.m.TileCount(); i++ {
				if plan[i] == q {
					downloadOrder = append(downloadOrder, i)
				}
			}
		}
	}

	if len(downloadOrder) == 0 {
		downloadOrder = make([]int, a.m.TileCount())
		for i := range downloadOrder {
			downloadOrder[i] = i
		}
	}

	a.tileQuality = plan
	a.downloadStart = time.Now()

	latestTimestampS := 0.0
	if len(history) > 0 {
		latestTimestampS = float64(history[len(history)-1].TimestampMs) / 1000.0
	}
	a.sink.AddSample(latestTimestampS, a.bandwidthEstimate*8/1_000_000, transitioned)

	return Plan{TileQuality: plan, DownloadOrder: downloadOrder, Transitioned: transitioned}
}

// RecordDownload accumulates one tile fetch's byte count and duration into
// the bandwidth estimate for the next Plan call. Cache hits are excluded,
// matching the origin-bandwidth-only measurement the estimator needs.
func (a *Adapter) RecordDownload(bytes int64, duration time.Duration, cacheHit bool) {
	if cacheHit {
		return
	}
	a.bytesDownloaded += bytes
	a.downloadMs += float64(duration.Milliseconds())
}

// IsLate reports whether more than 75% of one segment's nominal duration
// has elapsed since the last Plan call, the point at which a still-pending
// tile fetch should fall back to the lowest quality rather than risk
// missing the presentation deadline.
func (a *Adapter) IsLate() bool {
	segmentDuration := time.Duration(a.m.SegmentDurationS() * float64(time.Second))
	return time.Since(a.downloadStart) > time.Duration(0.75*float64(segmentDuration))
}

// LowestQuality returns the representation index used as the late-budget
// override and as the initial/no-budget plan.
func (a *Adapter) LowestQuality() int {
	return a.m.RepresentationCount() - 1
}

// CurrentQuality returns the quality currently planned for a tile.
func (a *Adapter) CurrentQuality(tile int) int {
	return a.tileQuality[tile]
}

func contains(s []int, v int) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}
