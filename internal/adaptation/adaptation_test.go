package adaptation_test

import (
	"testing"
	"time"

	"github.com/arnerak/360transitions/internal/adaptation"
	"github.com/arnerak/360transitions/internal/config"
	"github.com/arnerak/360transitions/internal/logger"
	"github.com/arnerak/360transitions/internal/mpd"
	"github.com/arnerak/360transitions/internal/quaternion"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fourTileManifest builds a 2x2 tile grid, three quality levels per tile,
// two segments, with a popularity table covering segment 1.
func fourTileManifest(t *testing.T, bandwidths [3]int) *mpd.MPD {
	t.Helper()

	tile := func(id string, i, x, y int) string {
		out := `<AdaptationSet id="` + id + `">
			<SupplementalProperty schemeIdUri="urn:mpeg:dash:srd:2014" value="` + itoa(i) + `,` + itoa(x) + `,` + itoa(y) + `,480,480,2,2"/>`
		for q := 0; q < 3; q++ {
			out += `<Representation id="` + id + "-" + itoa(q) + `" bandwidth="` + itoa(bandwidths[q]) + `" frameRate="30/1">
				<SegmentList timescale="1" duration="4">
					<Initialization sourceURL="` + id + `/` + itoa(q) + `/init.m4s"/>
					<SegmentURL media="` + id + `/` + itoa(q) + `/seg1.m4s"/>
					<SegmentURL media="` + id + `/` + itoa(q) + `/seg2.m4s"/>
				</SegmentList>
			</Representation>`
		}
		out += `</AdaptationSet>`
		return out
	}

	doc := `<?xml version="1.0"?>
<MPD mediaPresentationDuration="PT8S">
	<Period id="0" BaseURL="v/">
		` + tile("t0", 0, 0, 0) + tile("t1", 1, 480, 0) + tile("t2", 2, 0, 480) + tile("t3", 3, 480, 480) + `
		<Popularity>
			<SegmentPopularity segment="1" tileQuality="2,2,2,0"/>
		</Popularity>
	</Period>
</MPD>`

	m, err := mpd.Parse([]byte(doc))
	require.NoError(t, err)
	return m
}

func itoa(n int) string {
	digits := "0123456789"
	if n == 0 {
		return "0"
	}
	out := ""
	for n > 0 {
		out = string(digits[n%10]) + out
		n /= 10
	}
	return out
}

type capturingSink struct {
	samples []sample
}

type sample struct {
	ts, mbps    float64
	transitioned bool
}

func (s *capturingSink) AddSample(ts, mbps float64, transitioned bool) {
	s.samples = append(s.samples, sample{ts, mbps, transitioned})
}

func TestPlanStaysLowestQualityWhenBandwidthAdaptationDisabled(t *testing.T) {
	m := fourTileManifest(t, [3]int{4_000_000, 2_000_000, 500_000})
	cfg := config.Default()
	cfg.BandwidthAdaptation = false

	a := adaptation.New(m, cfg, logger.Nop(), nil)
	plan := a.Plan([]adaptation.HeadSample{{TimestampMs: 0, Rotation: quaternion.Identity()}}, 1, true)

	for _, q := range plan.TileQuality {
		assert.Equal(t, 2, q)
	}
	assert.False(t, plan.Transitioned)
	assertPermutationOfTiles(t, plan.DownloadOrder, m)
}

func TestPlanDownloadOrderIsAFullPermutationWhenBudgetAlreadyTight(t *testing.T) {
	m := fourTileManifest(t, [3]int{4_000_000, 2_000_000, 500_000})
	cfg := config.Default()
	cfg.BandwidthEstimateSeedBps = 1 // any plan exceeds 0.75x this estimate

	a := adaptation.New(m, cfg, logger.Nop(), nil)
	plan := a.Plan([]adaptation.HeadSample{{TimestampMs: 0, Rotation: quaternion.Identity()}}, 1, true)

	assertPermutationOfTiles(t, plan.DownloadOrder, m)
}

// assertPermutationOfTiles checks that order visits every tile index in
// m exactly once, regardless of the order's ranking.
func assertPermutationOfTiles(t *testing.T, order []int, m *mpd.MPD) {
	t.Helper()
	require.Len(t, order, m.TileCount())
	seen := make(map[int]bool, len(order))
	for _, tile := range order {
		assert.False(t, seen[tile], "tile %d listed more than once in download order", tile)
		seen[tile] = true
	}
	assert.Len(t, seen, m.TileCount())
}

func TestPlanUpgradesVisibleTilesWithinBudget(t *testing.T) {
	m := fourTileManifest(t, [3]int{1_000_000, 500_000, 100_000})
	cfg := config.Default()
	cfg.BandwidthEstimateSeedBps = 8_000_000 // plenty of budget at first plan

	a := adaptation.New(m, cfg, logger.Nop(), nil)
	plan := a.Plan([]adaptation.HeadSample{{TimestampMs: 0, Rotation: quaternion.Identity()}}, 1, true)

	upgraded := false
	for _, q := range plan.TileQuality {
		if q < 2 {
			upgraded = true
		}
	}
	assert.True(t, upgraded, "expected at least one tile upgraded above lowest quality given ample bandwidth")
	assert.Len(t, plan.DownloadOrder, 4)
}

func TestPlanForcesPopularityWhenPredictionDisabled(t *testing.T) {
	m := fourTileManifest(t, [3]int{1_000_000, 500_000, 100_000})
	cfg := config.Default()
	cfg.ViewportPrediction = false
	cfg.Popularity = true

	a := adaptation.New(m, cfg, logger.Nop(), nil)
	plan := a.Plan([]adaptation.HeadSample{{TimestampMs: 0, Rotation: quaternion.Identity()}}, 1, true)

	require.True(t, plan.Transitioned)
	assert.Equal(t, []int{2, 2, 2, 0}, plan.TileQuality)
}

func TestPlanFallsBackToLowestWhenNoPopularityTableAndTransitioned(t *testing.T) {
	m := fourTileManifest(t, [3]int{1_000_000, 500_000, 100_000})
	cfg := config.Default()
	cfg.ViewportPrediction = false
	cfg.Popularity = true

	a := adaptation.New(m, cfg, logger.Nop(), nil)
	// segment 2 has no popularity entry in the fixture
	plan := a.Plan([]adaptation.HeadSample{{TimestampMs: 0, Rotation: quaternion.Identity()}}, 2, true)

	require.True(t, plan.Transitioned)
	for _, q := range plan.TileQuality {
		assert.Equal(t, 2, q)
	}
}

func TestPlanEmitsTelemetrySample(t *testing.T) {
	m := fourTileManifest(t, [3]int{1_000_000, 500_000, 100_000})
	sink := &capturingSink{}
	a := adaptation.New(m, config.Default(), logger.Nop(), sink)

	a.Plan([]adaptation.HeadSample{{TimestampMs: 4000, Rotation: quaternion.Identity()}}, 1, true)

	require.Len(t, sink.samples, 1)
	assert.Equal(t, 4.0, sink.samples[0].ts)
}

func TestRecordDownloadExcludesCacheHitsFromBandwidthEstimate(t *testing.T) {
	m := fourTileManifest(t, [3]int{1_000_000, 500_000, 100_000})
	a := adaptation.New(m, config.Default(), logger.Nop(), nil)

	a.Plan([]adaptation.HeadSample{{TimestampMs: 0, Rotation: quaternion.Identity()}}, 1, true)
	a.RecordDownload(1_000_000, 100*time.Millisecond, true)
	a.RecordDownload(200_000, 100*time.Millisecond, false)

	// a second Plan call should derive its bandwidth estimate only from the
	// non-cache-hit download; checked on a fresh adapter with a capturing sink
	sink := &capturingSink{}
	a2 := adaptation.New(m, config.Default(), logger.Nop(), sink)
	a2.Plan([]adaptation.HeadSample{{TimestampMs: 0, Rotation: quaternion.Identity()}}, 1, true)
	a2.RecordDownload(9_000_000, 100*time.Millisecond, true)
	a2.RecordDownload(300_000, 100*time.Millisecond, false)
	a2.Plan([]adaptation.HeadSample{{TimestampMs: 4000, Rotation: quaternion.Identity()}}, 2, false)

	require.Len(t, sink.samples, 2)
	// 300_000 bytes / 0.1s = 3_000_000 bytes/sec -> *8/1e6 = 24 Mbit/s
	assert.InDelta(t, 24.0, sink.samples[1].mbps, 1e-6)
}

func TestLowestQualityIsLastRepresentationIndex(t *testing.T) {
	m := fourTileManifest(t, [3]int{1_000_000, 500_000, 100_000})
	a := adaptation.New(m, config.Default(), logger.Nop(), nil)
	assert.Equal(t, 2, a.LowestQuality())
}

func TestIsLateIsFalseRightAfterPlan(t *testing.T) {
	m := fourTileManifest(t, [3]int{1_000_000, 500_000, 100_000})
	a := adaptation.New(m, config.Default(), logger.Nop(), nil)

	a.Plan([]adaptation.HeadSample{{TimestampMs: 0, Rotation: quaternion.Identity()}}, 1, true)
	assert.False(t, a.IsLate())
}
