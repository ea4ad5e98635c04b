package scheduler_test

import (
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/arnerak/360transitions/internal/adaptation"
	"github.com/arnerak/360transitions/internal/config"
	"github.com/arnerak/360transitions/internal/headtrace"
	"github.com/arnerak/360transitions/internal/logger"
	"github.com/arnerak/360transitions/internal/mpd"
	"github.com/arnerak/360transitions/internal/quaternion"
	"github.com/arnerak/360transitions/internal/scheduler"
	"github.com/arnerak/360transitions/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func twoTileTwoSegmentManifest(t *testing.T) *mpd.MPD {
	t.Helper()
	tile := func(id string, i, x int) string {
		return `<AdaptationSet id="` + id + `">
			<SupplementalProperty schemeIdUri="urn:mpeg:dash:srd:2014" value="` + fmt.Sprint(i) + `,` + fmt.Sprint(x) + `,0,480,960,2,1"/>
			<Representation id="` + id + `-hi" bandwidth="1000000" frameRate="30/1">
				<SegmentList timescale="1" duration="1">
					<Initialization sourceURL="` + id + `/init.m4s"/>
					<SegmentURL media="` + id + `/seg1.m4s"/>
					<SegmentURL media="` + id + `/seg2.m4s"/>
				</SegmentList>
			</Representation>
		</AdaptationSet>`
	}
	doc := `<?xml version="1.0"?>
<MPD mediaPresentationDuration="PT2S">
	<Period id="0" BaseURL="">
		` + tile("t0", 0, 0) + tile("t1", 1, 480) + `
	</Period>
</MPD>`
	m, err := mpd.Parse([]byte(doc))
	require.NoError(t, err)
	return m
}

type fakeFetcher struct{}

func (fakeFetcher) Fetch(ctx context.Context, url string) (transport.Result, error) {
	return transport.Result{Data: []byte(url), Duration: time.Millisecond}, nil
}

type alwaysAheadClock struct{}

func (alwaysAheadClock) LastDisplayedFrame() int64 { return 1 << 30 }

func TestRunDownloadsAllSegmentsForAllTiles(t *testing.T) {
	m := twoTileTwoSegmentManifest(t)
	cfg := config.Default()
	a := adaptation.New(m, cfg, logger.Nop(), nil)
	heads := headtrace.NewRing(10)
	heads.Push(headtrace.Sample{TimestampMs: 0, Rotation: quaternion.Identity()})

	s := scheduler.New(m, "https://cdn.example.com/manifest.mpd", a, fakeFetcher{}, heads, alwaysAheadClock{}, cfg, logger.Nop())

	err := s.Run(context.Background())
	require.NoError(t, err)

	buffers := s.Buffers()
	require.Len(t, buffers, 2)
	for _, buf := range buffers {
		require.NotNil(t, buf)
		data, err := io.ReadAll(buf)
		require.NoError(t, err)
		assert.NotEmpty(t, data)
		assert.True(t, buf.Done())
	}
}

func TestRunReturnsErrorWhenNoHeadSamplesBeforeContextCancel(t *testing.T) {
	m := twoTileTwoSegmentManifest(t)
	cfg := config.Default()
	a := adaptation.New(m, cfg, logger.Nop(), nil)
	heads := headtrace.NewRing(10)

	s := scheduler.New(m, "https://cdn.example.com/manifest.mpd", a, fakeFetcher{}, heads, alwaysAheadClock{}, cfg, logger.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := s.Run(ctx)
	require.Error(t, err)
}
