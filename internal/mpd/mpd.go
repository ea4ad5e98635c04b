// Package mpd implements the DASH-with-SRD manifest model (component C1):
// parsing, the period/tile/representation tree, URL builders, and the
// optional offline-popularity table.
package mpd

import (
	"encoding/xml"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/arnerak/360transitions/internal/coreerr"
)

// MPD is the root element of a tiled-360° Media Presentation Description.
type MPD struct {
	XMLName                   xml.Name `xml:"MPD"`
	MediaPresentationDuration string   `xml:"mediaPresentationDuration,attr"`
	Profiles                  string   `xml:"profiles,attr,omitempty"`
	Period                    Period   `xml:"Period"`
}

// Period groups the adaptation sets (tiles) for one contiguous span of the
// presentation, plus the optional popularity table attached by the offline
// tool.
type Period struct {
	ID             string          `xml:"id,attr,omitempty"`
	BaseURL        string          `xml:"BaseURL,omitempty"`
	AdaptationSets []AdaptationSet `xml:"AdaptationSet"`
	Popularity     *Popularity     `xml:"Popularity,omitempty"`
}

// AdaptationSet represents one tile: its spatial position (SRD) and its
// quality ladder, ordered highest quality first (index 0).
type AdaptationSet struct {
	ID              string           `xml:"id,attr,omitempty"`
	SRD             SRD              `xml:"SupplementalProperty"`
	Representations []Representation `xml:"Representation"`
}

// SRD is the Spatial Relationship Descriptor: tile index, pixel origin
// inside the composite, tile pixel size, and grid dimensions.
type SRD struct {
	I, X, Y, W, H, TH, TV int
}

// srdSchemeURI is the DASH SRD supplemental property's well-known scheme.
const srdSchemeURI = "urn:mpeg:dash:srd:2014"

// srdXML is the wire shape of <SupplementalProperty schemeIdUri="..." value="i,x,y,w,h,th,tv"/>.
type srdXML struct {
	SchemeIDURI string `xml:"schemeIdUri,attr"`
	Value       string `xml:"value,attr"`
}

// UnmarshalXML parses the comma-separated SRD value attribute.
func (s *SRD) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	var raw srdXML
	if err := d.DecodeElement(&raw, &start); err != nil {
		return err
	}
	fields := strings.Split(raw.Value, ",")
	if len(fields) != 7 {
		return fmt.Errorf("%w: SRD value %q does not have 7 comma-separated fields", coreerr.ErrManifestInvalid, raw.Value)
	}
	ints := make([]int, 7)
	for i, f := range fields {
		v, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil {
			return fmt.Errorf("%w: SRD field %q: %v", coreerr.ErrManifestInvalid, f, err)
		}
		ints[i] = v
	}
	s.I, s.X, s.Y, s.W, s.H, s.TH, s.TV = ints[0], ints[1], ints[2], ints[3], ints[4], ints[5], ints[6]
	return nil
}

// MarshalXML writes the SRD back out in the same comma-separated form it
// was parsed from.
func (s SRD) MarshalXML(e *xml.Encoder, start xml.StartElement) error {
	raw := srdXML{
		SchemeIDURI: srdSchemeURI,
		Value:       fmt.Sprintf("%d,%d,%d,%d,%d,%d,%d", s.I, s.X, s.Y, s.W, s.H, s.TH, s.TV),
	}
	return e.EncodeElement(raw, start)
}

// Representation is one quality level of a tile.
type Representation struct {
	ID          string      `xml:"id,attr"`
	Width       int         `xml:"width,attr,omitempty"`
	Height      int         `xml:"height,attr,omitempty"`
	Bandwidth   int         `xml:"bandwidth,attr"`
	FrameRate   string      `xml:"frameRate,attr,omitempty"`
	SegmentList SegmentList `xml:"SegmentList"`
}

// SegmentList is a representation's initialization segment plus its
// ordered media segments.
type SegmentList struct {
	Timescale      uint64       `xml:"timescale,attr"`
	Duration       uint64       `xml:"duration,attr"`
	Initialization Init         `xml:"Initialization"`
	SegmentURLs    []SegmentURL `xml:"SegmentURL"`
}

// Init is the initialization-segment URL.
type Init struct {
	SourceURL string `xml:"sourceURL,attr"`
}

// SegmentURL is one media segment's URL.
type SegmentURL struct {
	Media string `xml:"media,attr"`
}

// Popularity is the offline tool's per-segment quality table, attached as
// a child of Period.
type Popularity struct {
	Segments []SegmentPopularity `xml:"SegmentPopularity"`
}

// SegmentPopularity holds one segment's per-tile quality vector. Segment
// numbers on the wire are 1-based; TileQuality entries are zero-based
// quality indices in tile order.
type SegmentPopularity struct {
	Segment     int    `xml:"segment,attr"`
	TileQuality string `xml:"tileQuality,attr"`
}

// QualityPlan maps tile index to quality index for one segment.
type QualityPlan map[int]int

// Qualities parses the comma-separated TileQuality attribute into a
// QualityPlan keyed by tile index (position in the list).
func (sp SegmentPopularity) Qualities() (QualityPlan, error) {
	fields := strings.Split(sp.TileQuality, ",")
	plan := make(QualityPlan, len(fields))
	for i, f := range fields {
		q, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil {
			return nil, fmt.Errorf("%w: popularity tileQuality field %q: %v", coreerr.ErrManifestInvalid, f, err)
		}
		plan[i] = q
	}
	return plan, nil
}

// EncodeQualities renders a QualityPlan back into the comma-separated wire
// form, tiles in ascending index order. It is the inverse of Qualities,
// used so a popularity table can round-trip parse->mutate->serialise.
func EncodeQualities(plan QualityPlan, tileCount int) string {
	parts := make([]string, tileCount)
	for i := 0; i < tileCount; i++ {
		parts[i] = strconv.Itoa(plan[i])
	}
	return strings.Join(parts, ",")
}

// Parse decodes an MPD document and validates the invariants the rest of
// the client relies on: at least one adaptation set, consistent SRD grid
// dimensions, and equal representation/segment counts across tiles.
func Parse(data []byte) (*MPD, error) {
	var m MPD
	if err := xml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", coreerr.ErrManifestInvalid, err)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *MPD) validate() error {
	sets := m.Period.AdaptationSets
	if len(sets) == 0 {
		return fmt.Errorf("%w: no adaptation sets", coreerr.ErrManifestInvalid)
	}

	w, h, th, tv := sets[0].SRD.W, sets[0].SRD.H, sets[0].SRD.TH, sets[0].SRD.TV
	repCount := len(sets[0].Representations)
	segCount := -1
	if repCount > 0 {
		segCount = len(sets[0].Representations[0].SegmentList.SegmentURLs)
	}

	for i, as := range sets {
		if as.SRD.W != w || as.SRD.H != h || as.SRD.TH != th || as.SRD.TV != tv {
			return fmt.Errorf("%w: tile %d SRD grid (%d,%d,%d,%d) differs from tile 0's (%d,%d,%d,%d)",
				coreerr.ErrManifestInvalid, i, as.SRD.W, as.SRD.H, as.SRD.TH, as.SRD.TV, w, h, th, tv)
		}
		if len(as.Representations) != repCount {
			return fmt.Errorf("%w: tile %d has %d representations, expected %d",
				coreerr.ErrManifestInvalid, i, len(as.Representations), repCount)
		}
		for j, rep := range as.Representations {
			n := len(rep.SegmentList.SegmentURLs)
			if n != segCount {
				return fmt.Errorf("%w: tile %d representation %d has %d segments, expected %d",
					coreerr.ErrManifestInvalid, i, j, n, segCount)
			}
		}
	}
	return nil
}

// TileCount returns the number of adaptation sets (tiles).
func (m *MPD) TileCount() int { return len(m.Period.AdaptationSets) }

// RepresentationCount returns the number of quality levels per tile.
func (m *MPD) RepresentationCount() int {
	if m.TileCount() == 0 {
		return 0
	}
	return len(m.Period.AdaptationSets[0].Representations)
}

// SegmentCount returns the number of media segments per representation.
func (m *MPD) SegmentCount() int {
	if m.TileCount() == 0 || m.RepresentationCount() == 0 {
		return 0
	}
	return len(m.Period.AdaptationSets[0].Representations[0].SegmentList.SegmentURLs)
}

// FrameRate parses tile 0's highest-quality representation frame rate,
// accepting both "num/den" and plain-integer forms.
func (m *MPD) FrameRate() (float64, error) {
	if m.TileCount() == 0 || m.RepresentationCount() == 0 {
		return 0, fmt.Errorf("%w: no representations to read frame rate from", coreerr.ErrManifestInvalid)
	}
	return parseFrameRate(m.Period.AdaptationSets[0].Representations[0].FrameRate)
}

func parseFrameRate(s string) (float64, error) {
	if s == "" {
		return 0, fmt.Errorf("%w: empty frameRate", coreerr.ErrManifestInvalid)
	}
	if num, den, ok := strings.Cut(s, "/"); ok {
		n, err := strconv.ParseFloat(num, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: frameRate numerator %q: %v", coreerr.ErrManifestInvalid, num, err)
		}
		d, err := strconv.ParseFloat(den, 64)
		if err != nil || d == 0 {
			return 0, fmt.Errorf("%w: frameRate denominator %q", coreerr.ErrManifestInvalid, den)
		}
		return n / d, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: frameRate %q: %v", coreerr.ErrManifestInvalid, s, err)
	}
	return v, nil
}

// SegmentDurationS returns the segment duration in seconds, derived from
// tile 0's highest-quality representation's SegmentList.
func (m *MPD) SegmentDurationS() float64 {
	if m.TileCount() == 0 || m.RepresentationCount() == 0 {
		return 0
	}
	sl := m.Period.AdaptationSets[0].Representations[0].SegmentList
	if sl.Timescale == 0 {
		return 0
	}
	return float64(sl.Duration) / float64(sl.Timescale)
}

// RepresentationBandwidth returns the bandwidth in bits/s of the given
// tile's representation at the given quality index.
func (m *MPD) RepresentationBandwidth(tile, quality int) int {
	return m.Period.AdaptationSets[tile].Representations[quality].Bandwidth
}

// InitURL resolves the initialization segment URL for a tile's
// representation at the given quality index, against the location the
// manifest itself was fetched from.
func (m *MPD) InitURL(mpdLocationURL string, tile, quality int) (string, error) {
	rep := m.Period.AdaptationSets[tile].Representations[quality]
	return m.resolve(mpdLocationURL, rep.SegmentList.Initialization.SourceURL)
}

// MediaURL resolves the URL for one tile's media segment at the given
// segment index and quality, against the location the manifest itself was
// fetched from.
func (m *MPD) MediaURL(mpdLocationURL string, segment, tile, quality int) (string, error) {
	as := m.Period.AdaptationSets[tile]
	rep := as.Representations[quality]
	urls := rep.SegmentList.SegmentURLs
	if segment < 0 || segment >= len(urls) {
		return "", fmt.Errorf("%w: segment %d out of range [0,%d) for tile %d quality %d",
			coreerr.ErrManifestInvalid, segment, len(urls), tile, quality)
	}
	return m.resolve(mpdLocationURL, urls[segment].Media)
}

// resolve joins the MPD's fetch location, the Period's optional BaseURL,
// and a relative segment path into an absolute URL.
func (m *MPD) resolve(mpdLocationURL, relPath string) (string, error) {
	base, err := url.Parse(mpdLocationURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse mpdLocationURL %q: %w", mpdLocationURL, err)
	}

	currentBase := base
	if m.Period.BaseURL != "" {
		periodBase, err := url.Parse(m.Period.BaseURL)
		if err != nil {
			return "", fmt.Errorf("failed to parse period BaseURL %q: %w", m.Period.BaseURL, err)
		}
		currentBase = base.ResolveReference(periodBase)
	}

	rel, err := url.Parse(relPath)
	if err != nil {
		return "", fmt.Errorf("failed to parse path %q: %w", relPath, err)
	}
	return currentBase.ResolveReference(rel).String(), nil
}

// PopularityPlan returns the offline popularity plan for a 1-based segment
// index, if the manifest carries a popularity table.
func (m *MPD) PopularityPlan(segment int) (QualityPlan, bool, error) {
	if m.Period.Popularity == nil {
		return nil, false, nil
	}
	for _, sp := range m.Period.Popularity.Segments {
		if sp.Segment == segment {
			plan, err := sp.Qualities()
			if err != nil {
				return nil, false, err
			}
			return plan, true, nil
		}
	}
	return nil, false, nil
}
