// Package decode implements the per-tile decode and YUV-plane merge
// pipeline (component C5): it demuxes and decodes one frame per tile per
// cycle, composites them into a single equirectangular picture, and hands
// composite frames to a deadline-driven presentation loop.
//
// No ISO-BMFF demuxer or video codec library is available anywhere in the
// retrieval pack, so TileDecoder is a narrow collaborator interface: the
// pipeline only requires that decoding a tile's byte stream yields YUV
// 4:2:0 frames of a known size, keeping the actual demux/decode step
// pluggable. RawYUVDecoder is the in-repo implementation,
// reading fixed-size planar frames directly off a tile's byte stream; a
// real container/codec implementation would satisfy the same interface.
package decode

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/arnerak/360transitions/internal/coreerr"
	"github.com/arnerak/360transitions/internal/logger"
	"github.com/arnerak/360transitions/internal/tilebuffer"
)

// maxConsecutiveDecodeErrors bounds how many times in a row a tile may
// fail to decode before the pipeline gives up and promotes the stream to
// EOF rather than stalling forever.
const maxConsecutiveDecodeErrors = 5

// Frame is one tile's decoded YUV 4:2:0 planar picture.
type Frame struct {
	Y, U, V       []byte
	Width, Height int
	Valid         bool
}

// TileDecoder yields successive decoded frames for one tile's byte
// stream, in presentation order. NextFrame returns io.EOF once the
// underlying tile buffer is exhausted.
type TileDecoder interface {
	NextFrame() (Frame, error)
}

// RawYUVDecoder reads fixed-size I420 frames directly from a tile's byte
// stream with no container framing, the fixture codec used when no real
// demuxer/decoder is wired in.
type RawYUVDecoder struct {
	r             io.Reader
	width, height int
}

// NewRawYUVDecoder builds a RawYUVDecoder reading width x height I420
// frames from r.
func NewRawYUVDecoder(r io.Reader, width, height int) *RawYUVDecoder {
	return &RawYUVDecoder{r: r, width: width, height: height}
}

// NextFrame implements TileDecoder.
func (d *RawYUVDecoder) NextFrame() (Frame, error) {
	ySize := d.width * d.height
	cSize := (d.width / 2) * (d.height / 2)
	buf := make([]byte, ySize+2*cSize)

	if _, err := io.ReadFull(d.r, buf); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return Frame{}, io.EOF
		}
		return Frame{}, fmt.Errorf("%w: %v", coreerr.ErrDecodeError, err)
	}

	return Frame{
		Y:      buf[:ySize],
		U:      buf[ySize : ySize+cSize],
		V:      buf[ySize+cSize:],
		Width:  d.width,
		Height: d.height,
		Valid:  true,
	}, nil
}

// TileLayout is a tile's pixel placement within the composite frame.
type TileLayout struct {
	X, Y, W, H int
}

// CompositeFrame is one merged, presentation-ready picture.
type CompositeFrame struct {
	PTSMs         float64
	Y, U, V       []byte
	Width, Height int
}

// PresentResult is returned from Present once per renderer tick.
type PresentResult struct {
	PTSMs         float64
	FramesDropped int
	Finished      bool
	Frame         CompositeFrame
}

// Pipeline owns the decode goroutine and the bounded composite-frame
// queue it feeds.
type Pipeline struct {
	decoders        []TileDecoder
	layouts         []TileLayout
	buffers         []*tilebuffer.TileBuffer
	frameWidth      int
	frameHeight     int
	frameDurationMs float64
	demo            bool
	queue           *FrameQueue
	log             logger.Logger

	mu                 sync.Mutex
	stallingMs         float64
	currentPTSMs       float64
	lastDisplayedFrame int64
}

// New builds a Pipeline. decoders and buffers may be nil at construction
// time and supplied later via BindDecoders, since a tile's TileDecoder
// can only be built once the scheduler has fetched its first segment.
// buffers is used only for demo-mode quality labelling
// (TileBuffer.QualityAtTime); the byte data itself flows through
// decoders.
func New(decoders []TileDecoder, layouts []TileLayout, buffers []*tilebuffer.TileBuffer, frameWidth, frameHeight int, frameRate float64, queueCapacity int, demo bool, log logger.Logger) *Pipeline {
	return &Pipeline{
		decoders:        decoders,
		layouts:         layouts,
		buffers:         buffers,
		frameWidth:      frameWidth,
		frameHeight:     frameHeight,
		frameDurationMs: 1000.0 / frameRate,
		demo:            demo,
		queue:           NewFrameQueue(queueCapacity),
		log:             log,
	}
}

// BindDecoders attaches the per-tile decoders and their source buffers
// once they exist. Must be called before Run.
func (p *Pipeline) BindDecoders(decoders []TileDecoder, buffers []*tilebuffer.TileBuffer) {
	p.decoders = decoders
	p.buffers = buffers
}

// Run decodes and composites frames until any tile reaches EOF, the
// queue is stopped, or ctx is cancelled. It always marks the queue
// complete on return so Present can observe end of stream.
func (p *Pipeline) Run(ctx context.Context) error {
	defer p.queue.SetComplete()

	lastGood := make([]Frame, len(p.decoders))
	consecutiveErrors := make([]int, len(p.decoders))
	frameIndex := 0

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		tileFrames := make([]Frame, len(p.decoders))
		reachedEOF := false

		for t, d := range p.decoders {
			f, err := d.NextFrame()
			switch {
			case err == io.EOF:
				reachedEOF = true
			case err != nil:
				p.log.Warnf("tile %d decode error at frame %d: %v", t, frameIndex, err)
				consecutiveErrors[t]++
				if consecutiveErrors[t] >= maxConsecutiveDecodeErrors {
					reachedEOF = true
				} else {
					f = lastGood[t]
				}
			default:
				consecutiveErrors[t] = 0
				lastGood[t] = f
			}
			tileFrames[t] = f
			if reachedEOF {
				break
			}
		}

		if reachedEOF {
			return nil
		}

		composite := p.merge(tileFrames, frameIndex)
		if !p.queue.Push(composite) {
			return nil
		}
		frameIndex++
	}
}

// merge composites one frame per tile into a single YUV 4:2:0 picture. In
// demo mode the chroma is overwritten with a flat color keyed to the
// tile's quality instead of copying decoded chroma, so quality decisions
// are visible directly in the output.
func (p *Pipeline) merge(tiles []Frame, frameIndex int) CompositeFrame {
	ySize := p.frameWidth * p.frameHeight
	cSize := (p.frameWidth / 2) * (p.frameHeight / 2)

	out := CompositeFrame{
		PTSMs:  float64(frameIndex) * p.frameDurationMs,
		Y:      make([]byte, ySize),
		U:      make([]byte, cSize),
		V:      make([]byte, cSize),
		Width:  p.frameWidth,
		Height: p.frameHeight,
	}

	for t, tile := range p.layouts {
		if !tiles[t].Valid {
			continue
		}
		if p.demo {
			p.paintDemoTile(out, tile, t, out.PTSMs)
		} else {
			copyTile(out, tile, tiles[t])
		}
	}

	return out
}

func copyTile(dst CompositeFrame, layout TileLayout, src Frame) {
	for row := 0; row < layout.H; row++ {
		dstOff := (layout.Y+row)*dst.Width + layout.X
		srcOff := row * layout.W
		copy(dst.Y[dstOff:dstOff+layout.W], src.Y[srcOff:srcOff+layout.W])

		if row%2 == 1 {
			ch := row / 2
			cw := layout.W / 2
			dstCOff := (layout.Y/2+ch)*(dst.Width/2) + layout.X/2
			srcCOff := ch * cw
			copy(dst.U[dstCOff:dstCOff+cw], src.U[srcCOff:srcCOff+cw])
			copy(dst.V[dstCOff:dstCOff+cw], src.V[srcCOff:srcCOff+cw])
		}
	}
}

// paintDemoTile fills a tile's luma with mid-gray and its chroma with a
// flat color proportional to the quality that was active at this frame's
// timestamp, so a viewer can see which tiles were fetched at which
// quality without decoding the actual picture content.
func (p *Pipeline) paintDemoTile(dst CompositeFrame, layout TileLayout, tile int, ptsMs float64) {
	quality := 0
	if tile < len(p.buffers) && p.buffers[tile] != nil {
		if q := p.buffers[tile].QualityAtTime(ptsMs / 1000.0); q >= 0 {
			quality = q
		}
	}
	chromaLevel := byte(quality * (255 / 3))

	for row := 0; row < layout.H; row++ {
		dstOff := (layout.Y+row)*dst.Width + layout.X
		for i := 0; i < layout.W; i++ {
			dst.Y[dstOff+i] = 127
		}

		if row%2 == 1 {
			ch := row / 2
			cw := layout.W / 2
			dstCOff := (layout.Y/2+ch)*(dst.Width/2) + layout.X/2
			for i := 0; i < cw; i++ {
				dst.U[dstCOff+i] = 0
				dst.V[dstCOff+i] = chromaLevel
			}
		}
	}
}

// Present drains the composite frame queue up to deadlineMs (milliseconds
// since playback start), returning the most recent frame whose
// presentation timestamp has arrived and how many earlier queued frames
// were dropped to catch up.
func (p *Pipeline) Present(deadlineMs float64) PresentResult {
	p.mu.Lock()
	defer p.mu.Unlock()

	effectiveDeadline := deadlineMs - p.stallingMs

	if _, ok := p.queue.PeekFront(); !ok && effectiveDeadline >= p.currentPTSMs+p.frameDurationMs {
		p.stallingMs += effectiveDeadline - (p.currentPTSMs + p.frameDurationMs)
		effectiveDeadline = deadlineMs - p.stallingMs
	}

	var kept *CompositeFrame
	used := 0
	for {
		f, ok := p.queue.PeekFront()
		if !ok || f.PTSMs > effectiveDeadline {
			break
		}
		frame, _ := p.queue.PopFront()
		kept = &frame
		used++
		p.lastDisplayedFrame++
	}

	dropped := 0
	if used > 0 {
		dropped = used - 1
	}

	result := PresentResult{PTSMs: p.currentPTSMs, FramesDropped: dropped}
	if kept != nil {
		p.currentPTSMs = kept.PTSMs
		result.PTSMs = kept.PTSMs
		result.Frame = *kept
	}
	result.Finished = p.queue.IsAllDone()

	return result
}

// LastDisplayedFrame implements scheduler.PlaybackClock: it reports how
// many composite frames Present has taken off the queue so far (dropped
// frames included), the signal the scheduler's throttle waits on.
func (p *Pipeline) LastDisplayedFrame() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastDisplayedFrame
}

// Stop unblocks the decode goroutine if it is blocked pushing to a full
// queue, for use during shutdown.
func (p *Pipeline) Stop() {
	p.queue.Stop()
}
