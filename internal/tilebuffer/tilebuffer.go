// Package tilebuffer implements the double-buffered byte source each tile's
// decoder reads from (component C2): the scheduler appends segments on one
// side while the demuxer reads from the other, swapping only once the
// reader has drained the side it is on.
package tilebuffer

import (
	"errors"
	"io"
	"sort"
	"sync"
)

// ErrClosed is a sentinel for a closed tile buffer. TileBuffer's own
// methods do not return it: Read reports io.EOF once the buffer has been
// marked done and fully drained.
var ErrClosed = errors.New("tilebuffer: closed")

// byteStream is a single growable byte segment with its own read cursor, the
// unit that gets filled by New/AddSegment and drained by Read/Seek.
type byteStream struct {
	buf []byte
	pos int
}

// append adds p to the stream. If the stream has already been fully read
// (every prior byte consumed), it discards the retired bytes first instead
// of growing unbounded, so a reused slot holds only its current generation.
func (s *byteStream) append(p []byte) {
	if s.pos == len(s.buf) {
		s.buf = append(s.buf[:0], p...)
		s.pos = 0
		return
	}
	s.buf = append(s.buf, p...)
}

func (s *byteStream) size() int64 { return int64(len(s.buf)) }

func (s *byteStream) read(p []byte) int {
	if s.pos >= len(s.buf) {
		return 0
	}
	n := copy(p, s.buf[s.pos:])
	s.pos += n
	return n
}

func (s *byteStream) seek(pos int64) bool {
	if pos < 0 || pos > int64(len(s.buf)) {
		return false
	}
	s.pos = int(pos)
	return true
}

// TileBuffer is the per-tile double-buffered byte stream. It implements
// io.ReadSeeker so a demuxer can be handed one directly.
type TileBuffer struct {
	mu   sync.Mutex
	cond *sync.Cond

	s1, s2 byteStream
	active *byteStream

	swapReady   bool
	done        bool
	swappedSize int64

	// qualityAtTime records, for telemetry, which quality index was active
	// starting at a given presentation timestamp (seconds).
	qualityAtTime []qualitySample
}

type qualitySample struct {
	timestamp float64
	quality   int
}

// New creates a TileBuffer seeded with the initialization segment followed
// by the first media segment.
func New(init, firstSegment []byte) *TileBuffer {
	tb := &TileBuffer{}
	tb.cond = sync.NewCond(&tb.mu)
	tb.s1.append(init)
	tb.s1.append(firstSegment)
	tb.active = &tb.s1
	return tb
}

// AddSegment appends a newly downloaded media segment to the inactive side
// of the buffer and wakes any reader blocked in swap. last marks the final
// segment of the representation: once it has also been read, Read returns
// io.EOF instead of blocking forever.
func (tb *TileBuffer) AddSegment(segment []byte, last bool) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	if tb.active == &tb.s1 {
		tb.s2.append(segment)
	} else {
		tb.s1.append(segment)
	}

	tb.swapReady = true
	tb.done = last
	tb.cond.Broadcast()
}

// AddQualitySample records which quality index is active starting at pts,
// for later lookup via QualityAtTime.
func (tb *TileBuffer) AddQualitySample(pts float64, quality int) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.qualityAtTime = append(tb.qualityAtTime, qualitySample{pts, quality})
}

// QualityAtTime returns the quality index that was active at the given
// presentation timestamp, i.e. the quality of the last sample whose
// timestamp is <= pts. Returns -1 if no sample precedes pts.
func (tb *TileBuffer) QualityAtTime(pts float64) int {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	idx := sort.Search(len(tb.qualityAtTime), func(i int) bool {
		return tb.qualityAtTime[i].timestamp > pts
	})
	if idx == 0 {
		return -1
	}
	return tb.qualityAtTime[idx-1].quality
}

// Read implements io.Reader. It drains the active side and, once
// exhausted, blocks in swap for either new data or the done signal.
func (tb *TileBuffer) Read(p []byte) (int, error) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	n := tb.active.read(p)
	if n > 0 {
		return n, nil
	}

	if !tb.swap() {
		return 0, io.EOF
	}
	n = tb.active.read(p)
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

// swap blocks until either a new segment has arrived or the buffer is
// marked done, then switches the active side if the other side has data.
// Caller must hold tb.mu.
func (tb *TileBuffer) swap() bool {
	for !tb.swapReady && !tb.done {
		tb.cond.Wait()
	}

	if tb.done && !tb.swapReady {
		return false
	}
	tb.swapReady = false

	if tb.active == &tb.s1 && tb.s2.size() > 0 {
		tb.swappedSize += tb.s1.size()
		tb.active = &tb.s2
		return true
	}
	if tb.active == &tb.s2 && tb.s1.size() > 0 {
		tb.swappedSize += tb.s2.size()
		tb.active = &tb.s1
		return true
	}
	return false
}

// Seek implements io.Seeker over the logical concatenation of everything
// ever appended: positions already swapped out are addressed by adding
// swappedSize, matching the absolute offsets a container demuxer expects.
// io.SeekEnd and the whence sentinel 0x10000 both report the total size seen
// so far (active side plus swappedSize); they ignore offset and do not move
// the read position.
func (tb *TileBuffer) Seek(offset int64, whence int) (int64, error) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	switch whence {
	case io.SeekEnd, 0x10000:
		return tb.active.size() + tb.swappedSize, nil
	case io.SeekCurrent:
		offset += int64(tb.active.pos) + tb.swappedSize
	case io.SeekStart:
		// offset is already absolute
	}

	local := offset - tb.swappedSize
	if !tb.active.seek(local) {
		return 0, errors.New("tilebuffer: seek out of range of active side")
	}
	return offset, nil
}

// Done reports whether the buffer has been marked as having received its
// last segment.
func (tb *TileBuffer) Done() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.done
}
