// Package headtrace provides the bounded history of recent head-rotation
// samples the adaptation planner regresses over, plus an offline trace
// file reader used to replay a recorded head motion instead of live
// sensor input.
package headtrace

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/arnerak/360transitions/internal/quaternion"
)

// DefaultCapacity is the history window size used when none is specified,
// matching the buffer size the core's viewport predictor regresses over.
const DefaultCapacity = 1000

// Sample is one timestamped head-rotation observation.
type Sample struct {
	TimestampMs int64
	Rotation    quaternion.Quaternion
}

// Ring is a fixed-capacity, oldest-first history of head-rotation samples.
// Unlike a deque that evicts by popping the back, pushing past capacity
// here simply drops the oldest entry, since the only access pattern is a
// full ordered snapshot for regression.
type Ring struct {
	mu       sync.Mutex
	buf      []Sample
	capacity int
}

// NewRing creates a Ring holding at most capacity samples.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{capacity: capacity}
}

// Push appends a new sample, evicting the oldest one if the ring is full.
func (r *Ring) Push(s Sample) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buf = append(r.buf, s)
	if len(r.buf) > r.capacity {
		r.buf = r.buf[len(r.buf)-r.capacity:]
	}
}

// Snapshot returns a copy of the current samples, oldest first.
func (r *Ring) Snapshot() []Sample {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Sample, len(r.buf))
	copy(out, r.buf)
	return out
}

// Len reports the number of samples currently held.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buf)
}

// Trace is a pre-recorded head-rotation track loaded from a trace file,
// used to drive the planner deterministically instead of live sensor
// input.
type Trace struct {
	samples []Sample
}

// LoadTrace reads a trace file of whitespace-separated rows
// "timestamp w w x y z" (the second column duplicates w and is discarded,
// a known quirk of this trace format) and returns the parsed,
// timestamp-sorted samples.
func LoadTrace(path string) (*Trace, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open head trace file %s: %w", path, err)
	}
	defer f.Close()

	var samples []Sample
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 6 {
			return nil, fmt.Errorf("head trace file %s line %d: expected 6 fields, got %d", path, lineNo, len(fields))
		}

		ts, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			return nil, fmt.Errorf("head trace file %s line %d: invalid timestamp %q: %w", path, lineNo, fields[0], err)
		}
		w, err := strconv.ParseFloat(fields[2], 64)
		if err != nil {
			return nil, fmt.Errorf("head trace file %s line %d: invalid w %q: %w", path, lineNo, fields[2], err)
		}
		x, err := strconv.ParseFloat(fields[3], 64)
		if err != nil {
			return nil, fmt.Errorf("head trace file %s line %d: invalid x %q: %w", path, lineNo, fields[3], err)
		}
		y, err := strconv.ParseFloat(fields[4], 64)
		if err != nil {
			return nil, fmt.Errorf("head trace file %s line %d: invalid y %q: %w", path, lineNo, fields[4], err)
		}
		z, err := strconv.ParseFloat(fields[5], 64)
		if err != nil {
			return nil, fmt.Errorf("head trace file %s line %d: invalid z %q: %w", path, lineNo, fields[5], err)
		}

		samples = append(samples, Sample{
			TimestampMs: int64(ts),
			Rotation:    quaternion.Quaternion{W: w, X: x, Y: y, Z: z},
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read head trace file %s: %w", path, err)
	}

	sort.Slice(samples, func(i, j int) bool { return samples[i].TimestampMs < samples[j].TimestampMs })
	return &Trace{samples: samples}, nil
}

// RotationForTimestamp returns the rotation recorded at the first sample
// whose timestamp is at or after timestampMs. If every sample precedes
// timestampMs, the last sample is returned instead of an out-of-range
// lookup.
func (t *Trace) RotationForTimestamp(timestampMs int64) (quaternion.Quaternion, error) {
	if len(t.samples) == 0 {
		return quaternion.Quaternion{}, fmt.Errorf("head trace is empty")
	}

	idx := sort.Search(len(t.samples), func(i int) bool { return t.samples[i].TimestampMs >= timestampMs })
	if idx == len(t.samples) {
		idx = len(t.samples) - 1
	}
	return t.samples[idx].Rotation, nil
}
