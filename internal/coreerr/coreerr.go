// Package coreerr defines the sentinel error vocabulary shared across the
// client's core subsystems (spec §7). ShortBudget and StreamEOF are not
// represented here: the former is a plan-quality outcome, not an error, and
// the latter is signalled by a tile buffer's Read returning io.EOF once it is
// marked done and drained, rather than through a sentinel of this package.
package coreerr

import "errors"

var (
	// ErrManifestInvalid means the MPD failed to parse or violates a
	// required invariant (e.g. mismatched representation counts across
	// tiles). Fatal; surfaced at startup.
	ErrManifestInvalid = errors.New("manifest invalid")

	// ErrFetchFailed means a segment fetch failed after retries. The
	// caller marks the affected tile buffer done with no further data.
	ErrFetchFailed = errors.New("fetch failed")

	// ErrDecodeError means a tile's demuxer or decoder failed on a frame.
	// The caller should treat it as a stall and promote to EOF only if it
	// persists.
	ErrDecodeError = errors.New("decode error")
)
