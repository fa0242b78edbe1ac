// Package plan holds user edit intent and resolves it onto exact packet
// boundaries. The resolver is pure: it reads a stream index and a plan
// and produces a resolved cut plus diagnostics, touching no files.
package plan

import (
	"errors"
	"fmt"

	"github.com/clipcut/clipcut-agent/internal/media"
)

var (
	// ErrEmptySelection means the plan selects no streams.
	ErrEmptySelection = errors.New("no streams selected")
	// ErrRangeOutOfBounds means a range lies entirely outside the
	// container's duration.
	ErrRangeOutOfBounds = errors.New("range out of bounds")
)

// Range is one kept time span in milliseconds, half-open [StartMs, EndMs).
// Milliseconds are the container-independent master time base; the
// resolver converts to per-stream ticks.
type Range struct {
	StartMs int64 `json:"start_ms"`
	EndMs   int64 `json:"end_ms"`
}

// EditPlan is the user's edit intent. It is authored by the GUI and
// consumed read-only by the resolver.
type EditPlan struct {
	SourcePath    string  `json:"source_path"`
	StreamIndices []int   `json:"stream_indices"`
	Ranges        []Range `json:"ranges"`
	OutputFormat  string  `json:"output_format"`
}

// Validate checks the plan's internal invariants: at least one stream,
// sorted non-overlapping positive-length ranges, an output format.
func (p *EditPlan) Validate() error {
	if p.SourcePath == "" {
		return fmt.Errorf("source path is required")
	}
	if len(p.StreamIndices) == 0 {
		return ErrEmptySelection
	}
	if p.OutputFormat == "" {
		return fmt.Errorf("output format is required")
	}
	if len(p.Ranges) == 0 {
		return fmt.Errorf("at least one range is required")
	}

	seen := make(map[int]bool, len(p.StreamIndices))
	for _, idx := range p.StreamIndices {
		if idx < 0 {
			return fmt.Errorf("negative stream index %d", idx)
		}
		if seen[idx] {
			return fmt.Errorf("duplicate stream index %d", idx)
		}
		seen[idx] = true
	}

	prevEnd := int64(-1)
	for i, r := range p.Ranges {
		if r.StartMs < 0 {
			return fmt.Errorf("range %d: negative start", i)
		}
		if r.EndMs <= r.StartMs {
			return fmt.Errorf("range %d: end %dms is not after start %dms", i, r.EndMs, r.StartMs)
		}
		if r.StartMs < prevEnd {
			return fmt.Errorf("range %d: overlaps or precedes the previous range", i)
		}
		prevEnd = r.EndMs
	}

	return nil
}

// Segment is one kept packet span of a stream, in that stream's time
// base. Packets with StartTicks <= PTS < EndTicks are kept; OffsetTicks
// added to their timestamps yields zero-based output time.
type Segment struct {
	StartTicks  int64 `json:"start_ticks"`
	EndTicks    int64 `json:"end_ticks"`
	OffsetTicks int64 `json:"offset_ticks"`
}

// StreamCut is the resolved plan for one selected stream.
type StreamCut struct {
	StreamIndex int              `json:"stream_index"`
	Kind        media.StreamKind `json:"kind"`
	CodecID     string           `json:"codec_id"`
	TimeBase    media.Rational   `json:"time_base"`
	Segments    []Segment        `json:"segments"`
}

// OutputTicks is the stream's total kept duration in its own time base.
func (sc *StreamCut) OutputTicks() int64 {
	var total int64
	for _, seg := range sc.Segments {
		total += seg.EndTicks - seg.StartTicks
	}
	return total
}

// ResolvedCut is the validated, packet-exact edit. Immutable once built;
// the remux engine consumes it read-only.
type ResolvedCut struct {
	SourcePath   string      `json:"source_path"`
	OutputFormat string      `json:"output_format"`
	Streams      []StreamCut `json:"streams"`
	Diagnostics  []string    `json:"diagnostics,omitempty"`
}
