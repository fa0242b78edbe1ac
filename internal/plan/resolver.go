package plan

import (
	"fmt"
	"sort"

	"github.com/clipcut/clipcut-agent/internal/media"
	"github.com/clipcut/clipcut-agent/internal/probe"
)

// Resolve maps the plan's millisecond ranges onto exact packet
// boundaries per selected stream. Video segment starts snap down to the
// nearest keyframe so the first group of pictures of every kept span
// stays decodable; ends are clipped, never snapped. Diagnostics describe
// every snap and are returned alongside success, never as errors.
func Resolve(index *probe.StreamIndex, p *EditPlan) (*ResolvedCut, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	duration := index.DurationMs
	for i, r := range p.Ranges {
		if r.StartMs >= duration {
			return nil, fmt.Errorf("%w: range %d starts at %dms, container ends at %dms",
				ErrRangeOutOfBounds, i, r.StartMs, duration)
		}
	}

	cut := &ResolvedCut{
		SourcePath:   p.SourcePath,
		OutputFormat: p.OutputFormat,
	}

	for _, streamIdx := range p.StreamIndices {
		desc := index.Stream(streamIdx)
		if desc == nil {
			return nil, fmt.Errorf("stream %d does not exist in %s", streamIdx, index.SourcePath)
		}

		sc := StreamCut{
			StreamIndex: desc.Index,
			Kind:        desc.Kind,
			CodecID:     desc.CodecID,
			TimeBase:    desc.TimeBase,
		}

		var produced int64 // kept ticks so far, drives each segment offset
		for _, r := range p.Ranges {
			endMs := r.EndMs
			if endMs > duration {
				endMs = duration
			}

			start := desc.TimeBase.TicksFromMillis(r.StartMs)
			end := desc.TimeBase.TicksFromMillis(endMs)
			if desc.DurationTicks > 0 && end > desc.DurationTicks {
				end = desc.DurationTicks
			}

			if desc.Kind == media.KindVideo {
				snapped, diag := snapToKeyframe(desc, start, end)
				if diag != "" {
					cut.Diagnostics = append(cut.Diagnostics, diag)
				}
				start = snapped
			}
			if end <= start {
				// The range holds no packets of this stream.
				continue
			}

			sc.Segments = append(sc.Segments, Segment{
				StartTicks:  start,
				EndTicks:    end,
				OffsetTicks: -start + produced,
			})
			produced += end - start
		}

		cut.Streams = append(cut.Streams, sc)
	}

	return cut, nil
}

// snapToKeyframe moves a video segment start down to the nearest
// keyframe at or before it. A start before the first keyframe snaps up
// instead, widening into the first decodable packet.
func snapToKeyframe(desc *probe.StreamDescriptor, start, end int64) (int64, string) {
	kf := desc.KeyframeTimestamps
	if len(kf) == 0 {
		return start, ""
	}

	// Index of the first keyframe > start.
	i := sort.Search(len(kf), func(i int) bool { return kf[i] > start })
	if i == 0 {
		first := kf[0]
		if first == start {
			return start, ""
		}
		return first, fmt.Sprintf(
			"stream %d: requested start %s precedes the first keyframe, widened to %s",
			desc.Index, formatTicks(desc.TimeBase, start), formatTicks(desc.TimeBase, first))
	}

	snapped := kf[i-1]
	if snapped == start {
		// Exact keyframe hit, nothing to do.
		return start, ""
	}
	return snapped, fmt.Sprintf(
		"stream %d: video cut snapped from %s to %s, nearest preceding keyframe",
		desc.Index, formatTicks(desc.TimeBase, start), formatTicks(desc.TimeBase, snapped))
}

func formatTicks(tb media.Rational, ticks int64) string {
	return fmt.Sprintf("%.2fs", tb.Seconds(ticks))
}
