package plan

import (
	"errors"
	"strings"
	"testing"

	"github.com/clipcut/clipcut-agent/internal/media"
	"github.com/clipcut/clipcut-agent/internal/probe"
)

// testIndex is a 6s file: video with keyframes at 0s/2s/4s and an audio
// stream, both on a 1000-tick timescale for easy arithmetic.
func testIndex() *probe.StreamIndex {
	return &probe.StreamIndex{
		SourcePath: "/media/in.mp4",
		FormatName: "mp4",
		DurationMs: 6000,
		Streams: []probe.StreamDescriptor{
			{
				Index:              0,
				Kind:               media.KindVideo,
				CodecID:            "h264",
				TimeBase:           media.Rational{Num: 1, Den: 1000},
				DurationTicks:      6000,
				KeyframeTimestamps: []int64{0, 2000, 4000},
			},
			{
				Index:         1,
				Kind:          media.KindAudio,
				CodecID:       "aac",
				TimeBase:      media.Rational{Num: 1, Den: 1000},
				DurationTicks: 6000,
			},
		},
	}
}

func basePlan() *EditPlan {
	return &EditPlan{
		SourcePath:    "/media/in.mp4",
		StreamIndices: []int{0, 1},
		Ranges:        []Range{{StartMs: 0, EndMs: 6000}},
		OutputFormat:  "mp4",
	}
}

func TestResolveSnapsVideoStartDown(t *testing.T) {
	p := basePlan()
	p.Ranges = []Range{{StartMs: 1500, EndMs: 5500}}

	cut, err := Resolve(testIndex(), p)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	video := cut.Streams[0]
	if len(video.Segments) != 1 {
		t.Fatalf("video segments = %d, want 1", len(video.Segments))
	}
	seg := video.Segments[0]
	if seg.StartTicks != 0 {
		t.Errorf("video start = %d, want snap to keyframe 0", seg.StartTicks)
	}
	if seg.EndTicks != 5500 {
		t.Errorf("video end = %d, want 5500 (never snapped)", seg.EndTicks)
	}
	if seg.OffsetTicks != 0 {
		t.Errorf("offset = %d, want 0", seg.OffsetTicks)
	}

	// Audio keeps the requested bounds, no alignment constraint.
	audio := cut.Streams[1]
	if a := audio.Segments[0]; a.StartTicks != 1500 || a.EndTicks != 5500 {
		t.Errorf("audio segment = [%d,%d), want [1500,5500)", a.StartTicks, a.EndTicks)
	}

	if len(cut.Diagnostics) != 1 || !strings.Contains(cut.Diagnostics[0], "snapped") {
		t.Errorf("diagnostics = %v, want one snap note", cut.Diagnostics)
	}
}

func TestResolveExactKeyframeHitIsNoOp(t *testing.T) {
	p := basePlan()
	p.StreamIndices = []int{0}
	p.Ranges = []Range{{StartMs: 2000, EndMs: 5000}}

	cut, err := Resolve(testIndex(), p)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if seg := cut.Streams[0].Segments[0]; seg.StartTicks != 2000 {
		t.Errorf("start = %d, want 2000 untouched", seg.StartTicks)
	}
	if len(cut.Diagnostics) != 0 {
		t.Errorf("diagnostics = %v, want none for exact keyframe hit", cut.Diagnostics)
	}
}

func TestResolveKeyframeMonotonicity(t *testing.T) {
	index := testIndex()
	starts := []int64{100, 1999, 2000, 2001, 3999, 4000, 5999}

	for _, startMs := range starts {
		p := basePlan()
		p.StreamIndices = []int{0}
		p.Ranges = []Range{{StartMs: startMs, EndMs: 6000}}

		cut, err := Resolve(index, p)
		if err != nil {
			t.Fatalf("start %d: %v", startMs, err)
		}
		seg := cut.Streams[0].Segments[0]

		requested := index.Streams[0].TimeBase.TicksFromMillis(startMs)
		if seg.StartTicks > requested {
			t.Errorf("start %d: resolved %d is after request %d", startMs, seg.StartTicks, requested)
		}
		member := false
		for _, kf := range index.Streams[0].KeyframeTimestamps {
			if kf == seg.StartTicks {
				member = true
			}
		}
		if !member {
			t.Errorf("start %d: resolved start %d is not a keyframe", startMs, seg.StartTicks)
		}
		if seg.EndTicks < seg.StartTicks {
			t.Errorf("start %d: negative-duration segment [%d,%d)", startMs, seg.StartTicks, seg.EndTicks)
		}
	}
}

func TestResolveStartBeforeFirstKeyframe(t *testing.T) {
	index := testIndex()
	index.Streams[0].KeyframeTimestamps = []int64{1000, 3000, 5000}

	p := basePlan()
	p.StreamIndices = []int{0}
	p.Ranges = []Range{{StartMs: 200, EndMs: 4000}}

	cut, err := Resolve(index, p)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if seg := cut.Streams[0].Segments[0]; seg.StartTicks != 1000 {
		t.Errorf("start = %d, want widened to first keyframe 1000", seg.StartTicks)
	}
	if len(cut.Diagnostics) != 1 || !strings.Contains(cut.Diagnostics[0], "widened") {
		t.Errorf("diagnostics = %v, want widening note", cut.Diagnostics)
	}
}

func TestResolveMultipleRangeOffsets(t *testing.T) {
	p := basePlan()
	p.StreamIndices = []int{1}
	p.Ranges = []Range{
		{StartMs: 0, EndMs: 1000},
		{StartMs: 3000, EndMs: 4000},
	}

	cut, err := Resolve(testIndex(), p)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	segs := cut.Streams[0].Segments
	if len(segs) != 2 {
		t.Fatalf("segments = %d, want 2", len(segs))
	}
	// Second segment lands right after the first in output time.
	if segs[0].OffsetTicks != 0 {
		t.Errorf("first offset = %d, want 0", segs[0].OffsetTicks)
	}
	if want := int64(-3000 + 1000); segs[1].OffsetTicks != want {
		t.Errorf("second offset = %d, want %d", segs[1].OffsetTicks, want)
	}
	if got := cut.Streams[0].OutputTicks(); got != 2000 {
		t.Errorf("output duration = %d ticks, want 2000", got)
	}
}

func TestResolveClampsPartialRange(t *testing.T) {
	p := basePlan()
	p.StreamIndices = []int{1}
	p.Ranges = []Range{{StartMs: 5000, EndMs: 9000}}

	cut, err := Resolve(testIndex(), p)
	if err != nil {
		t.Fatalf("partially out-of-bounds range should clamp, got %v", err)
	}
	if seg := cut.Streams[0].Segments[0]; seg.EndTicks != 6000 {
		t.Errorf("end = %d, want clamped to 6000", seg.EndTicks)
	}
}

func TestResolveRejectsFullyOutOfBounds(t *testing.T) {
	p := basePlan()
	p.Ranges = []Range{{StartMs: 7000, EndMs: 8000}}

	_, err := Resolve(testIndex(), p)
	if !errors.Is(err, ErrRangeOutOfBounds) {
		t.Errorf("err = %v, want ErrRangeOutOfBounds", err)
	}
}

func TestResolveRejectsEmptySelection(t *testing.T) {
	p := basePlan()
	p.StreamIndices = nil

	_, err := Resolve(testIndex(), p)
	if !errors.Is(err, ErrEmptySelection) {
		t.Errorf("err = %v, want ErrEmptySelection", err)
	}
}

func TestResolveRejectsUnknownStream(t *testing.T) {
	p := basePlan()
	p.StreamIndices = []int{0, 9}

	if _, err := Resolve(testIndex(), p); err == nil {
		t.Error("unknown stream index should fail")
	}
}

func TestPlanValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*EditPlan)
	}{
		{"no source", func(p *EditPlan) { p.SourcePath = "" }},
		{"no format", func(p *EditPlan) { p.OutputFormat = "" }},
		{"no ranges", func(p *EditPlan) { p.Ranges = nil }},
		{"zero-length range", func(p *EditPlan) { p.Ranges = []Range{{StartMs: 100, EndMs: 100}} }},
		{"inverted range", func(p *EditPlan) { p.Ranges = []Range{{StartMs: 500, EndMs: 100}} }},
		{"negative start", func(p *EditPlan) { p.Ranges = []Range{{StartMs: -1, EndMs: 100}} }},
		{"overlapping ranges", func(p *EditPlan) {
			p.Ranges = []Range{{StartMs: 0, EndMs: 2000}, {StartMs: 1000, EndMs: 3000}}
		}},
		{"unsorted ranges", func(p *EditPlan) {
			p.Ranges = []Range{{StartMs: 3000, EndMs: 4000}, {StartMs: 0, EndMs: 1000}}
		}},
		{"duplicate stream", func(p *EditPlan) { p.StreamIndices = []int{0, 0} }},
		{"negative stream", func(p *EditPlan) { p.StreamIndices = []int{-1} }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := basePlan()
			tc.mutate(p)
			if err := p.Validate(); err == nil {
				t.Error("Validate should fail")
			}
		})
	}

	if err := basePlan().Validate(); err != nil {
		t.Errorf("valid plan rejected: %v", err)
	}
}
