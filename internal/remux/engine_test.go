package remux

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/clipcut/clipcut-agent/internal/media"
	"github.com/clipcut/clipcut-agent/internal/media/mediatest"
	"github.com/clipcut/clipcut-agent/internal/plan"
)

const srcPath = "src.mp4"

// fixtureFramework returns a framework holding one source: 12 video
// packets (500 ticks each, keyframe every 4th) and 12 audio packets.
func fixtureFramework(videoPackets, audioPackets int) *mediatest.Framework {
	fw := mediatest.NewFramework()
	fw.Files[srcPath] = &mediatest.File{
		Container: media.ContainerInfo{FormatName: "mp4", DurationMs: 6000},
		Streams: []mediatest.Stream{
			mediatest.VideoStream(0, "h264", 1000, videoPackets, 4, 500),
			mediatest.AudioStream(1, "aac", 1000, audioPackets, 500),
		},
	}
	return fw
}

func fullCut(videoPackets, audioPackets int) *plan.ResolvedCut {
	return &plan.ResolvedCut{
		SourcePath:   srcPath,
		OutputFormat: "mp4",
		Streams: []plan.StreamCut{
			{
				StreamIndex: 0, Kind: media.KindVideo, CodecID: "h264",
				TimeBase: media.Rational{Num: 1, Den: 1000},
				Segments: []plan.Segment{{StartTicks: 0, EndTicks: int64(videoPackets) * 500}},
			},
			{
				StreamIndex: 1, Kind: media.KindAudio, CodecID: "aac",
				TimeBase: media.Rational{Num: 1, Den: 1000},
				Segments: []plan.Segment{{StartTicks: 0, EndTicks: int64(audioPackets) * 500}},
			},
		},
	}
}

// noPartFiles fails the test if any in-progress temp file survived.
func noPartFiles(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), TempSuffix) {
			t.Errorf("stale temp file left behind: %s", e.Name())
		}
	}
}

func TestIdentityExport(t *testing.T) {
	fw := fixtureFramework(12, 12)
	out := filepath.Join(t.TempDir(), "out.mp4")

	var lastProgress float64
	err := NewEngine(fw, nil).Run(context.Background(), fullCut(12, 12), out,
		func(f float64) { lastProgress = f })
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if _, err := os.Stat(out); err != nil {
		t.Fatalf("output missing: %v", err)
	}
	noPartFiles(t, filepath.Dir(out))
	if lastProgress != 1.0 {
		t.Errorf("final progress = %v, want 1.0", lastProgress)
	}

	mux := createdMuxer(t, fw)
	if got := len(mux.PacketsFor(0)); got != 12 {
		t.Errorf("video packets = %d, want 12", got)
	}
	if got := len(mux.PacketsFor(1)); got != 12 {
		t.Errorf("audio packets = %d, want 12", got)
	}

	// Timestamps are zero-based and strictly increasing per stream.
	for stream := 0; stream < 2; stream++ {
		packets := mux.PacketsFor(stream)
		if packets[0].PTS != 0 {
			t.Errorf("stream %d first PTS = %d, want 0", stream, packets[0].PTS)
		}
		for i := 1; i < len(packets); i++ {
			if packets[i].PTS <= packets[i-1].PTS {
				t.Errorf("stream %d PTS not increasing at %d", stream, i)
			}
		}
	}
}

func TestTrimRewritesTimestamps(t *testing.T) {
	fw := fixtureFramework(12, 12)
	out := filepath.Join(t.TempDir(), "out.mp4")

	cut := &plan.ResolvedCut{
		SourcePath:   srcPath,
		OutputFormat: "mp4",
		Streams: []plan.StreamCut{{
			StreamIndex: 0, Kind: media.KindVideo, CodecID: "h264",
			TimeBase: media.Rational{Num: 1, Den: 1000},
			Segments: []plan.Segment{
				{StartTicks: 2000, EndTicks: 4000, OffsetTicks: -2000},
			},
		}},
	}

	if err := NewEngine(fw, nil).Run(context.Background(), cut, out, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}

	packets := createdMuxer(t, fw).PacketsFor(0)
	if len(packets) != 4 {
		t.Fatalf("packets = %d, want 4 (2000..3500)", len(packets))
	}
	for i, p := range packets {
		if want := int64(i) * 500; p.PTS != want {
			t.Errorf("packet %d PTS = %d, want %d", i, p.PTS, want)
		}
	}
}

func TestMultiSegmentConcatenation(t *testing.T) {
	fw := fixtureFramework(12, 12)
	out := filepath.Join(t.TempDir(), "out.mp4")

	cut := &plan.ResolvedCut{
		SourcePath:   srcPath,
		OutputFormat: "mp4",
		Streams: []plan.StreamCut{{
			StreamIndex: 1, Kind: media.KindAudio, CodecID: "aac",
			TimeBase: media.Rational{Num: 1, Den: 1000},
			Segments: []plan.Segment{
				{StartTicks: 0, EndTicks: 1000, OffsetTicks: 0},
				{StartTicks: 4000, EndTicks: 5000, OffsetTicks: -4000 + 1000},
			},
		}},
	}

	if err := NewEngine(fw, nil).Run(context.Background(), cut, out, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}

	packets := createdMuxer(t, fw).PacketsFor(0)
	want := []int64{0, 500, 1000, 1500}
	if len(packets) != len(want) {
		t.Fatalf("packets = %d, want %d", len(packets), len(want))
	}
	for i, p := range packets {
		if p.PTS != want[i] {
			t.Errorf("packet %d PTS = %d, want %d", i, p.PTS, want[i])
		}
	}
}

func TestStreamSubset(t *testing.T) {
	fw := fixtureFramework(12, 12)
	out := filepath.Join(t.TempDir(), "out.mp4")

	cut := fullCut(12, 12)
	cut.Streams = cut.Streams[:1] // video only

	if err := NewEngine(fw, nil).Run(context.Background(), cut, out, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}

	mux := createdMuxer(t, fw)
	if len(mux.Streams) != 1 {
		t.Errorf("output streams = %d, want 1", len(mux.Streams))
	}
	if mux.Streams[0].Kind != media.KindVideo {
		t.Errorf("output stream kind = %s, want video", mux.Streams[0].Kind)
	}
}

func TestWriteFailureCleansUp(t *testing.T) {
	fw := fixtureFramework(12, 12)
	fw.WriteErrAfter = 3
	dir := t.TempDir()
	out := filepath.Join(dir, "out.mp4")

	err := NewEngine(fw, nil).Run(context.Background(), fullCut(12, 12), out, nil)
	var wErr *WriteError
	if !errors.As(err, &wErr) {
		t.Fatalf("err = %v, want WriteError", err)
	}

	if _, statErr := os.Stat(out); !os.IsNotExist(statErr) {
		t.Error("output path should not exist after write failure")
	}
	noPartFiles(t, dir)
}

func TestFailurePreservesExistingOutput(t *testing.T) {
	fw := fixtureFramework(12, 12)
	fw.WriteErrAfter = 1
	dir := t.TempDir()
	out := filepath.Join(dir, "out.mp4")
	if err := os.WriteFile(out, []byte("previous export"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := NewEngine(fw, nil).Run(context.Background(), fullCut(12, 12), out, nil); err == nil {
		t.Fatal("Run should fail")
	}

	data, err := os.ReadFile(out)
	if err != nil || string(data) != "previous export" {
		t.Errorf("pre-existing output was modified: %q, %v", data, err)
	}
	noPartFiles(t, dir)
}

func TestSeekFailure(t *testing.T) {
	fw := fixtureFramework(12, 12)
	fw.SeekErr = errors.New("damaged index")
	dir := t.TempDir()
	out := filepath.Join(dir, "out.mp4")

	err := NewEngine(fw, nil).Run(context.Background(), fullCut(12, 12), out, nil)
	var sErr *SeekError
	if !errors.As(err, &sErr) {
		t.Fatalf("err = %v, want SeekError", err)
	}
	noPartFiles(t, dir)
}

func TestCancellation(t *testing.T) {
	fw := fixtureFramework(64, 64)
	dir := t.TempDir()
	out := filepath.Join(dir, "out.mp4")

	ctx, cancel := context.WithCancel(context.Background())
	err := NewEngine(fw, nil).Run(ctx, fullCut(64, 64), out, func(f float64) {
		// Cancel as soon as the first batch reports.
		cancel()
	})
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}

	if _, statErr := os.Stat(out); !os.IsNotExist(statErr) {
		t.Error("output path should be absent after cancellation")
	}
	noPartFiles(t, dir)
}

func createdMuxer(t *testing.T, fw *mediatest.Framework) *mediatest.Muxer {
	t.Helper()
	if len(fw.Created) != 1 {
		t.Fatalf("created %d muxers, want 1", len(fw.Created))
	}
	for _, m := range fw.Created {
		return m
	}
	return nil
}
