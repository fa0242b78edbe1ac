// Package remux executes a resolved cut as a strict stream-copy:
// packets are read in segment order, their timestamps shifted by the
// segment offset, and written to the output muxer without ever being
// decoded. Output goes to a hidden temp file beside the target and is
// renamed into place only on full success, so a failed or cancelled run
// never leaves a partial artifact at the requested path.
package remux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/clipcut/clipcut-agent/internal/media"
	"github.com/clipcut/clipcut-agent/internal/plan"
)

// ErrCancelled is returned when the context is cancelled. The engine
// only observes cancellation at packet boundaries, never mid-write.
var ErrCancelled = errors.New("remux cancelled")

// SeekError covers input-side failures: opening the source, seeking a
// segment start, reading a packet.
type SeekError struct {
	Stream int
	Err    error
}

func (e *SeekError) Error() string {
	if e.Stream < 0 {
		return fmt.Sprintf("input failure: %v", e.Err)
	}
	return fmt.Sprintf("input failure on stream %d: %v", e.Stream, e.Err)
}

func (e *SeekError) Unwrap() error { return e.Err }

// WriteError covers output-side failures: creating, writing, finalizing
// or renaming the output file.
type WriteError struct {
	Err error
}

func (e *WriteError) Error() string { return fmt.Sprintf("output failure: %v", e.Err) }
func (e *WriteError) Unwrap() error { return e.Err }

// TempSuffix marks in-progress output files. The sweeper removes stale
// ones; the engine removes its own on any non-success exit.
const TempSuffix = ".part"

// progressBatch is how many packets go out between progress reports.
const progressBatch = 16

// Engine runs resolved cuts through a capability framework.
type Engine struct {
	fw     media.Framework
	logger *slog.Logger
}

func NewEngine(fw media.Framework, logger *slog.Logger) *Engine {
	return &Engine{fw: fw, logger: logger}
}

// streamState tracks one output stream's walk across its segments.
type streamState struct {
	cut      plan.StreamCut
	inIndex  int
	outIndex int

	segIdx   int
	needSeek bool
	pending  *media.Packet
	done     bool

	writtenTicks int64
	totalTicks   int64
}

// Run executes the cut into outputPath. progress, if non-nil, receives
// the completed fraction [0,1] after each packet batch. Cancellation is
// cooperative via ctx and surfaces as ErrCancelled.
func (e *Engine) Run(ctx context.Context, cut *plan.ResolvedCut, outputPath string, progress func(float64)) error {
	if len(cut.Streams) == 0 {
		return fmt.Errorf("resolved cut selects no streams")
	}

	dmx, err := e.fw.Open(cut.SourcePath)
	if err != nil {
		return &SeekError{Stream: -1, Err: err}
	}
	defer dmx.Close()

	inputStreams := dmx.Streams()
	states := make([]*streamState, 0, len(cut.Streams))
	outInfos := make([]media.StreamInfo, 0, len(cut.Streams))
	for outIdx, sc := range cut.Streams {
		var info *media.StreamInfo
		for i := range inputStreams {
			if inputStreams[i].Index == sc.StreamIndex {
				info = &inputStreams[i]
				break
			}
		}
		if info == nil {
			return &SeekError{Stream: sc.StreamIndex,
				Err: fmt.Errorf("stream missing from source")}
		}

		out := *info
		out.Index = outIdx
		out.DurationTicks = sc.OutputTicks()
		outInfos = append(outInfos, out)

		states = append(states, &streamState{
			cut:        sc,
			inIndex:    sc.StreamIndex,
			outIndex:   outIdx,
			needSeek:   true,
			totalTicks: sc.OutputTicks(),
		})
	}

	tmp := tempPath(outputPath)
	mux, err := e.fw.Create(tmp, cut.OutputFormat, outInfos)
	if err != nil {
		return &WriteError{Err: fmt.Errorf("create %s: %w", tmp, err)}
	}

	committed := false
	defer func() {
		if !committed {
			mux.Close()
			os.Remove(tmp)
		}
	}()

	if e.logger != nil {
		e.logger.Info("remux started",
			"source", cut.SourcePath, "output", outputPath,
			"format", cut.OutputFormat, "streams", len(states))
	}

	sinceReport := 0
	for {
		// Cancellation is only honored here, between packets.
		if ctx.Err() != nil {
			return ErrCancelled
		}

		next, err := e.pickNext(dmx, states)
		if err != nil {
			return err
		}
		if next == nil {
			break
		}

		p := next.pending
		next.pending = nil
		if err := mux.WritePacket(p); err != nil {
			return &WriteError{Err: err}
		}
		next.writtenTicks += p.Duration

		sinceReport++
		if sinceReport >= progressBatch {
			sinceReport = 0
			report(progress, states)
		}
	}

	if err := mux.Close(); err != nil {
		return &WriteError{Err: fmt.Errorf("finalize output: %w", err)}
	}
	if err := os.Rename(tmp, outputPath); err != nil {
		return &WriteError{Err: fmt.Errorf("rename into place: %w", err)}
	}
	committed = true

	if progress != nil {
		progress(1.0)
	}
	if e.logger != nil {
		e.logger.Info("remux complete", "output", outputPath)
	}
	return nil
}

// pickNext fills each stream's pending packet and returns the stream
// whose packet has the earliest adjusted timestamp, or nil when every
// stream is exhausted.
func (e *Engine) pickNext(dmx media.Demuxer, states []*streamState) (*streamState, error) {
	var best *streamState
	var bestTime float64

	for _, st := range states {
		if err := e.fill(dmx, st); err != nil {
			return nil, err
		}
		if st.pending == nil {
			continue
		}
		t := st.cut.TimeBase.Seconds(st.pending.PTS)
		if best == nil || t < bestTime {
			best = st
			bestTime = t
		}
	}
	return best, nil
}

// fill advances the stream until it holds the next in-range packet or
// runs out of segments.
func (e *Engine) fill(dmx media.Demuxer, st *streamState) error {
	for st.pending == nil && !st.done {
		if st.segIdx >= len(st.cut.Segments) {
			st.done = true
			return nil
		}
		seg := st.cut.Segments[st.segIdx]

		if st.needSeek {
			if err := dmx.Seek(st.inIndex, seg.StartTicks); err != nil {
				return &SeekError{Stream: st.inIndex, Err: err}
			}
			st.needSeek = false
		}

		p, err := dmx.ReadPacket(st.inIndex)
		if err == io.EOF {
			st.segIdx++
			st.needSeek = true
			continue
		}
		if err != nil {
			return &SeekError{Stream: st.inIndex, Err: err}
		}

		if p.PTS >= seg.EndTicks {
			st.segIdx++
			st.needSeek = true
			continue
		}
		if p.PTS < seg.StartTicks {
			continue
		}

		p.PTS += seg.OffsetTicks
		p.DTS += seg.OffsetTicks
		p.StreamIndex = st.outIndex
		st.pending = p
	}
	return nil
}

func report(progress func(float64), states []*streamState) {
	if progress == nil {
		return
	}
	var written, total float64
	for _, st := range states {
		written += st.cut.TimeBase.Seconds(st.writtenTicks)
		total += st.cut.TimeBase.Seconds(st.totalTicks)
	}
	if total <= 0 {
		return
	}
	f := written / total
	if f > 1 {
		f = 1
	}
	progress(f)
}

// tempPath builds the hidden in-progress sibling of the target path.
func tempPath(outputPath string) string {
	dir := filepath.Dir(outputPath)
	base := filepath.Base(outputPath)
	suffix := strings.Split(uuid.NewString(), "-")[0]
	return filepath.Join(dir, fmt.Sprintf(".%s.%s%s", base, suffix, TempSuffix))
}
