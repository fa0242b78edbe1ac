// Package probe builds stream indexes: the per-file description of
// streams and keyframe timelines that edit planning works against.
package probe

import (
	"errors"
	"time"

	"github.com/clipcut/clipcut-agent/internal/media"
)

var (
	// ErrUnreadableContainer means the file could not be opened or
	// parsed as a media container.
	ErrUnreadableContainer = errors.New("unreadable container")
	// ErrNoStreams means the container parsed but holds zero streams.
	ErrNoStreams = errors.New("container has no streams")
)

// StreamDescriptor describes one stream of a probed file.
//
// KeyframeTimestamps is populated for video streams only. It is strictly
// increasing and lists the PTS, in the stream's own time base, of every
// sync sample.
type StreamDescriptor struct {
	Index              int              `json:"index"`
	Kind               media.StreamKind `json:"kind"`
	CodecID            string           `json:"codec_id"`
	TimeBase           media.Rational   `json:"time_base"`
	DurationTicks      int64            `json:"duration_ticks"`
	Language           string           `json:"language,omitempty"`
	Width              uint32           `json:"width,omitempty"`
	Height             uint32           `json:"height,omitempty"`
	KeyframeTimestamps []int64          `json:"keyframe_timestamps,omitempty"`
}

// StreamIndex is the immutable result of probing one file. It is built
// once per open and rebuilt wholesale if the source file changes.
type StreamIndex struct {
	SourcePath string             `json:"source_path"`
	FormatName string             `json:"format_name"`
	DurationMs int64              `json:"duration_ms"`
	Streams    []StreamDescriptor `json:"streams"`

	// ProbedAt and SourceModTime let the watcher detect staleness.
	ProbedAt      time.Time `json:"probed_at"`
	SourceModTime time.Time `json:"source_mod_time"`
}

// Stream returns the descriptor with the given index, or nil.
func (si *StreamIndex) Stream(index int) *StreamDescriptor {
	for i := range si.Streams {
		if si.Streams[i].Index == index {
			return &si.Streams[i]
		}
	}
	return nil
}
