// Package media defines the capability interfaces the engine needs from
// a container framework: open a file, enumerate streams, seek, read
// packets, and mux packets into a new container. Plan, compatibility and
// remux logic depend only on these interfaces so a different backend
// (or a test double) can be substituted without touching them.
package media

import (
	"errors"
	"fmt"
)

// StreamKind classifies a stream for selection and cut purposes.
type StreamKind string

const (
	KindVideo    StreamKind = "video"
	KindAudio    StreamKind = "audio"
	KindSubtitle StreamKind = "subtitle"
	KindOther    StreamKind = "other"
)

// Rational is a time base: Num/Den seconds per tick.
type Rational struct {
	Num int64 `json:"num"`
	Den int64 `json:"den"`
}

// Seconds converts a tick count in this time base to seconds.
func (r Rational) Seconds(ticks int64) float64 {
	if r.Den == 0 {
		return 0
	}
	return float64(ticks) * float64(r.Num) / float64(r.Den)
}

// TicksFromMillis converts milliseconds to ticks in this time base,
// rounding down.
func (r Rational) TicksFromMillis(ms int64) int64 {
	if r.Num == 0 {
		return 0
	}
	return ms * r.Den / (1000 * r.Num)
}

// StreamInfo describes one stream of an opened container.
//
// CodecPrivate is the backend's opaque codec configuration blob (the
// stsd payload for ISO-BMFF); it is carried through to the muxer
// unchanged during stream-copy.
type StreamInfo struct {
	Index         int
	Kind          StreamKind
	CodecID       string
	TimeBase      Rational
	DurationTicks int64
	Language      string

	CodecPrivate []byte
	Width        uint32
	Height       uint32
}

// ContainerInfo holds container-level metadata.
type ContainerInfo struct {
	FormatName string
	DurationMs int64
}

// Packet is one encoded packet. Timestamps and duration are in the
// owning stream's time base. The payload is never decoded.
type Packet struct {
	StreamIndex int
	PTS         int64
	DTS         int64
	Duration    int64
	Keyframe    bool
	Data        []byte
}

// Demuxer reads an opened container. Each stream has its own cursor:
// Seek and ReadPacket address one stream and do not disturb the others.
type Demuxer interface {
	Container() ContainerInfo
	Streams() []StreamInfo
	// Seek positions the stream's cursor at the first packet whose PTS
	// is >= ticks.
	Seek(stream int, ticks int64) error
	// ReadPacket returns the next packet of the stream, or io.EOF once
	// the stream is exhausted.
	ReadPacket(stream int) (*Packet, error)
	Close() error
}

// Muxer writes packets into a new container. Close finalizes headers
// and index tables; a muxer that is never closed leaves an invalid file.
type Muxer interface {
	WritePacket(*Packet) error
	Close() error
}

// Framework opens containers for reading and creates them for writing.
type Framework interface {
	Open(path string) (Demuxer, error)
	// Create builds a muxer for the given container format writing the
	// listed streams. Stream indices in written packets refer to
	// positions in the streams slice.
	Create(path, format string, streams []StreamInfo) (Muxer, error)
}

// ErrUnsupportedFormat is returned by a Framework that does not handle
// the requested container format.
var ErrUnsupportedFormat = errors.New("unsupported container format")

// UnsupportedFormatError wraps ErrUnsupportedFormat with the format name.
func UnsupportedFormatError(format string) error {
	return fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
}
