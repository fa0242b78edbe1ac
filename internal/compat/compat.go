// Package compat validates codec/container pairings before any output
// file is created, so an illegal plan never leaves a partial artifact.
package compat

import (
	"fmt"

	"github.com/clipcut/clipcut-agent/internal/plan"
)

// UnsupportedCodecError reports the first illegal pairing found.
type UnsupportedCodecError struct {
	Stream    int
	Codec     string
	Container string
}

func (e *UnsupportedCodecError) Error() string {
	return fmt.Sprintf("stream %d: codec %q is not supported in container %q",
		e.Stream, e.Codec, e.Container)
}

// containerCodecs is the static legality table. A codec absent from its
// container's set is rejected; an empty codec id (unrecognized by the
// backend) is always rejected.
var containerCodecs = map[string]map[string]bool{
	"mp4": {
		"h264": true, "hevc": true, "av1": true, "vp9": true, "mpeg4": true,
		"aac": true, "ac3": true, "eac3": true, "alac": true, "opus": true,
		"mov_text": true,
	},
	"mov": {
		"h264": true, "hevc": true, "mpeg4": true, "prores": true,
		"aac": true, "alac": true, "ac3": true, "pcm_s16le": true,
		"mov_text": true,
	},
	"m4a": {
		"aac": true, "alac": true,
	},
	"matroska": {
		"h264": true, "hevc": true, "av1": true, "vp8": true, "vp9": true,
		"mpeg4": true, "aac": true, "ac3": true, "eac3": true, "flac": true,
		"opus": true, "vorbis": true, "mp3": true, "pcm_s16le": true,
		"subrip": true, "ass": true, "webvtt": true,
	},
	"webm": {
		"vp8": true, "vp9": true, "av1": true,
		"opus": true, "vorbis": true,
		"webvtt": true,
	},
	"aac": {
		"aac": true,
	},
	"flac": {
		"flac": true,
	},
	"ogg": {
		"vorbis": true, "opus": true, "flac": true,
	},
}

// Formats lists the container formats the table knows about.
func Formats() []string {
	out := make([]string, 0, len(containerCodecs))
	for f := range containerCodecs {
		out = append(out, f)
	}
	return out
}

// Check verifies every stream of the resolved cut is legal in the
// requested output container. It performs no I/O.
func Check(cut *plan.ResolvedCut, format string) error {
	codecs, ok := containerCodecs[format]
	if !ok {
		return fmt.Errorf("unknown output container %q", format)
	}

	for _, sc := range cut.Streams {
		if !codecs[sc.CodecID] {
			return &UnsupportedCodecError{
				Stream:    sc.StreamIndex,
				Codec:     sc.CodecID,
				Container: format,
			}
		}
	}
	return nil
}
