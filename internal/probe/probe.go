package probe

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"golang.org/x/text/language"

	"github.com/clipcut/clipcut-agent/internal/media"
)

// Probe opens path read-only, enumerates its streams and walks every
// video stream's packet timeline to collect keyframe timestamps. The
// source file is never mutated.
func Probe(ctx context.Context, fw media.Framework, path string) (*StreamIndex, error) {
	st, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreadableContainer, err)
	}

	dmx, err := fw.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreadableContainer, err)
	}
	defer dmx.Close()

	streams := dmx.Streams()
	if len(streams) == 0 {
		return nil, ErrNoStreams
	}

	index := &StreamIndex{
		SourcePath:    path,
		FormatName:    dmx.Container().FormatName,
		DurationMs:    dmx.Container().DurationMs,
		ProbedAt:      time.Now(),
		SourceModTime: st.ModTime(),
	}

	for _, s := range streams {
		desc := StreamDescriptor{
			Index:         s.Index,
			Kind:          s.Kind,
			CodecID:       s.CodecID,
			TimeBase:      s.TimeBase,
			DurationTicks: s.DurationTicks,
			Language:      normalizeLanguage(s.Language),
			Width:         s.Width,
			Height:        s.Height,
		}

		if s.Kind == media.KindVideo {
			kf, err := keyframeWalk(ctx, dmx, s.Index)
			if err != nil {
				return nil, err
			}
			desc.KeyframeTimestamps = kf
		}

		index.Streams = append(index.Streams, desc)
	}

	return index, nil
}

// keyframeWalk reads the stream's full packet timeline once. Containers
// do not always expose a complete keyframe index up front, so the walk
// is the only reliable source.
func keyframeWalk(ctx context.Context, dmx media.Demuxer, stream int) ([]int64, error) {
	if err := dmx.Seek(stream, 0); err != nil {
		return nil, fmt.Errorf("%w: seek stream %d: %v", ErrUnreadableContainer, stream, err)
	}

	var keyframes []int64
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		p, err := dmx.ReadPacket(stream)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: read stream %d: %v", ErrUnreadableContainer, stream, err)
		}
		if !p.Keyframe {
			continue
		}
		// Keep the list strictly increasing even if the container lies.
		if n := len(keyframes); n > 0 && p.PTS <= keyframes[n-1] {
			continue
		}
		keyframes = append(keyframes, p.PTS)
	}

	return keyframes, nil
}

// normalizeLanguage maps a container language code to a canonical BCP-47
// tag. Unknown or absent codes stay as-is so nothing is lost.
func normalizeLanguage(code string) string {
	if code == "" || code == "und" {
		return ""
	}
	tag, err := language.Parse(code)
	if err != nil {
		return code
	}
	return tag.String()
}
