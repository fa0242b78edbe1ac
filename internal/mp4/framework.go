package mp4

import (
	"github.com/clipcut/clipcut-agent/internal/media"
)

// Framework is the bundled ISO-BMFF implementation of media.Framework.
type Framework struct{}

func NewFramework() *Framework {
	return &Framework{}
}

func (Framework) Open(path string) (media.Demuxer, error) {
	return Open(path)
}

func (Framework) Create(path, format string, streams []media.StreamInfo) (media.Muxer, error) {
	return Create(path, format, streams)
}
