// Package mediatest provides an in-memory media.Framework for tests.
// Fixture files are described as stream slices with preset packets;
// created outputs record every packet they receive and also touch a real
// file on disk so rename/cleanup behavior can be observed.
package mediatest

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/clipcut/clipcut-agent/internal/media"
)

// Stream is one fixture stream: its descriptor plus the packets a
// demuxer will serve, in storage order.
type Stream struct {
	Info    media.StreamInfo
	Packets []media.Packet
}

// File is one fixture container.
type File struct {
	Container media.ContainerInfo
	Streams   []Stream
}

// Framework implements media.Framework over fixture files.
type Framework struct {
	mu    sync.Mutex
	Files map[string]*File

	// OpenErr, SeekErr and WriteErrAfter inject failures. WriteErrAfter
	// fails the Nth WritePacket call (1-based); zero disables it.
	OpenErr       error
	SeekErr       error
	WriteErrAfter int

	// Created records every muxer handed out, keyed by output path.
	Created map[string]*Muxer
}

func NewFramework() *Framework {
	return &Framework{
		Files:   make(map[string]*File),
		Created: make(map[string]*Muxer),
	}
}

func (f *Framework) Open(path string) (media.Demuxer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.OpenErr != nil {
		return nil, f.OpenErr
	}
	file, ok := f.Files[path]
	if !ok {
		return nil, fmt.Errorf("no such fixture %q", path)
	}
	return &Demuxer{file: file, cursors: make([]int, len(file.Streams)), seekErr: f.SeekErr}, nil
}

func (f *Framework) Create(path, format string, streams []media.StreamInfo) (media.Muxer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	// Leave a real file behind so callers can verify temp handling.
	osf, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	osf.Close()

	m := &Muxer{
		Path:          path,
		Format:        format,
		Streams:       streams,
		writeErrAfter: f.WriteErrAfter,
	}
	f.Created[path] = m
	return m, nil
}

// Demuxer serves fixture packets with an independent cursor per stream.
type Demuxer struct {
	file    *File
	cursors []int
	seekErr error
	Closed  bool
}

func (d *Demuxer) Container() media.ContainerInfo { return d.file.Container }

func (d *Demuxer) Streams() []media.StreamInfo {
	infos := make([]media.StreamInfo, len(d.file.Streams))
	for i, s := range d.file.Streams {
		infos[i] = s.Info
	}
	return infos
}

func (d *Demuxer) Seek(stream int, ticks int64) error {
	if d.seekErr != nil {
		return d.seekErr
	}
	if stream < 0 || stream >= len(d.file.Streams) {
		return fmt.Errorf("no such stream %d", stream)
	}
	packets := d.file.Streams[stream].Packets
	for i := range packets {
		if packets[i].PTS >= ticks {
			d.cursors[stream] = i
			return nil
		}
	}
	d.cursors[stream] = len(packets)
	return nil
}

func (d *Demuxer) ReadPacket(stream int) (*media.Packet, error) {
	if stream < 0 || stream >= len(d.file.Streams) {
		return nil, fmt.Errorf("no such stream %d", stream)
	}
	packets := d.file.Streams[stream].Packets
	if d.cursors[stream] >= len(packets) {
		return nil, io.EOF
	}
	p := packets[d.cursors[stream]]
	d.cursors[stream]++
	return &p, nil
}

func (d *Demuxer) Close() error {
	d.Closed = true
	return nil
}

// Muxer records written packets.
type Muxer struct {
	Path    string
	Format  string
	Streams []media.StreamInfo

	mu            sync.Mutex
	Written       []media.Packet
	Closed        bool
	writeErrAfter int
	writes        int
}

func (m *Muxer) WritePacket(p *media.Packet) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.writes++
	if m.writeErrAfter > 0 && m.writes >= m.writeErrAfter {
		return fmt.Errorf("simulated write failure")
	}
	m.Written = append(m.Written, *p)
	return nil
}

func (m *Muxer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Closed = true
	return nil
}

// PacketsFor returns the written packets of one output stream.
func (m *Muxer) PacketsFor(stream int) []media.Packet {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []media.Packet
	for _, p := range m.Written {
		if p.StreamIndex == stream {
			out = append(out, p)
		}
	}
	return out
}

// VideoStream builds a video fixture stream with keyframes every
// keyframeInterval packets, packetDuration ticks per packet.
func VideoStream(index int, codec string, timescale int64, packets, keyframeInterval int, packetDuration int64) Stream {
	s := Stream{
		Info: media.StreamInfo{
			Index:         index,
			Kind:          media.KindVideo,
			CodecID:       codec,
			TimeBase:      media.Rational{Num: 1, Den: timescale},
			DurationTicks: int64(packets) * packetDuration,
		},
	}
	for i := 0; i < packets; i++ {
		ts := int64(i) * packetDuration
		s.Packets = append(s.Packets, media.Packet{
			StreamIndex: index,
			PTS:         ts,
			DTS:         ts,
			Duration:    packetDuration,
			Keyframe:    keyframeInterval > 0 && i%keyframeInterval == 0,
			Data:        []byte(fmt.Sprintf("v%d", i)),
		})
	}
	return s
}

// AudioStream builds an audio fixture stream of all-keyframe packets.
func AudioStream(index int, codec string, timescale int64, packets int, packetDuration int64) Stream {
	s := Stream{
		Info: media.StreamInfo{
			Index:         index,
			Kind:          media.KindAudio,
			CodecID:       codec,
			TimeBase:      media.Rational{Num: 1, Den: timescale},
			DurationTicks: int64(packets) * packetDuration,
		},
	}
	for i := 0; i < packets; i++ {
		ts := int64(i) * packetDuration
		s.Packets = append(s.Packets, media.Packet{
			StreamIndex: index,
			PTS:         ts,
			DTS:         ts,
			Duration:    packetDuration,
			Keyframe:    true,
			Data:        []byte(fmt.Sprintf("a%d", i)),
		})
	}
	return s
}
