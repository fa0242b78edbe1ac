package mp4

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/clipcut/clipcut-agent/internal/media"
)

// writerFormats maps supported output format names to their ftyp brand.
var writerFormats = map[string]string{
	"mp4": "isom",
	"m4a": "M4A ",
	"mov": "qt  ",
}

// Muxer implements media.Muxer for the MP4 family. Payloads stream into
// an mdat box as packets arrive; the moov box with all sample tables is
// written on Close, so an unclosed muxer leaves an unplayable file.
type Muxer struct {
	file    *os.File
	offset  int64
	mdatPos int64
	streams []media.StreamInfo
	tables  [][]sample
	closed  bool
}

// Create opens path for writing and emits the ftyp header plus an mdat
// placeholder. Stream time bases must be of the 1/timescale form.
func Create(path, format string, streams []media.StreamInfo) (*Muxer, error) {
	brand, ok := writerFormats[format]
	if !ok {
		return nil, media.UnsupportedFormatError(format)
	}
	if len(streams) == 0 {
		return nil, fmt.Errorf("no streams to mux")
	}
	for _, s := range streams {
		if s.TimeBase.Num != 1 || s.TimeBase.Den <= 0 {
			return nil, fmt.Errorf("stream %d: time base %d/%d is not 1/timescale",
				s.Index, s.TimeBase.Num, s.TimeBase.Den)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", path, err)
	}

	m := &Muxer{
		file:    f,
		streams: streams,
		tables:  make([][]sample, len(streams)),
	}

	ftyp := new(boxBuf)
	ftyp.tag(brand)
	ftyp.u32(512)
	ftyp.tag(brand)
	ftyp.tag("isom")
	if err := m.writeBox("ftyp", ftyp.bytes()); err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}

	// mdat header with a zero size, backfilled on Close.
	m.mdatPos = m.offset
	hdr := new(boxBuf)
	hdr.u32(0)
	hdr.tag("mdat")
	if err := m.write(hdr.bytes()); err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}

	return m, nil
}

func (m *Muxer) WritePacket(p *media.Packet) error {
	if m.closed {
		return fmt.Errorf("muxer is closed")
	}
	if p.StreamIndex < 0 || p.StreamIndex >= len(m.streams) {
		return fmt.Errorf("packet for unknown stream %d", p.StreamIndex)
	}

	s := sample{
		dts:      p.DTS,
		pts:      p.PTS,
		duration: p.Duration,
		offset:   m.offset,
		size:     int64(len(p.Data)),
		keyframe: p.Keyframe,
	}
	if err := m.write(p.Data); err != nil {
		return err
	}
	m.tables[p.StreamIndex] = append(m.tables[p.StreamIndex], s)
	return nil
}

// Close backfills the mdat size, appends the moov box and closes the file.
func (m *Muxer) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true

	mdatSize := m.offset - m.mdatPos
	var sizeBytes [4]byte
	binary.BigEndian.PutUint32(sizeBytes[:], uint32(mdatSize))
	if _, err := m.file.WriteAt(sizeBytes[:], m.mdatPos); err != nil {
		m.file.Close()
		return fmt.Errorf("backfill mdat size: %w", err)
	}

	for i := range m.tables {
		sortSamplesByDTS(m.tables[i])
	}

	moov := m.buildMoov()
	if err := m.write(serializeBox(moov)); err != nil {
		m.file.Close()
		return err
	}

	if err := m.file.Sync(); err != nil {
		m.file.Close()
		return fmt.Errorf("sync output: %w", err)
	}
	return m.file.Close()
}

func (m *Muxer) write(b []byte) error {
	n, err := m.file.Write(b)
	m.offset += int64(n)
	if err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}

func (m *Muxer) writeBox(typ string, payload []byte) error {
	hdr := new(boxBuf)
	hdr.u32(uint32(8 + len(payload)))
	hdr.tag(typ)
	hdr.raw(payload)
	return m.write(hdr.bytes())
}

// --- moov construction ---

const movieTimescale = 1000

func (m *Muxer) buildMoov() *box {
	var maxDuration int64
	for i, s := range m.streams {
		d := rescale(trackDuration(m.tables[i]), s.TimeBase.Den, movieTimescale)
		if d > maxDuration {
			maxDuration = d
		}
	}

	mvhd := new(boxBuf)
	mvhd.u32(0) // version/flags
	mvhd.u32(0) // creation
	mvhd.u32(0) // modification
	mvhd.u32(movieTimescale)
	mvhd.u32(uint32(maxDuration))
	mvhd.u32(0x00010000) // rate 1.0
	mvhd.u16(0x0100)     // volume 1.0
	mvhd.raw(make([]byte, 10))
	mvhd.raw(identityMatrix())
	mvhd.raw(make([]byte, 24))
	mvhd.u32(uint32(len(m.streams) + 1)) // next track id

	children := []*box{{typ: "mvhd", data: mvhd.bytes()}}
	for i, s := range m.streams {
		children = append(children, m.buildTrak(i+1, s, m.tables[i]))
	}

	return &box{typ: "moov", children: children}
}

func (m *Muxer) buildTrak(trackID int, s media.StreamInfo, samples []sample) *box {
	durationTicks := trackDuration(samples)

	tkhd := new(boxBuf)
	tkhd.u32(0x00000003) // enabled + in movie
	tkhd.u32(0)
	tkhd.u32(0)
	tkhd.u32(uint32(trackID))
	tkhd.u32(0)
	tkhd.u32(uint32(rescale(durationTicks, s.TimeBase.Den, movieTimescale)))
	tkhd.u32(0)
	tkhd.u32(0)
	tkhd.u16(0) // layer
	tkhd.u16(0) // alternate group
	if s.Kind == media.KindAudio {
		tkhd.u16(0x0100)
	} else {
		tkhd.u16(0)
	}
	tkhd.u16(0)
	tkhd.raw(identityMatrix())
	tkhd.u32(s.Width << 16)
	tkhd.u32(s.Height << 16)

	mdhd := new(boxBuf)
	mdhd.u32(0)
	mdhd.u32(0)
	mdhd.u32(0)
	mdhd.u32(uint32(s.TimeBase.Den))
	mdhd.u32(uint32(durationTicks))
	mdhd.u16(packLanguage(s.Language))
	mdhd.u16(0)

	mdia := &box{typ: "mdia", children: []*box{
		{typ: "mdhd", data: mdhd.bytes()},
		{typ: "hdlr", data: handlerPayload(s.Kind)},
		m.buildMinf(s, samples),
	}}

	return &box{typ: "trak", children: []*box{
		{typ: "tkhd", data: tkhd.bytes()},
		mdia,
	}}
}

func (m *Muxer) buildMinf(s media.StreamInfo, samples []sample) *box {
	var header *box
	switch s.Kind {
	case media.KindVideo:
		b := new(boxBuf)
		b.u32(0x00000001)
		b.raw(make([]byte, 8)) // graphics mode + opcolor
		header = &box{typ: "vmhd", data: b.bytes()}
	case media.KindAudio:
		b := new(boxBuf)
		b.u32(0)
		b.u32(0) // balance + reserved
		header = &box{typ: "smhd", data: b.bytes()}
	default:
		b := new(boxBuf)
		b.u32(0)
		header = &box{typ: "nmhd", data: b.bytes()}
	}

	dinf := &box{typ: "dinf", children: []*box{
		// Single self-contained 'url ' data reference.
		{typ: "dref", data: []byte{
			0, 0, 0, 0, 0, 0, 0, 1, 0, 0, 0, 12, 'u', 'r', 'l', ' ', 0, 0, 0, 1,
		}},
	}}

	return &box{typ: "minf", children: []*box{
		header,
		dinf,
		buildStbl(s, samples),
	}}
}

func buildStbl(s media.StreamInfo, samples []sample) *box {
	children := []*box{
		{typ: "stsd", data: s.CodecPrivate},
		{typ: "stts", data: buildStts(samples)},
	}

	if ctts := buildCtts(samples); ctts != nil {
		children = append(children, &box{typ: "ctts", data: ctts})
	}
	if stss := buildStss(s.Kind, samples); stss != nil {
		children = append(children, &box{typ: "stss", data: stss})
	}

	stsz := new(boxBuf)
	stsz.u32(0)
	stsz.u32(0)
	stsz.u32(uint32(len(samples)))
	for _, sm := range samples {
		stsz.u32(uint32(sm.size))
	}

	// One sample per chunk: stco carries per-sample absolute offsets.
	stsc := new(boxBuf)
	stsc.u32(0)
	stsc.u32(1)
	stsc.u32(1)
	stsc.u32(1)
	stsc.u32(1)

	stco := new(boxBuf)
	stco.u32(0)
	stco.u32(uint32(len(samples)))
	for _, sm := range samples {
		stco.u32(uint32(sm.offset))
	}

	children = append(children,
		&box{typ: "stsz", data: stsz.bytes()},
		&box{typ: "stsc", data: stsc.bytes()},
		&box{typ: "stco", data: stco.bytes()},
	)
	return &box{typ: "stbl", children: children}
}

func buildStts(samples []sample) []byte {
	type run struct {
		count    uint32
		duration uint32
	}
	var runs []run
	for _, sm := range samples {
		d := uint32(sm.duration)
		if n := len(runs); n > 0 && runs[n-1].duration == d {
			runs[n-1].count++
			continue
		}
		runs = append(runs, run{count: 1, duration: d})
	}

	b := new(boxBuf)
	b.u32(0)
	b.u32(uint32(len(runs)))
	for _, r := range runs {
		b.u32(r.count)
		b.u32(r.duration)
	}
	return b.bytes()
}

func buildCtts(samples []sample) []byte {
	reordered := false
	for _, sm := range samples {
		if sm.pts != sm.dts {
			reordered = true
			break
		}
	}
	if !reordered {
		return nil
	}

	b := new(boxBuf)
	b.u32(0)
	b.u32(uint32(len(samples)))
	for _, sm := range samples {
		off := sm.pts - sm.dts
		if off < 0 {
			off = 0
		}
		b.u32(1)
		b.u32(uint32(off))
	}
	return b.bytes()
}

func buildStss(kind media.StreamKind, samples []sample) []byte {
	if kind != media.KindVideo {
		return nil
	}
	var keyframes []uint32
	for i, sm := range samples {
		if sm.keyframe {
			keyframes = append(keyframes, uint32(i+1))
		}
	}
	if len(keyframes) == len(samples) {
		// All sync samples: stss is defined by its absence.
		return nil
	}

	b := new(boxBuf)
	b.u32(0)
	b.u32(uint32(len(keyframes)))
	for _, kf := range keyframes {
		b.u32(kf)
	}
	return b.bytes()
}

func handlerPayload(kind media.StreamKind) []byte {
	handler, name := "meta", "DataHandler"
	switch kind {
	case media.KindVideo:
		handler, name = "vide", "VideoHandler"
	case media.KindAudio:
		handler, name = "soun", "SoundHandler"
	case media.KindSubtitle:
		handler, name = "text", "SubtitleHandler"
	}

	b := new(boxBuf)
	b.u32(0)
	b.u32(0)
	b.tag(handler)
	b.raw(make([]byte, 12))
	b.raw(append([]byte(name), 0))
	return b.bytes()
}

// packLanguage encodes a 3-letter ISO-639-2 code into mdhd's 15-bit form.
func packLanguage(lang string) uint16 {
	if len(lang) != 3 {
		lang = "und"
	}
	var bits uint16
	for i := 0; i < 3; i++ {
		c := lang[i]
		if c < 'a' || c > 'z' {
			return packLanguage("und")
		}
		bits = bits<<5 | uint16(c-0x60)
	}
	return bits
}

func trackDuration(samples []sample) int64 {
	var total int64
	for _, sm := range samples {
		total += sm.duration
	}
	return total
}

func rescale(val, fromScale, toScale int64) int64 {
	if fromScale == 0 {
		return 0
	}
	return val * toScale / fromScale
}

func identityMatrix() []byte {
	return []byte{
		0, 1, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
		0, 0, 0, 0, 0, 1, 0, 0, 0, 0, 0, 0,
		0, 0, 0, 0, 0, 0, 0, 0, 64, 0, 0, 0,
	}
}

// --- box serialization ---

type box struct {
	typ      string
	data     []byte
	children []*box
}

func serializeBox(b *box) []byte {
	var childBytes []byte
	for _, c := range b.children {
		childBytes = append(childBytes, serializeBox(c)...)
	}

	total := 8 + len(b.data) + len(childBytes)
	out := make([]byte, 8, total)
	binary.BigEndian.PutUint32(out[0:], uint32(total))
	copy(out[4:], b.typ)
	out = append(out, b.data...)
	out = append(out, childBytes...)
	return out
}

type boxBuf struct {
	buf []byte
}

func (b *boxBuf) u32(v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	b.buf = append(b.buf, tmp[:]...)
}

func (b *boxBuf) u16(v uint16) {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	b.buf = append(b.buf, tmp[:]...)
}

func (b *boxBuf) tag(s string) {
	b.buf = append(b.buf, s[:4]...)
}

func (b *boxBuf) raw(data []byte) {
	b.buf = append(b.buf, data...)
}

func (b *boxBuf) bytes() []byte {
	return b.buf
}
