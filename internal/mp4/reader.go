package mp4

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/clipcut/clipcut-agent/internal/media"
)

// sample is one packet's worth of sample-table bookkeeping.
type sample struct {
	dts      int64
	pts      int64
	duration int64
	offset   int64
	size     int64
	keyframe bool
}

// track is a fully flattened trak box.
type track struct {
	info    media.StreamInfo
	samples []sample
	cursor  int
}

// Demuxer implements media.Demuxer for progressive ISO-BMFF files.
type Demuxer struct {
	file      *os.File
	container media.ContainerInfo
	tracks    []*track
}

// Open parses the file's box tree and sample tables. The packet
// payloads themselves stay on disk and are read on demand.
func Open(path string) (*Demuxer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	d, err := newDemuxer(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return d, nil
}

func newDemuxer(f *os.File) (*Demuxer, error) {
	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat: %w", err)
	}

	atoms, err := parseAtoms(f, 0, st.Size())
	if err != nil {
		return nil, fmt.Errorf("parse atom tree: %w", err)
	}

	var moov *atom
	formatName := "mp4"
	for i := range atoms {
		switch atoms[i].typ {
		case "moov":
			moov = &atoms[i]
		case "ftyp":
			if name, err := formatFromFtyp(f, &atoms[i]); err == nil {
				formatName = name
			}
		}
	}
	if moov == nil {
		return nil, fmt.Errorf("no moov atom found")
	}

	d := &Demuxer{
		file:      f,
		container: media.ContainerInfo{FormatName: formatName},
	}

	index := 0
	for _, child := range moov.children {
		if child.typ != "trak" {
			continue
		}
		tr, err := parseTrack(f, child)
		if err != nil {
			// A single broken track does not make the file unreadable.
			continue
		}
		tr.info.Index = index
		d.tracks = append(d.tracks, tr)
		index++
	}

	for _, tr := range d.tracks {
		ms := int64(tr.info.TimeBase.Seconds(tr.info.DurationTicks) * 1000)
		if ms > d.container.DurationMs {
			d.container.DurationMs = ms
		}
	}

	return d, nil
}

func (d *Demuxer) Container() media.ContainerInfo {
	return d.container
}

func (d *Demuxer) Streams() []media.StreamInfo {
	infos := make([]media.StreamInfo, len(d.tracks))
	for i, tr := range d.tracks {
		infos[i] = tr.info
	}
	return infos
}

// Seek positions the stream cursor at the first sample whose PTS is at
// or past ticks. Seeking beyond the last sample parks the cursor at EOF.
func (d *Demuxer) Seek(stream int, ticks int64) error {
	tr, err := d.track(stream)
	if err != nil {
		return err
	}

	for i := range tr.samples {
		if tr.samples[i].pts >= ticks {
			tr.cursor = i
			return nil
		}
	}
	tr.cursor = len(tr.samples)
	return nil
}

func (d *Demuxer) ReadPacket(stream int) (*media.Packet, error) {
	tr, err := d.track(stream)
	if err != nil {
		return nil, err
	}
	if tr.cursor >= len(tr.samples) {
		return nil, io.EOF
	}

	s := tr.samples[tr.cursor]
	data := make([]byte, s.size)
	if _, err := d.file.ReadAt(data, s.offset); err != nil {
		return nil, fmt.Errorf("read sample at offset %d: %w", s.offset, err)
	}
	tr.cursor++

	return &media.Packet{
		StreamIndex: stream,
		PTS:         s.pts,
		DTS:         s.dts,
		Duration:    s.duration,
		Keyframe:    s.keyframe,
		Data:        data,
	}, nil
}

func (d *Demuxer) Close() error {
	return d.file.Close()
}

func (d *Demuxer) track(stream int) (*track, error) {
	if stream < 0 || stream >= len(d.tracks) {
		return nil, fmt.Errorf("no such stream %d", stream)
	}
	return d.tracks[stream], nil
}

// --- trak parsing ---

func parseTrack(f *os.File, trak atom) (*track, error) {
	mdia := findChild(trak, "mdia")
	if mdia == nil {
		return nil, fmt.Errorf("missing mdia")
	}
	mdhd := findChild(*mdia, "mdhd")
	if mdhd == nil {
		return nil, fmt.Errorf("missing mdhd")
	}
	hdlr := findChild(*mdia, "hdlr")
	if hdlr == nil {
		return nil, fmt.Errorf("missing hdlr")
	}
	minf := findChild(*mdia, "minf")
	if minf == nil {
		return nil, fmt.Errorf("missing minf")
	}
	stbl := findChild(*minf, "stbl")
	if stbl == nil {
		return nil, fmt.Errorf("missing stbl")
	}

	timescale, durationTicks, lang, err := parseMdhd(f, mdhd)
	if err != nil {
		return nil, err
	}
	if timescale == 0 {
		return nil, fmt.Errorf("mdhd timescale is zero")
	}

	tr := &track{
		info: media.StreamInfo{
			Kind:          kindFromHandler(f, hdlr),
			TimeBase:      media.Rational{Num: 1, Den: int64(timescale)},
			DurationTicks: int64(durationTicks),
			Language:      lang,
		},
	}

	if tkhd := findChild(trak, "tkhd"); tkhd != nil {
		tr.info.Width, tr.info.Height, _ = parseTkhd(f, tkhd)
	}

	if stsd := findChild(*stbl, "stsd"); stsd != nil {
		payload, err := readPayload(f, stsd)
		if err != nil {
			return nil, err
		}
		tr.info.CodecPrivate = payload
		// stsd payload: version/flags(4) entry_count(4) entry_size(4) tag(4)
		if len(payload) >= 16 {
			tr.info.CodecID = codecIDFromTag(string(payload[12:16]))
		}
	}

	samples, err := flattenSampleTables(f, *stbl)
	if err != nil {
		return nil, fmt.Errorf("flatten sample tables: %w", err)
	}
	tr.samples = samples

	if tr.info.DurationTicks == 0 && len(samples) > 0 {
		last := samples[len(samples)-1]
		tr.info.DurationTicks = last.dts + last.duration
	}

	return tr, nil
}

func parseMdhd(f *os.File, a *atom) (timescale uint32, duration uint64, lang string, err error) {
	payload, err := readPayload(f, a)
	if err != nil {
		return 0, 0, "", err
	}
	if len(payload) < 4 {
		return 0, 0, "", fmt.Errorf("mdhd too short")
	}
	version := payload[0]

	var langBits uint16
	if version == 1 {
		if len(payload) < 34 {
			return 0, 0, "", fmt.Errorf("mdhd v1 too short")
		}
		timescale = binary.BigEndian.Uint32(payload[20:24])
		duration = binary.BigEndian.Uint64(payload[24:32])
		langBits = binary.BigEndian.Uint16(payload[32:34])
	} else {
		if len(payload) < 22 {
			return 0, 0, "", fmt.Errorf("mdhd v0 too short")
		}
		timescale = binary.BigEndian.Uint32(payload[12:16])
		duration = uint64(binary.BigEndian.Uint32(payload[16:20]))
		langBits = binary.BigEndian.Uint16(payload[20:22])
	}

	return timescale, duration, unpackLanguage(langBits), nil
}

// unpackLanguage decodes the 15-bit packed ISO-639-2/T code.
func unpackLanguage(bits uint16) string {
	if bits == 0 || bits == 0x7fff {
		return "und"
	}
	b := []byte{
		byte((bits>>10)&0x1f) + 0x60,
		byte((bits>>5)&0x1f) + 0x60,
		byte(bits&0x1f) + 0x60,
	}
	for _, c := range b {
		if c < 'a' || c > 'z' {
			return "und"
		}
	}
	return string(b)
}

func kindFromHandler(f *os.File, hdlr *atom) media.StreamKind {
	payload, err := readPayload(f, hdlr)
	if err != nil || len(payload) < 12 {
		return media.KindOther
	}
	switch string(payload[8:12]) {
	case "vide":
		return media.KindVideo
	case "soun":
		return media.KindAudio
	case "text", "sbtl", "subt":
		return media.KindSubtitle
	default:
		return media.KindOther
	}
}

func parseTkhd(f *os.File, a *atom) (width, height uint32, err error) {
	payload, err := readPayload(f, a)
	if err != nil {
		return 0, 0, err
	}
	if len(payload) < 4 {
		return 0, 0, fmt.Errorf("tkhd too short")
	}
	// Fixed-point 16.16 width/height sit at the end of the box.
	base := 4 + 20 + 8 + 8 + 36
	if payload[0] == 1 {
		base = 4 + 32 + 8 + 8 + 36
	}
	if len(payload) < base+8 {
		return 0, 0, fmt.Errorf("tkhd too short for dimensions")
	}
	width = binary.BigEndian.Uint32(payload[base:base+4]) >> 16
	height = binary.BigEndian.Uint32(payload[base+4:base+8]) >> 16
	return width, height, nil
}

var codecTags = map[string]string{
	"avc1": "h264",
	"avc3": "h264",
	"hvc1": "hevc",
	"hev1": "hevc",
	"av01": "av1",
	"vp09": "vp9",
	"mp4v": "mpeg4",
	"mp4a": "aac",
	"ac-3": "ac3",
	"ec-3": "eac3",
	"Opus": "opus",
	"fLaC": "flac",
	"alac": "alac",
	"tx3g": "mov_text",
	"text": "mov_text",
	"wvtt": "webvtt",
}

func codecIDFromTag(tag string) string {
	if id, ok := codecTags[tag]; ok {
		return id
	}
	return tag
}

// --- sample table flattening ---

type sttsEntry struct{ count, duration uint32 }
type stscEntry struct{ firstChunk, samplesPerChunk, descID uint32 }
type cttsEntry struct {
	count  uint32
	offset int32
}

func flattenSampleTables(f *os.File, stbl atom) ([]sample, error) {
	sttsAtom := findChild(stbl, "stts")
	stszAtom := findChild(stbl, "stsz")
	stscAtom := findChild(stbl, "stsc")
	stcoAtom := findChild(stbl, "stco")
	co64Atom := findChild(stbl, "co64")
	if sttsAtom == nil || stszAtom == nil || stscAtom == nil || (stcoAtom == nil && co64Atom == nil) {
		return nil, fmt.Errorf("missing one of stts/stsz/stsc/stco")
	}

	stts, err := parseStts(f, sttsAtom)
	if err != nil {
		return nil, err
	}
	fixedSize, sizes, err := parseStsz(f, stszAtom)
	if err != nil {
		return nil, err
	}
	stsc, err := parseStsc(f, stscAtom)
	if err != nil {
		return nil, err
	}
	chunkOffsets, err := parseChunkOffsets(f, stcoAtom, co64Atom)
	if err != nil {
		return nil, err
	}

	var syncSamples []uint32
	if stss := findChild(stbl, "stss"); stss != nil {
		syncSamples, err = parseStss(f, stss)
		if err != nil {
			return nil, err
		}
	}

	var ctts []cttsEntry
	if cttsAtom := findChild(stbl, "ctts"); cttsAtom != nil {
		ctts, err = parseCtts(f, cttsAtom)
		if err != nil {
			return nil, err
		}
	}

	total := 0
	for _, e := range stts {
		total += int(e.count)
	}
	if fixedSize == 0 && len(sizes) < total {
		total = len(sizes)
	}

	samples := make([]sample, total)

	// Decode times from stts, composition offsets from ctts.
	idx, dts := 0, int64(0)
	for _, e := range stts {
		for i := 0; i < int(e.count) && idx < total; i++ {
			samples[idx].dts = dts
			samples[idx].pts = dts
			samples[idx].duration = int64(e.duration)
			dts += int64(e.duration)
			idx++
		}
	}
	idx = 0
	for _, e := range ctts {
		for i := 0; i < int(e.count) && idx < total; i++ {
			samples[idx].pts = samples[idx].dts + int64(e.offset)
			idx++
		}
	}

	// Sizes.
	for i := range samples {
		if fixedSize != 0 {
			samples[i].size = int64(fixedSize)
		} else {
			samples[i].size = int64(sizes[i])
		}
	}

	// Keyframes: absence of stss means every sample is a sync sample.
	if len(syncSamples) == 0 {
		for i := range samples {
			samples[i].keyframe = true
		}
	} else {
		for _, id := range syncSamples {
			if int(id) >= 1 && int(id) <= total {
				samples[id-1].keyframe = true
			}
		}
	}

	// Byte offsets from the chunk map.
	idx = 0
	for chunk := 0; chunk < len(chunkOffsets) && idx < total; chunk++ {
		perChunk := samplesForChunk(stsc, uint32(chunk+1))
		offset := chunkOffsets[chunk]
		for i := 0; i < int(perChunk) && idx < total; i++ {
			samples[idx].offset = offset
			offset += samples[idx].size
			idx++
		}
	}

	return samples, nil
}

// samplesForChunk resolves the stsc run covering the 1-based chunk index.
func samplesForChunk(stsc []stscEntry, chunk uint32) uint32 {
	var per uint32
	for _, e := range stsc {
		if chunk >= e.firstChunk {
			per = e.samplesPerChunk
		} else {
			break
		}
	}
	return per
}

func parseStts(f *os.File, a *atom) ([]sttsEntry, error) {
	payload, err := readPayload(f, a)
	if err != nil {
		return nil, err
	}
	n, body, err := tableHeader(payload, 8)
	if err != nil {
		return nil, fmt.Errorf("stts: %w", err)
	}
	entries := make([]sttsEntry, n)
	for i := range entries {
		entries[i].count = binary.BigEndian.Uint32(body[i*8:])
		entries[i].duration = binary.BigEndian.Uint32(body[i*8+4:])
	}
	return entries, nil
}

func parseStss(f *os.File, a *atom) ([]uint32, error) {
	payload, err := readPayload(f, a)
	if err != nil {
		return nil, err
	}
	n, body, err := tableHeader(payload, 4)
	if err != nil {
		return nil, fmt.Errorf("stss: %w", err)
	}
	entries := make([]uint32, n)
	for i := range entries {
		entries[i] = binary.BigEndian.Uint32(body[i*4:])
	}
	return entries, nil
}

func parseStsz(f *os.File, a *atom) (uint32, []uint32, error) {
	payload, err := readPayload(f, a)
	if err != nil {
		return 0, nil, err
	}
	if len(payload) < 12 {
		return 0, nil, fmt.Errorf("stsz too short")
	}
	fixedSize := binary.BigEndian.Uint32(payload[4:8])
	count := binary.BigEndian.Uint32(payload[8:12])
	if fixedSize != 0 {
		return fixedSize, nil, nil
	}
	if len(payload) < 12+int(count)*4 {
		return 0, nil, fmt.Errorf("stsz truncated")
	}
	sizes := make([]uint32, count)
	for i := range sizes {
		sizes[i] = binary.BigEndian.Uint32(payload[12+i*4:])
	}
	return 0, sizes, nil
}

func parseStsc(f *os.File, a *atom) ([]stscEntry, error) {
	payload, err := readPayload(f, a)
	if err != nil {
		return nil, err
	}
	n, body, err := tableHeader(payload, 12)
	if err != nil {
		return nil, fmt.Errorf("stsc: %w", err)
	}
	entries := make([]stscEntry, n)
	for i := range entries {
		entries[i].firstChunk = binary.BigEndian.Uint32(body[i*12:])
		entries[i].samplesPerChunk = binary.BigEndian.Uint32(body[i*12+4:])
		entries[i].descID = binary.BigEndian.Uint32(body[i*12+8:])
	}
	return entries, nil
}

func parseChunkOffsets(f *os.File, stco, co64 *atom) ([]int64, error) {
	if co64 != nil {
		payload, err := readPayload(f, co64)
		if err != nil {
			return nil, err
		}
		n, body, err := tableHeader(payload, 8)
		if err != nil {
			return nil, fmt.Errorf("co64: %w", err)
		}
		offsets := make([]int64, n)
		for i := range offsets {
			offsets[i] = int64(binary.BigEndian.Uint64(body[i*8:]))
		}
		return offsets, nil
	}

	payload, err := readPayload(f, stco)
	if err != nil {
		return nil, err
	}
	n, body, err := tableHeader(payload, 4)
	if err != nil {
		return nil, fmt.Errorf("stco: %w", err)
	}
	offsets := make([]int64, n)
	for i := range offsets {
		offsets[i] = int64(binary.BigEndian.Uint32(body[i*4:]))
	}
	return offsets, nil
}

func parseCtts(f *os.File, a *atom) ([]cttsEntry, error) {
	payload, err := readPayload(f, a)
	if err != nil {
		return nil, err
	}
	n, body, err := tableHeader(payload, 8)
	if err != nil {
		return nil, fmt.Errorf("ctts: %w", err)
	}
	entries := make([]cttsEntry, n)
	for i := range entries {
		entries[i].count = binary.BigEndian.Uint32(body[i*8:])
		// Version 0 stores unsigned offsets but they fit the same bits.
		entries[i].offset = int32(binary.BigEndian.Uint32(body[i*8+4:]))
	}
	return entries, nil
}

// tableHeader validates a full-box table payload and returns the entry
// count plus the raw entry bytes.
func tableHeader(payload []byte, entrySize int) (int, []byte, error) {
	if len(payload) < 8 {
		return 0, nil, fmt.Errorf("table too short")
	}
	n := int(binary.BigEndian.Uint32(payload[4:8]))
	if len(payload) < 8+n*entrySize {
		return 0, nil, fmt.Errorf("table truncated: %d entries, %d bytes", n, len(payload)-8)
	}
	return n, payload[8:], nil
}

func formatFromFtyp(f *os.File, a *atom) (string, error) {
	payload, err := readPayload(f, a)
	if err != nil {
		return "", err
	}
	if len(payload) < 4 {
		return "", fmt.Errorf("ftyp too short")
	}
	switch string(payload[0:4]) {
	case "M4A ":
		return "m4a", nil
	case "qt  ":
		return "mov", nil
	default:
		return "mp4", nil
	}
}

// sortSamplesByDTS is used by the writer when packets arrive interleaved.
func sortSamplesByDTS(s []sample) {
	sort.Slice(s, func(i, j int) bool { return s[i].dts < s[j].dts })
}
