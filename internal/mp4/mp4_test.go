package mp4

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/clipcut/clipcut-agent/internal/media"
)

// testStsd builds a minimal stsd payload carrying a single entry with
// the given sample-entry tag.
func testStsd(tag string) []byte {
	var b boxBuf
	b.u32(0) // version/flags
	b.u32(1) // entry count
	b.u32(16)
	b.tag(tag)
	b.raw(make([]byte, 8))
	return b.bytes()
}

func testStreams() []media.StreamInfo {
	return []media.StreamInfo{
		{
			Index:        0,
			Kind:         media.KindVideo,
			CodecID:      "h264",
			TimeBase:     media.Rational{Num: 1, Den: 90000},
			Language:     "und",
			CodecPrivate: testStsd("avc1"),
			Width:        1280,
			Height:       720,
		},
		{
			Index:        1,
			Kind:         media.KindAudio,
			CodecID:      "aac",
			TimeBase:     media.Rational{Num: 1, Den: 48000},
			Language:     "eng",
			CodecPrivate: testStsd("mp4a"),
		},
	}
}

// writeTestFile muxes a short two-stream file and returns its path and
// the packets that went in, keyed by stream.
func writeTestFile(t *testing.T) (string, map[int][]*media.Packet) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "out.mp4")
	mux, err := Create(path, "mp4", testStreams())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	written := map[int][]*media.Packet{}
	add := func(p *media.Packet) {
		if err := mux.WritePacket(p); err != nil {
			t.Fatalf("WritePacket: %v", err)
		}
		written[p.StreamIndex] = append(written[p.StreamIndex], p)
	}

	// Video: three packets, only the first a keyframe, with reordering.
	add(&media.Packet{StreamIndex: 0, PTS: 0, DTS: 0, Duration: 3000, Keyframe: true, Data: []byte("vid-key")})
	add(&media.Packet{StreamIndex: 1, PTS: 0, DTS: 0, Duration: 1024, Keyframe: true, Data: []byte("aud-0")})
	add(&media.Packet{StreamIndex: 0, PTS: 9000, DTS: 3000, Duration: 3000, Data: []byte("vid-p")})
	add(&media.Packet{StreamIndex: 1, PTS: 1024, DTS: 1024, Duration: 1024, Keyframe: true, Data: []byte("aud-1")})
	add(&media.Packet{StreamIndex: 0, PTS: 6000, DTS: 6000, Duration: 3000, Data: []byte("vid-b")})

	if err := mux.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return path, written
}

func TestRoundTripStreams(t *testing.T) {
	path, _ := writeTestFile(t)

	dmx, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer dmx.Close()

	if got := dmx.Container().FormatName; got != "mp4" {
		t.Errorf("format = %q, want mp4", got)
	}

	streams := dmx.Streams()
	if len(streams) != 2 {
		t.Fatalf("got %d streams, want 2", len(streams))
	}

	v := streams[0]
	if v.Kind != media.KindVideo || v.CodecID != "h264" {
		t.Errorf("stream 0 = %s/%s, want video/h264", v.Kind, v.CodecID)
	}
	if v.TimeBase.Den != 90000 {
		t.Errorf("video timescale = %d, want 90000", v.TimeBase.Den)
	}
	if v.Width != 1280 || v.Height != 720 {
		t.Errorf("video dimensions = %dx%d, want 1280x720", v.Width, v.Height)
	}

	a := streams[1]
	if a.Kind != media.KindAudio || a.CodecID != "aac" {
		t.Errorf("stream 1 = %s/%s, want audio/aac", a.Kind, a.CodecID)
	}
	if a.Language != "eng" {
		t.Errorf("audio language = %q, want eng", a.Language)
	}
}

func TestRoundTripPackets(t *testing.T) {
	path, written := writeTestFile(t)

	dmx, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer dmx.Close()

	for stream, want := range written {
		for i, wp := range want {
			got, err := dmx.ReadPacket(stream)
			if err != nil {
				t.Fatalf("stream %d packet %d: %v", stream, i, err)
			}
			if got.PTS != wp.PTS || got.DTS != wp.DTS {
				t.Errorf("stream %d packet %d: pts/dts = %d/%d, want %d/%d",
					stream, i, got.PTS, got.DTS, wp.PTS, wp.DTS)
			}
			if got.Keyframe != wp.Keyframe {
				t.Errorf("stream %d packet %d: keyframe = %v, want %v",
					stream, i, got.Keyframe, wp.Keyframe)
			}
			if !bytes.Equal(got.Data, wp.Data) {
				t.Errorf("stream %d packet %d: payload = %q, want %q",
					stream, i, got.Data, wp.Data)
			}
		}
		if _, err := dmx.ReadPacket(stream); err != io.EOF {
			t.Errorf("stream %d after last packet: err = %v, want io.EOF", stream, err)
		}
	}
}

func TestSeek(t *testing.T) {
	path, _ := writeTestFile(t)

	dmx, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer dmx.Close()

	if err := dmx.Seek(0, 3000); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	p, err := dmx.ReadPacket(0)
	if err != nil {
		t.Fatalf("ReadPacket: %v", err)
	}
	if p.PTS < 3000 {
		t.Errorf("packet after seek has PTS %d, want >= 3000", p.PTS)
	}

	// Seeking past the end parks the cursor at EOF.
	if err := dmx.Seek(0, 1<<40); err != nil {
		t.Fatalf("Seek past end: %v", err)
	}
	if _, err := dmx.ReadPacket(0); err != io.EOF {
		t.Errorf("read after seek past end: err = %v, want io.EOF", err)
	}

	if err := dmx.Seek(7, 0); err == nil {
		t.Error("Seek on unknown stream should fail")
	}
}

func TestCreateUnsupportedFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.mkv")
	_, err := Create(path, "matroska", testStreams())
	if !errors.Is(err, media.ErrUnsupportedFormat) {
		t.Errorf("err = %v, want ErrUnsupportedFormat", err)
	}
}

func TestOpenRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garbage.mp4")
	if err := os.WriteFile(path, bytes.Repeat([]byte{0xde, 0xad}, 64), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(path); err == nil {
		t.Error("Open should fail on a file with no moov atom")
	}
}

func TestLanguagePacking(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"eng", "eng"},
		{"jpn", "jpn"},
		{"", "und"},
		{"x!", "und"},
		{"ENG", "und"},
	}
	for _, tc := range cases {
		if got := unpackLanguage(packLanguage(tc.in)); got != tc.want {
			t.Errorf("pack/unpack %q = %q, want %q", tc.in, got, tc.want)
		}
	}
}
