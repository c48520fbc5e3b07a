package audiosig

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// BuildWAV produces a minimal PCM WAV byte stream for tests.
func BuildWAV(sampleRate, channels, bits int, dataBytes int) []byte {
	var buf bytes.Buffer
	byteRate := sampleRate * channels * bits / 8
	blockAlign := channels * bits / 8

	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+dataBytes))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(&buf, binary.LittleEndian, uint16(channels))
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(&buf, binary.LittleEndian, uint32(byteRate))
	binary.Write(&buf, binary.LittleEndian, uint16(blockAlign))
	binary.Write(&buf, binary.LittleEndian, uint16(bits))

	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(dataBytes))
	buf.Write(make([]byte, dataBytes))
	return buf.Bytes()
}

func TestSniffKnownFormats(t *testing.T) {
	cases := []struct {
		name string
		head []byte
		want Format
	}{
		{"wav", BuildWAV(16000, 1, 16, 16), FormatWAV},
		{"mp3 id3", []byte("ID3\x04\x00\x00\x00\x00\x00\x00"), FormatMP3},
		{"mp3 frame sync", []byte{0xFF, 0xFB, 0x90, 0x00}, FormatMP3},
		{"flac", []byte("fLaC\x00\x00\x00\x22"), FormatFLAC},
		{"ogg", []byte("OggS\x00\x02\x00\x00"), FormatOGG},
		{"m4a", append([]byte{0, 0, 0, 32}, []byte("ftypM4A \x00\x00\x02\x00")...), FormatM4A},
		{"mp42", append([]byte{0, 0, 0, 32}, []byte("ftypmp42\x00\x00\x00\x00")...), FormatM4A},
		{"isom", append([]byte{0, 0, 0, 32}, []byte("ftypisom\x00\x00\x02\x00")...), FormatM4A},
		{"webm", []byte{0x1A, 0x45, 0xDF, 0xA3, 0x9F, 0x42}, FormatWebM},
		{"3gp", append([]byte{0, 0, 0, 24}, []byte("ftyp3gp4\x00\x00\x03\x00")...), Format3GP},
		{"amr", []byte("#!AMR\n"), FormatAMR},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := Sniff(tc.head)
			require.True(t, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestSniffRejectsUnknown(t *testing.T) {
	for _, head := range [][]byte{
		nil,
		[]byte("GIF89a"),
		[]byte("RIFFxxxxAVI "),                             // RIFF but not WAVE
		append([]byte{0, 0, 0, 32}, []byte("ftypqt  ")...), // unrecognized brand
		{0x7F, 0x45, 0x4C, 0x46},                           // ELF
		bytes.Repeat([]byte{0x00}, 64),
	} {
		_, ok := Sniff(head)
		assert.False(t, ok, "head %q must not sniff as audio", head)
	}
}

func TestProbeWAVDuration(t *testing.T) {
	// 2 seconds of 16 kHz mono PCM_16: 16000 * 2 bytes/sample * 2 s.
	wav := BuildWAV(16000, 1, 16, 64000)

	info, err := ProbeWAV(bytes.NewReader(wav))
	require.NoError(t, err)

	assert.Equal(t, 16000, info.SampleRate)
	assert.Equal(t, 1, info.Channels)
	assert.Equal(t, 16, info.BitsPerSample)
	assert.InDelta(t, 2.0, info.Duration(), 1e-9)
}

func TestProbeWAVRejectsNonWAV(t *testing.T) {
	_, err := ProbeWAV(bytes.NewReader([]byte("OggS this is not a wav")))
	assert.Error(t, err)

	_, err = ProbeWAV(bytes.NewReader([]byte("RI")))
	assert.Error(t, err)
}

func TestProbeWAVSkipsUnknownChunks(t *testing.T) {
	// LIST chunk between the header and fmt must be skipped.
	var buf bytes.Buffer
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(0))
	buf.WriteString("WAVE")
	buf.WriteString("LIST")
	binary.Write(&buf, binary.LittleEndian, uint32(4))
	buf.WriteString("INFO")
	full := BuildWAV(44100, 2, 16, 44100*4) // 1 s stereo
	buf.Write(full[12:])                    // append fmt+data chunks

	info, err := ProbeWAV(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, 44100, info.SampleRate)
	assert.Equal(t, 2, info.Channels)
	assert.InDelta(t, 1.0, info.Duration(), 1e-9)
}
