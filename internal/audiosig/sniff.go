// Package audiosig identifies audio container formats from their leading
// bytes and probes WAV headers for duration. It does no decoding; DSP and
// quality metrics belong to the external quality service.
package audiosig

import "bytes"

// Format is a recognized audio container.
type Format string

const (
	FormatUnknown Format = ""
	FormatWAV     Format = "wav"
	FormatMP3     Format = "mp3"
	FormatFLAC    Format = "flac"
	FormatOGG     Format = "ogg"
	FormatM4A     Format = "m4a"
	FormatWebM    Format = "webm"
	Format3GP     Format = "3gp"
	FormatAMR     Format = "amr"
)

var mp4Brands = [][]byte{[]byte("M4A"), []byte("mp42"), []byte("isom"), []byte("mp41")}
var threeGPBrands = [][]byte{[]byte("3gp"), []byte("3g2")}

// Sniff identifies the container format from the first bytes of a stream.
// It needs at most 12 bytes; shorter inputs may still match the shorter
// signatures.
func Sniff(head []byte) (Format, bool) {
	switch {
	case isWAV(head):
		return FormatWAV, true
	case isMP3(head):
		return FormatMP3, true
	case len(head) >= 4 && bytes.Equal(head[:4], []byte("fLaC")):
		return FormatFLAC, true
	case len(head) >= 4 && bytes.Equal(head[:4], []byte("OggS")):
		return FormatOGG, true
	case hasFtypBrand(head, mp4Brands):
		return FormatM4A, true
	case len(head) >= 4 && bytes.Equal(head[:4], []byte{0x1A, 0x45, 0xDF, 0xA3}):
		return FormatWebM, true
	case hasFtypBrand(head, threeGPBrands):
		return Format3GP, true
	case len(head) >= 5 && bytes.Equal(head[:5], []byte("#!AMR")):
		return FormatAMR, true
	}
	return FormatUnknown, false
}

func isWAV(head []byte) bool {
	return len(head) >= 12 &&
		bytes.Equal(head[:4], []byte("RIFF")) &&
		bytes.Equal(head[8:12], []byte("WAVE"))
}

func isMP3(head []byte) bool {
	if len(head) >= 3 && bytes.Equal(head[:3], []byte("ID3")) {
		return true
	}
	// Bare MPEG frame sync: 11 set bits.
	return len(head) >= 2 && head[0] == 0xFF && head[1]&0xE0 == 0xE0
}

func hasFtypBrand(head []byte, brands [][]byte) bool {
	if len(head) < 12 || !bytes.Equal(head[4:8], []byte("ftyp")) {
		return false
	}
	brand := head[8:12]
	for _, b := range brands {
		if bytes.HasPrefix(brand, b) {
			return true
		}
	}
	return false
}
