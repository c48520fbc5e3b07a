package audiosig

import (
	"encoding/binary"
	"errors"
	"io"
	"os"
)

// WAVInfo is the header-level description of a PCM WAV stream.
type WAVInfo struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
	DataBytes     int64
}

// Duration returns the play time in seconds, or 0 when the header does
// not carry enough to compute it.
func (w *WAVInfo) Duration() float64 {
	bytesPerSecond := w.SampleRate * w.Channels * w.BitsPerSample / 8
	if bytesPerSecond <= 0 {
		return 0
	}
	return float64(w.DataBytes) / float64(bytesPerSecond)
}

var errNotWAV = errors.New("not a RIFF/WAVE stream")

// ProbeWAV walks the RIFF chunk list of r and extracts the fmt and data
// chunk parameters. Non-WAV input returns an error; callers treat probe
// failure as "duration unknown", not as a rejection.
func ProbeWAV(r io.Reader) (*WAVInfo, error) {
	var header [12]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, errNotWAV
	}
	if !isWAV(header[:]) {
		return nil, errNotWAV
	}

	info := &WAVInfo{}
	var haveFmt, haveData bool

loop:
	for !(haveFmt && haveData) {
		var chunkHeader [8]byte
		if _, err := io.ReadFull(r, chunkHeader[:]); err != nil {
			break
		}
		chunkID := string(chunkHeader[:4])
		chunkSize := int64(binary.LittleEndian.Uint32(chunkHeader[4:]))

		switch chunkID {
		case "fmt ":
			var fmtChunk [16]byte
			if _, err := io.ReadFull(r, fmtChunk[:]); err != nil {
				return nil, errNotWAV
			}
			info.Channels = int(binary.LittleEndian.Uint16(fmtChunk[2:4]))
			info.SampleRate = int(binary.LittleEndian.Uint32(fmtChunk[4:8]))
			info.BitsPerSample = int(binary.LittleEndian.Uint16(fmtChunk[14:16]))
			haveFmt = true
			if rest := chunkSize - 16; rest > 0 {
				if err := skip(r, rest); err != nil {
					break loop
				}
			}
		case "data":
			info.DataBytes = chunkSize
			haveData = true
			// No need to read the samples themselves.
			if err := skip(r, chunkSize); err != nil {
				break loop
			}
		default:
			// Chunks are word-aligned; odd sizes carry a pad byte.
			if chunkSize%2 == 1 {
				chunkSize++
			}
			if err := skip(r, chunkSize); err != nil {
				break loop
			}
		}
	}

	if !haveFmt {
		return nil, errNotWAV
	}
	return info, nil
}

// ProbeFile opens path and probes it as WAV.
func ProbeFile(path string) (*WAVInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ProbeWAV(f)
}

func skip(r io.Reader, n int64) error {
	if s, ok := r.(io.Seeker); ok {
		_, err := s.Seek(n, io.SeekCurrent)
		return err
	}
	_, err := io.CopyN(io.Discard, r, n)
	return err
}
