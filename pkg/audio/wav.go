package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrNotWAV is returned by [ParseWAV] for data without a RIFF/WAVE header.
var ErrNotWAV = errors.New("audio: not a RIFF/WAVE file")

// wavHeaderSize is the size of the canonical header written by [EncodeWAV].
const wavHeaderSize = 44

// pcmFormatTag is the WAVE format code for uncompressed integer PCM.
const pcmFormatTag = 1

// Format describes uncompressed PCM audio.
type Format struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

func (f Format) String() string {
	ch := fmt.Sprintf("%dch", f.Channels)
	switch f.Channels {
	case 1:
		ch = "mono"
	case 2:
		ch = "stereo"
	}
	return fmt.Sprintf("%dHz %s %d-bit", f.SampleRate, ch, f.BitsPerSample)
}

// ServiceFormat is the format the speech service recognizes best.
var ServiceFormat = Format{SampleRate: 16000, Channels: 1, BitsPerSample: 16}

// ParseWAV walks the RIFF chunks of data and returns the PCM format and the
// sample bytes of the data chunk. Chunks other than "fmt " and "data" are
// skipped.
func ParseWAV(data []byte) (Format, []byte, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return Format{}, nil, ErrNotWAV
	}

	var (
		f       Format
		haveFmt bool
	)
	rest := data[12:]
	for len(rest) >= 8 {
		id := string(rest[0:4])
		size := int(binary.LittleEndian.Uint32(rest[4:8]))
		body := rest[8:]
		if size > len(body) {
			// Truncated data chunks are common in recordings that were cut off.
			if id != "data" {
				return Format{}, nil, fmt.Errorf("audio: wav chunk %q truncated", id)
			}
			size = len(body)
		}

		switch id {
		case "fmt ":
			if size < 16 {
				return Format{}, nil, fmt.Errorf("audio: wav fmt chunk too short (%d bytes)", size)
			}
			if tag := binary.LittleEndian.Uint16(body[0:2]); tag != pcmFormatTag {
				return Format{}, nil, fmt.Errorf("audio: unsupported wav encoding %d, want PCM", tag)
			}
			f.Channels = int(binary.LittleEndian.Uint16(body[2:4]))
			f.SampleRate = int(binary.LittleEndian.Uint32(body[4:8]))
			f.BitsPerSample = int(binary.LittleEndian.Uint16(body[14:16]))
			haveFmt = true
		case "data":
			if !haveFmt {
				return Format{}, nil, errors.New("audio: wav data chunk before fmt chunk")
			}
			return f, body[:size], nil
		}

		// Chunks are padded to an even size.
		next := size + size%2
		if next > len(body) {
			break
		}
		rest = body[next:]
	}
	return Format{}, nil, errors.New("audio: wav has no data chunk")
}

// EncodeWAV prepends a canonical 44-byte PCM header to pcm.
func EncodeWAV(f Format, pcm []byte) []byte {
	var b bytes.Buffer
	b.Grow(wavHeaderSize + len(pcm))
	blockAlign := f.Channels * f.BitsPerSample / 8

	b.WriteString("RIFF")
	_ = binary.Write(&b, binary.LittleEndian, uint32(36+len(pcm)))
	b.WriteString("WAVE")
	b.WriteString("fmt ")
	for _, v := range []any{
		uint32(16),
		uint16(pcmFormatTag),
		uint16(f.Channels),
		uint32(f.SampleRate),
		uint32(f.SampleRate * blockAlign),
		uint16(blockAlign),
		uint16(f.BitsPerSample),
	} {
		_ = binary.Write(&b, binary.LittleEndian, v)
	}
	b.WriteString("data")
	_ = binary.Write(&b, binary.LittleEndian, uint32(len(pcm)))
	b.Write(pcm)
	return b.Bytes()
}

// Normalize converts a 16-bit PCM WAV file to [ServiceFormat]. Data already
// in that format is returned unchanged along with its format.
func Normalize(data []byte) ([]byte, Format, error) {
	f, pcm, err := ParseWAV(data)
	if err != nil {
		return nil, Format{}, err
	}
	if f == ServiceFormat {
		return data, f, nil
	}
	if f.BitsPerSample != 16 {
		return nil, f, fmt.Errorf("audio: cannot convert %s, only 16-bit PCM is supported", f)
	}
	if f.Channels < 1 || f.SampleRate <= 0 {
		return nil, f, fmt.Errorf("audio: invalid wav format %s", f)
	}

	mono := DownmixMono16(pcm, f.Channels)
	out := ResampleMono16(mono, f.SampleRate, ServiceFormat.SampleRate)
	return EncodeWAV(ServiceFormat, out), f, nil
}

// NormalizeReader reads all of r, normalizes it with [Normalize] and returns
// a [ChunkReader] over the result.
func NormalizeReader(r io.Reader, chunkSize int) (*ChunkReader, Format, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, Format{}, fmt.Errorf("audio: read: %w", err)
	}
	out, f, err := Normalize(data)
	if err != nil {
		return nil, f, err
	}
	return NewChunkReader(bytes.NewReader(out), chunkSize), f, nil
}
