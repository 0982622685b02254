package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

var ErrInvalidWAV = errors.New("invalid wav data")

type wavHeader struct {
	RIFF          [4]byte
	ChunkSize     uint32
	WAVE          [4]byte
	FmtID         [4]byte
	FmtSize       uint32
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	DataID        [4]byte
	DataSize      uint32
}

const wavHeaderSize = 44

func EncodeWAV(samples []int16, sampleRate int) ([]byte, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}

	dataSize := uint32(len(samples) * 2)
	header := wavHeader{
		RIFF:          [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		WAVE:          [4]byte{'W', 'A', 'V', 'E'},
		FmtID:         [4]byte{'f', 'm', 't', ' '},
		FmtSize:       16,
		AudioFormat:   1,
		NumChannels:   1,
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate) * 2,
		BlockAlign:    2,
		BitsPerSample: 16,
		DataID:        [4]byte{'d', 'a', 't', 'a'},
		DataSize:      dataSize,
	}

	buf := bytes.NewBuffer(make([]byte, 0, wavHeaderSize+len(samples)*2))
	if err := binary.Write(buf, binary.LittleEndian, header); err != nil {
		return nil, fmt.Errorf("write wav header: %w", err)
	}
	buf.Write(Int16ToPCMBytes(samples))
	return buf.Bytes(), nil
}

// DecodeWAV walks the RIFF chunks so files carrying LIST or fact chunks
// before "data" still decode. Stereo input is averaged down to mono.
func DecodeWAV(data []byte) ([]int16, int, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, 0, fmt.Errorf("%w: missing RIFF/WAVE header", ErrInvalidWAV)
	}

	var (
		channels   uint16
		sampleRate uint32
		bits       uint16
		format     uint16
		haveFmt    bool
		pcm        []byte
	)

	offset := 12
	for offset+8 <= len(data) {
		id := string(data[offset : offset+4])
		size := int(binary.LittleEndian.Uint32(data[offset+4 : offset+8]))
		body := offset + 8
		end := body + size
		if end > len(data) {
			end = len(data)
		}

		switch id {
		case "fmt ":
			if end-body < 16 {
				return nil, 0, fmt.Errorf("%w: short fmt chunk", ErrInvalidWAV)
			}
			format = binary.LittleEndian.Uint16(data[body:])
			channels = binary.LittleEndian.Uint16(data[body+2:])
			sampleRate = binary.LittleEndian.Uint32(data[body+4:])
			bits = binary.LittleEndian.Uint16(data[body+14:])
			haveFmt = true
		case "data":
			pcm = data[body:end]
		}

		offset = body + size
		if size%2 == 1 {
			offset++
		}
	}

	if !haveFmt {
		return nil, 0, fmt.Errorf("%w: missing fmt chunk", ErrInvalidWAV)
	}
	if pcm == nil {
		return nil, 0, fmt.Errorf("%w: missing data chunk", ErrInvalidWAV)
	}
	if format != 1 || bits != 16 {
		return nil, 0, fmt.Errorf("unsupported wav encoding: format %d, %d bits", format, bits)
	}
	if sampleRate == 0 {
		return nil, 0, fmt.Errorf("%w: zero sample rate", ErrInvalidWAV)
	}

	samples := PCMBytesToInt16(pcm)
	switch channels {
	case 1:
		return samples, int(sampleRate), nil
	case 2:
		mono := make([]int16, len(samples)/2)
		for i := range mono {
			mono[i] = int16((int32(samples[2*i]) + int32(samples[2*i+1])) / 2)
		}
		return mono, int(sampleRate), nil
	default:
		return nil, 0, fmt.Errorf("unsupported channel count: %d", channels)
	}
}
