package audio

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

const (
	InputSampleRate  = 16000
	OutputSampleRate = 24000

	positiveScale = 32767.0
	negativeScale = 32768.0
)

func Resample(input []float32, fromRate, toRate int) []float32 {
	if len(input) == 0 || fromRate <= 0 || toRate <= 0 {
		return []float32{}
	}

	if fromRate == toRate {
		output := make([]float32, len(input))
		copy(output, input)
		return output
	}

	ratio := float64(toRate) / float64(fromRate)
	outputLen := int(math.Round(float64(len(input)) * ratio))
	output := make([]float32, outputLen)

	resampleCore(output, input, ratio)
	return output
}

// resampleCore interpolates between the floor and ceil source samples; the
// ceil index is clamped to the last valid sample.
func resampleCore(output, input []float32, ratio float64) {
	last := len(input) - 1
	if last < 0 {
		return
	}

	for i := 0; i < len(output); i++ {
		srcPos := float64(i) / ratio
		lo := int(srcPos)
		if lo > last {
			lo = last
		}
		hi := lo + 1
		if hi > last {
			hi = last
		}
		frac := float32(srcPos - float64(lo))
		output[i] = input[lo]*(1-frac) + input[hi]*frac
	}
}

func ResampleInt16(samples []int16, fromRate, toRate int) []int16 {
	if fromRate == toRate {
		return samples
	}

	floats := Int16ToFloat32(samples)
	resampled := Resample(floats, fromRate, toRate)
	return Float32ToInt16(resampled)
}

func Int16ToFloat32(samples []int16) []float32 {
	result := make([]float32, len(samples))
	for i, s := range samples {
		if s < 0 {
			result[i] = float32(s) / negativeScale
		} else {
			result[i] = float32(s) / positiveScale
		}
	}
	return result
}

func Float32ToInt16(samples []float32) []int16 {
	result := make([]int16, len(samples))
	for i, s := range samples {
		if s > 1.0 {
			s = 1.0
		} else if s < -1.0 {
			s = -1.0
		}
		if s < 0 {
			result[i] = int16(s * negativeScale)
		} else {
			result[i] = int16(s * positiveScale)
		}
	}
	return result
}

func PCMBytesToInt16(pcm []byte) []int16 {
	samples := make([]int16, len(pcm)/2)
	for i := 0; i < len(samples); i++ {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return samples
}

func Int16ToPCMBytes(samples []int16) []byte {
	pcm := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(s))
	}
	return pcm
}

func EncodePCM16Base64(samples []int16) string {
	return base64.StdEncoding.EncodeToString(Int16ToPCMBytes(samples))
}

// DecodePCM16Base64 rejects payloads that do not hold a whole number of
// 16-bit samples.
func DecodePCM16Base64(data string) ([]int16, error) {
	pcm, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("decode base64: %w", err)
	}
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("pcm16 payload has odd length %d", len(pcm))
	}
	return PCMBytesToInt16(pcm), nil
}

func Duration(samples, sampleRate int) time.Duration {
	if sampleRate <= 0 || samples <= 0 {
		return 0
	}
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}
