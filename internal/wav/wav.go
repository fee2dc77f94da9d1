// Package wav implements a minimal single-channel PCM WAV container:
// a hand-written 44-byte header encoder and a RIFF chunk decoder.
//
// The codec is deliberately pure and free of any audio-device API so it
// can be unit tested byte for byte.
package wav

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Container layout constants.
const (
	headerSize     = 44
	riffChunkID    = "RIFF"
	waveFormatID   = "WAVE"
	fmtChunkID     = "fmt "
	dataChunkID    = "data"
	fmtChunkSize   = 16
	pcmAudioFormat = 1
	channelsMono   = 1
	bitsPerSample  = 16
	bytesPerSample = 2
)

// Static errors.
var (
	ErrTooShort          = errors.New("data too short for a WAV container")
	ErrNotRIFF           = errors.New("missing RIFF/WAVE signature")
	ErrNoFormatChunk     = errors.New("missing fmt chunk")
	ErrNoDataChunk       = errors.New("missing data chunk")
	ErrUnsupportedFormat = errors.New("unsupported WAV format")
)

// Encode writes samples as a complete mono 16-bit PCM WAV file. Each
// sample is clamped to [-1, 1] before integer conversion.
func Encode(samples []float64, sampleRate int) []byte {
	pcm := make([]byte, len(samples)*bytesPerSample)

	for i, sample := range samples {
		clamped := math.Max(-1.0, math.Min(1.0, sample))
		value := int16(math.Round(clamped * math.MaxInt16))
		binary.LittleEndian.PutUint16(pcm[i*bytesPerSample:], uint16(value))
	}

	return EncodePCM16(pcm, sampleRate)
}

// EncodePCM16 wraps raw 16-bit little-endian mono samples in a WAV
// container without any sample conversion.
func EncodePCM16(pcm []byte, sampleRate int) []byte {
	out := make([]byte, headerSize+len(pcm))

	copy(out[0:4], riffChunkID)
	binary.LittleEndian.PutUint32(out[4:8], uint32(headerSize-8+len(pcm)))
	copy(out[8:12], waveFormatID)

	copy(out[12:16], fmtChunkID)
	binary.LittleEndian.PutUint32(out[16:20], fmtChunkSize)
	binary.LittleEndian.PutUint16(out[20:22], pcmAudioFormat)
	binary.LittleEndian.PutUint16(out[22:24], channelsMono)
	binary.LittleEndian.PutUint32(out[24:28], uint32(sampleRate))

	byteRate := sampleRate * channelsMono * bytesPerSample
	binary.LittleEndian.PutUint32(out[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(out[32:34], channelsMono*bytesPerSample)
	binary.LittleEndian.PutUint16(out[34:36], bitsPerSample)

	copy(out[36:40], dataChunkID)
	binary.LittleEndian.PutUint32(out[40:44], uint32(len(pcm)))
	copy(out[headerSize:], pcm)

	return out
}

// Decode parses a mono 16-bit PCM WAV container and returns its samples
// scaled to [-1, 1] together with the sample rate.
func Decode(data []byte) ([]float64, int, error) {
	if len(data) < headerSize {
		return nil, 0, ErrTooShort
	}

	if string(data[0:4]) != riffChunkID || string(data[8:12]) != waveFormatID {
		return nil, 0, ErrNotRIFF
	}

	sampleRate, pcm, err := scanChunks(data[12:])
	if err != nil {
		return nil, 0, err
	}

	samples := make([]float64, len(pcm)/bytesPerSample)
	for i := range samples {
		value := int16(binary.LittleEndian.Uint16(pcm[i*bytesPerSample:]))
		samples[i] = float64(value) / math.MaxInt16
	}

	return samples, sampleRate, nil
}

// scanChunks walks the RIFF sub-chunks looking for fmt and data.
func scanChunks(chunks []byte) (int, []byte, error) {
	var (
		sampleRate int
		pcm        []byte
		haveFormat bool
		haveData   bool
	)

	offset := 0
	for offset+8 <= len(chunks) {
		chunkID := string(chunks[offset : offset+4])
		chunkSize := int(binary.LittleEndian.Uint32(chunks[offset+4 : offset+8]))
		body := offset + 8

		if body+chunkSize > len(chunks) {
			chunkSize = len(chunks) - body
		}

		switch chunkID {
		case fmtChunkID:
			rate, err := parseFormatChunk(chunks[body : body+chunkSize])
			if err != nil {
				return 0, nil, err
			}

			sampleRate = rate
			haveFormat = true
		case dataChunkID:
			pcm = chunks[body : body+chunkSize]
			haveData = true
		}

		// Chunks are word-aligned.
		offset = body + chunkSize + chunkSize%2
	}

	if !haveFormat {
		return 0, nil, ErrNoFormatChunk
	}

	if !haveData {
		return 0, nil, ErrNoDataChunk
	}

	return sampleRate, pcm, nil
}

func parseFormatChunk(body []byte) (int, error) {
	if len(body) < fmtChunkSize {
		return 0, fmt.Errorf("%w: fmt chunk truncated", ErrUnsupportedFormat)
	}

	audioFormat := binary.LittleEndian.Uint16(body[0:2])
	channels := binary.LittleEndian.Uint16(body[2:4])
	sampleRate := binary.LittleEndian.Uint32(body[4:8])
	bits := binary.LittleEndian.Uint16(body[14:16])

	if audioFormat != pcmAudioFormat {
		return 0, fmt.Errorf("%w: audio format %d", ErrUnsupportedFormat, audioFormat)
	}

	if channels != channelsMono {
		return 0, fmt.Errorf("%w: %d channels", ErrUnsupportedFormat, channels)
	}

	if bits != bitsPerSample {
		return 0, fmt.Errorf("%w: %d bits per sample", ErrUnsupportedFormat, bits)
	}

	return int(sampleRate), nil
}
