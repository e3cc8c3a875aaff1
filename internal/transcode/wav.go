package transcode

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/youpy/go-wav"

	"github.com/viewin/viewin-agent/internal/audio"
)

const (
	wavHeaderSize = 44
	pcmFormatCode = 1
	bitsPerSample = 16
)

// EncodeWAV renders buf as 16-bit PCM WAV with the canonical 44-byte header.
// Samples are clamped to [-1, 1]; negatives scale by 0x8000, the rest by
// 0x7FFF.
func EncodeWAV(buf *audio.Buffer) ([]byte, error) {
	if buf == nil || buf.Channels <= 0 || buf.SampleRate <= 0 {
		return nil, fmt.Errorf("invalid pcm buffer")
	}

	blockAlign := buf.Channels * bitsPerSample / 8
	dataSize := buf.Frames() * blockAlign

	out := make([]byte, wavHeaderSize+dataSize)
	le := binary.LittleEndian

	copy(out[0:4], "RIFF")
	le.PutUint32(out[4:8], uint32(36+dataSize))
	copy(out[8:12], "WAVE")
	copy(out[12:16], "fmt ")
	le.PutUint32(out[16:20], 16)
	le.PutUint16(out[20:22], pcmFormatCode)
	le.PutUint16(out[22:24], uint16(buf.Channels))
	le.PutUint32(out[24:28], uint32(buf.SampleRate))
	le.PutUint32(out[28:32], uint32(buf.SampleRate*blockAlign))
	le.PutUint16(out[32:34], uint16(blockAlign))
	le.PutUint16(out[34:36], bitsPerSample)
	copy(out[36:40], "data")
	le.PutUint32(out[40:44], uint32(dataSize))

	offset := wavHeaderSize
	for _, s := range buf.Data[:buf.Frames()*buf.Channels] {
		le.PutUint16(out[offset:], uint16(quantize(s)))
		offset += 2
	}
	return out, nil
}

func quantize(s float32) int16 {
	switch {
	case s > 1:
		s = 1
	case s < -1:
		s = -1
	}
	if s < 0 {
		return int16(s * 0x8000)
	}
	return int16(s * 0x7FFF)
}

// DecodeWAV reads a PCM WAV clip of any bit depth go-wav understands.
func DecodeWAV(data []byte) (*audio.Buffer, error) {
	reader := wav.NewReader(bytes.NewReader(data))

	format, err := reader.Format()
	if err != nil {
		return nil, fmt.Errorf("%w: bad wav header: %v", audio.ErrDecode, err)
	}
	if format.AudioFormat != wav.AudioFormatPCM {
		return nil, fmt.Errorf("%w: unsupported wav format code %d", audio.ErrDecode, format.AudioFormat)
	}
	channels := int(format.NumChannels)
	if channels < 1 || channels > 2 {
		return nil, fmt.Errorf("%w: unsupported channel count %d", audio.ErrDecode, channels)
	}

	buf := &audio.Buffer{SampleRate: int(format.SampleRate), Channels: channels}
	for {
		samples, err := reader.ReadSamples()
		for _, sample := range samples {
			for c := 0; c < channels; c++ {
				buf.Data = append(buf.Data, float32(reader.FloatValue(sample, uint(c))))
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: wav samples: %v", audio.ErrDecode, err)
		}
	}
	return buf, nil
}
