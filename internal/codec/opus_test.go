package codec

import (
	"bytes"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viewin/viewin-agent/internal/audio"
)

func tone(sampleRate, channels int, d time.Duration) []float32 {
	frames := int(d.Seconds() * float64(sampleRate))
	out := make([]float32, frames*channels)
	for i := 0; i < frames; i++ {
		s := 0.4 * float32(math.Sin(2*math.Pi*440*float64(i)/float64(sampleRate)))
		for c := 0; c < channels; c++ {
			out[i*channels+c] = s
		}
	}
	return out
}

func TestOggOpusRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewOggOpusWriter(&buf, 48000, 1, 32000)
	require.NoError(t, err)

	pcm := tone(48000, 1, time.Second)
	// uneven chunks exercise frame buffering
	for len(pcm) > 0 {
		n := 700
		if n > len(pcm) {
			n = len(pcm)
		}
		require.NoError(t, w.Write(pcm[:n]))
		pcm = pcm[n:]
	}
	require.NoError(t, w.Close())
	assert.Equal(t, 50, w.Frames())
	assert.Equal(t, ContainerOgg, Sniff(buf.Bytes()))

	decoded, err := DecodeOggOpus(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, OpusDecodeRate, decoded.SampleRate)
	assert.Equal(t, 1, decoded.Channels)
	assert.InDelta(t, time.Second.Seconds(), decoded.Duration().Seconds(), 0.1)

	var energy float64
	for _, s := range decoded.Data {
		energy += float64(s) * float64(s)
	}
	assert.Greater(t, energy, 0.0)
}

func TestOggOpusWriter_PadsTrailingFrame(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewOggOpusWriter(&buf, 16000, 2, 0)
	require.NoError(t, err)

	require.NoError(t, w.Write(tone(16000, 2, 30*time.Millisecond)))
	assert.Equal(t, 1, w.Frames())
	require.NoError(t, w.Close())
	assert.Equal(t, 2, w.Frames())

	require.Error(t, w.Write(tone(16000, 2, 20*time.Millisecond)))
}

func TestNewOggOpusWriter_RejectsBadFormat(t *testing.T) {
	_, err := NewOggOpusWriter(&bytes.Buffer{}, 44100, 1, 0)
	assert.Error(t, err)

	_, err = NewOggOpusWriter(&bytes.Buffer{}, 48000, 6, 0)
	assert.Error(t, err)
}

func TestDecodeOggOpus_Garbage(t *testing.T) {
	_, err := DecodeOggOpus([]byte("definitely not ogg"))
	assert.ErrorIs(t, err, audio.ErrDecode)
}

func TestSniff(t *testing.T) {
	wav := append([]byte("RIFF\x00\x00\x00\x00WAVE"), make([]byte, 32)...)

	tests := []struct {
		name string
		data []byte
		want Container
	}{
		{"ogg", []byte("OggS\x00\x02"), ContainerOgg},
		{"wav", wav, ContainerWAV},
		{"webm", []byte{0x1A, 0x45, 0xDF, 0xA3, 0x01}, ContainerWebM},
		{"mp3 with id3", []byte("ID3\x04\x00\x00\x00\x00\x00\x23"), ContainerMP3},
		{"bare mp3 frame", []byte{0xFF, 0xFB, 0x90, 0x64}, ContainerMP3},
		{"mpeg2 mp3 frame", []byte{0xFF, 0xF3, 0x60, 0xC4}, ContainerMP3},
		{"layer ii frame", []byte{0xFF, 0xFD, 0x90, 0x64}, ContainerUnknown},
		{"riff without wave", []byte("RIFF\x00\x00\x00\x00AVI "), ContainerUnknown},
		{"short", []byte("Og"), ContainerUnknown},
		{"empty", nil, ContainerUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Sniff(tt.data))
		})
	}

	assert.Equal(t, audio.ContentTypeWAV, ContainerWAV.ContentType())
	assert.Equal(t, audio.ContentTypeMPEG, ContainerMP3.ContentType())
	assert.Equal(t, audio.ContentTypeOctetStr, ContainerUnknown.ContentType())
}
