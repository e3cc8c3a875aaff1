package transcode

import (
	"bytes"
	"context"
	"encoding/binary"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/youpy/go-wav"

	"github.com/viewin/viewin-agent/internal/audio"
	"github.com/viewin/viewin-agent/internal/codec"
)

func TestEncodeWAV_HeaderLayout(t *testing.T) {
	buf := &audio.Buffer{SampleRate: 16000, Channels: 2, Data: []float32{-1, 0, 1, 0.5, -2, 2}}
	out, err := EncodeWAV(buf)
	require.NoError(t, err)
	require.Len(t, out, 44+12)

	le := binary.LittleEndian
	assert.Equal(t, "RIFF", string(out[0:4]))
	assert.Equal(t, uint32(36+12), le.Uint32(out[4:8]))
	assert.Equal(t, "WAVE", string(out[8:12]))
	assert.Equal(t, "fmt ", string(out[12:16]))
	assert.Equal(t, uint32(16), le.Uint32(out[16:20]))
	assert.Equal(t, uint16(1), le.Uint16(out[20:22]))
	assert.Equal(t, uint16(2), le.Uint16(out[22:24]))
	assert.Equal(t, uint32(16000), le.Uint32(out[24:28]))
	assert.Equal(t, uint32(16000*4), le.Uint32(out[28:32]))
	assert.Equal(t, uint16(4), le.Uint16(out[32:34]))
	assert.Equal(t, uint16(16), le.Uint16(out[34:36]))
	assert.Equal(t, "data", string(out[36:40]))
	assert.Equal(t, uint32(12), le.Uint32(out[40:44]))

	want := []int16{-32768, 0, 32767, 16383, -32768, 32767}
	for i, w := range want {
		assert.Equal(t, w, int16(le.Uint16(out[44+2*i:])), "sample %d", i)
	}
}

func TestEncodeWAV_InvalidBuffer(t *testing.T) {
	_, err := EncodeWAV(nil)
	assert.Error(t, err)
	_, err = EncodeWAV(&audio.Buffer{SampleRate: 0, Channels: 1})
	assert.Error(t, err)
}

func TestWAVRoundTrip(t *testing.T) {
	src := &audio.Buffer{SampleRate: 22050, Channels: 2}
	for i := 0; i < 2205; i++ {
		v := float32(math.Sin(float64(i) / 10))
		src.Data = append(src.Data, v, -v/2)
	}

	data, err := EncodeWAV(src)
	require.NoError(t, err)

	// independent reader first
	r := wav.NewReader(bytes.NewReader(data))
	format, err := r.Format()
	require.NoError(t, err)
	assert.Equal(t, uint16(2), format.NumChannels)
	assert.Equal(t, uint32(22050), format.SampleRate)
	assert.Equal(t, uint16(16), format.BitsPerSample)

	got, err := DecodeWAV(data)
	require.NoError(t, err)
	assert.Equal(t, src.SampleRate, got.SampleRate)
	assert.Equal(t, src.Channels, got.Channels)
	require.Equal(t, len(src.Data), len(got.Data))

	// one quantization step plus truncation
	const tolerance = 2.0 / 32768
	for i := range src.Data {
		assert.InDelta(t, src.Data[i], got.Data[i], tolerance, "sample %d", i)
	}
}

func TestConvert_OggOpusToWAV(t *testing.T) {
	var ogg bytes.Buffer
	w, err := codec.NewOggOpusWriter(&ogg, 48000, 1, 0)
	require.NoError(t, err)
	pcm := make([]float32, 48000/2)
	for i := range pcm {
		pcm[i] = 0.3 * float32(math.Sin(2*math.Pi*220*float64(i)/48000))
	}
	require.NoError(t, w.Write(pcm))
	require.NoError(t, w.Close())

	tc := New(nil)
	in := &audio.Clip{ID: "answer-1", Data: ogg.Bytes(), ContentType: audio.ContentTypeOggOpus, CreatedAt: time.Now()}
	out, err := tc.Convert(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, "answer-1", out.ID)
	assert.Equal(t, audio.ContentTypeWAV, out.ContentType)
	assert.Equal(t, codec.ContainerWAV, codec.Sniff(out.Data))

	buf, err := DecodeWAV(out.Data)
	require.NoError(t, err)
	assert.Equal(t, codec.OpusDecodeRate, buf.SampleRate)
	assert.InDelta(t, 0.5, buf.Duration().Seconds(), 0.1)
}

func TestConvert_Errors(t *testing.T) {
	tc := New(nil)
	ctx := context.Background()

	_, err := tc.Convert(ctx, nil)
	assert.ErrorIs(t, err, audio.ErrDecode)

	_, err = tc.Convert(ctx, &audio.Clip{Data: []byte("garbage bytes")})
	assert.ErrorIs(t, err, audio.ErrDecode)

	_, err = tc.Convert(ctx, &audio.Clip{Data: []byte{0x1A, 0x45, 0xDF, 0xA3, 0x00}})
	assert.ErrorIs(t, err, audio.ErrDecode)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	wavData, err := EncodeWAV(&audio.Buffer{SampleRate: 8000, Channels: 1, Data: []float32{0.1}})
	require.NoError(t, err)
	_, err = tc.Convert(cancelled, &audio.Clip{Data: wavData})
	assert.ErrorIs(t, err, context.Canceled)
}
