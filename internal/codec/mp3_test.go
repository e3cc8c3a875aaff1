package codec

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viewin/viewin-agent/internal/audio"
)

func TestDecodeMP3_Speech(t *testing.T) {
	data, err := os.ReadFile("testdata/speech.mp3")
	require.NoError(t, err)
	require.Equal(t, ContainerMP3, Sniff(data))

	decoded, err := DecodeMP3(data)
	require.NoError(t, err)
	assert.Equal(t, 22050, decoded.SampleRate)
	assert.Equal(t, 2, decoded.Channels)

	// 60 frames of 576 samples
	assert.InDelta(t, 1.567, decoded.Duration().Seconds(), 0.1)
	assert.Less(t, decoded.Duration(), 2*time.Second)

	for i, s := range decoded.Data {
		if s < -1 || s > 1 {
			t.Fatalf("sample %d out of range: %f", i, s)
		}
	}
}

func TestDecodeMP3_Garbage(t *testing.T) {
	_, err := DecodeMP3([]byte("not an mp3 at all"))
	assert.ErrorIs(t, err, audio.ErrDecode)

	// tag header announcing more bytes than present
	_, err = DecodeMP3([]byte("ID3\x04\x00\x00\x00\x00\x00\x23\x00"))
	assert.ErrorIs(t, err, audio.ErrDecode)
}
