package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/hajimehoshi/go-mp3"

	"github.com/viewin/viewin-agent/internal/audio"
)

// mp3Channels is fixed: the decoder always yields 16-bit stereo, duplicating
// mono sources into both channels.
const mp3Channels = 2

// DecodeMP3 decodes an MPEG Layer III clip, with or without an ID3v2 tag,
// to interleaved stereo PCM.
func DecodeMP3(data []byte) (*audio.Buffer, error) {
	decoder, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid mp3 stream: %v", audio.ErrDecode, err)
	}

	var pcm []byte
	if n := decoder.Length(); n > 0 {
		pcm = make([]byte, 0, n)
	}
	w := bytes.NewBuffer(pcm)
	if _, err := io.Copy(w, decoder); err != nil && w.Len() == 0 {
		return nil, fmt.Errorf("%w: mp3 frame: %v", audio.ErrDecode, err)
	}
	raw := w.Bytes()
	if len(raw) < 4 {
		return nil, fmt.Errorf("%w: mp3 stream has no audio frames", audio.ErrDecode)
	}

	samples := len(raw) / 2
	samples -= samples % mp3Channels
	out := make([]float32, samples)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(raw[2*i:]))) / 32768
	}

	return &audio.Buffer{
		SampleRate: decoder.SampleRate(),
		Channels:   mp3Channels,
		Data:       out,
	}, nil
}
