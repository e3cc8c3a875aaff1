// Package transcode converts recorded answers into 16-bit PCM WAV, the
// format transcription services accept most widely.
package transcode

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/viewin/viewin-agent/internal/audio"
	"github.com/viewin/viewin-agent/internal/codec"
)

// Transcoder is stateless and safe for concurrent use.
type Transcoder struct {
	logger *slog.Logger
}

// New creates a transcoder. A nil logger uses slog.Default.
func New(logger *slog.Logger) *Transcoder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transcoder{logger: logger}
}

// Convert decodes clip and re-encodes it as WAV. Errors wrap audio.ErrDecode
// when the input cannot be decoded.
func (t *Transcoder) Convert(ctx context.Context, clip *audio.Clip) (*audio.Clip, error) {
	if clip == nil || len(clip.Data) == 0 {
		return nil, fmt.Errorf("%w: empty clip", audio.ErrDecode)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := time.Now()
	buf, err := Decode(clip.Data)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := EncodeWAV(buf)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", audio.ErrDecode, err)
	}

	t.logger.Debug("Clip transcoded",
		"clip", clip.ID,
		"from", clip.ContentType,
		"duration", buf.Duration(),
		"bytes", len(data),
		"took", time.Since(start))

	return &audio.Clip{
		ID:          clip.ID,
		Data:        data,
		ContentType: audio.ContentTypeWAV,
		CreatedAt:   time.Now(),
	}, nil
}

// Decode turns an encoded clip into PCM, choosing the decoder from the
// container signature.
func Decode(data []byte) (*audio.Buffer, error) {
	switch c := codec.Sniff(data); c {
	case codec.ContainerOgg:
		return codec.DecodeOggOpus(data)
	case codec.ContainerWAV:
		return DecodeWAV(data)
	case codec.ContainerMP3:
		return codec.DecodeMP3(data)
	case codec.ContainerWebM:
		return nil, fmt.Errorf("%w: webm clips are not supported", audio.ErrDecode)
	default:
		return nil, fmt.Errorf("%w: unrecognised container", audio.ErrDecode)
	}
}
