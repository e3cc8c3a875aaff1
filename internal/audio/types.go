package audio

import (
	"time"
)

// Content types used for clips handed to collaborators.
const (
	ContentTypeWAV      = "audio/wav"
	ContentTypeOggOpus  = "audio/ogg; codecs=opus"
	ContentTypeWebM     = "audio/webm"
	ContentTypeMPEG     = "audio/mpeg"
	ContentTypeOctetStr = "application/octet-stream"
)

// Buffer holds decoded PCM audio as interleaved float32 samples in [-1, 1].
type Buffer struct {
	SampleRate int
	Channels   int
	Data       []float32
}

// Frames returns the number of sample frames (samples per channel).
func (b *Buffer) Frames() int {
	if b == nil || b.Channels <= 0 {
		return 0
	}
	return len(b.Data) / b.Channels
}

// Duration returns the playback length of the buffer.
func (b *Buffer) Duration() time.Duration {
	if b == nil || b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(b.Frames()) * time.Second / time.Duration(b.SampleRate)
}

// Clip is a finite, encoded audio payload: either a compressed recording or
// its uncompressed WAV rendition.
type Clip struct {
	ID          string    `json:"id"`
	Data        []byte    `json:"-"`
	ContentType string    `json:"content_type"`
	CreatedAt   time.Time `json:"created_at"`
}

// Size returns the payload length in bytes.
func (c *Clip) Size() int {
	if c == nil {
		return 0
	}
	return len(c.Data)
}

// Extension returns the file extension matching the clip content type.
func (c *Clip) Extension() string {
	if c == nil {
		return ""
	}
	switch c.ContentType {
	case ContentTypeWAV:
		return "wav"
	case ContentTypeOggOpus:
		return "ogg"
	case ContentTypeWebM:
		return "webm"
	case ContentTypeMPEG:
		return "mp3"
	default:
		return "bin"
	}
}
