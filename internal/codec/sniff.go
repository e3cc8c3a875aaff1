package codec

import (
	"bytes"

	"github.com/viewin/viewin-agent/internal/audio"
)

// Container identifies the file format of an encoded clip.
type Container string

const (
	ContainerUnknown Container = "unknown"
	ContainerOgg     Container = "ogg"
	ContainerWAV     Container = "wav"
	ContainerWebM    Container = "webm"
	ContainerMP3     Container = "mp3"
)

var ebmlMagic = []byte{0x1A, 0x45, 0xDF, 0xA3}

// Sniff inspects the leading bytes of data.
func Sniff(data []byte) Container {
	switch {
	case len(data) >= 4 && bytes.Equal(data[:4], []byte("OggS")):
		return ContainerOgg
	case len(data) >= 12 && bytes.Equal(data[:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WAVE")):
		return ContainerWAV
	case len(data) >= 4 && bytes.Equal(data[:4], ebmlMagic):
		return ContainerWebM
	case len(data) >= 3 && bytes.Equal(data[:3], []byte("ID3")):
		return ContainerMP3
	case isMPEGFrameSync(data):
		return ContainerMP3
	default:
		return ContainerUnknown
	}
}

// ContentType returns the MIME type for a container.
func (c Container) ContentType() string {
	switch c {
	case ContainerOgg:
		return audio.ContentTypeOggOpus
	case ContainerWAV:
		return audio.ContentTypeWAV
	case ContainerWebM:
		return audio.ContentTypeWebM
	case ContainerMP3:
		return audio.ContentTypeMPEG
	default:
		return audio.ContentTypeOctetStr
	}
}

// isMPEGFrameSync matches a bare MPEG audio frame header: 11 sync bits, a
// valid version and Layer III.
func isMPEGFrameSync(data []byte) bool {
	if len(data) < 4 || data[0] != 0xFF || data[1]&0xE0 != 0xE0 {
		return false
	}
	version := (data[1] >> 3) & 0x03
	layer := (data[1] >> 1) & 0x03
	bitrate := data[2] >> 4
	return version != 0x01 && layer == 0x01 && bitrate != 0x0F
}
