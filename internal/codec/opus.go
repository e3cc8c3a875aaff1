package codec

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math/rand"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"gopkg.in/hraban/opus.v2"

	"github.com/viewin/viewin-agent/internal/audio"
)

const (
	// OpusDecodeRate is the rate Ogg/Opus streams are decoded at.
	OpusDecodeRate = 48000

	frameMillis       = 20
	rtpClockPerFrame  = OpusDecodeRate * frameMillis / 1000
	opusPayloadType   = 111
	maxPacketBytes    = 4000
	maxFrameSamples   = OpusDecodeRate * 120 / 1000
	opusTagsSignature = "OpusTags"
)

var supportedOpusRates = map[int]bool{8000: true, 12000: true, 16000: true, 24000: true, 48000: true}

// OggOpusWriter encodes interleaved float32 PCM into an Ogg/Opus stream in
// 20ms frames. It is not safe for concurrent use.
type OggOpusWriter struct {
	encoder    *opus.Encoder
	ogg        *oggwriter.OggWriter
	channels   int
	frameSize  int
	pending    []float32
	packet     []byte
	sequence   uint16
	timestamp  uint32
	ssrc       uint32
	frameCount int
	closed     bool
}

// NewOggOpusWriter starts an Ogg/Opus stream on w. bitrate <= 0 keeps the
// encoder default.
func NewOggOpusWriter(w io.Writer, sampleRate, channels, bitrate int) (*OggOpusWriter, error) {
	if !supportedOpusRates[sampleRate] {
		return nil, fmt.Errorf("unsupported opus sample rate: %d", sampleRate)
	}
	if channels != 1 && channels != 2 {
		return nil, fmt.Errorf("unsupported opus channel count: %d", channels)
	}

	encoder, err := opus.NewEncoder(sampleRate, channels, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("failed to create opus encoder: %w", err)
	}
	if bitrate > 0 {
		if err := encoder.SetBitrate(bitrate); err != nil {
			return nil, fmt.Errorf("failed to set opus bitrate %d: %w", bitrate, err)
		}
	}

	ogg, err := oggwriter.NewWith(w, uint32(sampleRate), uint16(channels))
	if err != nil {
		return nil, fmt.Errorf("failed to create ogg writer: %w", err)
	}

	return &OggOpusWriter{
		encoder:   encoder,
		ogg:       ogg,
		channels:  channels,
		frameSize: sampleRate * frameMillis / 1000,
		packet:    make([]byte, maxPacketBytes),
		ssrc:      rand.Uint32(),
	}, nil
}

// Write buffers samples and encodes every complete frame.
func (w *OggOpusWriter) Write(samples []float32) error {
	if w.closed {
		return fmt.Errorf("ogg opus writer is closed")
	}
	w.pending = append(w.pending, samples...)
	step := w.frameSize * w.channels
	for len(w.pending) >= step {
		if err := w.encodeFrame(w.pending[:step]); err != nil {
			return err
		}
		w.pending = w.pending[step:]
	}
	return nil
}

// Frames returns the number of Opus frames written so far.
func (w *OggOpusWriter) Frames() int {
	return w.frameCount
}

// Close pads and encodes the trailing partial frame and ends the stream.
func (w *OggOpusWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	if len(w.pending) > 0 {
		frame := make([]float32, w.frameSize*w.channels)
		copy(frame, w.pending)
		w.pending = nil
		if err := w.encodeFrame(frame); err != nil {
			return err
		}
	}
	return w.ogg.Close()
}

func (w *OggOpusWriter) encodeFrame(frame []float32) error {
	n, err := w.encoder.EncodeFloat32(frame, w.packet)
	if err != nil {
		return fmt.Errorf("opus encode failed: %w", err)
	}
	packet := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    opusPayloadType,
			SequenceNumber: w.sequence,
			Timestamp:      w.timestamp,
			SSRC:           w.ssrc,
		},
		Payload: append([]byte(nil), w.packet[:n]...),
	}
	if err := w.ogg.WriteRTP(packet); err != nil {
		return fmt.Errorf("failed to write ogg page: %w", err)
	}
	w.sequence++
	w.timestamp += rtpClockPerFrame
	w.frameCount++
	return nil
}

// DecodeOggOpus decodes a complete Ogg/Opus clip into PCM at OpusDecodeRate,
// dropping the pre-skip samples declared in the Opus header.
func DecodeOggOpus(data []byte) (*audio.Buffer, error) {
	reader, header, err := oggreader.NewWith(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid ogg stream: %v", audio.ErrDecode, err)
	}
	channels := int(header.Channels)
	if channels < 1 || channels > 2 {
		return nil, fmt.Errorf("%w: unsupported channel count %d", audio.ErrDecode, channels)
	}

	decoder, err := opus.NewDecoder(OpusDecodeRate, channels)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create opus decoder: %v", audio.ErrDecode, err)
	}

	pcm := make([]float32, maxFrameSamples*channels)
	var out []float32
	for {
		payload, _, err := reader.ParseNextPage()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if len(out) > 0 && errors.Is(err, io.ErrUnexpectedEOF) {
				// truncated tail, keep what decoded cleanly
				break
			}
			return nil, fmt.Errorf("%w: bad ogg page: %v", audio.ErrDecode, err)
		}
		if len(payload) == 0 || bytes.HasPrefix(payload, []byte(opusTagsSignature)) {
			continue
		}
		n, err := decoder.DecodeFloat32(payload, pcm)
		if err != nil {
			return nil, fmt.Errorf("%w: opus packet: %v", audio.ErrDecode, err)
		}
		out = append(out, pcm[:n*channels]...)
	}

	skip := int(header.PreSkip) * channels
	if skip > len(out) {
		skip = len(out)
	}
	out = out[skip:]
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: ogg stream holds no audio", audio.ErrDecode)
	}

	return &audio.Buffer{SampleRate: OpusDecodeRate, Channels: channels, Data: out}, nil
}
