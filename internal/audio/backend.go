package audio

import (
	"context"
	"fmt"
	"strings"
)

// BackendType represents the type of audio backend
type BackendType string

const (
	BackendTypePortAudio BackendType = "portaudio"
	BackendTypeAuto      BackendType = "auto"
)

// Device describes an audio endpoint reported by a backend.
type Device struct {
	ID                string  `json:"id"`
	Name              string  `json:"name"`
	MaxInputChannels  int     `json:"max_input_channels"`
	MaxOutputChannels int     `json:"max_output_channels"`
	DefaultSampleRate float64 `json:"default_sample_rate"`
	DefaultInput      bool    `json:"default_input"`
	DefaultOutput     bool    `json:"default_output"`
}

// InputOptions configures a microphone stream. OnFrames runs on the audio
// thread with interleaved samples; the slice is reused between calls and
// must not be retained.
type InputOptions struct {
	DeviceID        string
	SampleRate      int
	Channels        int
	FramesPerBuffer int
	Constraints     Constraints
	OnFrames        func(frames []float32)
}

// OutputOptions configures a speaker stream. Fill runs on the audio thread
// and must write exactly len(out) interleaved samples.
type OutputOptions struct {
	SampleRate      int
	Channels        int
	FramesPerBuffer int
	Fill            func(out []float32)
}

// Stream is an open device stream.
type Stream interface {
	Start() error
	Stop() error
	Close() error
}

// Backend defines the interface for audio backend implementations
type Backend interface {
	// OpenInput opens a capture stream. Failures wrap ErrPermission or ErrDevice.
	OpenInput(ctx context.Context, opts InputOptions) (Stream, error)

	// OpenOutput opens a playback stream on the default output device.
	OpenOutput(opts OutputOptions) (Stream, error)

	// ListDevices returns the devices known to the backend.
	ListDevices() ([]Device, error)

	// GetType returns the backend type.
	GetType() BackendType

	// Close releases the backend.
	Close() error
}

// NewBackend creates a backend for the configured type name.
func NewBackend(name string) (Backend, error) {
	switch determineBackend(name) {
	case BackendTypePortAudio:
		return NewPortAudioBackend(), nil
	default:
		return nil, fmt.Errorf("unsupported audio backend: %s", name)
	}
}

// determineBackend maps a configuration value onto a backend type
func determineBackend(name string) BackendType {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "auto", "portaudio":
		// PortAudio is the only backend available
		return BackendTypePortAudio
	default:
		return BackendType(name)
	}
}

// GetAvailableBackends returns list of available backends on current system
func GetAvailableBackends() []BackendType {
	return []BackendType{BackendTypePortAudio}
}
