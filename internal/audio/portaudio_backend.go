package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/gordonklaus/portaudio"
)

// PortAudioBackend implements the Backend interface on top of PortAudio
type PortAudioBackend struct {
	initOnce sync.Once
	initErr  error

	mu          sync.Mutex
	initialized bool
	closed      bool
}

// NewPortAudioBackend creates a backend; PortAudio is initialised lazily.
func NewPortAudioBackend() *PortAudioBackend {
	return &PortAudioBackend{}
}

func (b *PortAudioBackend) init() error {
	b.initOnce.Do(func() {
		if err := portaudio.Initialize(); err != nil {
			b.initErr = fmt.Errorf("failed to initialize PortAudio: %w", err)
			return
		}
		b.mu.Lock()
		b.initialized = true
		b.mu.Unlock()
	})
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("%w: backend closed", ErrDevice)
	}
	return b.initErr
}

// ListDevices returns all PortAudio devices
func (b *PortAudioBackend) ListDevices() ([]Device, error) {
	if err := b.init(); err != nil {
		return nil, err
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	defaultIn, _ := portaudio.DefaultInputDevice()
	defaultOut, _ := portaudio.DefaultOutputDevice()

	result := make([]Device, 0, len(devices))
	for i, d := range devices {
		result = append(result, Device{
			ID:                strconv.Itoa(i),
			Name:              d.Name,
			MaxInputChannels:  d.MaxInputChannels,
			MaxOutputChannels: d.MaxOutputChannels,
			DefaultSampleRate: d.DefaultSampleRate,
			DefaultInput:      defaultIn != nil && d.Name == defaultIn.Name,
			DefaultOutput:     defaultOut != nil && d.Name == defaultOut.Name,
		})
	}
	return result, nil
}

// OpenInput opens a microphone stream. The device is looked up by index or
// by exact name; an empty ID selects the default input.
func (b *PortAudioBackend) OpenInput(ctx context.Context, opts InputOptions) (Stream, error) {
	if err := b.init(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if opts.OnFrames == nil {
		return nil, fmt.Errorf("input stream requires a frame callback")
	}

	device, err := findInputDevice(opts.DeviceID)
	if err != nil {
		return nil, err
	}
	if device.MaxInputChannels < opts.Channels {
		return nil, fmt.Errorf("%w: %s supports %d input channels, need %d",
			ErrDevice, device.Name, device.MaxInputChannels, opts.Channels)
	}

	params := portaudio.LowLatencyParameters(device, nil)
	params.Input.Channels = opts.Channels
	params.SampleRate = float64(opts.SampleRate)
	params.FramesPerBuffer = opts.FramesPerBuffer

	processor := NewProcessor(opts.Constraints)
	var scratch []float32
	stream, err := portaudio.OpenStream(params, func(in []float32) {
		if cap(scratch) < len(in) {
			scratch = make([]float32, len(in))
		}
		frame := scratch[:len(in)]
		copy(frame, in)
		processor.Process(frame)
		opts.OnFrames(frame)
	})
	if err != nil {
		return nil, classifyOpenError(device.Name, err)
	}

	slog.Debug("PortAudio input opened",
		"device", device.Name,
		"sample_rate", opts.SampleRate,
		"channels", opts.Channels,
		"echo_cancellation", opts.Constraints.EchoCancellation,
		"noise_suppression", opts.Constraints.NoiseSuppression,
		"auto_gain_control", opts.Constraints.AutoGainControl)
	return stream, nil
}

// OpenOutput opens a stream on the default output device
func (b *PortAudioBackend) OpenOutput(opts OutputOptions) (Stream, error) {
	if err := b.init(); err != nil {
		return nil, err
	}
	if opts.Fill == nil {
		return nil, fmt.Errorf("output stream requires a fill callback")
	}

	device, err := portaudio.DefaultOutputDevice()
	if err != nil {
		return nil, fmt.Errorf("%w: no default output device: %v", ErrDevice, err)
	}

	params := portaudio.LowLatencyParameters(nil, device)
	params.Output.Channels = opts.Channels
	params.SampleRate = float64(opts.SampleRate)
	params.FramesPerBuffer = opts.FramesPerBuffer

	stream, err := portaudio.OpenStream(params, func(out []float32) {
		opts.Fill(out)
	})
	if err != nil {
		return nil, classifyOpenError(device.Name, err)
	}
	return stream, nil
}

// GetType returns the backend type
func (b *PortAudioBackend) GetType() BackendType {
	return BackendTypePortAudio
}

// Close terminates PortAudio if it was initialised
func (b *PortAudioBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if !b.initialized {
		return nil
	}
	return portaudio.Terminate()
}

func findInputDevice(id string) (*portaudio.DeviceInfo, error) {
	if id == "" {
		device, err := portaudio.DefaultInputDevice()
		if err != nil {
			return nil, fmt.Errorf("%w: no default input device: %v", ErrDevice, err)
		}
		return device, nil
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	if idx, err := strconv.Atoi(id); err == nil {
		if idx < 0 || idx >= len(devices) {
			return nil, fmt.Errorf("%w: device index %d out of range", ErrDevice, idx)
		}
		return devices[idx], nil
	}
	for _, d := range devices {
		if d.Name == id {
			return d, nil
		}
	}
	return nil, fmt.Errorf("%w: device not found: %s", ErrDevice, id)
}

// classifyOpenError maps PortAudio failures onto the media error taxonomy.
// Hosts that refuse microphone access report an unanticipated host error.
func classifyOpenError(device string, err error) error {
	var paErr portaudio.Error
	if errors.As(err, &paErr) {
		switch paErr {
		case portaudio.UnanticipatedHostError:
			return fmt.Errorf("%w: %s: %v", ErrPermission, device, err)
		case portaudio.InvalidDevice, portaudio.DeviceUnavailable,
			portaudio.InvalidChannelCount, portaudio.InvalidSampleRate:
			return fmt.Errorf("%w: %s: %v", ErrDevice, device, err)
		}
	}
	return fmt.Errorf("failed to open stream on %s: %w", device, err)
}
