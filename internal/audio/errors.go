package audio

import "errors"

// Media error taxonomy shared by the capture, transcode and playback packages.
// Callers match with errors.Is; producers wrap with fmt.Errorf("...: %w", ErrX).
var (
	// ErrPermission means the platform or the user refused microphone access.
	ErrPermission = errors.New("microphone permission denied")

	// ErrDevice means the requested input or output device is unavailable.
	ErrDevice = errors.New("audio device unavailable")

	// ErrDecode means a clip could not be decoded.
	ErrDecode = errors.New("audio decode failed")

	// ErrPlayback means a source could not be loaded or played.
	ErrPlayback = errors.New("audio playback failed")

	// ErrTimeout means a source did not become playable in time.
	ErrTimeout = errors.New("audio load timed out")
)
