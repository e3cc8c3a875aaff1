// Package capture records one spoken answer at a time from the microphone.
//
// A Session moves STANDBY -> RECORDING -> STOPPING -> STANDBY. While
// recording, frames are encoded to Ogg/Opus and fed to a spectrum analyser
// whose level is sampled at the frame cadence. Stopping publishes the raw
// Ogg/Opus clip immediately and starts a background conversion to WAV; a
// Reset bumps the recording generation so a late conversion result is
// dropped instead of resurrecting a discarded answer.
package capture
