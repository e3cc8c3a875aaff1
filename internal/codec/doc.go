// Package codec handles the compressed side of recorded answers: streaming
// Ogg/Opus encoding of microphone frames, Ogg/Opus and MP3 decoding back to
// PCM, and container detection for clips of unknown origin.
package codec
