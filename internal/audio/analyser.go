package audio

import (
	"math"
	"math/cmplx"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
)

// Analyser parameters mirror a browser AnalyserNode configured with
// fftSize 256 and smoothingTimeConstant 0.8.
const (
	FFTSize           = 256
	FrequencyBinCount = FFTSize / 2

	smoothingTimeConstant = 0.8
	minDecibels           = -100.0
	maxDecibels           = -30.0
)

var blackmanWindow [FFTSize]float64

func init() {
	const alpha = 0.16
	a0 := 0.5 * (1 - alpha)
	a1 := 0.5
	a2 := 0.5 * alpha
	for n := 0; n < FFTSize; n++ {
		x := 2 * math.Pi * float64(n) / FFTSize
		blackmanWindow[n] = a0 - a1*math.Cos(x) + a2*math.Cos(2*x)
	}
}

// Analyser keeps the most recent FFTSize mono samples of a signal and turns
// them into a smoothed byte-scaled frequency snapshot. It is safe for
// concurrent use: audio callbacks Write while a frame ticker calls Level.
type Analyser struct {
	mu       sync.Mutex
	window   [FFTSize]float32
	pos      int
	smoothed [FrequencyBinCount]float64

	fft     *fourier.FFT
	ordered []float64
	coeffs  []complex128
}

// NewAnalyser returns an analyser holding silence.
func NewAnalyser() *Analyser {
	return &Analyser{
		fft:     fourier.NewFFT(FFTSize),
		ordered: make([]float64, FFTSize),
		coeffs:  make([]complex128, FFTSize/2+1),
	}
}

// Write pushes interleaved samples, downmixed to mono, into the window.
func (a *Analyser) Write(samples []float32, channels int) {
	if channels <= 0 {
		channels = 1
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := 0; i+channels <= len(samples); i += channels {
		var sum float32
		for c := 0; c < channels; c++ {
			sum += samples[i+c]
		}
		a.window[a.pos] = sum / float32(channels)
		a.pos = (a.pos + 1) % FFTSize
	}
}

// ByteFrequencyData fills dst (up to FrequencyBinCount entries) with the
// current spectrum mapped from [minDecibels, maxDecibels] onto [0, 255].
func (a *Analyser) ByteFrequencyData(dst []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.updateSpectrumLocked()
	for k := 0; k < len(dst) && k < FrequencyBinCount; k++ {
		dst[k] = toByte(a.smoothed[k])
	}
}

// Level returns the mean of the byte spectrum normalised to [0, 1].
func (a *Analyser) Level() float64 {
	var bins [FrequencyBinCount]byte
	a.ByteFrequencyData(bins[:])
	var sum float64
	for _, b := range bins {
		sum += float64(b)
	}
	return math.Min(sum/FrequencyBinCount/255, 1)
}

// Reset clears the window and the smoothing state.
func (a *Analyser) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.window = [FFTSize]float32{}
	a.smoothed = [FrequencyBinCount]float64{}
	a.pos = 0
}

func (a *Analyser) updateSpectrumLocked() {
	if a.fft == nil {
		a.fft = fourier.NewFFT(FFTSize)
		a.ordered = make([]float64, FFTSize)
		a.coeffs = make([]complex128, FFTSize/2+1)
	}
	for n := 0; n < FFTSize; n++ {
		a.ordered[n] = float64(a.window[(a.pos+n)%FFTSize]) * blackmanWindow[n]
	}
	a.coeffs = a.fft.Coefficients(a.coeffs, a.ordered)
	for k := 0; k < FrequencyBinCount; k++ {
		magnitude := cmplx.Abs(a.coeffs[k]) / FFTSize
		a.smoothed[k] = smoothingTimeConstant*a.smoothed[k] + (1-smoothingTimeConstant)*magnitude
	}
}

func toByte(magnitude float64) byte {
	if magnitude <= 0 {
		return 0
	}
	db := 20 * math.Log10(magnitude)
	scaled := 255 * (db - minDecibels) / (maxDecibels - minDecibels)
	switch {
	case scaled <= 0:
		return 0
	case scaled >= 255:
		return 255
	default:
		return byte(scaled)
	}
}
