package audio

import "math"

// Constraints are the capture processing switches requested for a
// microphone stream.
type Constraints struct {
	EchoCancellation bool `json:"echo_cancellation"`
	NoiseSuppression bool `json:"noise_suppression"`
	AutoGainControl  bool `json:"auto_gain_control"`
}

// DefaultConstraints enables every processing stage.
func DefaultConstraints() Constraints {
	return Constraints{EchoCancellation: true, NoiseSuppression: true, AutoGainControl: true}
}

const (
	agcTargetRMS   = 0.1
	agcMinGain     = 0.5
	agcMaxGain     = 8.0
	agcAttack      = 0.05
	gateRatio      = 2.0
	gateAttenuate  = 0.1
	noiseFloorRise = 1.01
	noiseFloorMin  = 1e-4
)

// Processor applies Constraints to captured frames in place. Echo
// cancellation needs no signal path here: the turn controller never plays
// agent speech while the microphone is recording.
type Processor struct {
	constraints Constraints
	gain        float64
	noiseFloor  float64
}

// NewProcessor returns a processor for the given constraints.
func NewProcessor(c Constraints) *Processor {
	return &Processor{constraints: c, gain: 1}
}

// Process runs noise suppression then auto gain over one frame.
func (p *Processor) Process(frame []float32) {
	if len(frame) == 0 {
		return
	}
	rms := frameRMS(frame)

	if p.constraints.NoiseSuppression {
		// the first frame seeds the floor; afterwards track the quietest
		// recent level, letting it creep up slowly
		if p.noiseFloor == 0 || rms < p.noiseFloor {
			p.noiseFloor = math.Max(rms, noiseFloorMin)
		} else {
			p.noiseFloor *= noiseFloorRise
		}
		if rms < p.noiseFloor*gateRatio {
			for i := range frame {
				frame[i] *= gateAttenuate
			}
			rms *= gateAttenuate
		}
	}

	if p.constraints.AutoGainControl && rms > noiseFloorMin {
		want := math.Min(math.Max(agcTargetRMS/rms, agcMinGain), agcMaxGain)
		p.gain += (want - p.gain) * agcAttack
		for i, s := range frame {
			frame[i] = clamp(s * float32(p.gain))
		}
	}
}

func frameRMS(frame []float32) float64 {
	var sum float64
	for _, s := range frame {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(frame)))
}

func clamp(s float32) float32 {
	switch {
	case s > 1:
		return 1
	case s < -1:
		return -1
	default:
		return s
	}
}
