package orchestrator

import (
	"encoding/binary"
	"math"
	"sync"
)

const (
	agcSilenceRMS  = 0.002
	agcWindow      = 100
	agcGainMin     = 1.0
	agcGainMax     = 20.0
	agcSmoothOld   = 0.7
	agcSmoothNew   = 0.3
	agcActiveSince = 1.05
)

// Normalizer applies manual gain followed by automatic gain control to
// little-endian 16-bit PCM capture chunks. Automatic gain is suspended
// while playback is active, so the bot's own voice never drives the
// microphone gain estimate up.
type Normalizer struct {
	mu sync.Mutex

	manualGain float64
	targetRMS  float64

	gain      float64
	rmsSum    float64
	count     int
	suspended bool
}

func NewNormalizer(manualGain, targetRMS float64) *Normalizer {
	if targetRMS <= 0 {
		targetRMS = 0.08
	}
	return &Normalizer{
		manualGain: manualGain,
		targetRMS:  targetRMS,
		gain:       1.0,
	}
}

// SetSuspended toggles automatic gain recalculation, used while the bot
// is speaking to avoid amplifying its own echo into the gain estimate.
func (n *Normalizer) SetSuspended(suspended bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.suspended = suspended
}

// Gain returns the current automatic gain multiplier.
func (n *Normalizer) Gain() float64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.gain
}

// Process applies manual gain then (if not suspended) automatic gain to
// chunk, returning a new buffer of the same length.
func (n *Normalizer) Process(chunk []byte) []byte {
	out := applyGain(chunk, n.manualGain)

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.suspended {
		return out
	}

	rms := CalculateRMS(out)
	if rms > agcSilenceRMS {
		n.rmsSum += rms
		n.count++
	}

	if n.count >= agcWindow {
		avgRMS := n.rmsSum / float64(n.count)
		n.rmsSum = 0
		n.count = 0

		if avgRMS > agcSilenceRMS {
			newGain := n.targetRMS / avgRMS
			if newGain < agcGainMin {
				newGain = agcGainMin
			}
			if newGain > agcGainMax {
				newGain = agcGainMax
			}
			n.gain = n.gain*agcSmoothOld + newGain*agcSmoothNew
		}
	}

	if n.gain > agcActiveSince {
		out = applyGain(out, n.gain)
	}
	return out
}

// applyGain multiplies little-endian 16-bit PCM samples by gain,
// saturating at int16 range.
func applyGain(chunk []byte, gain float64) []byte {
	if gain == 1.0 {
		cp := make([]byte, len(chunk))
		copy(cp, chunk)
		return cp
	}
	out := make([]byte, len(chunk))
	for i := 0; i+1 < len(chunk); i += 2 {
		sample := int16(binary.LittleEndian.Uint16(chunk[i:]))
		scaled := float64(sample) * gain
		scaled = math.Max(-32768, math.Min(32767, scaled))
		binary.LittleEndian.PutUint16(out[i:], uint16(int16(scaled)))
	}
	return out
}

// NormalizePeak scales a little-endian 16-bit PCM buffer so its peak
// amplitude reaches targetPeak (a fraction of full scale, e.g. 0.5),
// capped at a 100x gain and never attenuating. Used by STT providers
// ahead of upload, independently of the capture-path AGC.
func NormalizePeak(chunk []byte, targetPeak float64) []byte {
	if len(chunk) < 2 {
		return chunk
	}
	var peak int16
	for i := 0; i+1 < len(chunk); i += 2 {
		sample := int16(binary.LittleEndian.Uint16(chunk[i:]))
		if sample < 0 {
			sample = -sample
		}
		if sample > peak {
			peak = sample
		}
	}
	if peak < 5 {
		return chunk
	}
	targetAmplitude := targetPeak * 32767
	if float64(peak) >= targetAmplitude {
		return chunk
	}
	gain := targetAmplitude / float64(peak)
	if gain > 100.0 {
		gain = 100.0
	}
	return applyGain(chunk, gain)
}
