// Package wake provides Wake Detector implementations. The spec treats
// the wake-word model itself as an external collaborator described only
// by orchestrator.WakeProvider; this package supplies the two concrete
// shapes a deployment needs without one: always-off (push-to-talk /
// always-listening setups) and a threshold-on-energy placeholder.
package wake

import (
	"context"

	"github.com/aethon-voice/aethon-core/pkg/orchestrator"
)

// Disabled never reports a detection. Used when wake_enabled is false and
// every utterance starts directly from VAD speech.
type Disabled struct{}

func (Disabled) Name() string                    { return "wake_disabled" }
func (Disabled) Load(ctx context.Context) error  { return nil }
func (Disabled) Unload()                         {}
func (Disabled) Detect(chunk []byte) bool        { return false }
func (Disabled) Reset()                          {}

var _ orchestrator.WakeProvider = Disabled{}

// EnergyGate is a dependency-free stand-in wake detector: it reports a
// detection once the RMS of the raw chunk stays at or above threshold for
// minConfirmed consecutive chunks, then restarts its count. Chunks are not
// peak-normalized; targetPeak is stored but Detect does not use it. It
// exists so a pipeline can be exercised end to end without an ONNX model.
type EnergyGate struct {
	targetPeak   float64
	threshold    float64
	minConfirmed int
	run          int
}

func NewEnergyGate(targetPeak, threshold float64, minConfirmed int) *EnergyGate {
	if targetPeak <= 0 {
		targetPeak = 0.25
	}
	if minConfirmed <= 0 {
		minConfirmed = 10
	}
	return &EnergyGate{targetPeak: targetPeak, threshold: threshold, minConfirmed: minConfirmed}
}

func (g *EnergyGate) Name() string                   { return "wake_energy_gate" }
func (g *EnergyGate) Load(ctx context.Context) error  { return nil }
func (g *EnergyGate) Unload()                        {}
func (g *EnergyGate) Reset()                         { g.run = 0 }

func (g *EnergyGate) Detect(chunk []byte) bool {
	rms := orchestrator.CalculateRMS(chunk)
	if rms < g.threshold {
		g.run = 0
		return false
	}
	g.run++
	if g.run >= g.minConfirmed {
		g.run = 0
		return true
	}
	return false
}

var _ orchestrator.WakeProvider = (*EnergyGate)(nil)
