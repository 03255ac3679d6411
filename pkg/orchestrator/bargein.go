package orchestrator

// BargeInMonitor watches capture chunks while the bot is speaking and
// confirms a barge-in once enough consecutive chunks look like real
// speech rather than the bot's own echo. Ported from the warm-up +
// energy-gate + strict-VAD-threshold + consecutive-confirmation shape of
// the reference pipeline's barge-in watcher.
type BargeInMonitor struct {
	vad          VADProvider
	minEnergyRMS float64
	warmupChunks int
	requiredRuns int
	echo         *EchoSuppressor

	warmupRemaining int
	confirmedRun    int
}

func NewBargeInMonitor(vad VADProvider, cfg Config) *BargeInMonitor {
	strict := vad.Clone()
	if rv, ok := strict.(*RMSVAD); ok {
		rv.SetThreshold(cfg.BargeInVADThreshold)
	}
	m := &BargeInMonitor{
		vad:          strict,
		minEnergyRMS: cfg.BargeInMinEnergyRMS,
		warmupChunks: cfg.BargeInWarmupChunks,
		requiredRuns: cfg.BargeInRequiredChunks,
		echo:         NewEchoSuppressor(),
	}
	m.Reset()
	return m
}

// Reset rearms the monitor for a fresh playback: the warm-up counter is
// refilled, any partial confirmation run is cleared, and the echo
// reference buffer is emptied so last turn's playback can't be mistaken
// for this turn's echo. Call this every time the bot starts speaking.
func (m *BargeInMonitor) Reset() {
	m.warmupRemaining = m.warmupChunks
	m.confirmedRun = 0
	m.vad.Reset()
	m.echo.ClearEchoBuffer()
}

// RecordPlayback feeds the samples actually written to the speaker so
// the echo suppressor's reference buffer matches what the microphone is
// likely to pick up, including TTS's own output.
func (m *BargeInMonitor) RecordPlayback(samples []float32) {
	m.echo.RecordPlayedAudio(float32ToPCM16(samples))
}

// Feed processes one capture chunk and returns true the instant a
// barge-in is confirmed. Once it returns true the caller should stop
// feeding chunks for the remainder of the turn; a later call judges its
// own chunk again, so a chunk that fails any gate resets the run and
// returns false.
func (m *BargeInMonitor) Feed(chunk []byte) bool {
	if m.warmupRemaining > 0 {
		m.warmupRemaining--
		return false
	}

	if CalculateRMS(chunk) < m.minEnergyRMS {
		m.confirmedRun = 0
		return false
	}

	if m.echo.IsEcho(chunk) {
		m.confirmedRun = 0
		return false
	}

	event, err := m.vad.Process(chunk)
	if err != nil {
		m.confirmedRun = 0
		return false
	}
	if event == nil || event.Type != VADSpeechStart {
		if rv, ok := m.vad.(*RMSVAD); !ok || !rv.IsSpeaking() {
			m.confirmedRun = 0
			return false
		}
	}

	m.confirmedRun++
	return m.confirmedRun >= m.requiredRuns
}

// float32ToPCM16 encodes float32 samples in [-1,1] as little-endian
// signed 16-bit PCM, the inverse of pcm16ToFloat32.
func float32ToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := int16(s * 32767)
		out[2*i] = byte(v)
		out[2*i+1] = byte(v >> 8)
	}
	return out
}
