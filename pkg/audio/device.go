// Package audio wires a duplex malgo device into the pipeline's capture
// queue and playback stream, applying the AGC/normalizer on every
// captured chunk and honoring interruptible, back-pressured playback.
package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/aethon-voice/aethon-core/pkg/orchestrator"
)

// ErrTimeout is returned by GetChunk when no chunk arrives within the
// requested timeout.
var ErrTimeout = errors.New("audio: get_chunk timed out")

// DeviceManager owns one duplex audio device: a continuously running
// capture stream feeding a bounded queue, and an interruptible playback
// stream with its own bounded queue for back-pressure.
type DeviceManager struct {
	mctx   *malgo.AllocatedContext
	device *malgo.Device

	sampleRate int
	normalizer *orchestrator.Normalizer
	logger     orchestrator.Logger

	captureQ chan []byte
	dropped  atomic.Uint64
	onDrop   func()

	playMu       sync.Mutex
	playQ        chan []byte
	leftover     []byte
	playing      atomic.Bool
	stopPlayback chan struct{}
}

func NewDeviceManager(sampleRate, captureQueueDepth, playbackQueueDepth int, normalizer *orchestrator.Normalizer, logger orchestrator.Logger) (*DeviceManager, error) {
	if logger == nil {
		logger = &orchestrator.NoOpLogger{}
	}
	if captureQueueDepth <= 0 {
		captureQueueDepth = 64
	}
	if playbackQueueDepth <= 0 {
		playbackQueueDepth = 32
	}
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, err
	}
	return &DeviceManager{
		mctx:       mctx,
		sampleRate: sampleRate,
		normalizer: normalizer,
		logger:     logger,
		captureQ:   make(chan []byte, captureQueueDepth),
		playQ:      make(chan []byte, playbackQueueDepth),
	}, nil
}

// SetDropHook installs a callback invoked every time a captured chunk is
// dropped because the capture queue was full, so callers can surface the
// count as a metric without this package depending on pkg/metrics.
func (d *DeviceManager) SetDropHook(fn func()) {
	d.onDrop = fn
}

// StartCapture opens the duplex device and begins filling the capture
// queue. Capture runs continuously until StopCapture or Close.
func (d *DeviceManager) StartCapture() error {
	cfg := malgo.DefaultDeviceConfig(malgo.Duplex)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = 1
	cfg.Playback.Format = malgo.FormatS16
	cfg.Playback.Channels = 1
	cfg.SampleRate = uint32(d.sampleRate)

	device, err := malgo.InitDevice(d.mctx.Context, cfg, malgo.DeviceCallbacks{
		Data: d.onSamples,
	})
	if err != nil {
		return err
	}
	d.device = device
	return device.Start()
}

func (d *DeviceManager) onSamples(pOutput, pInput []byte, _ uint32) {
	if pInput != nil {
		chunk := pInput
		if d.normalizer != nil {
			d.normalizer.SetSuspended(d.playing.Load())
			cp := make([]byte, len(pInput))
			copy(cp, pInput)
			chunk = d.normalizer.Process(cp)
		}
		select {
		case d.captureQ <- chunk:
		default:
			d.dropped.Add(1)
			if d.onDrop != nil {
				d.onDrop()
			}
		}
	}
	if pOutput != nil {
		d.fillPlayback(pOutput)
	}
}

func (d *DeviceManager) fillPlayback(pOutput []byte) {
	d.playMu.Lock()
	defer d.playMu.Unlock()

	filled := 0
	for filled < len(pOutput) {
		if len(d.leftover) == 0 {
			select {
			case next, ok := <-d.playQ:
				if !ok {
					break
				}
				d.leftover = next
			default:
				break
			}
			if len(d.leftover) == 0 {
				break
			}
		}
		n := copy(pOutput[filled:], d.leftover)
		d.leftover = d.leftover[n:]
		filled += n
	}
	for ; filled < len(pOutput); filled++ {
		pOutput[filled] = 0
	}
}

// StopCapture halts the device. Safe to call once capture has started.
func (d *DeviceManager) StopCapture() error {
	if d.device == nil {
		return nil
	}
	d.device.Stop()
	return nil
}

// GetChunk returns the next capture chunk or ErrTimeout if none arrives
// within timeout.
func (d *DeviceManager) GetChunk(ctx context.Context, timeout time.Duration) ([]byte, error) {
	select {
	case chunk := <-d.captureQ:
		return chunk, nil
	case <-time.After(timeout):
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// DrainCaptureQueue discards any chunks buffered in the capture queue,
// used after a turn finishes so stale audio isn't fed into the next one.
func (d *DeviceManager) DrainCaptureQueue() {
	for {
		select {
		case <-d.captureQ:
		default:
			return
		}
	}
}

// IsPlaying is observable without locking.
func (d *DeviceManager) IsPlaying() bool {
	return d.playing.Load()
}

// PlayStream streams float32 samples from chunks to the device. It
// starts emitting to the device as soon as the first chunk arrives,
// returns once chunks closes and the device has drained, or returns
// early if stopCh fires — in which case the device output is flushed
// and any samples still in chunks are abandoned. Only one PlayStream may
// run at a time; a concurrent caller blocks until the first completes.
func (d *DeviceManager) PlayStream(ctx context.Context, chunks <-chan []float32) error {
	for !d.playing.CompareAndSwap(false, true) {
		select {
		case <-time.After(5 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	defer d.playing.Store(false)

	d.playMu.Lock()
	d.stopPlayback = make(chan struct{})
	stopCh := d.stopPlayback
	d.playMu.Unlock()

	for {
		select {
		case samples, ok := <-chunks:
			if !ok {
				for {
					d.playMu.Lock()
					drained := len(d.playQ) == 0 && len(d.leftover) == 0
					d.playMu.Unlock()
					if drained {
						return nil
					}
					select {
					case <-time.After(10 * time.Millisecond):
					case <-stopCh:
						return nil
					case <-ctx.Done():
						return ctx.Err()
					}
				}
			}
			pcm := float32ToPCM16(samples)
			select {
			case d.playQ <- pcm:
			case <-stopCh:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		case <-stopCh:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// StopPlayback interrupts the in-flight PlayStream call, if any, and
// clears any samples still queued for the device.
func (d *DeviceManager) StopPlayback() {
	d.playMu.Lock()
	if d.stopPlayback != nil {
		select {
		case <-d.stopPlayback:
		default:
			close(d.stopPlayback)
		}
	}
	d.leftover = nil
	d.playMu.Unlock()

	for {
		select {
		case <-d.playQ:
		default:
			return
		}
	}
}

// Close releases the device and context. Idempotent.
func (d *DeviceManager) Close() {
	if d.device != nil {
		d.device.Uninit()
		d.device = nil
	}
	if d.mctx != nil {
		_ = d.mctx.Uninit()
		d.mctx.Free()
		d.mctx = nil
	}
}

func float32ToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(s*32767)))
	}
	return out
}
