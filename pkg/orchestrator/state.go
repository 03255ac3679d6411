package orchestrator

import (
	"sync"
	"time"
)

// PipelineState is one of the six states the voice pipeline cycles
// through: Stopped, Loading, Idle, Listening, Thinking, Speaking.
type PipelineState string

const (
	StateStopped   PipelineState = "STOPPED"
	StateLoading   PipelineState = "LOADING"
	StateIdle      PipelineState = "IDLE"
	StateListening PipelineState = "LISTENING"
	StateThinking  PipelineState = "THINKING"
	StateSpeaking  PipelineState = "SPEAKING"
)

// validTransitions enumerates the edges allowed out of each state. Speaking
// can fall back to Listening directly (barge-in) without passing through
// Idle, mirroring the Python pipeline's interrupt handling.
var validTransitions = map[PipelineState]map[PipelineState]bool{
	StateStopped:   {StateLoading: true},
	StateLoading:   {StateIdle: true, StateStopped: true},
	StateIdle:      {StateListening: true, StateThinking: true, StateStopped: true},
	StateListening: {StateThinking: true, StateIdle: true, StateStopped: true},
	StateThinking:  {StateSpeaking: true, StateListening: true, StateIdle: true, StateStopped: true},
	StateSpeaking:  {StateListening: true, StateIdle: true, StateStopped: true},
}

// StateMachine tracks the pipeline's current state and fans out changes to
// subscribers. It never blocks a publisher: subscriber channels are
// buffered and a full channel drops the oldest pending notification.
type StateMachine struct {
	mu          sync.Mutex
	current     PipelineState
	enteredAt   time.Time
	subscribers []chan PipelineState
	observer    func(from, to PipelineState, dwell time.Duration)
}

func NewStateMachine() *StateMachine {
	return &StateMachine{current: StateStopped, enteredAt: time.Now()}
}

// SetObserver installs a callback invoked after every successful
// transition with the state left, the state entered, and how long the
// machine dwelled in the left state. Used to feed Prometheus collectors
// without making this package depend on pkg/metrics.
func (sm *StateMachine) SetObserver(fn func(from, to PipelineState, dwell time.Duration)) {
	sm.mu.Lock()
	sm.observer = fn
	sm.mu.Unlock()
}

func (sm *StateMachine) Current() PipelineState {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.current
}

// Transition moves the machine to next, returning ErrInvalidStateTransition
// if the edge isn't allowed. A no-op transition (next == current) always
// succeeds without notifying subscribers.
func (sm *StateMachine) Transition(next PipelineState) error {
	sm.mu.Lock()
	if sm.current == next {
		sm.mu.Unlock()
		return nil
	}
	edges, ok := validTransitions[sm.current]
	if !ok || !edges[next] {
		sm.mu.Unlock()
		return ErrInvalidStateTransition
	}
	prev := sm.current
	dwell := time.Since(sm.enteredAt)
	sm.current = next
	sm.enteredAt = time.Now()
	subs := make([]chan PipelineState, len(sm.subscribers))
	copy(subs, sm.subscribers)
	observer := sm.observer
	sm.mu.Unlock()

	if observer != nil {
		observer(prev, next, dwell)
	}

	for _, ch := range subs {
		select {
		case ch <- next:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- next:
			default:
			}
		}
	}
	return nil
}

// Subscribe returns a channel that receives every state the machine
// transitions into from this point forward.
func (sm *StateMachine) Subscribe() <-chan PipelineState {
	ch := make(chan PipelineState, 4)
	sm.mu.Lock()
	sm.subscribers = append(sm.subscribers, ch)
	sm.mu.Unlock()
	return ch
}
