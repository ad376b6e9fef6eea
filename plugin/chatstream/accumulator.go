package chatstream

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// State is the lifecycle of one streamed reply as seen by a reader.
type State int

const (
	StateIdle State = iota
	StateAwaiting
	StateStreaming
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaiting:
		return "awaiting"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// IsTerminal reports whether the state accepts no further events.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

// ErrAccumulatorBusy is returned by Begin when a reply is already in progress.
var ErrAccumulatorBusy = errors.New("chatstream: accumulator already in progress")

// Snapshot is an immutable view of an Accumulator.
type Snapshot struct {
	State State
	// Text is the reply assembled so far. It is empty once the stream failed.
	Text string
	Err  *StreamError
}

// Accumulator assembles delta fragments into the live reply text.
//
//	Idle -> Awaiting -> Streaming -> Completed
//	            |           |
//	            +-----------+-----> Failed
//
// Terminal states ignore every further event until Reset.
type Accumulator struct {
	mu    sync.Mutex
	state State
	text  strings.Builder
	err   *StreamError
}

func NewAccumulator() *Accumulator {
	return &Accumulator{}
}

// Begin moves an idle or finished accumulator to Awaiting with an empty buffer.
func (a *Accumulator) Begin() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == StateAwaiting || a.state == StateStreaming {
		return ErrAccumulatorBusy
	}
	a.resetLocked()
	a.state = StateAwaiting
	return nil
}

// Apply folds e into the accumulator and reports whether anything changed.
func (a *Accumulator) Apply(e Event) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != StateAwaiting && a.state != StateStreaming {
		return false
	}
	switch e.Kind {
	case EventDelta:
		if e.Text == "" {
			return false
		}
		a.text.WriteString(e.Text)
		a.state = StateStreaming
	case EventDone:
		a.state = StateCompleted
	case EventFailure:
		a.failLocked(&StreamError{Kind: KindGenerationFailure, Reason: Failure(e.Text).Text})
	default:
		return false
	}
	return true
}

// Fail moves a live accumulator to Failed. It is a no-op in terminal or idle states.
func (a *Accumulator) Fail(err *StreamError) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != StateAwaiting && a.state != StateStreaming {
		return false
	}
	a.failLocked(err)
	return true
}

func (a *Accumulator) failLocked(err *StreamError) {
	a.text.Reset()
	a.err = err
	a.state = StateFailed
}

// Reset returns the accumulator to Idle and drops any text or error.
func (a *Accumulator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resetLocked()
}

func (a *Accumulator) resetLocked() {
	a.text.Reset()
	a.err = nil
	a.state = StateIdle
}

func (a *Accumulator) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Accumulator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Snapshot{State: a.state, Text: a.text.String(), Err: a.err}
}
