// Package transfer implements the Transfer state machine and the
// download/upload/browse/search orchestration flows that sit on top
// of the peer connection manager (spec §3 "Transfer", §4.6).
package transfer

import (
	"sync"
)

// Direction of a Transfer from our perspective.
type Direction int

const (
	Download Direction = iota
	Upload
)

func (d Direction) String() string {
	if d == Upload {
		return "upload"
	}
	return "download"
}

// State is a Transfer's position in its one-way state machine (spec
// §3 "Transfer" state space).
type State int

const (
	StateRequested State = iota
	StateQueued
	StateInitializing
	StateInProgress
	StateSucceeded
	StateCancelled
	StateTimedOut
	StateRejected
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateRequested:
		return "Requested"
	case StateQueued:
		return "Queued"
	case StateInitializing:
		return "Initializing"
	case StateInProgress:
		return "InProgress"
	case StateSucceeded:
		return "Succeeded"
	case StateCancelled:
		return "Cancelled"
	case StateTimedOut:
		return "TimedOut"
	case StateRejected:
		return "Rejected"
	case StateErrored:
		return "Errored"
	default:
		return "Unknown"
	}
}

func (s State) terminal() bool {
	switch s {
	case StateSucceeded, StateCancelled, StateTimedOut, StateRejected, StateErrored:
		return true
	default:
		return false
	}
}

// StateChange is the immutable event value delivered to a Transfer's
// observer on every transition (spec §9 "Event-based -> sum types").
type StateChange struct {
	Transfer *Transfer
	From     State
	To       State
	Cause    error
}

// Observer receives Transfer lifecycle and progress events. Dispatch
// is best-effort: a panicking observer never corrupts Transfer state.
type Observer struct {
	OnStateChanged func(StateChange)
	OnProgress     func(t *Transfer, bytesTransferred int64)
}

func (o Observer) fireState(c StateChange) {
	if o.OnStateChanged == nil {
		return
	}
	defer func() { recover() }()
	o.OnStateChanged(c)
}

func (o Observer) fireProgress(t *Transfer, n int64) {
	if o.OnProgress == nil {
		return
	}
	defer func() { recover() }()
	o.OnProgress(t, n)
}

// Transfer tracks one file's movement between us and a remote user
// (spec §3 "Transfer").
type Transfer struct {
	Direction      Direction
	Username       string
	RemoteFilename string
	LocalToken     uint32
	RemoteToken    uint32
	Size           int64

	obs Observer

	mu                sync.Mutex
	state             State
	bytesTransferred  int64
}

// New constructs a Transfer in state Requested.
func New(direction Direction, username, remoteFilename string, localToken uint32, size int64, obs Observer) *Transfer {
	return &Transfer{
		Direction:      direction,
		Username:       username,
		RemoteFilename: remoteFilename,
		LocalToken:     localToken,
		Size:           size,
		obs:            obs,
		state:          StateRequested,
	}
}

// State returns the current state.
func (t *Transfer) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// BytesTransferred returns the monotone progress counter.
func (t *Transfer) BytesTransferred() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bytesTransferred
}

// Transition moves the Transfer to to, firing OnStateChanged. A
// transition out of a terminal state is a no-op: terminal states are
// one-way (spec §3 "State transitions are linear and one-way").
func (t *Transfer) Transition(to State, cause error) {
	t.mu.Lock()
	from := t.state
	if from.terminal() {
		t.mu.Unlock()
		return
	}
	t.state = to
	t.mu.Unlock()
	t.obs.fireState(StateChange{Transfer: t, From: from, To: to, Cause: cause})
}

// Progress records bytesTransferred (monotone, per spec §3) and fires
// OnProgress.
func (t *Transfer) Progress(bytesTransferred int64) {
	t.mu.Lock()
	if bytesTransferred > t.bytesTransferred {
		t.bytesTransferred = bytesTransferred
	}
	t.mu.Unlock()
	t.obs.fireProgress(t, bytesTransferred)
}
