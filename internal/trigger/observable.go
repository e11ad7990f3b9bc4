package trigger

import (
	"sync"
	"time"
)

// neverPolledHorizon is how far into the future the "never polled" sentinel
// sits, so secondsSinceLastPoll reads as negative until the first poll
// completes.
const neverPolledHorizon = 100 * 365 * 24 * time.Hour

// Observable is the shared state between a Worker and its owners: a
// mutex-guarded struct readable by Handle/Supervisor. currentState and
// lastPoll are written by the Worker, and currentState also by
// Handle.Shutdown. desiredState is written by owner-side code and by the
// Worker's self-disable; SetDesiredState enforces the sticky-Dead
// terminal-intent rule.
type Observable struct {
	mu           sync.Mutex
	currentState State
	desiredState State
	lastPoll     time.Time
}

// NewObservable returns a fresh Observable in Initializing/Running with the
// never-polled sentinel.
func NewObservable() *Observable {
	return &Observable{
		currentState: Initializing,
		desiredState: Running,
		lastPoll:     time.Now().Add(neverPolledHorizon),
	}
}

func (o *Observable) CurrentState() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.currentState
}

func (o *Observable) SetCurrentState(s State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.currentState = s
}

func (o *Observable) DesiredState() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.desiredState
}

// SetDesiredState writes the owner-side intent. Once Dead, no further
// intent is accepted.
func (o *Observable) SetDesiredState(s State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.desiredState == Dead {
		return
	}
	o.desiredState = s
}

// UpdateLastPoll records "now" as the last completed poll window (Worker-side only).
func (o *Observable) UpdateLastPoll() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.lastPoll = time.Now()
}

func (o *Observable) LastPoll() time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastPoll
}

// SecondsSinceLastPoll is negative until the first poll window completes.
func (o *Observable) SecondsSinceLastPoll() float64 {
	return time.Since(o.LastPoll()).Seconds()
}
