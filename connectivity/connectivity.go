// Copyright 2025 The grpclb Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package connectivity defines the health state machine shared by every
// stateful entity in the load-balancing engine: the state enumeration, the
// set of legal transitions, and an evaluator that folds the states of many
// subchannels into a single channel-level state.
package connectivity

import "fmt"

// State is the connectivity state of a subchannel or channel.
type State int

const (
	// Idle means no connection exists and none is being attempted.
	Idle State = iota
	// Connecting means a connection attempt is in progress.
	Connecting
	// Ready means a connection is established and usable.
	Ready
	// TransientFailure means the most recent connection attempt failed, or
	// an established connection was lost with an error. A later attempt may
	// still succeed.
	TransientFailure
	// Shutdown is terminal. Nothing transitions out of it.
	Shutdown
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Ready:
		return "ready"
	case TransientFailure:
		return "transient-failure"
	case Shutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// CanTransition reports whether from -> to is a legal edge in the state
// graph. Any state may transition to Shutdown; Shutdown itself is terminal.
// Self-transitions are not edges.
func CanTransition(from, to State) bool {
	if from == Shutdown {
		return false
	}
	if to == Shutdown {
		return true
	}
	switch from {
	case Idle:
		return to == Connecting
	case Connecting:
		return to == Ready || to == TransientFailure
	case Ready:
		return to == Idle || to == TransientFailure
	case TransientFailure:
		return to == Connecting
	default:
		return false
	}
}

// Evaluator computes the aggregate state of a set of subchannels. It keeps
// a counter per state, so the aggregate is always derived from the current
// membership rather than cached.
//
// An Evaluator is not safe for concurrent use; callers serialize access.
type Evaluator struct {
	counts [Shutdown + 1]int
}

// Add records a subchannel entering the tracked set in the given state.
func (e *Evaluator) Add(s State) {
	e.counts[s]++
}

// Remove records a subchannel leaving the tracked set. A subchannel that
// was shut down is removed with its last pre-shutdown state.
func (e *Evaluator) Remove(s State) {
	e.counts[s]--
}

// RecordTransition records a tracked subchannel moving between states and
// returns the new aggregate.
func (e *Evaluator) RecordTransition(oldState, newState State) State {
	e.Remove(oldState)
	e.Add(newState)
	return e.CurrentState()
}

// CurrentState returns the aggregate state: Ready if any subchannel is
// Ready; else Connecting if any is Connecting; else TransientFailure if any
// is in TransientFailure; else Idle. An empty set aggregates to Idle.
// Shutdown is never returned; a channel reports Shutdown only when it has
// itself been disposed.
func (e *Evaluator) CurrentState() State {
	switch {
	case e.counts[Ready] > 0:
		return Ready
	case e.counts[Connecting] > 0:
		return Connecting
	case e.counts[TransientFailure] > 0:
		return TransientFailure
	default:
		return Idle
	}
}
