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

package connectivity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	t.Parallel()
	allStates := []State{Idle, Connecting, Ready, TransientFailure, Shutdown}
	legal := map[[2]State]struct{}{
		{Idle, Connecting}:             {},
		{Connecting, Ready}:            {},
		{Connecting, TransientFailure}: {},
		{Ready, Idle}:                  {},
		{Ready, TransientFailure}:      {},
		{TransientFailure, Connecting}: {},
		{Idle, Shutdown}:               {},
		{Connecting, Shutdown}:         {},
		{Ready, Shutdown}:              {},
		{TransientFailure, Shutdown}:   {},
	}
	for _, from := range allStates {
		for _, to := range allStates {
			_, want := legal[[2]State{from, to}]
			assert.Equal(t, want, CanTransition(from, to),
				"transition %v -> %v", from, to)
		}
	}
}

func TestEvaluator(t *testing.T) {
	t.Parallel()
	var eval Evaluator
	// no subchannels at all
	require.Equal(t, Idle, eval.CurrentState())

	eval.Add(Idle)
	eval.Add(Idle)
	require.Equal(t, Idle, eval.CurrentState())

	require.Equal(t, Connecting, eval.RecordTransition(Idle, Connecting))
	require.Equal(t, Ready, eval.RecordTransition(Connecting, Ready))

	// {Ready, TransientFailure} aggregates to Ready
	require.Equal(t, Ready, eval.RecordTransition(Idle, Connecting))
	require.Equal(t, Ready, eval.RecordTransition(Connecting, TransientFailure))

	// {Connecting, TransientFailure} aggregates to Connecting
	require.Equal(t, Connecting, eval.RecordTransition(Ready, TransientFailure))
	require.Equal(t, Connecting, eval.RecordTransition(TransientFailure, Connecting))

	// {TransientFailure} only
	eval.Remove(Connecting)
	require.Equal(t, TransientFailure, eval.CurrentState())

	// back to empty
	eval.Remove(TransientFailure)
	require.Equal(t, Idle, eval.CurrentState())
}

func TestStateString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "connecting", Connecting.String())
	assert.Equal(t, "ready", Ready.String())
	assert.Equal(t, "transient-failure", TransientFailure.String())
	assert.Equal(t, "shutdown", Shutdown.String())
	assert.Equal(t, "State(99)", State(99).String())
}
