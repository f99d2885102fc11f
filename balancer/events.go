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

package balancer

import (
	"sync"

	"github.com/Blackclaws/grpclb/connectivity"
	"github.com/Blackclaws/grpclb/subchannel"
)

// stateQueue hands subchannel state events to a balancer's single consumer
// goroutine. Producers never block: per subchannel only the latest state is
// kept, which is safe because the consumer only acts on current state, not
// on the sequence of intermediate hops. Arrival order across subchannels is
// preserved.
type stateQueue struct {
	signal chan struct{}

	mu      sync.Mutex
	order   []subchannel.Subchannel
	pending map[subchannel.Subchannel]stateEvent
}

type stateEvent struct {
	sc    subchannel.Subchannel
	state connectivity.State
	err   error
}

func newStateQueue() *stateQueue {
	return &stateQueue{
		signal:  make(chan struct{}, 1),
		pending: map[subchannel.Subchannel]stateEvent{},
	}
}

func (q *stateQueue) put(sc subchannel.Subchannel, state connectivity.State, err error) {
	q.mu.Lock()
	if _, ok := q.pending[sc]; !ok {
		q.order = append(q.order, sc)
	}
	q.pending[sc] = stateEvent{sc: sc, state: state, err: err}
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *stateQueue) drain() []stateEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	events := make([]stateEvent, 0, len(q.order))
	for _, sc := range q.order {
		events = append(events, q.pending[sc])
	}
	q.order = q.order[:0]
	clear(q.pending)
	return events
}
