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

package grpclb

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Blackclaws/grpclb/attribute"
	"github.com/Blackclaws/grpclb/connectivity"
	"github.com/Blackclaws/grpclb/internal"
	"github.com/Blackclaws/grpclb/resolver"
	"github.com/Blackclaws/grpclb/subchannel"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// stateListener observes every state transition of a subchannel. It is
// invoked synchronously while the subchannel's lock is held, so transitions
// arrive in order; it must be fast and must not call back into the
// subchannel.
type stateListener func(sc subchannel.Subchannel, state connectivity.State, connErr error)

// subchan is the channel's subchannel implementation. It owns the
// connectivity state machine for one backend address and at most one live
// transport at a time. Connection attempts run in their own goroutine; a
// generation counter lets stale attempts discover they lost a race with a
// newer attempt or a shutdown.
type subchan struct {
	//nolint:containedctx
	ctx            context.Context
	cancel         context.CancelFunc
	transports     TransportFactory
	connectTimeout time.Duration
	clock          internal.Clock
	logger         log.Logger
	listener       stateListener

	addr atomic.Pointer[resolver.Address]

	mu             sync.Mutex
	state          connectivity.State
	lastTransition time.Time
	transport      Transport
	generation     int
}

var _ subchannel.Subchannel = (*subchan)(nil)

func newSubchan(
	ctx context.Context,
	address resolver.Address,
	transports TransportFactory,
	connectTimeout time.Duration,
	clock internal.Clock,
	logger log.Logger,
	listener stateListener,
) *subchan {
	ctx, cancel := context.WithCancel(ctx)
	s := &subchan{
		ctx:            ctx,
		cancel:         cancel,
		transports:     transports,
		connectTimeout: connectTimeout,
		clock:          clock,
		logger:         logger,
		listener:       listener,
		state:          connectivity.Idle,
		lastTransition: clock.Now(),
	}
	s.addr.Store(&address)
	return s
}

func (s *subchan) Address() resolver.Address {
	return *s.addr.Load()
}

func (s *subchan) UpdateAttributes(values attribute.Values) {
	address := s.Address()
	address.Attributes = values
	s.addr.Store(&address)
}

func (s *subchan) State() connectivity.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastTransition returns when the subchannel last changed state.
func (s *subchan) LastTransition() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastTransition
}

// RequestConnection starts a connection attempt if the subchannel is Idle
// or TransientFailure. In any other state it is a no-op.
func (s *subchan) RequestConnection() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == connectivity.Shutdown {
		_ = level.Debug(s.logger).Log(
			"msg", "connection requested on shut-down subchannel",
			"addr", s.Address().HostPort,
		)
		return
	}
	if s.state != connectivity.Idle && s.state != connectivity.TransientFailure {
		return
	}
	s.generation++
	gen := s.generation
	s.transitionLocked(connectivity.Connecting, nil)
	go s.connect(gen)
}

func (s *subchan) connect(gen int) {
	transport := s.transports.New(s.Address().HostPort)
	ctx := s.ctx
	if s.connectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.connectTimeout)
		defer cancel()
	}
	err := transport.Connect(ctx)

	s.mu.Lock()
	if gen != s.generation {
		// lost a race with shutdown or a newer attempt
		s.mu.Unlock()
		_ = transport.Close()
		return
	}
	if err != nil {
		s.transitionLocked(connectivity.TransientFailure, err)
		s.mu.Unlock()
		_ = transport.Close()
		return
	}
	s.transport = transport
	s.transitionLocked(connectivity.Ready, nil)
	s.mu.Unlock()
	go s.watch(transport, gen)
}

// watch waits for the transport to report the connection lost. A clean
// close moves the subchannel back to Idle; a failure moves it to
// TransientFailure so the balancer's backoff applies.
func (s *subchan) watch(transport Transport, gen int) {
	var lossErr error
	select {
	case <-s.ctx.Done():
		return
	case lossErr = <-transport.Lost():
	}

	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return
	}
	s.transport = nil
	if lossErr != nil {
		s.transitionLocked(connectivity.TransientFailure, lossErr)
	} else {
		s.transitionLocked(connectivity.Idle, nil)
	}
	s.mu.Unlock()
	_ = transport.Close()
}

// shutdown terminates the subchannel. It is idempotent.
func (s *subchan) shutdown() {
	s.mu.Lock()
	if s.state == connectivity.Shutdown {
		s.mu.Unlock()
		return
	}
	s.generation++
	transport := s.transport
	s.transport = nil
	s.transitionLocked(connectivity.Shutdown, nil)
	s.mu.Unlock()

	s.cancel()
	if transport != nil {
		_ = transport.Close()
	}
}

// transitionLocked moves the state machine along a legal edge and notifies
// the listener.
func (s *subchan) transitionLocked(to connectivity.State, connErr error) {
	from := s.state
	if !connectivity.CanTransition(from, to) {
		panic("grpclb: illegal subchannel state transition " + from.String() + " -> " + to.String())
	}
	s.state = to
	s.lastTransition = s.clock.Now()
	_ = level.Debug(s.logger).Log(
		"msg", "subchannel state changed",
		"addr", s.Address().HostPort,
		"from", from,
		"to", to,
		"err", connErr,
	)
	s.listener(s, to, connErr)
}
