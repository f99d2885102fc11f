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
	"context"
	"errors"
	"sync/atomic"

	"github.com/Blackclaws/grpclb/connectivity"
	"github.com/Blackclaws/grpclb/internal"
	"github.com/Blackclaws/grpclb/picker"
	"github.com/Blackclaws/grpclb/resolver"
	"github.com/Blackclaws/grpclb/subchannel"
	"github.com/cenkalti/backoff/v4"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// RoundRobinName is the registered name of the round-robin policy.
const RoundRobinName = "round_robin"

//nolint:gochecknoglobals
var (
	// RoundRobinFactory creates balancers that connect to every resolved
	// address eagerly and spread calls across the Ready subchannels in
	// resolver order.
	RoundRobinFactory Factory = roundRobinFactory{}

	errResolverReturnedNoAddresses = errors.New("resolver returned no addresses")
)

//nolint:gochecknoinits
func init() {
	Register(RoundRobinFactory)
}

type roundRobinFactory struct{}

func (roundRobinFactory) Name() string {
	return RoundRobinName
}

func (roundRobinFactory) New(ctx context.Context, pool SubchannelPool, opts Options) Balancer {
	ctx, cancel := context.WithCancel(ctx)
	b := &roundRobinBalancer{
		ctx:             ctx,
		cancel:          cancel,
		pool:            pool,
		logger:          opts.logger(),
		backoffConfig:   opts.Backoff,
		clock:           internal.NewRealClock(),
		resolverUpdates: make(chan struct{}, 1),
		events:          newStateQueue(),
		closed:          make(chan struct{}),
		byAddr:          map[string]subchannel.Subchannel{},
		info:            map[subchannel.Subchannel]*rrSubchannelInfo{},
	}
	go b.run()
	return b
}

type rrSubchannelInfo struct {
	state      connectivity.State
	backoff    *backoff.ExponentialBackOff
	retryTimer internal.Timer
}

type roundRobinBalancer struct {
	//nolint:containedctx
	ctx           context.Context
	cancel        context.CancelFunc
	pool          SubchannelPool
	logger        log.Logger
	backoffConfig BackoffConfig
	clock         internal.Clock

	latestAddrs      atomic.Pointer[[]resolver.Address]
	latestResolveErr atomic.Pointer[error]
	resolverUpdates  chan struct{}
	events           *stateQueue
	closed           chan struct{}

	// The fields below are owned by the run goroutine.
	order     []subchannel.Subchannel
	byAddr    map[string]subchannel.Subchannel
	info      map[subchannel.Subchannel]*rrSubchannelInfo
	lastReady subchannel.Set
	lastDown  *rrDownState
	lastErr   error
}

// rrDownState records the last published not-usable picker so that event
// drains which change nothing do not republish it or re-hint the resolver.
type rrDownState struct {
	noAddrs bool
	err     error
}

func (b *roundRobinBalancer) UpdateAddresses(addresses []resolver.Address) {
	clone := make([]resolver.Address, len(addresses))
	copy(clone, addresses)
	b.latestAddrs.Store(&clone)
	select {
	case b.resolverUpdates <- struct{}{}:
	default:
	}
}

func (b *roundRobinBalancer) ResolveError(err error) {
	b.latestResolveErr.Store(&err)
	select {
	case b.resolverUpdates <- struct{}{}:
	default:
	}
}

func (b *roundRobinBalancer) UpdateSubchannelState(sc subchannel.Subchannel, state connectivity.State, connErr error) {
	b.events.put(sc, state, connErr)
}

func (b *roundRobinBalancer) Close() error {
	b.cancel()
	<-b.closed
	return nil
}

func (b *roundRobinBalancer) run() {
	defer func() {
		for _, sc := range b.order {
			b.teardown(sc)
		}
		b.order = nil
		close(b.closed)
	}()
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-b.resolverUpdates:
			b.onResolverUpdate()
		case <-b.events.signal:
			for _, evt := range b.events.drain() {
				b.onSubchannelState(evt.sc, evt.state, evt.err)
			}
			b.refreshPicker()
		}
	}
}

func (b *roundRobinBalancer) onResolverUpdate() {
	addrs := b.latestAddrs.Load()
	if addrs == nil {
		errPtr := b.latestResolveErr.Load()
		if errPtr == nil {
			return
		}
		// resolution failed before ever producing addresses; surface the
		// error through the picker so calls fail meaningfully
		b.latestResolveErr.CompareAndSwap(errPtr, nil)
		b.pool.UpdatePicker(picker.ErrorPicker(*errPtr), false)
		return
	}
	b.reconcile(*addrs)
}

func (b *roundRobinBalancer) reconcile(addrs []resolver.Address) {
	desired := make(map[string]resolver.Address, len(addrs))
	orderedHostPorts := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		if _, ok := desired[addr.HostPort]; ok {
			continue
		}
		desired[addr.HostPort] = addr
		orderedHostPorts = append(orderedHostPorts, addr.HostPort)
	}

	newOrder := make([]subchannel.Subchannel, 0, len(orderedHostPorts))
	for _, hostPort := range orderedHostPorts {
		if sc, ok := b.byAddr[hostPort]; ok {
			// same backend, possibly new metadata
			sc.UpdateAttributes(desired[hostPort].Attributes)
			newOrder = append(newOrder, sc)
			continue
		}
		sc, ok := b.pool.NewSubchannel(desired[hostPort])
		if !ok {
			continue
		}
		b.byAddr[hostPort] = sc
		b.info[sc] = &rrSubchannelInfo{state: connectivity.Idle, backoff: b.backoffConfig.newBackOff()}
		newOrder = append(newOrder, sc)
		sc.RequestConnection()
	}
	for hostPort, sc := range b.byAddr {
		if _, ok := desired[hostPort]; ok {
			continue
		}
		delete(b.byAddr, hostPort)
		b.teardown(sc)
	}
	b.order = newOrder
	b.refreshPicker()
}

func (b *roundRobinBalancer) teardown(sc subchannel.Subchannel) {
	if info := b.info[sc]; info != nil && info.retryTimer != nil {
		info.retryTimer.Stop()
	}
	delete(b.info, sc)
	b.pool.RemoveSubchannel(sc)
}

func (b *roundRobinBalancer) onSubchannelState(sc subchannel.Subchannel, state connectivity.State, connErr error) {
	info, ok := b.info[sc]
	if !ok {
		// late event for a subchannel already removed
		return
	}
	if state == connectivity.Shutdown || info.state == state {
		return
	}
	info.state = state
	switch state {
	case connectivity.Ready:
		info.backoff.Reset()
	case connectivity.TransientFailure:
		if connErr != nil {
			b.lastErr = connErr
		}
		delay := info.backoff.NextBackOff()
		_ = level.Debug(b.logger).Log(
			"msg", "subchannel failed, scheduling reconnect",
			"addr", sc.Address().HostPort,
			"delay", delay,
			"err", connErr,
		)
		if info.retryTimer != nil {
			info.retryTimer.Stop()
		}
		info.retryTimer = b.clock.AfterFunc(delay, sc.RequestConnection)
	case connectivity.Idle:
		// transport dropped cleanly; round-robin keeps every backend connected
		sc.RequestConnection()
	case connectivity.Connecting:
	}
}

func (b *roundRobinBalancer) refreshPicker() {
	ready := make([]subchannel.Subchannel, 0, len(b.order))
	for _, sc := range b.order {
		if b.info[sc].state == connectivity.Ready {
			ready = append(ready, sc)
		}
	}
	readySet := subchannel.SetFromSlice(ready)
	if len(ready) == 0 {
		b.lastReady = readySet
		down := rrDownState{noAddrs: len(b.order) == 0, err: b.lastErr}
		if b.lastDown != nil && *b.lastDown == down {
			// already published this exact failure
			return
		}
		b.lastDown = &down
		if down.noAddrs {
			b.pool.UpdatePicker(picker.ErrorPicker(errResolverReturnedNoAddresses), false)
			return
		}
		b.pool.UpdatePicker(picker.ErrorPicker(picker.UnavailableError(b.lastErr)), false)
		b.pool.ResolveNow()
		return
	}
	if readySet.Equals(b.lastReady) && b.lastDown == nil {
		// same usable set; republishing would needlessly reset the cursor
		return
	}
	b.lastReady = readySet
	b.lastDown = nil
	b.pool.UpdatePicker(picker.NewRoundRobin(subchannel.FromSlice(ready)), true)
}
