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

// PickFirstName is the registered name of the pick-first policy.
const PickFirstName = "pick_first"

//nolint:gochecknoglobals
var (
	// PickFirstFactory creates balancers that use a single connection: the
	// addresses are tried in resolver order and the first one to become
	// Ready carries all calls until it fails.
	PickFirstFactory Factory = pickFirstFactory{}
)

//nolint:gochecknoinits
func init() {
	Register(PickFirstFactory)
}

type pickFirstFactory struct{}

func (pickFirstFactory) Name() string {
	return PickFirstName
}

func (pickFirstFactory) New(ctx context.Context, pool SubchannelPool, opts Options) Balancer {
	ctx, cancel := context.WithCancel(ctx)
	b := &pickFirstBalancer{
		ctx:             ctx,
		cancel:          cancel,
		pool:            pool,
		logger:          opts.logger(),
		backoff:         opts.Backoff.newBackOff(),
		clock:           internal.NewRealClock(),
		resolverUpdates: make(chan struct{}, 1),
		events:          newStateQueue(),
		rescan:          make(chan struct{}, 1),
		closed:          make(chan struct{}),
		byAddr:          map[string]subchannel.Subchannel{},
	}
	go b.run()
	return b
}

type pickFirstBalancer struct {
	//nolint:containedctx
	ctx    context.Context
	cancel context.CancelFunc
	pool   SubchannelPool
	logger log.Logger
	// one schedule for the whole scan cycle: pick-first retries the list,
	// not individual subchannels
	backoff *backoff.ExponentialBackOff
	clock   internal.Clock

	latestAddrs      atomic.Pointer[[]resolver.Address]
	latestResolveErr atomic.Pointer[error]
	resolverUpdates  chan struct{}
	events           *stateQueue
	rescan           chan struct{}
	closed           chan struct{}

	// The fields below are owned by the run goroutine.
	order      []subchannel.Subchannel
	byAddr     map[string]subchannel.Subchannel
	readySC    subchannel.Subchannel
	scanning   bool
	scanIndex  int
	cycleStart int
	retryTimer internal.Timer
	published  subchannel.Subchannel
	lastErr    error
}

func (b *pickFirstBalancer) UpdateAddresses(addresses []resolver.Address) {
	clone := make([]resolver.Address, len(addresses))
	copy(clone, addresses)
	b.latestAddrs.Store(&clone)
	select {
	case b.resolverUpdates <- struct{}{}:
	default:
	}
}

func (b *pickFirstBalancer) ResolveError(err error) {
	b.latestResolveErr.Store(&err)
	select {
	case b.resolverUpdates <- struct{}{}:
	default:
	}
}

func (b *pickFirstBalancer) UpdateSubchannelState(sc subchannel.Subchannel, state connectivity.State, connErr error) {
	b.events.put(sc, state, connErr)
}

func (b *pickFirstBalancer) Close() error {
	b.cancel()
	<-b.closed
	return nil
}

func (b *pickFirstBalancer) run() {
	defer func() {
		if b.retryTimer != nil {
			b.retryTimer.Stop()
		}
		for _, sc := range b.order {
			b.pool.RemoveSubchannel(sc)
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
		case <-b.rescan:
			if !b.scanning && b.readySC == nil {
				b.startScan(b.cycleStart)
			}
		}
	}
}

func (b *pickFirstBalancer) onResolverUpdate() {
	addrs := b.latestAddrs.Load()
	if addrs == nil {
		errPtr := b.latestResolveErr.Load()
		if errPtr == nil {
			return
		}
		b.latestResolveErr.CompareAndSwap(errPtr, nil)
		b.pool.UpdatePicker(picker.ErrorPicker(*errPtr), false)
		return
	}
	b.reconcile(*addrs)
}

func (b *pickFirstBalancer) reconcile(addrs []resolver.Address) {
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
			sc.UpdateAttributes(desired[hostPort].Attributes)
			newOrder = append(newOrder, sc)
			continue
		}
		sc, ok := b.pool.NewSubchannel(desired[hostPort])
		if !ok {
			continue
		}
		b.byAddr[hostPort] = sc
		newOrder = append(newOrder, sc)
	}
	for hostPort, sc := range b.byAddr {
		if _, ok := desired[hostPort]; ok {
			continue
		}
		delete(b.byAddr, hostPort)
		if sc == b.readySC {
			b.readySC = nil
		}
		b.pool.RemoveSubchannel(sc)
	}
	changed := len(newOrder) != len(b.order)
	if !changed {
		for i := range newOrder {
			if newOrder[i] != b.order[i] {
				changed = true
				break
			}
		}
	}
	b.order = newOrder

	if len(b.order) == 0 {
		b.scanning = false
		b.readySC = nil
		b.publishError(picker.ErrorPicker(errResolverReturnedNoAddresses))
		return
	}
	if b.readySC != nil {
		// the chosen backend survived the update; nothing to re-route
		b.publishReady()
		return
	}
	if !changed && (b.scanning || b.retryTimer != nil) {
		// same list re-pushed while a scan or retry is already in
		// flight; restarting would lose the scan position
		return
	}
	b.startScan(0)
}

// startScan begins (or resumes) trying addresses in order, starting at the
// given index. The scan ends when a subchannel reaches Ready or every
// address has failed once, whichever comes first.
func (b *pickFirstBalancer) startScan(from int) {
	if b.retryTimer != nil {
		b.retryTimer.Stop()
		b.retryTimer = nil
	}
	if len(b.order) == 0 {
		return
	}
	b.scanning = true
	b.scanIndex = from % len(b.order)
	b.cycleStart = b.scanIndex
	b.order[b.scanIndex].RequestConnection()
}

func (b *pickFirstBalancer) onSubchannelState(sc subchannel.Subchannel, state connectivity.State, connErr error) {
	if state == connectivity.Shutdown {
		return
	}
	if sc == b.readySC {
		if state == connectivity.Ready {
			return
		}
		// the chosen backend dropped; resume scanning at the next address
		if connErr != nil {
			b.lastErr = connErr
		}
		_ = level.Debug(b.logger).Log(
			"msg", "ready subchannel lost, rescanning",
			"addr", sc.Address().HostPort,
			"err", connErr,
		)
		b.readySC = nil
		b.publishError(picker.ErrorPicker(picker.UnavailableError(b.lastErr)))
		b.pool.ResolveNow()
		b.startScan(b.indexOf(sc) + 1)
		return
	}
	if !b.scanning || b.scanIndex >= len(b.order) || sc != b.order[b.scanIndex] {
		// event for a subchannel that is not the current candidate
		return
	}
	switch state {
	case connectivity.Ready:
		b.scanning = false
		b.readySC = sc
		b.backoff.Reset()
		b.publishReady()
	case connectivity.TransientFailure:
		if connErr != nil {
			b.lastErr = connErr
		}
		next := (b.scanIndex + 1) % len(b.order)
		if next == b.cycleStart {
			// every address failed this cycle; report, back off, retry
			b.scanning = false
			b.publishError(picker.ErrorPicker(picker.UnavailableError(b.lastErr)))
			b.pool.ResolveNow()
			delay := b.backoff.NextBackOff()
			_ = level.Debug(b.logger).Log("msg", "all addresses failed, backing off", "delay", delay)
			b.retryTimer = b.clock.AfterFunc(delay, func() {
				select {
				case b.rescan <- struct{}{}:
				default:
				}
			})
			return
		}
		b.scanIndex = next
		b.order[b.scanIndex].RequestConnection()
	case connectivity.Idle:
		// the candidate settled back to Idle, e.g. a connection closed
		// cleanly before its Ready was observed; try it again
		sc.RequestConnection()
	case connectivity.Connecting:
	}
}

func (b *pickFirstBalancer) indexOf(sc subchannel.Subchannel) int {
	for i, candidate := range b.order {
		if candidate == sc {
			return i
		}
	}
	return 0
}

func (b *pickFirstBalancer) publishReady() {
	if b.published == b.readySC {
		return
	}
	b.published = b.readySC
	b.pool.UpdatePicker(picker.NewPickFirst(b.readySC), true)
}

func (b *pickFirstBalancer) publishError(errPicker picker.Picker) {
	b.published = nil
	b.pool.UpdatePicker(errPicker, false)
}
