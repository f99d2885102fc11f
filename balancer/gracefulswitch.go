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
	"sync"
	"time"

	"github.com/Blackclaws/grpclb/connectivity"
	"github.com/Blackclaws/grpclb/internal"
	"github.com/Blackclaws/grpclb/picker"
	"github.com/Blackclaws/grpclb/resolver"
	"github.com/Blackclaws/grpclb/subchannel"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/sync/errgroup"
)

var errBalancerClosed = errors.New("balancer is closed")

// GracefulSwitch is a composing balancer whose routing policy can be
// replaced at runtime. The active child keeps serving while a newly
// selected child builds up its own subchannels; only when the new child
// publishes a usable picker (or a grace period elapses) does the switch
// take effect and the old child's subchannels shut down. There is never a
// window without a picker.
type GracefulSwitch struct {
	//nolint:containedctx
	ctx         context.Context
	cancel      context.CancelFunc
	pool        SubchannelPool
	opts        Options
	logger      log.Logger
	clock       internal.Clock
	gracePeriod time.Duration

	mu          sync.Mutex
	current     *gsChild
	pending     *gsChild
	graceTimer  internal.Timer
	scOwner     map[subchannel.Subchannel]*gsChild
	latestAddrs []resolver.Address
	haveAddrs   bool
	closed      bool
}

var _ Balancer = (*GracefulSwitch)(nil)

type gsChild struct {
	factory Factory
	bal     Balancer
	// latest picker this child produced, buffered while the child is
	// pending so a forced swap has something to publish
	latestPicker picker.Picker
	latestUsable bool
}

// NewGracefulSwitch creates a composing balancer whose initial policy is
// built from the given factory. gracePeriod bounds how long a policy switch
// waits for the new child to become usable before proceeding anyway.
func NewGracefulSwitch(
	ctx context.Context,
	pool SubchannelPool,
	opts Options,
	initial Factory,
	gracePeriod time.Duration,
) *GracefulSwitch {
	ctx, cancel := context.WithCancel(ctx)
	g := &GracefulSwitch{
		ctx:         ctx,
		cancel:      cancel,
		pool:        pool,
		opts:        opts,
		logger:      opts.logger(),
		clock:       internal.NewRealClock(),
		gracePeriod: gracePeriod,
		scOwner:     map[subchannel.Subchannel]*gsChild{},
	}
	child := &gsChild{factory: initial}
	child.bal = initial.New(g.ctx, &gsChildPool{parent: g, child: child}, opts)
	g.current = child
	return g
}

// PolicyName returns the name of the policy currently routing calls.
func (g *GracefulSwitch) PolicyName() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.current.factory.Name()
}

// SwitchTo replaces the routing policy. If a previous switch is still in
// flight its pending child is discarded first. Switching to the policy that
// is already active and not being replaced is a no-op.
func (g *GracefulSwitch) SwitchTo(factory Factory) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return errBalancerClosed
	}
	if g.current.factory.Name() == factory.Name() && g.pending == nil {
		g.mu.Unlock()
		return nil
	}
	discarded := g.pending
	g.pending = nil
	if g.graceTimer != nil {
		g.graceTimer.Stop()
		g.graceTimer = nil
	}
	child := &gsChild{factory: factory}
	addrs := g.latestAddrs
	haveAddrs := g.haveAddrs
	g.mu.Unlock()

	if discarded != nil {
		_ = discarded.bal.Close()
	}

	child.bal = factory.New(g.ctx, &gsChildPool{parent: g, child: child}, g.opts)

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		_ = child.bal.Close()
		return errBalancerClosed
	}
	g.pending = child
	g.graceTimer = g.clock.AfterFunc(g.gracePeriod, func() { g.forceSwap(child) })
	g.mu.Unlock()

	_ = level.Debug(g.logger).Log("msg", "switching policy", "policy", factory.Name())
	if haveAddrs {
		child.bal.UpdateAddresses(addrs)
	}
	return nil
}

func (g *GracefulSwitch) UpdateAddresses(addresses []resolver.Address) {
	g.mu.Lock()
	clone := make([]resolver.Address, len(addresses))
	copy(clone, addresses)
	g.latestAddrs = clone
	g.haveAddrs = true
	current, pending := g.current, g.pending
	g.mu.Unlock()
	current.bal.UpdateAddresses(addresses)
	if pending != nil {
		pending.bal.UpdateAddresses(addresses)
	}
}

func (g *GracefulSwitch) ResolveError(err error) {
	g.mu.Lock()
	current, pending := g.current, g.pending
	g.mu.Unlock()
	current.bal.ResolveError(err)
	if pending != nil {
		pending.bal.ResolveError(err)
	}
}

func (g *GracefulSwitch) UpdateSubchannelState(sc subchannel.Subchannel, state connectivity.State, connErr error) {
	g.mu.Lock()
	owner := g.scOwner[sc]
	g.mu.Unlock()
	if owner == nil {
		// subchannel already disowned during removal
		return
	}
	owner.bal.UpdateSubchannelState(sc, state, connErr)
}

func (g *GracefulSwitch) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	if g.graceTimer != nil {
		g.graceTimer.Stop()
		g.graceTimer = nil
	}
	current, pending := g.current, g.pending
	g.pending = nil
	g.mu.Unlock()

	g.cancel()
	grp, _ := errgroup.WithContext(context.Background())
	grp.Go(current.bal.Close)
	if pending != nil {
		grp.Go(pending.bal.Close)
	}
	return grp.Wait()
}

// onChildPicker handles a picker published by a child. Pickers from the
// current child pass through; pickers from the pending child are buffered
// until one is usable, at which point the children swap. All forwards to
// the pool happen under the lock, so a pass-through from a child that is
// about to be demoted cannot land after a promotion's publish. The pool's
// UpdatePicker never calls back into the switch.
func (g *GracefulSwitch) onChildPicker(child *gsChild, p picker.Picker, usable bool) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	child.latestPicker = p
	child.latestUsable = usable
	if child == g.current {
		g.pool.UpdatePicker(p, usable)
		g.mu.Unlock()
		return
	}
	if child != g.pending || !usable {
		g.mu.Unlock()
		return
	}
	old := g.promoteLocked()
	g.pool.UpdatePicker(p, usable)
	g.mu.Unlock()

	go func() {
		_ = old.bal.Close()
	}()
}

// forceSwap completes a switch whose grace period expired before the
// pending child became usable.
func (g *GracefulSwitch) forceSwap(child *gsChild) {
	g.mu.Lock()
	if g.closed || child != g.pending {
		g.mu.Unlock()
		return
	}
	p, usable := child.latestPicker, child.latestUsable
	if p == nil {
		p, usable = picker.ErrorPicker(picker.UnavailableError(nil)), false
	}
	old := g.promoteLocked()
	g.pool.UpdatePicker(p, usable)
	g.mu.Unlock()

	_ = level.Debug(g.logger).Log("msg", "policy switch grace period elapsed, swapping anyway")
	go func() {
		_ = old.bal.Close()
	}()
}

// promoteLocked makes the pending child current and returns the previous
// current child for the caller to close.
func (g *GracefulSwitch) promoteLocked() *gsChild {
	old := g.current
	g.current = g.pending
	g.pending = nil
	if g.graceTimer != nil {
		g.graceTimer.Stop()
		g.graceTimer = nil
	}
	return old
}

// gsChildPool is the pool handed to each child balancer. It tracks which
// child owns which subchannel, so state events can be routed, and
// intercepts picker updates for the swap logic.
type gsChildPool struct {
	parent *GracefulSwitch
	child  *gsChild
}

func (p *gsChildPool) NewSubchannel(addr resolver.Address) (subchannel.Subchannel, bool) {
	sc, ok := p.parent.pool.NewSubchannel(addr)
	if !ok {
		return nil, false
	}
	p.parent.mu.Lock()
	p.parent.scOwner[sc] = p.child
	p.parent.mu.Unlock()
	return sc, true
}

func (p *gsChildPool) RemoveSubchannel(sc subchannel.Subchannel) bool {
	// disown first: the shutdown event fires synchronously inside the
	// removal and must not be routed back to the child
	p.parent.mu.Lock()
	delete(p.parent.scOwner, sc)
	p.parent.mu.Unlock()
	return p.parent.pool.RemoveSubchannel(sc)
}

func (p *gsChildPool) UpdatePicker(pk picker.Picker, usable bool) {
	p.parent.onChildPicker(p.child, pk, usable)
}

func (p *gsChildPool) ResolveNow() {
	p.parent.pool.ResolveNow()
}
