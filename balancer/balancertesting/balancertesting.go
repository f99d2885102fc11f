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

// Package balancertesting provides some helper types that can be useful
// when testing custom load balancer implementations.
package balancertesting

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/Blackclaws/grpclb/attribute"
	"github.com/Blackclaws/grpclb/connectivity"
	"github.com/Blackclaws/grpclb/picker"
	"github.com/Blackclaws/grpclb/resolver"
	"github.com/Blackclaws/grpclb/subchannel"
)

// FakeSubchannel is an implementation of subchannel.Subchannel that can be
// used for testing. It never actually connects anywhere: connection
// requests are merely recorded so test code can observe them and then
// drive the state machine by hand, feeding the resulting states to the
// balancer under test.
//
// To create new instances of FakeSubchannel, use a FakeSubchannelPool.
type FakeSubchannel struct {
	// Index identifies the subchannel within its pool, in order of
	// creation starting at 1.
	Index int

	addr      atomic.Pointer[resolver.Address]
	connectCh chan struct{}

	mu           sync.Mutex
	state        connectivity.State
	connectCount int
}

// Address returns the resolved address associated with this subchannel.
func (s *FakeSubchannel) Address() resolver.Address {
	return *s.addr.Load()
}

// State returns the state most recently set with SetState. It starts
// out as Idle.
func (s *FakeSubchannel) State() connectivity.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetState records the given state so subsequent calls to State return
// it. It does NOT notify the balancer under test; tests do that directly
// via the balancer's UpdateSubchannelState method, which mirrors how the
// channel delivers state events.
func (s *FakeSubchannel) SetState(state connectivity.State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// RequestConnection records a connection request, which test code can
// observe with AwaitConnectRequest.
func (s *FakeSubchannel) RequestConnection() {
	s.mu.Lock()
	s.connectCount++
	s.mu.Unlock()
	select {
	case s.connectCh <- struct{}{}:
	default:
	}
}

// ConnectCount returns the number of times RequestConnection has been
// called.
func (s *FakeSubchannel) ConnectCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectCount
}

// AwaitConnectRequest waits for a concurrent call to RequestConnection.
// It may return immediately if there was a past call that has yet to be
// acknowledged via a call to this method.
func (s *FakeSubchannel) AwaitConnectRequest(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.connectCh:
		return nil
	}
}

// UpdateAttributes updates the attributes on this subchannel's
// associated address.
func (s *FakeSubchannel) UpdateAttributes(values attribute.Values) {
	addr := s.Address()
	addr.Attributes = values
	s.addr.Store(&addr)
}

// FakeSubchannelPool is an implementation of balancer.SubchannelPool that
// can be used for testing balancer.Balancer implementations. It marks the
// subchannels created with its NewSubchannel method with an index in
// sequential order. So the first subchannel created has an Index of 1,
// the second an Index of 2, and so on.
//
// See NewFakeSubchannelPool.
type FakeSubchannelPool struct {
	pickerUpdate chan struct{}
	scsUpdate    chan struct{}
	resolveNowCh chan struct{}

	mu                sync.Mutex
	index             int
	active            subchannel.Set
	picker            PickerState
	pickerUpdateCount int
	resolveNowCount   int
}

// NewFakeSubchannelPool constructs a new FakeSubchannelPool.
func NewFakeSubchannelPool() *FakeSubchannelPool {
	return &FakeSubchannelPool{
		pickerUpdate: make(chan struct{}, 1),
		scsUpdate:    make(chan struct{}, 1),
		resolveNowCh: make(chan struct{}, 1),
	}
}

// NewSubchannel implements the balancer.SubchannelPool interface. It
// always returns *FakeSubchannel instances. Test code can asynchronously
// await a call to NewSubchannel or RemoveSubchannel using the
// AwaitSubchannelUpdate method.
func (p *FakeSubchannelPool) NewSubchannel(address resolver.Address) (subchannel.Subchannel, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.active == nil {
		p.active = subchannel.Set{}
	}
	p.index++
	sc := &FakeSubchannel{
		Index:     p.index,
		state:     connectivity.Idle,
		connectCh: make(chan struct{}, 1),
	}
	sc.addr.Store(&address)
	p.active[sc] = struct{}{}
	select {
	case p.scsUpdate <- struct{}{}:
	default:
	}
	return sc, true
}

// RemoveSubchannel implements the balancer.SubchannelPool interface. Test
// code can asynchronously await a call to NewSubchannel or
// RemoveSubchannel using the AwaitSubchannelUpdate method.
func (p *FakeSubchannelPool) RemoveSubchannel(toRemove subchannel.Subchannel) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.active[toRemove]; !ok {
		// Balancer impls should be well-behaved. So this should never
		// happen. Instead of returning false, freak out and make sure
		// the test fails.
		panic("misbehaving balancer") //nolint:forbidigo
	}
	delete(p.active, toRemove)
	if fake, ok := toRemove.(*FakeSubchannel); ok {
		fake.SetState(connectivity.Shutdown)
	}
	select {
	case p.scsUpdate <- struct{}{}:
	default:
	}
	return true
}

// UpdatePicker implements the balancer.SubchannelPool interface. Test
// code can asynchronously await a call to UpdatePicker using the
// AwaitPickerUpdate method.
func (p *FakeSubchannelPool) UpdatePicker(pk picker.Picker, usable bool) {
	p.mu.Lock()
	p.picker = PickerState{Picker: pk, Usable: usable}
	p.pickerUpdateCount++
	p.mu.Unlock()
	select {
	case p.pickerUpdate <- struct{}{}:
	default:
	}
}

// ResolveNow implements the balancer.SubchannelPool interface. It
// increments a counter that can be introspected via AwaitResolveNow.
func (p *FakeSubchannelPool) ResolveNow() {
	p.mu.Lock()
	p.resolveNowCount++
	p.mu.Unlock()
	select {
	case p.resolveNowCh <- struct{}{}:
	default:
	}
}

// SnapshotSubchannels returns a snapshot of the current active
// subchannels. This will include all subchannels created via
// NewSubchannel but not yet removed via RemoveSubchannel.
func (p *FakeSubchannelPool) SnapshotSubchannels() subchannel.Set {
	p.mu.Lock()
	defer p.mu.Unlock()
	snapshot := make(subchannel.Set, len(p.active))
	for sc := range p.active {
		snapshot[sc] = struct{}{}
	}
	return snapshot
}

// AwaitPickerUpdate waits for a concurrent call to UpdatePicker. It may
// return immediately if there was a past call to UpdatePicker that has
// yet to be acknowledged via a call to this method. An error is returned
// if the given context is cancelled before the picker is updated.
func (p *FakeSubchannelPool) AwaitPickerUpdate(ctx context.Context) (PickerState, error) {
	select {
	case <-ctx.Done():
		return PickerState{}, ctx.Err()
	case <-p.pickerUpdate:
		p.mu.Lock()
		state := p.picker
		p.mu.Unlock()
		return state, nil
	}
}

// LatestPicker returns the most recently published picker state without
// waiting.
func (p *FakeSubchannelPool) LatestPicker() PickerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.picker
}

// PickerUpdateCount returns the number of times UpdatePicker has been
// called, without waiting.
func (p *FakeSubchannelPool) PickerUpdateCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pickerUpdateCount
}

// ResolveNowCount returns the number of times ResolveNow has been called,
// without waiting.
func (p *FakeSubchannelPool) ResolveNowCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resolveNowCount
}

// AwaitSubchannelUpdate waits for concurrent changes to the set of active
// subchannels, via calls to NewSubchannel and RemoveSubchannel. It may
// return immediately if there was a past call that has yet to be
// acknowledged via a call to this method. It returns a snapshot of the
// subchannels on success.
func (p *FakeSubchannelPool) AwaitSubchannelUpdate(ctx context.Context) (subchannel.Set, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.scsUpdate:
		return p.SnapshotSubchannels(), nil
	}
}

// AwaitResolveNow waits for a concurrent call to ResolveNow, usually made
// by a balancer when it has no usable subchannels left. If it succeeds,
// it returns the number of times ResolveNow has been called.
func (p *FakeSubchannelPool) AwaitResolveNow(ctx context.Context) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-p.resolveNowCh:
		p.mu.Lock()
		count := p.resolveNowCount
		p.mu.Unlock()
		return count, nil
	}
}

// PickerState represents the attributes of a published picker: the picker
// itself and whether the balancer considered it usable for real traffic
// at the time it was configured.
type PickerState struct {
	Picker picker.Picker
	Usable bool
}
