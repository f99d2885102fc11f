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

// Package balancer contains the load-balancing policies. A balancer owns
// the set of subchannels for a resolved address list: it decides which
// addresses get connections, reacts to subchannel state changes, and
// publishes a new picker through its pool whenever the routing decision
// changes.
//
// Two leaf policies are provided, pick-first and round-robin, plus a
// composing balancer (see [NewGracefulSwitch]) that can swap the active
// policy at runtime without dropping in-flight calls.
package balancer

import (
	"context"
	"sort"
	"sync"

	"github.com/Blackclaws/grpclb/connectivity"
	"github.com/Blackclaws/grpclb/picker"
	"github.com/Blackclaws/grpclb/resolver"
	"github.com/Blackclaws/grpclb/subchannel"
	"github.com/go-kit/log"
)

// Balancer reconciles resolved addresses into subchannels and publishes
// pickers. All methods may be called from any goroutine; implementations
// serialize their internal event processing.
type Balancer interface {
	// UpdateAddresses delivers a complete resolved address list. An empty
	// list is valid and removes every subchannel. Delivering the previous
	// list again is a no-op and does not republish the picker.
	UpdateAddresses([]resolver.Address)
	// ResolveError reports a resolution failure. If no addresses were ever
	// delivered, the balancer publishes an error picker carrying the
	// failure so calls fail with a useful error instead of hanging.
	ResolveError(error)
	// UpdateSubchannelState delivers a state transition of a subchannel
	// this balancer created. connErr carries the failure detail for
	// TransientFailure transitions and is nil otherwise.
	UpdateSubchannelState(sc subchannel.Subchannel, state connectivity.State, connErr error)
	// Close shuts down the balancer and every subchannel it owns. It is
	// idempotent and blocks until cleanup is complete.
	Close() error
}

// Factory creates balancers for a policy.
type Factory interface {
	// Name returns the policy name used for registration, e.g. "pick_first".
	Name() string
	// New creates a balancer. The balancer creates and removes subchannels
	// through the given pool and must call pool.UpdatePicker at least once.
	New(ctx context.Context, pool SubchannelPool, opts Options) Balancer
}

// SubchannelPool is the interface through which a balancer manipulates
// subchannels and publishes routing decisions; the channel implements it.
type SubchannelPool interface {
	// NewSubchannel creates a subchannel for the address, in the Idle
	// state. It returns false if the pool is shutting down.
	NewSubchannel(resolver.Address) (subchannel.Subchannel, bool)
	// RemoveSubchannel shuts the subchannel down and removes it from the
	// pool. It returns false if the subchannel was not present. The
	// balancer must stop routing to the subchannel before calling this.
	RemoveSubchannel(subchannel.Subchannel) bool
	// UpdatePicker atomically replaces the picker used to route calls.
	// usable is true when the picker can immediately return a ready
	// subchannel, false for error pickers.
	UpdatePicker(p picker.Picker, usable bool)
	// ResolveNow hints the resolver that fresh results are wanted, for
	// example after losing all usable backends.
	ResolveNow()
}

// Options carries cross-cutting construction parameters for balancers.
type Options struct {
	// Logger receives debug-level events. Nil means no logging.
	Logger log.Logger
	// Backoff configures the reconnect schedule after TransientFailure.
	Backoff BackoffConfig
}

func (o Options) logger() log.Logger {
	if o.Logger == nil {
		return log.NewNopLogger()
	}
	return o.Logger
}

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register makes a policy available by name to Get. Later registrations
// with the same name win. Typically called from init functions.
func Register(f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[f.Name()] = f
}

// Get returns the factory registered under name, or false.
func Get(name string) (Factory, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := registry[name]
	return f, ok
}

// Names returns all registered policy names, sorted.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
