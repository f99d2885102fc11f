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

// Package subchannel defines the representation of one logical connection
// to a single backend address. Subchannels are created and owned by a load
// balancer; pickers hold non-owning references to them.
package subchannel

import (
	"github.com/Blackclaws/grpclb/attribute"
	"github.com/Blackclaws/grpclb/connectivity"
	"github.com/Blackclaws/grpclb/resolver"
)

// Subchannel is a logical connection to one resolved address, with its own
// connectivity state. The concrete implementation wraps a transport; callers
// of the channel receive Subchannels from picks and hand them to the
// call-invocation layer.
type Subchannel interface {
	// Address returns the resolved address this subchannel targets.
	Address() resolver.Address
	// State returns the current connectivity state. It never blocks.
	State() connectivity.State
	// RequestConnection asks the subchannel to establish its transport. It
	// is a no-op unless the subchannel is Idle or in TransientFailure; it
	// never blocks, the connection attempt proceeds asynchronously.
	RequestConnection()
	// UpdateAttributes replaces the attributes on the subchannel's address.
	// The engine calls this when a resolver update changes only the
	// metadata of an otherwise-unchanged address.
	UpdateAttributes(attribute.Values)
}

// Subchannels is a read-only ordered collection of subchannels.
type Subchannels interface {
	Len() int
	Get(i int) Subchannel
}

// FromSlice returns a Subchannels view over the given slice. No defensive
// copy is made.
func FromSlice(scs []Subchannel) Subchannels {
	return collection(scs)
}

type collection []Subchannel

func (c collection) Len() int {
	return len(c)
}

func (c collection) Get(i int) Subchannel {
	return c[i]
}

// Set is an unordered set of subchannels.
type Set map[Subchannel]struct{}

// SetFromSlice builds a Set from the given subchannels.
func SetFromSlice(scs []Subchannel) Set {
	set := make(Set, len(scs))
	for _, sc := range scs {
		set[sc] = struct{}{}
	}
	return set
}

// Contains reports whether sc is in the set.
func (s Set) Contains(sc Subchannel) bool {
	_, ok := s[sc]
	return ok
}

// Equals reports whether s and other have the same members.
func (s Set) Equals(other Set) bool {
	if len(s) != len(other) {
		return false
	}
	for sc := range s {
		if _, ok := other[sc]; !ok {
			return false
		}
	}
	return true
}
