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

// Package resolver defines how logical target names become backend address
// lists. The engine only consumes the push-based [Resolver] interface; this
// package also ships ready-made implementations: a static list, a polling
// DNS resolver, and a watch-based etcd resolver.
package resolver

import (
	"context"
	"io"

	"github.com/Blackclaws/grpclb/attribute"
)

// Address is one resolved backend address. Identity is the host:port pair;
// attributes are opaque resolver-provided metadata. Two addresses with equal
// HostPort but different attributes describe the same backend, and the
// engine updates attributes in place rather than reconnecting.
type Address struct {
	// HostPort is the "host:port" of the backend.
	HostPort string

	// Attributes carries arbitrary metadata attached by the resolver.
	Attributes attribute.Values
}

// Resolver is a factory for continuous name-resolution tasks.
type Resolver interface {
	// New starts a resolution task for the given target. The task pushes
	// complete address sets (never deltas) to the receiver as they become
	// known, and keeps watching for changes until the context is cancelled
	// or the returned value is closed.
	//
	// The refresh channel carries hints from the channel that it wants
	// fresh results, for example because it ran out of usable backends.
	// Implementations may ignore it. The channel is not closed until after
	// Close returns.
	//
	// After Close returns there must be no further calls to the receiver.
	New(
		ctx context.Context,
		target string,
		receiver Receiver,
		refresh <-chan struct{},
	) io.Closer
}

// Receiver consumes resolution results.
type Receiver interface {
	// OnResolve delivers the full set of resolved addresses. It may be
	// called any number of times, at any frequency, including with a list
	// identical to the previous one or with an empty list.
	OnResolve([]Address)
	// OnResolveError reports a resolution failure. Resolution keeps running
	// after an error; the receiver decides whether stale addresses remain
	// usable.
	OnResolveError(error)
}
