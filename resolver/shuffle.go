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

package resolver

import (
	"context"
	"io"
	"math/rand"

	"github.com/Blackclaws/grpclb/internal"
)

// WithShuffle wraps a resolver so that every delivered address set is in
// random order. Ordering matters to order-sensitive policies such as
// pick-first: shuffling here spreads clients across backends instead of
// piling them all onto the first resolved address.
func WithShuffle(res Resolver) Resolver {
	return &shufflingResolver{res: res, rnd: internal.NewLockedRand()}
}

type shufflingResolver struct {
	res Resolver
	rnd *rand.Rand
}

func (r *shufflingResolver) New(
	ctx context.Context,
	target string,
	receiver Receiver,
	refresh <-chan struct{},
) io.Closer {
	return r.res.New(ctx, target, &shufflingReceiver{next: receiver, rnd: r.rnd}, refresh)
}

type shufflingReceiver struct {
	next Receiver
	rnd  *rand.Rand
}

func (r *shufflingReceiver) OnResolve(addresses []Address) {
	shuffled := make([]Address, len(addresses))
	copy(shuffled, addresses)
	r.rnd.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	r.next.OnResolve(shuffled)
}

func (r *shufflingReceiver) OnResolveError(err error) {
	r.next.OnResolveError(err)
}
