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
)

// NewStaticResolver returns a resolver that always produces the given
// addresses, ignoring the target name. The set is pushed once at start and
// again on every refresh hint, so a channel that lost all its backends still
// gets a (identical) result to reconcile against.
func NewStaticResolver(addresses ...Address) Resolver {
	return &staticResolver{addresses: addresses}
}

type staticResolver struct {
	addresses []Address
}

func (r *staticResolver) New(
	ctx context.Context,
	_ string,
	receiver Receiver,
	refresh <-chan struct{},
) io.Closer {
	ctx, cancel := context.WithCancel(ctx)
	task := &staticResolverTask{
		cancel:     cancel,
		doneSignal: make(chan struct{}),
	}
	go func() {
		defer close(task.doneSignal)
		for {
			addrs := make([]Address, len(r.addresses))
			copy(addrs, r.addresses)
			receiver.OnResolve(addrs)
			select {
			case <-ctx.Done():
				return
			case <-refresh:
			}
		}
	}()
	return task
}

type staticResolverTask struct {
	cancel     context.CancelFunc
	doneSignal chan struct{}
}

func (t *staticResolverTask) Close() error {
	t.cancel()
	<-t.doneSignal
	return nil
}
