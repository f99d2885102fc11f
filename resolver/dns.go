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
	"net"
	"time"

	"github.com/Blackclaws/grpclb/internal"
)

// defaultPort is appended to targets that name only a host.
const defaultPort = "443"

// ResolveProber is a single-shot name resolver, used as the backend of
// NewPollingResolver. The returned TTL bounds how long the result may be
// used before re-probing; zero means the poller's default TTL applies.
type ResolveProber interface {
	ResolveOnce(ctx context.Context, target string) (results []Address, ttl time.Duration, err error)
}

// NewDNSResolver creates a resolver that periodically re-resolves DNS names.
// The network parameter selects the address family and must be one of "ip",
// "ip4" or "ip6". Since net.Resolver does not expose record TTLs, results
// are refreshed on the fixed ttl given here.
func NewDNSResolver(netResolver *net.Resolver, network string, ttl time.Duration) Resolver {
	return NewPollingResolver(&dnsProber{resolver: netResolver, network: network}, ttl)
}

// NewPollingResolver creates a resolver that re-runs the given prober each
// time the previous result's TTL expires, or earlier when a refresh hint
// arrives. Results with no TTL use defaultTTL.
func NewPollingResolver(prober ResolveProber, defaultTTL time.Duration) Resolver {
	return &pollingResolver{
		prober:     prober,
		defaultTTL: defaultTTL,
		clock:      internal.NewRealClock(),
	}
}

type dnsProber struct {
	resolver *net.Resolver
	network  string
}

func (p *dnsProber) ResolveOnce(ctx context.Context, target string) ([]Address, time.Duration, error) {
	host, port, err := net.SplitHostPort(target)
	if err != nil {
		// Not a host:port pair; resolve the whole thing as a host.
		host = target
		port = defaultPort
	}
	ips, err := p.resolver.LookupNetIP(ctx, p.network, host)
	if err != nil {
		return nil, 0, err
	}
	results := make([]Address, len(ips))
	for i, ip := range ips {
		results[i].HostPort = net.JoinHostPort(ip.Unmap().String(), port)
	}
	return results, 0, nil
}

type pollingResolver struct {
	prober     ResolveProber
	defaultTTL time.Duration
	clock      internal.Clock
}

func (pr *pollingResolver) New(
	ctx context.Context,
	target string,
	receiver Receiver,
	refresh <-chan struct{},
) io.Closer {
	ctx, cancel := context.WithCancel(ctx)
	task := &pollingResolverTask{
		cancel:     cancel,
		doneSignal: make(chan struct{}),
	}
	go task.run(ctx, pr, target, receiver, refresh)
	return task
}

type pollingResolverTask struct {
	cancel     context.CancelFunc
	doneSignal chan struct{}
}

func (t *pollingResolverTask) Close() error {
	t.cancel()
	<-t.doneSignal
	return nil
}

func (t *pollingResolverTask) run(
	ctx context.Context,
	res *pollingResolver,
	target string,
	receiver Receiver,
	refresh <-chan struct{},
) {
	defer close(t.doneSignal)
	defer t.cancel()

	var timer internal.Timer
	for {
		addresses, ttl, err := res.prober.ResolveOnce(ctx, target)
		if err != nil {
			receiver.OnResolveError(err)
		} else {
			receiver.OnResolve(addresses)
		}

		if ttl == 0 {
			ttl = res.defaultTTL
		}
		if timer == nil {
			timer = res.clock.NewTimer(ttl)
		} else {
			// the timer is always stopped and drained here, so Reset is safe
			timer.Reset(ttl)
		}

		select {
		case <-ctx.Done():
			if !timer.Stop() {
				<-timer.Chan()
			}
			return
		case <-refresh:
			// Reset requires a stopped timer with a drained channel.
			if !timer.Stop() {
				<-timer.Chan()
			}
		case <-timer.Chan():
		}
	}
}
