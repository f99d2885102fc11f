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

package grpclb

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Blackclaws/grpclb/balancer"
	"github.com/Blackclaws/grpclb/connectivity"
	"github.com/Blackclaws/grpclb/picker"
	"github.com/Blackclaws/grpclb/resolver"
	"github.com/stretchr/testify/require"
)

var fastBackoff = balancer.BackoffConfig{
	InitialInterval: time.Millisecond,
	MaxInterval:     5 * time.Millisecond,
}

func TestNewChannel_UnknownPolicy(t *testing.T) {
	t.Parallel()
	_, err := NewChannel("foo.example.com:443", WithPolicy("no-such-policy"))
	require.ErrorContains(t, err, "no-such-policy")
}

func TestChannel_PickFirst(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	transports := newFakeTransportFactory()
	channel, err := NewChannel("test-target",
		WithResolver(resolver.NewStaticResolver(
			resolver.Address{HostPort: "1.2.3.1:443"},
			resolver.Address{HostPort: "1.2.3.2:443"},
		)),
		WithTransportFactory(transports),
		WithPolicy(balancer.PickFirstName),
		WithBackoffConfig(fastBackoff),
	)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, channel.Shutdown())
	}()
	require.Equal(t, "test-target", channel.Target())

	// pick-first tries the addresses in order, one at a time
	transportA := transports.awaitConnect(t, ctx)
	require.Equal(t, "1.2.3.1:443", transportA.hostPort)
	transportA.succeed()
	awaitState(t, ctx, channel, connectivity.Ready)

	sc, err := channel.Pick(picker.Info{Method: "/test.Service/Do"})
	require.NoError(t, err)
	require.Equal(t, "1.2.3.1:443", sc.Address().HostPort)

	// losing the connection fails over to the next address
	transportA.lose(errors.New("connection reset"))
	transportB := transports.awaitConnect(t, ctx)
	require.Equal(t, "1.2.3.2:443", transportB.hostPort)
	transportB.succeed()
	awaitPick(t, ctx, channel, "1.2.3.2:443")
	awaitState(t, ctx, channel, connectivity.Ready)
}

func TestChannel_RoundRobin(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	transports := newFakeTransportFactory()
	channel, err := NewChannel("test-target",
		WithResolver(resolver.NewStaticResolver(
			resolver.Address{HostPort: "1.2.3.1:443"},
			resolver.Address{HostPort: "1.2.3.2:443"},
		)),
		WithTransportFactory(transports),
		WithPolicy(balancer.RoundRobinName),
		WithBackoffConfig(fastBackoff),
	)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, channel.Shutdown())
	}()

	// round-robin connects to every address eagerly
	first := transports.awaitConnect(t, ctx)
	second := transports.awaitConnect(t, ctx)
	first.succeed()
	second.succeed()
	awaitState(t, ctx, channel, connectivity.Ready)

	// picks eventually spread across both backends
	awaitPickSpread(t, ctx, channel, 2)
}

func TestChannel_UpdatePolicy(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	transports := newFakeTransportFactory()
	channel, err := NewChannel("test-target",
		WithResolver(resolver.NewStaticResolver(
			resolver.Address{HostPort: "1.2.3.1:443"},
			resolver.Address{HostPort: "1.2.3.2:443"},
		)),
		WithTransportFactory(transports),
		WithPolicy(balancer.PickFirstName),
		WithBackoffConfig(fastBackoff),
		WithSwitchGracePeriod(time.Minute),
	)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, channel.Shutdown())
	}()

	transportA := transports.awaitConnect(t, ctx)
	transportA.succeed()
	awaitState(t, ctx, channel, connectivity.Ready)

	require.ErrorContains(t, channel.UpdatePolicy("no-such-policy"), "no-such-policy")

	// the old policy keeps serving until the new one is usable
	require.NoError(t, channel.UpdatePolicy(balancer.RoundRobinName))
	sc, err := channel.Pick(picker.Info{})
	require.NoError(t, err)
	require.Equal(t, "1.2.3.1:443", sc.Address().HostPort)

	first := transports.awaitConnect(t, ctx)
	second := transports.awaitConnect(t, ctx)
	first.succeed()
	second.succeed()
	awaitPickSpread(t, ctx, channel, 2)
}

func TestChannel_ResolveErrorFailsPicksEarly(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resolveErr := errors.New("NXDOMAIN")
	channel, err := NewChannel("bad-target",
		WithResolver(failingResolver{err: resolveErr}),
		WithTransportFactory(newFakeTransportFactory()),
	)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, channel.Shutdown())
	}()

	for {
		_, err := channel.Pick(picker.Info{})
		require.Error(t, err)
		if errors.Is(err, resolveErr) {
			return
		}
		select {
		case <-ctx.Done():
			t.Fatalf("pick error never carried the resolution failure, last: %v", err)
		case <-time.After(time.Millisecond):
		}
	}
}

func TestChannel_Shutdown(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	transports := newFakeTransportFactory()
	channel, err := NewChannel("test-target",
		WithResolver(resolver.NewStaticResolver(resolver.Address{HostPort: "1.2.3.1:443"})),
		WithTransportFactory(transports),
		WithBackoffConfig(fastBackoff),
	)
	require.NoError(t, err)

	transportA := transports.awaitConnect(t, ctx)
	transportA.succeed()
	awaitState(t, ctx, channel, connectivity.Ready)

	require.NoError(t, channel.Shutdown())
	require.Equal(t, connectivity.Shutdown, channel.GetState())
	_, err = channel.Pick(picker.Info{})
	require.ErrorIs(t, err, ErrChannelShutdown)
	require.True(t, transportA.isClosed())

	// idempotent
	require.NoError(t, channel.Shutdown())
}

func TestChannel_PublishAfterShutdownIgnored(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	transports := newFakeTransportFactory()
	channel, err := NewChannel("test-target",
		WithResolver(resolver.NewStaticResolver(resolver.Address{HostPort: "1.2.3.1:443"})),
		WithTransportFactory(transports),
		WithBackoffConfig(fastBackoff),
	)
	require.NoError(t, err)

	transportA := transports.awaitConnect(t, ctx)
	transportA.succeed()
	awaitState(t, ctx, channel, connectivity.Ready)
	require.NoError(t, channel.Shutdown())

	// a balancer publish that raced with the shutdown must not displace
	// the shutdown picker
	channel.UpdatePicker(picker.ErrorPicker(errors.New("late publish")), true)
	_, err = channel.Pick(picker.Info{})
	require.ErrorIs(t, err, ErrChannelShutdown)
}

// awaitState waits for the channel's aggregate state to reach want.
func awaitState(t *testing.T, ctx context.Context, channel *Channel, want connectivity.State) {
	t.Helper()
	for {
		current := channel.GetState()
		if current == want {
			return
		}
		if !channel.WaitForStateChange(ctx, current) {
			t.Fatalf("timed out waiting for state %v, still %v", want, current)
		}
	}
}

// awaitPick waits until picks succeed and land on the given address.
func awaitPick(t *testing.T, ctx context.Context, channel *Channel, hostPort string) {
	t.Helper()
	for {
		sc, err := channel.Pick(picker.Info{})
		if err == nil && sc.Address().HostPort == hostPort {
			return
		}
		select {
		case <-ctx.Done():
			t.Fatalf("timed out waiting for picks to reach %s", hostPort)
		case <-time.After(time.Millisecond):
		}
	}
}

// awaitPickSpread waits until consecutive picks cover the given number of
// distinct backends.
func awaitPickSpread(t *testing.T, ctx context.Context, channel *Channel, distinct int) {
	t.Helper()
	for {
		seen := map[string]struct{}{}
		for i := 0; i < distinct*2; i++ {
			sc, err := channel.Pick(picker.Info{})
			if err != nil {
				break
			}
			seen[sc.Address().HostPort] = struct{}{}
		}
		if len(seen) == distinct {
			return
		}
		select {
		case <-ctx.Done():
			t.Fatalf("timed out waiting for picks to spread across %d backends, saw %d", distinct, len(seen))
		case <-time.After(time.Millisecond):
		}
	}
}

// fakeTransportFactory produces transports whose connection attempts block
// until the test resolves them with succeed or fail.
type fakeTransportFactory struct {
	connects chan *fakeTransport
}

func newFakeTransportFactory() *fakeTransportFactory {
	return &fakeTransportFactory{connects: make(chan *fakeTransport, 16)}
}

func (f *fakeTransportFactory) New(hostPort string) Transport {
	return &fakeTransport{
		hostPort: hostPort,
		factory:  f,
		release:  make(chan error, 1),
		lost:     make(chan error, 1),
	}
}

// awaitConnect returns the next transport whose Connect was called.
func (f *fakeTransportFactory) awaitConnect(t *testing.T, ctx context.Context) *fakeTransport {
	t.Helper()
	select {
	case <-ctx.Done():
		t.Fatal("timed out waiting for a connection attempt")
		return nil
	case transport := <-f.connects:
		return transport
	}
}

type fakeTransport struct {
	hostPort string
	factory  *fakeTransportFactory
	release  chan error
	lost     chan error
	closed   atomic.Bool
}

func (t *fakeTransport) Connect(ctx context.Context) error {
	t.factory.connects <- t
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-t.release:
		return err
	}
}

func (t *fakeTransport) Lost() <-chan error {
	return t.lost
}

func (t *fakeTransport) Close() error {
	t.closed.Store(true)
	return nil
}

func (t *fakeTransport) succeed() {
	t.release <- nil
}

func (t *fakeTransport) fail(err error) {
	t.release <- err
}

func (t *fakeTransport) lose(err error) {
	t.lost <- err
}

func (t *fakeTransport) isClosed() bool {
	return t.closed.Load()
}

// failingResolver reports the same error on every attempt and never
// produces addresses.
type failingResolver struct {
	err error
}

func (r failingResolver) New(
	ctx context.Context,
	_ string,
	receiver resolver.Receiver,
	refresh <-chan struct{},
) io.Closer {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		receiver.OnResolveError(r.err)
		for {
			select {
			case <-ctx.Done():
				return
			case <-refresh:
				receiver.OnResolveError(r.err)
			}
		}
	}()
	return closerFunc(func() error {
		cancel()
		<-done
		return nil
	})
}

type closerFunc func() error

func (f closerFunc) Close() error {
	return f()
}
