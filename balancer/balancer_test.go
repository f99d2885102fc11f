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

package balancer_test

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/Blackclaws/grpclb/balancer"
	"github.com/Blackclaws/grpclb/balancer/balancertesting"
	"github.com/Blackclaws/grpclb/connectivity"
	"github.com/Blackclaws/grpclb/picker"
	"github.com/Blackclaws/grpclb/resolver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fastBackoff keeps retry-related tests from sleeping for real.
var fastBackoff = balancer.BackoffConfig{
	InitialInterval: time.Millisecond,
	MaxInterval:     5 * time.Millisecond,
	Multiplier:      1.5,
	Jitter:          0,
}

func TestRegistry(t *testing.T) {
	t.Parallel()
	factory, ok := balancer.Get(balancer.RoundRobinName)
	require.True(t, ok)
	require.Equal(t, balancer.RoundRobinName, factory.Name())
	factory, ok = balancer.Get(balancer.PickFirstName)
	require.True(t, ok)
	require.Equal(t, balancer.PickFirstName, factory.Name())
	_, ok = balancer.Get("no-such-policy")
	require.False(t, ok)
	assert.Contains(t, balancer.Names(), balancer.RoundRobinName)
	assert.Contains(t, balancer.Names(), balancer.PickFirstName)
}

func TestRoundRobin_ConnectsEagerlyAndPublishes(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool := balancertesting.NewFakeSubchannelPool()
	bal := balancer.RoundRobinFactory.New(ctx, pool, balancer.Options{Backoff: fastBackoff})
	defer func() {
		require.NoError(t, bal.Close())
	}()

	bal.UpdateAddresses(addrs("1.2.3.1:443", "1.2.3.2:443", "1.2.3.3:443"))
	scs := awaitSubchannels(t, pool, 3)
	for _, sc := range scs {
		require.NoError(t, sc.AwaitConnectRequest(ctx))
	}

	// nothing ready yet, so the published picker must fail
	state := awaitPicker(t, pool, func(st balancertesting.PickerState) bool {
		return !st.Usable
	})
	_, err := state.Picker.Pick(picker.Info{})
	require.ErrorIs(t, err, picker.ErrUnavailable)

	scA := scByHost(t, scs, "1.2.3.1:443")
	scB := scByHost(t, scs, "1.2.3.2:443")

	bal.UpdateSubchannelState(scA, connectivity.Ready, nil)
	state = awaitPicker(t, pool, func(st balancertesting.PickerState) bool {
		return st.Usable
	})
	counts := pickHosts(state.Picker, 4)
	require.Equal(t, map[string]int{"1.2.3.1:443": 4}, counts)

	bal.UpdateSubchannelState(scB, connectivity.Ready, nil)
	state = awaitPicker(t, pool, func(st balancertesting.PickerState) bool {
		return st.Usable && len(pickHosts(st.Picker, 4)) == 2
	})
	counts = pickHosts(state.Picker, 6)
	require.Equal(t, map[string]int{"1.2.3.1:443": 3, "1.2.3.2:443": 3}, counts)
}

func TestRoundRobin_AddressDiff(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool := balancertesting.NewFakeSubchannelPool()
	bal := balancer.RoundRobinFactory.New(ctx, pool, balancer.Options{Backoff: fastBackoff})
	defer func() {
		require.NoError(t, bal.Close())
	}()

	bal.UpdateAddresses(addrs("1.2.3.1:443", "1.2.3.2:443"))
	scs := awaitSubchannels(t, pool, 2)
	scB := scByHost(t, scs, "1.2.3.2:443")
	require.NoError(t, scB.AwaitConnectRequest(ctx))
	connectsBefore := scB.ConnectCount()

	// B survives the diff untouched; A is removed, C is created
	bal.UpdateAddresses(addrs("1.2.3.2:443", "1.2.3.3:443"))
	scs = awaitSubchannels(t, pool, 2)
	require.Same(t, scB, scByHost(t, scs, "1.2.3.2:443"))
	require.Equal(t, connectsBefore, scB.ConnectCount())
	scC := scByHost(t, scs, "1.2.3.3:443")
	require.NoError(t, scC.AwaitConnectRequest(ctx))
}

func TestRoundRobin_FailureTriggersResolveAndRetry(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool := balancertesting.NewFakeSubchannelPool()
	bal := balancer.RoundRobinFactory.New(ctx, pool, balancer.Options{Backoff: fastBackoff})
	defer func() {
		require.NoError(t, bal.Close())
	}()

	bal.UpdateAddresses(addrs("1.2.3.1:443"))
	scs := awaitSubchannels(t, pool, 1)
	scA := scs[0]
	require.NoError(t, scA.AwaitConnectRequest(ctx))

	bal.UpdateSubchannelState(scA, connectivity.Ready, nil)
	awaitPicker(t, pool, func(st balancertesting.PickerState) bool {
		return st.Usable
	})

	connErr := errors.New("connection refused")
	bal.UpdateSubchannelState(scA, connectivity.TransientFailure, connErr)
	state := awaitPicker(t, pool, func(st balancertesting.PickerState) bool {
		return !st.Usable
	})
	_, err := state.Picker.Pick(picker.Info{})
	require.ErrorIs(t, err, picker.ErrUnavailable)
	require.ErrorIs(t, err, connErr)

	_, err = pool.AwaitResolveNow(ctx)
	require.NoError(t, err)

	// the backoff timer asks the subchannel to reconnect
	require.NoError(t, scA.AwaitConnectRequest(ctx))
}

func TestRoundRobin_SuppressesRedundantFailurePublishes(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool := balancertesting.NewFakeSubchannelPool()
	bal := balancer.RoundRobinFactory.New(ctx, pool, balancer.Options{Backoff: fastBackoff})
	defer func() {
		require.NoError(t, bal.Close())
	}()

	bal.UpdateAddresses(addrs("1.2.3.1:443", "1.2.3.2:443"))
	scs := awaitSubchannels(t, pool, 2)
	scA := scByHost(t, scs, "1.2.3.1:443")
	scB := scByHost(t, scs, "1.2.3.2:443")
	require.NoError(t, scA.AwaitConnectRequest(ctx))
	require.NoError(t, scB.AwaitConnectRequest(ctx))

	connErr := errors.New("connection refused")
	bal.UpdateSubchannelState(scA, connectivity.TransientFailure, connErr)
	state := awaitPicker(t, pool, func(st balancertesting.PickerState) bool {
		_, err := st.Picker.Pick(picker.Info{})
		return errors.Is(err, connErr)
	})
	require.False(t, state.Usable)

	// B failing too leaves the published failure unchanged, so nothing is
	// republished and no extra refresh hint goes out; its backoff-driven
	// reconnect request doubles as proof the event was processed
	bal.UpdateSubchannelState(scB, connectivity.TransientFailure, nil)
	require.NoError(t, scB.AwaitConnectRequest(ctx))

	bal.UpdateSubchannelState(scB, connectivity.Ready, nil)
	awaitPicker(t, pool, func(st balancertesting.PickerState) bool {
		return st.Usable
	})

	// exactly three publishes: no addresses ready, A's failure detail,
	// and the usable picker once B recovers
	require.Equal(t, 3, pool.PickerUpdateCount())
	require.Equal(t, 2, pool.ResolveNowCount())
}

func TestPickFirst_SequentialScan(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool := balancertesting.NewFakeSubchannelPool()
	bal := balancer.PickFirstFactory.New(ctx, pool, balancer.Options{Backoff: fastBackoff})
	defer func() {
		require.NoError(t, bal.Close())
	}()

	bal.UpdateAddresses(addrs("1.2.3.1:443", "1.2.3.2:443"))
	scs := awaitSubchannels(t, pool, 2)
	scA := scByHost(t, scs, "1.2.3.1:443")
	scB := scByHost(t, scs, "1.2.3.2:443")

	// only the first address is tried at first
	require.NoError(t, scA.AwaitConnectRequest(ctx))
	require.Zero(t, scB.ConnectCount())

	bal.UpdateSubchannelState(scA, connectivity.TransientFailure, errors.New("unreachable"))
	require.NoError(t, scB.AwaitConnectRequest(ctx))

	bal.UpdateSubchannelState(scB, connectivity.Ready, nil)
	state := awaitPicker(t, pool, func(st balancertesting.PickerState) bool {
		return st.Usable
	})
	counts := pickHosts(state.Picker, 3)
	require.Equal(t, map[string]int{"1.2.3.2:443": 3}, counts)

	// losing the ready subchannel restarts the scan after it and
	// triggers re-resolution
	bal.UpdateSubchannelState(scB, connectivity.Idle, nil)
	state = awaitPicker(t, pool, func(st balancertesting.PickerState) bool {
		return !st.Usable
	})
	_, err := state.Picker.Pick(picker.Info{})
	require.ErrorIs(t, err, picker.ErrUnavailable)
	_, err = pool.AwaitResolveNow(ctx)
	require.NoError(t, err)
	require.NoError(t, scA.AwaitConnectRequest(ctx))
}

func TestPickFirst_FullCycleRetriesAfterBackoff(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool := balancertesting.NewFakeSubchannelPool()
	bal := balancer.PickFirstFactory.New(ctx, pool, balancer.Options{Backoff: fastBackoff})
	defer func() {
		require.NoError(t, bal.Close())
	}()

	bal.UpdateAddresses(addrs("1.2.3.1:443"))
	scs := awaitSubchannels(t, pool, 1)
	scA := scs[0]
	require.NoError(t, scA.AwaitConnectRequest(ctx))

	bal.UpdateSubchannelState(scA, connectivity.TransientFailure, errors.New("unreachable"))
	state := awaitPicker(t, pool, func(st balancertesting.PickerState) bool {
		return !st.Usable
	})
	_, err := state.Picker.Pick(picker.Info{})
	require.ErrorIs(t, err, picker.ErrUnavailable)
	_, err = pool.AwaitResolveNow(ctx)
	require.NoError(t, err)

	// next cycle starts after the backoff interval
	require.NoError(t, scA.AwaitConnectRequest(ctx))
}

func TestGracefulSwitch(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool := balancertesting.NewFakeSubchannelPool()
	opts := balancer.Options{Backoff: fastBackoff}
	gs := balancer.NewGracefulSwitch(ctx, pool, opts, balancer.RoundRobinFactory, time.Minute)
	defer func() {
		require.NoError(t, gs.Close())
	}()
	require.Equal(t, balancer.RoundRobinName, gs.PolicyName())

	gs.UpdateAddresses(addrs("1.2.3.1:443", "1.2.3.2:443"))
	scs := awaitSubchannels(t, pool, 2)
	scA := scByHost(t, scs, "1.2.3.1:443")
	require.NoError(t, scA.AwaitConnectRequest(ctx))

	gs.UpdateSubchannelState(scA, connectivity.Ready, nil)
	awaitPicker(t, pool, func(st balancertesting.PickerState) bool {
		return st.Usable && len(pickHosts(st.Picker, 2)) == 1
	})

	// switching creates a second set of subchannels while the old
	// policy keeps serving
	require.NoError(t, gs.SwitchTo(balancer.PickFirstFactory))
	scs = awaitSubchannels(t, pool, 4)
	var pendingA *balancertesting.FakeSubchannel
	for _, sc := range scs {
		if sc.Index > 2 && sc.Address().HostPort == "1.2.3.1:443" {
			pendingA = sc
		}
	}
	require.NotNil(t, pendingA)
	require.Equal(t, balancer.RoundRobinName, gs.PolicyName())

	st := pool.LatestPicker()
	require.True(t, st.Usable)

	// once the new policy has a ready subchannel the swap happens and
	// the old policy's subchannels are torn down
	require.NoError(t, pendingA.AwaitConnectRequest(ctx))
	gs.UpdateSubchannelState(pendingA, connectivity.Ready, nil)
	awaitPicker(t, pool, func(st balancertesting.PickerState) bool {
		if !st.Usable {
			return false
		}
		sc, err := st.Picker.Pick(picker.Info{})
		return err == nil && sc == pendingA
	})
	require.Equal(t, balancer.PickFirstName, gs.PolicyName())
	for {
		snapshot, err := pool.AwaitSubchannelUpdate(ctx)
		require.NoError(t, err)
		if len(snapshot) == 2 && !snapshot.Contains(scA) {
			break
		}
	}

	// switching to the active policy is a no-op
	require.NoError(t, gs.SwitchTo(balancer.PickFirstFactory))
	require.Equal(t, balancer.PickFirstName, gs.PolicyName())
}

func TestGracefulSwitch_GracePeriodForcesSwap(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool := balancertesting.NewFakeSubchannelPool()
	opts := balancer.Options{Backoff: fastBackoff}
	gs := balancer.NewGracefulSwitch(ctx, pool, opts, balancer.RoundRobinFactory, 20*time.Millisecond)
	defer func() {
		require.NoError(t, gs.Close())
	}()

	gs.UpdateAddresses(addrs("1.2.3.1:443"))
	scs := awaitSubchannels(t, pool, 1)
	gs.UpdateSubchannelState(scs[0], connectivity.Ready, nil)
	awaitPicker(t, pool, func(st balancertesting.PickerState) bool {
		return st.Usable
	})

	// the new policy never becomes usable, so the grace period expires
	// and the swap proceeds with whatever the new policy last published
	require.NoError(t, gs.SwitchTo(balancer.PickFirstFactory))
	awaitPicker(t, pool, func(st balancertesting.PickerState) bool {
		return !st.Usable
	})
	require.Equal(t, balancer.PickFirstName, gs.PolicyName())
}

func addrs(hostPorts ...string) []resolver.Address {
	result := make([]resolver.Address, len(hostPorts))
	for i, hostPort := range hostPorts {
		result[i] = resolver.Address{HostPort: hostPort}
	}
	return result
}

// awaitSubchannels waits until the pool's active set reaches the given
// size and returns the subchannels ordered by creation.
func awaitSubchannels(t *testing.T, pool *balancertesting.FakeSubchannelPool, count int) []*balancertesting.FakeSubchannel {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		snapshot := pool.SnapshotSubchannels()
		if len(snapshot) == count {
			result := make([]*balancertesting.FakeSubchannel, 0, count)
			for sc := range snapshot {
				fake, ok := sc.(*balancertesting.FakeSubchannel)
				require.True(t, ok)
				result = append(result, fake)
			}
			sort.Slice(result, func(i, j int) bool {
				return result[i].Index < result[j].Index
			})
			return result
		}
		if _, err := pool.AwaitSubchannelUpdate(ctx); err != nil {
			t.Fatalf("timed out waiting for %d subchannels, have %d", count, len(snapshot))
		}
	}
}

// awaitPicker waits until a published picker satisfies the predicate.
func awaitPicker(t *testing.T, pool *balancertesting.FakeSubchannelPool, pred func(balancertesting.PickerState) bool) balancertesting.PickerState {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		state := pool.LatestPicker()
		if state.Picker != nil && pred(state) {
			return state
		}
		if _, err := pool.AwaitPickerUpdate(ctx); err != nil {
			t.Fatal("timed out waiting for picker update")
		}
	}
}

func scByHost(t *testing.T, scs []*balancertesting.FakeSubchannel, hostPort string) *balancertesting.FakeSubchannel {
	t.Helper()
	for _, sc := range scs {
		if sc.Address().HostPort == hostPort {
			return sc
		}
	}
	t.Fatalf("no subchannel for %s", hostPort)
	return nil
}

// pickHosts makes n picks and tallies them by address. Pick errors are
// ignored so this can be used inside await predicates.
func pickHosts(p picker.Picker, n int) map[string]int {
	counts := map[string]int{}
	for i := 0; i < n; i++ {
		sc, err := p.Pick(picker.Info{})
		if err != nil {
			continue
		}
		counts[sc.Address().HostPort]++
	}
	return counts
}
