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
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Blackclaws/grpclb/balancer"
	"github.com/Blackclaws/grpclb/connectivity"
	"github.com/Blackclaws/grpclb/internal"
	"github.com/Blackclaws/grpclb/picker"
	"github.com/Blackclaws/grpclb/resolver"
	"github.com/Blackclaws/grpclb/subchannel"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

//nolint:gochecknoglobals
var (
	defaultNameTTL  = 5 * time.Minute
	defaultResolver = resolver.NewDNSResolver(net.DefaultResolver, "ip", defaultNameTTL)
)

// ErrChannelShutdown is returned by picks against a channel that has been
// shut down.
var ErrChannelShutdown = errors.New("channel is shut down")

// ChannelOption is an option used to customize the behavior of a channel.
type ChannelOption interface {
	apply(*channelOptions)
}

// WithRootContext configures the root context used for any background
// goroutines that a channel may create. If not specified,
// [context.Background] is used.
//
// The context should only be cancelled after the channel is no longer in
// use, and may be used to eagerly free any associated resources.
func WithRootContext(ctx context.Context) ChannelOption {
	return channelOptionFunc(func(opts *channelOptions) {
		opts.rootCtx = ctx
	})
}

// WithResolver configures the channel to use the given resolver, which is
// how the target name is resolved into individual backend addresses.
//
// If not provided, the default resolver resolves A and AAAA records using
// net.DefaultResolver.
func WithResolver(res resolver.Resolver) ChannelOption {
	return channelOptionFunc(func(opts *channelOptions) {
		opts.resolver = res
	})
}

// WithTransportFactory configures the channel to use the given factory to
// create transports for its subchannels. If not provided, plain TCP
// transports are used.
func WithTransportFactory(transports TransportFactory) ChannelOption {
	return channelOptionFunc(func(opts *channelOptions) {
		opts.transports = transports
	})
}

// WithPolicy selects the initial load balancing policy by name. The name
// must be registered with the balancer package. If not provided,
// "pick_first" is used. The policy can be replaced later with
// [Channel.UpdatePolicy].
func WithPolicy(name string) ChannelOption {
	return channelOptionFunc(func(opts *channelOptions) {
		opts.policy = name
	})
}

// WithConnectTimeout limits the duration of each connection attempt a
// subchannel makes. If not provided, a default of 20 seconds is used. Zero
// means no timeout.
func WithConnectTimeout(duration time.Duration) ChannelOption {
	return channelOptionFunc(func(opts *channelOptions) {
		opts.connectTimeout = duration
		opts.connectTimeoutSet = true
	})
}

// WithBackoffConfig configures the reconnect backoff schedule applied by
// balancers after a subchannel enters TransientFailure.
func WithBackoffConfig(config balancer.BackoffConfig) ChannelOption {
	return channelOptionFunc(func(opts *channelOptions) {
		opts.backoff = config
	})
}

// WithLogger configures structured debug logging for the channel and its
// subchannels. If not provided, logging is disabled.
func WithLogger(logger log.Logger) ChannelOption {
	return channelOptionFunc(func(opts *channelOptions) {
		opts.logger = logger
	})
}

// WithSwitchGracePeriod bounds how long a policy switch started by
// [Channel.UpdatePolicy] waits for the new policy to become usable before
// the switch proceeds anyway. If not provided, 10 seconds is used.
func WithSwitchGracePeriod(duration time.Duration) ChannelOption {
	return channelOptionFunc(func(opts *channelOptions) {
		opts.switchGracePeriod = duration
	})
}

// WithResolveRefreshMinInterval throttles how often balancers can hint the
// resolver to refresh, for example after losing all usable backends. If
// not provided, at most one hint per second is forwarded.
func WithResolveRefreshMinInterval(duration time.Duration) ChannelOption {
	return channelOptionFunc(func(opts *channelOptions) {
		opts.resolveMinInterval = duration
	})
}

type channelOptionFunc func(*channelOptions)

func (f channelOptionFunc) apply(opts *channelOptions) {
	f(opts)
}

type channelOptions struct {
	rootCtx            context.Context
	resolver           resolver.Resolver
	transports         TransportFactory
	policy             string
	connectTimeout     time.Duration
	connectTimeoutSet  bool
	backoff            balancer.BackoffConfig
	logger             log.Logger
	switchGracePeriod  time.Duration
	resolveMinInterval time.Duration
}

func (opts *channelOptions) applyDefaults() {
	if opts.rootCtx == nil {
		opts.rootCtx = context.Background()
	}
	if opts.resolver == nil {
		opts.resolver = defaultResolver
	}
	if opts.transports == nil {
		opts.transports = NewTCPTransportFactory(nil)
	}
	if opts.policy == "" {
		opts.policy = balancer.PickFirstName
	}
	if !opts.connectTimeoutSet {
		opts.connectTimeout = 20 * time.Second
	}
	if opts.logger == nil {
		opts.logger = log.NewNopLogger()
	}
	if opts.switchGracePeriod <= 0 {
		opts.switchGracePeriod = 10 * time.Second
	}
	if opts.resolveMinInterval <= 0 {
		opts.resolveMinInterval = time.Second
	}
}

// Channel ties the pieces together for one target: it runs the resolver,
// hosts the balancer, owns the subchannels the balancer creates, and
// routes picks through the balancer's latest picker. Create one with
// [NewChannel] and release it with [Channel.Shutdown].
type Channel struct {
	target string
	//nolint:containedctx
	ctx            context.Context
	cancel         context.CancelFunc
	logger         log.Logger
	clock          internal.Clock
	transports     TransportFactory
	connectTimeout time.Duration

	balancer       *balancer.GracefulSwitch
	resolverCloser io.Closer
	refreshCh      chan struct{}
	resolveLimiter *rate.Limiter

	picker atomic.Pointer[pickerState]

	mu           sync.Mutex
	scs          map[subchannel.Subchannel]connectivity.State
	eval         connectivity.Evaluator
	aggState     connectivity.State
	stateChanged chan struct{}
	closed       bool

	shutdownOnce sync.Once
	shutdownErr  error
}

type pickerState struct {
	picker picker.Picker
	usable bool
}

var (
	_ balancer.SubchannelPool = (*Channel)(nil)
	_ resolver.Receiver       = (*Channel)(nil)
)

// NewChannel creates a channel for the given target and starts resolving
// it in the background. The target is passed verbatim to the resolver;
// for the default DNS resolver it is a "host:port" or bare hostname.
func NewChannel(target string, options ...ChannelOption) (*Channel, error) {
	var opts channelOptions
	for _, option := range options {
		option.apply(&opts)
	}
	opts.applyDefaults()

	factory, ok := balancer.Get(opts.policy)
	if !ok {
		return nil, fmt.Errorf("unknown load balancing policy %q", opts.policy)
	}

	ctx, cancel := context.WithCancel(opts.rootCtx)
	c := &Channel{
		target:         target,
		ctx:            ctx,
		cancel:         cancel,
		logger:         opts.logger,
		clock:          internal.NewRealClock(),
		transports:     opts.transports,
		connectTimeout: opts.connectTimeout,
		refreshCh:      make(chan struct{}, 1),
		resolveLimiter: rate.NewLimiter(rate.Every(opts.resolveMinInterval), 1),
		scs:            map[subchannel.Subchannel]connectivity.State{},
		aggState:       connectivity.Idle,
		stateChanged:   make(chan struct{}),
	}
	c.picker.Store(&pickerState{picker: picker.ErrorPicker(picker.UnavailableError(nil))})
	c.balancer = balancer.NewGracefulSwitch(
		ctx,
		c,
		balancer.Options{Logger: opts.logger, Backoff: opts.backoff},
		factory,
		opts.switchGracePeriod,
	)
	c.resolverCloser = opts.resolver.New(ctx, target, c, c.refreshCh)
	return c, nil
}

// Target returns the target this channel was created for.
func (c *Channel) Target() string {
	return c.target
}

// Pick selects a ready subchannel for a call using the current picker.
// Before the resolver has produced addresses, and whenever no backend is
// ready, it fails with an error wrapping [picker.ErrUnavailable]. After
// Shutdown it fails with [ErrChannelShutdown].
func (c *Channel) Pick(info picker.Info) (subchannel.Subchannel, error) {
	return c.picker.Load().picker.Pick(info)
}

// GetState returns the channel's aggregate connectivity state, computed
// across all current subchannels.
func (c *Channel) GetState() connectivity.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return connectivity.Shutdown
	}
	return c.eval.CurrentState()
}

// WaitForStateChange blocks until the aggregate state differs from source
// or the context is done. It returns false on context expiry.
func (c *Channel) WaitForStateChange(ctx context.Context, source connectivity.State) bool {
	for {
		c.mu.Lock()
		current := c.eval.CurrentState()
		if c.closed {
			current = connectivity.Shutdown
		}
		changed := c.stateChanged
		c.mu.Unlock()
		if current != source {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-changed:
		}
	}
}

// UpdatePolicy replaces the load balancing policy at runtime. The current
// policy keeps serving picks until the new one is ready, so no calls fail
// during the switch.
func (c *Channel) UpdatePolicy(name string) error {
	factory, ok := balancer.Get(name)
	if !ok {
		return fmt.Errorf("unknown load balancing policy %q", name)
	}
	return c.balancer.SwitchTo(factory)
}

// Shutdown releases the channel: it stops the resolver, closes the
// balancer and every subchannel, and fails all subsequent picks with
// [ErrChannelShutdown]. It is idempotent and blocks until cleanup is
// complete.
func (c *Channel) Shutdown() error {
	c.shutdownOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		close(c.stateChanged)
		c.stateChanged = make(chan struct{})
		// stored under the lock so a concurrent balancer publish cannot
		// land after this and route picks to shut-down subchannels
		c.picker.Store(&pickerState{picker: picker.ErrorPicker(ErrChannelShutdown)})
		c.mu.Unlock()

		grp, _ := errgroup.WithContext(context.Background())
		grp.Go(c.resolverCloser.Close)
		grp.Go(c.balancer.Close)
		c.shutdownErr = grp.Wait()
		c.cancel()
	})
	return c.shutdownErr
}

// NewSubchannel implements balancer.SubchannelPool.
func (c *Channel) NewSubchannel(address resolver.Address) (subchannel.Subchannel, bool) {
	sc := newSubchan(
		c.ctx,
		address,
		c.transports,
		c.connectTimeout,
		c.clock,
		c.logger,
		c.onSubchannelState,
	)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		sc.shutdown()
		return nil, false
	}
	c.scs[sc] = connectivity.Idle
	c.eval.Add(connectivity.Idle)
	c.mu.Unlock()
	return sc, true
}

// RemoveSubchannel implements balancer.SubchannelPool. The shutdown event
// it triggers removes the subchannel from the aggregate state tracking.
func (c *Channel) RemoveSubchannel(sc subchannel.Subchannel) bool {
	c.mu.Lock()
	_, tracked := c.scs[sc]
	c.mu.Unlock()
	if !tracked {
		return false
	}
	impl, ok := sc.(*subchan)
	if !ok {
		return false
	}
	impl.shutdown()
	return true
}

// UpdatePicker implements balancer.SubchannelPool. The closed check and the
// store happen under the same lock acquisition as Shutdown's, so a publish
// cannot overwrite the shutdown picker.
func (c *Channel) UpdatePicker(p picker.Picker, usable bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.picker.Store(&pickerState{picker: p, usable: usable})
	c.mu.Unlock()
	_ = level.Debug(c.logger).Log("msg", "picker updated", "target", c.target, "usable", usable)
}

// ResolveNow implements balancer.SubchannelPool, forwarding refresh hints
// to the resolver subject to the configured rate limit.
func (c *Channel) ResolveNow() {
	if !c.resolveLimiter.Allow() {
		return
	}
	select {
	case c.refreshCh <- struct{}{}:
	default:
	}
}

// OnResolve implements resolver.Receiver.
func (c *Channel) OnResolve(addresses []resolver.Address) {
	_ = level.Debug(c.logger).Log("msg", "addresses resolved", "target", c.target, "count", len(addresses))
	c.balancer.UpdateAddresses(addresses)
}

// OnResolveError implements resolver.Receiver.
func (c *Channel) OnResolveError(err error) {
	_ = level.Warn(c.logger).Log("msg", "name resolution failed", "target", c.target, "err", err)
	c.balancer.ResolveError(err)
}

// onSubchannelState is the listener wired into every subchannel this
// channel creates. It runs with the subchannel's lock held, updates the
// aggregate state, and forwards the event to the balancer, which consumes
// it without blocking.
func (c *Channel) onSubchannelState(sc subchannel.Subchannel, state connectivity.State, connErr error) {
	c.mu.Lock()
	prev, tracked := c.scs[sc]
	if tracked {
		if state == connectivity.Shutdown {
			delete(c.scs, sc)
			c.eval.Remove(prev)
		} else {
			c.scs[sc] = state
			c.eval.RecordTransition(prev, state)
		}
		if agg := c.eval.CurrentState(); agg != c.aggState {
			c.aggState = agg
			close(c.stateChanged)
			c.stateChanged = make(chan struct{})
		}
	}
	c.mu.Unlock()
	if tracked {
		c.balancer.UpdateSubchannelState(sc, state, connErr)
	}
}
