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

package balancer

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// BackoffConfig controls the delay between reconnection attempts after a
// subchannel enters TransientFailure. The schedule is exponential with
// jitter and resets whenever the subchannel reaches Ready. Zero fields use
// the defaults below.
type BackoffConfig struct {
	// InitialInterval is the first retry delay. Default 500ms.
	InitialInterval time.Duration
	// MaxInterval caps the delay. Default 30s.
	MaxInterval time.Duration
	// Multiplier grows the delay between attempts. Default 1.5.
	Multiplier float64
	// Jitter is the randomization factor in [0, 1). Default 0.5, meaning
	// each delay is drawn from [0.5*d, 1.5*d].
	Jitter float64
}

const (
	defaultBackoffInitial    = 500 * time.Millisecond
	defaultBackoffMax        = 30 * time.Second
	defaultBackoffMultiplier = 1.5
	defaultBackoffJitter     = 0.5
)

// newBackOff builds the per-subchannel retry schedule. Retries never give
// up on their own; only removing the subchannel stops them.
func (c BackoffConfig) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = defaultBackoffInitial
	if c.InitialInterval > 0 {
		b.InitialInterval = c.InitialInterval
	}
	b.MaxInterval = defaultBackoffMax
	if c.MaxInterval > 0 {
		b.MaxInterval = c.MaxInterval
	}
	b.Multiplier = defaultBackoffMultiplier
	if c.Multiplier > 0 {
		b.Multiplier = c.Multiplier
	}
	b.RandomizationFactor = defaultBackoffJitter
	if c.Jitter > 0 {
		b.RandomizationFactor = c.Jitter
	}
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
