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

package picker

import (
	"sync/atomic"

	"github.com/Blackclaws/grpclb/subchannel"
)

// NewRoundRobin returns a picker that cycles through the given subchannels
// in order. The cursor is a single atomic counter, so concurrent picks stay
// fair; fairness is only defined within one picker instance, a republish
// resets the cycle. Subchannels are used in the order given: randomizing
// that order, if desired, is the resolver's job.
func NewRoundRobin(scs subchannel.Subchannels) Picker {
	ordered := make([]subchannel.Subchannel, scs.Len())
	for i := range ordered {
		ordered[i] = scs.Get(i)
	}
	rr := &roundRobin{scs: ordered}
	rr.counter.Store(-1)
	return rr
}

type roundRobin struct {
	scs     []subchannel.Subchannel
	counter atomic.Int64
}

func (r *roundRobin) Pick(Info) (subchannel.Subchannel, error) {
	return r.scs[uint64(r.counter.Add(1))%uint64(len(r.scs))], nil
}
