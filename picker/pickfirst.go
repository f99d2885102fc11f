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

import "github.com/Blackclaws/grpclb/subchannel"

// NewPickFirst returns a picker that routes every call to the single given
// subchannel. The caller must only construct it with a subchannel that is
// Ready at snapshot time; later staleness is tolerated and surfaces as a
// call failure the caller handles.
func NewPickFirst(sc subchannel.Subchannel) Picker {
	return &pickFirst{sc: sc}
}

type pickFirst struct {
	sc subchannel.Subchannel
}

func (p *pickFirst) Pick(Info) (subchannel.Subchannel, error) {
	return p.sc, nil
}
