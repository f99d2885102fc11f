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

// Package picker implements call routing over a fixed snapshot of
// subchannels. A picker is built by a load balancer whenever the usable
// subchannel set changes and is then immutable: picking never blocks, never
// performs I/O, and is safe for any number of concurrent callers.
package picker

import (
	"errors"
	"fmt"

	"github.com/Blackclaws/grpclb/subchannel"
)

// ErrUnavailable is returned by picks when no backend is ready. Use
// [errors.Is] to test for it; the returned error may wrap additional detail
// about the most recent failure.
var ErrUnavailable = errors.New("unavailable: no ready subchannels")

// Info describes one outgoing call to the picker. Policies that do not
// inspect the call ignore it.
type Info struct {
	// Method is the full RPC method name, e.g. "/pkg.Service/Method".
	Method string
}

// Picker selects the subchannel to carry one call.
type Picker interface {
	Pick(info Info) (subchannel.Subchannel, error)
}

// ErrorPicker returns a picker whose every pick fails with err. Balancers
// publish one while no backend is usable, so callers get a meaningful error
// instead of a hang.
func ErrorPicker(err error) Picker {
	return pickerFunc(func(Info) (subchannel.Subchannel, error) {
		return nil, err
	})
}

// UnavailableError wraps the most recent connectivity failure into an error
// suitable for an ErrorPicker. The result matches ErrUnavailable under
// [errors.Is].
func UnavailableError(lastErr error) error {
	if lastErr == nil {
		return ErrUnavailable
	}
	return fmt.Errorf("%w: last error: %w", ErrUnavailable, lastErr)
}

type pickerFunc func(Info) (subchannel.Subchannel, error)

func (f pickerFunc) Pick(info Info) (subchannel.Subchannel, error) {
	return f(info)
}
