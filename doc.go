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

// Package grpclb provides client-side name resolution, connection
// management, and load balancing for RPC clients. A [Channel] represents a
// logical connection to a named target: a resolver turns the target into a
// set of backend addresses, a load balancing policy maintains subchannels
// to those backends, and each call picks one ready subchannel to run on.
//
// # Basic usage
//
// Create a channel for a target and pick a subchannel per call:
//
//	channel, err := grpclb.NewChannel("api.example.com:443",
//		grpclb.WithPolicy(balancer.RoundRobinName),
//	)
//	if err != nil {
//		return err
//	}
//	defer channel.Shutdown()
//
//	sc, err := channel.Pick(picker.Info{Method: "/pkg.Service/Method"})
//	if err != nil {
//		return err // wraps picker.ErrUnavailable when no backend is ready
//	}
//	_ = sc.Address() // dispatch the call to this backend
//
// By default the target is resolved with DNS, subchannels use plain TCP
// transports, and the "pick_first" policy connects to one backend at a
// time. All three are configurable via [WithResolver],
// [WithTransportFactory], and [WithPolicy].
//
// # Connectivity
//
// Every subchannel moves through the connectivity states defined in the
// connectivity package: Idle, Connecting, Ready, TransientFailure, and
// Shutdown. The channel aggregates these into a single state available
// from [Channel.GetState]; [Channel.WaitForStateChange] blocks until the
// aggregate moves. Failed subchannels reconnect with exponential backoff,
// configured by [WithBackoffConfig].
//
// # Policies
//
// Load balancing policies are pluggable. The balancer package ships
// "pick_first" and "round_robin" and exposes the interfaces needed to
// register custom policies. [Channel.UpdatePolicy] switches the policy at
// runtime without dropping calls: the old policy keeps serving until the
// new one has a ready backend.
package grpclb
