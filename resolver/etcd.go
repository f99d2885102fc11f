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
	"strings"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// NewEtcdResolver returns a resolver backed by an etcd service registry.
// Backends are expected to register themselves as keys of the form
//
//	{prefix}/{target}/{host:port}
//
// typically with a TTL lease so crashed backends disappear on their own.
// The resolver pushes the full member list on startup and again whenever
// the watched prefix changes. The client is shared, not owned; closing the
// resolver task does not close it.
func NewEtcdResolver(client *clientv3.Client, prefix string) Resolver {
	return &etcdResolver{client: client, prefix: strings.TrimSuffix(prefix, "/")}
}

type etcdResolver struct {
	client *clientv3.Client
	prefix string
}

func (r *etcdResolver) New(
	ctx context.Context,
	target string,
	receiver Receiver,
	refresh <-chan struct{},
) io.Closer {
	ctx, cancel := context.WithCancel(ctx)
	task := &etcdResolverTask{
		cancel:     cancel,
		doneSignal: make(chan struct{}),
	}
	go task.run(ctx, r, r.prefix+"/"+target+"/", receiver, refresh)
	return task
}

type etcdResolverTask struct {
	cancel     context.CancelFunc
	doneSignal chan struct{}
}

func (t *etcdResolverTask) Close() error {
	t.cancel()
	<-t.doneSignal
	return nil
}

func (t *etcdResolverTask) run(
	ctx context.Context,
	res *etcdResolver,
	keyPrefix string,
	receiver Receiver,
	refresh <-chan struct{},
) {
	defer close(t.doneSignal)
	defer t.cancel()

	// The watch only tells us that membership changed; re-fetching the full
	// list is simpler than replaying individual events and matches the
	// full-set contract of Receiver.
	watchCh := res.client.Watch(ctx, keyPrefix, clientv3.WithPrefix())

	fetch := func() {
		resp, err := res.client.Get(ctx, keyPrefix, clientv3.WithPrefix())
		if err != nil {
			receiver.OnResolveError(err)
			return
		}
		addrs := make([]Address, 0, len(resp.Kvs))
		for _, kv := range resp.Kvs {
			hostPort := strings.TrimPrefix(string(kv.Key), keyPrefix)
			if hostPort == "" || strings.Contains(hostPort, "/") {
				// not a direct child of the prefix
				continue
			}
			addrs = append(addrs, Address{HostPort: hostPort})
		}
		receiver.OnResolve(addrs)
	}

	fetch()
	for {
		select {
		case <-ctx.Done():
			return
		case <-refresh:
			fetch()
		case _, ok := <-watchCh:
			if !ok {
				return
			}
			fetch()
		}
	}
}
