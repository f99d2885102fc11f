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
	"crypto/tls"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/net/http2"
)

//nolint:gochecknoglobals
var defaultDialer = &net.Dialer{
	Timeout:   30 * time.Second,
	KeepAlive: 30 * time.Second,
}

var errTransportClosed = errors.New("transport is closed")

// Transport is a single connection to one backend address. A Transport is
// used for exactly one connection attempt: the subchannel creates a fresh
// one for every attempt and closes it when the connection is lost or the
// subchannel shuts down.
type Transport interface {
	// Connect establishes the connection, blocking until it is ready, the
	// context is cancelled, or the attempt fails.
	Connect(ctx context.Context) error
	// Lost returns a channel that receives at most one value, after a
	// successful Connect, when the connection is lost. A nil error means
	// the peer ended the connection cleanly; a non-nil error means it
	// failed. Nothing is delivered after Close.
	Lost() <-chan error
	// Close releases the connection. It is idempotent and safe to call
	// concurrently with Connect, which will then fail.
	Close() error
}

// TransportFactory creates transports for backend addresses.
type TransportFactory interface {
	New(hostPort string) Transport
}

type tcpTransportFactory struct {
	dialer *net.Dialer
}

// NewTCPTransportFactory returns a factory for plain TCP transports. A nil
// dialer uses a default with a 30-second dial timeout and TCP keep-alive.
// Connection loss is detected by a blocked read on the idle connection.
func NewTCPTransportFactory(dialer *net.Dialer) TransportFactory {
	if dialer == nil {
		dialer = defaultDialer
	}
	return &tcpTransportFactory{dialer: dialer}
}

func (f *tcpTransportFactory) New(hostPort string) Transport {
	return &tcpTransport{
		hostPort: hostPort,
		dialer:   f.dialer,
		lost:     make(chan error, 1),
	}
}

type tcpTransport struct {
	hostPort string
	dialer   *net.Dialer
	lost     chan error

	mu     sync.Mutex
	conn   net.Conn
	closed bool
}

func (t *tcpTransport) Connect(ctx context.Context) error {
	conn, err := t.dialer.DialContext(ctx, "tcp", t.hostPort)
	if err != nil {
		return err
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = conn.Close()
		return errTransportClosed
	}
	t.conn = conn
	t.mu.Unlock()
	go t.monitor(conn)
	return nil
}

// monitor blocks on a read that is only expected to return when the peer
// closes or resets the connection.
func (t *tcpTransport) monitor(conn net.Conn) {
	var buf [1]byte
	_, err := conn.Read(buf[:])
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return
	}
	if errors.Is(err, io.EOF) {
		err = nil
	}
	select {
	case t.lost <- err:
	default:
	}
}

func (t *tcpTransport) Lost() <-chan error {
	return t.lost
}

func (t *tcpTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if t.conn != nil {
		return t.conn.Close()
	}
	return nil
}

type http2TransportFactory struct {
	dialer       *net.Dialer
	tlsConfig    *tls.Config
	pingInterval time.Duration
}

// NewHTTP2TransportFactory returns a factory for HTTP/2 transports. With a
// nil tlsConfig the connection uses h2c over plaintext TCP; otherwise the
// config is cloned per connection with "h2" negotiated via ALPN. Liveness
// is checked with HTTP/2 PING frames every pingInterval (zero means 30
// seconds); a failed ping reports the connection as lost.
func NewHTTP2TransportFactory(dialer *net.Dialer, tlsConfig *tls.Config, pingInterval time.Duration) TransportFactory {
	if dialer == nil {
		dialer = defaultDialer
	}
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	return &http2TransportFactory{
		dialer:       dialer,
		tlsConfig:    tlsConfig,
		pingInterval: pingInterval,
	}
}

func (f *http2TransportFactory) New(hostPort string) Transport {
	return &http2Transport{
		hostPort:     hostPort,
		dialer:       f.dialer,
		tlsConfig:    f.tlsConfig,
		pingInterval: f.pingInterval,
		lost:         make(chan error, 1),
	}
}

type http2Transport struct {
	hostPort     string
	dialer       *net.Dialer
	tlsConfig    *tls.Config
	pingInterval time.Duration
	lost         chan error

	mu       sync.Mutex
	conn     net.Conn
	clientCC *http2.ClientConn
	stopPing context.CancelFunc
	closed   bool
}

func (t *http2Transport) Connect(ctx context.Context) error {
	conn, err := t.dialer.DialContext(ctx, "tcp", t.hostPort)
	if err != nil {
		return err
	}
	if t.tlsConfig != nil {
		tlsConf := t.tlsConfig.Clone()
		if tlsConf.ServerName == "" {
			host, _, splitErr := net.SplitHostPort(t.hostPort)
			if splitErr == nil {
				tlsConf.ServerName = host
			}
		}
		tlsConf.NextProtos = []string{"h2"}
		tlsConn := tls.Client(conn, tlsConf)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			_ = conn.Close()
			return err
		}
		conn = tlsConn
	}
	h2 := &http2.Transport{AllowHTTP: t.tlsConfig == nil}
	clientCC, err := h2.NewClientConn(conn)
	if err != nil {
		_ = conn.Close()
		return err
	}

	pingCtx, stopPing := context.WithCancel(context.Background())
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		stopPing()
		_ = clientCC.Close()
		return errTransportClosed
	}
	t.conn = conn
	t.clientCC = clientCC
	t.stopPing = stopPing
	t.mu.Unlock()

	go t.pingLoop(pingCtx, clientCC)
	return nil
}

// pingLoop probes the connection until a ping fails or the transport is
// closed. A failed ping is reported as a lost connection.
func (t *http2Transport) pingLoop(ctx context.Context, clientCC *http2.ClientConn) {
	ticker := time.NewTicker(t.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		pingCtx, cancel := context.WithTimeout(ctx, t.pingInterval)
		err := clientCC.Ping(pingCtx)
		cancel()
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		select {
		case t.lost <- err:
		default:
		}
		return
	}
}

func (t *http2Transport) Lost() <-chan error {
	return t.lost
}

func (t *http2Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if t.stopPing != nil {
		t.stopPing()
	}
	if t.clientCC != nil {
		return t.clientCC.Close()
	}
	if t.conn != nil {
		return t.conn.Close()
	}
	return nil
}
