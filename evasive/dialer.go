// Copyright 2026 The Donggong Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

/*
Package evasive builds the connections used to reach filtered hosts.

A [Dialer] resolves the host name preferring IPv4, opens a TCP connection with
Nagle's algorithm disabled and wraps it so that the first writes are fragmented
before anything is sent. TLS connections are then established over the fragmented
stream with [tls.InsecureTrustPolicy], so the certificate chain is not checked.
*/
package evasive

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/donggong/dpifetch/dns"
	"github.com/donggong/dpifetch/transport"
	"github.com/donggong/dpifetch/transport/fragment"
	"github.com/donggong/dpifetch/transport/tls"
)

// DefaultHandshakeTimeout bounds the TLS handshake of [Dialer.DialTLS].
const DefaultHandshakeTimeout = 30 * time.Second

// Dialer opens fragmenting plain and TLS connections. It is safe for concurrent use.
type Dialer struct {
	plain  transport.StreamDialer
	secure transport.StreamDialer
}

type options struct {
	resolver         dns.Resolver
	logger           *slog.Logger
	handshakeTimeout time.Duration
}

// Option configures a [Dialer].
type Option func(o *options)

// WithResolver sets the resolver for host names. The default is [net.DefaultResolver].
func WithResolver(resolver dns.Resolver) Option {
	return func(o *options) {
		o.resolver = resolver
	}
}

// WithLogger sets the logger for connection diagnostics. The default is [slog.Default].
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithHandshakeTimeout sets how long the TLS handshake may take once connected.
// The default is [DefaultHandshakeTimeout].
func WithHandshakeTimeout(timeout time.Duration) Option {
	return func(o *options) {
		o.handshakeTimeout = timeout
	}
}

// deadlineDialer sets a deadline on every connection from dialer. The caller clears it.
func deadlineDialer(dialer transport.StreamDialer, timeout time.Duration) transport.StreamDialer {
	return transport.FuncStreamDialer(func(ctx context.Context, raddr string) (transport.StreamConn, error) {
		conn, err := dialer.DialStream(ctx, raddr)
		if err != nil {
			return nil, err
		}
		if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
			conn.Close()
			return nil, err
		}
		return conn, nil
	})
}

// NewDialer creates a [Dialer].
func NewDialer(opts ...Option) (*Dialer, error) {
	o := options{resolver: net.DefaultResolver, logger: slog.Default(), handshakeTimeout: DefaultHandshakeTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	resolving, err := dns.NewStreamDialer(o.resolver, &transport.TCPDialer{})
	if err != nil {
		return nil, fmt.Errorf("failed to create resolving dialer: %w", err)
	}
	fragmenting, err := fragment.NewStreamDialer(resolving, fragment.WithLogger(o.logger))
	if err != nil {
		return nil, fmt.Errorf("failed to create fragmenting dialer: %w", err)
	}
	if o.handshakeTimeout <= 0 {
		return nil, fmt.Errorf("invalid handshake timeout %v", o.handshakeTimeout)
	}
	secure, err := tls.NewStreamDialer(deadlineDialer(fragmenting, o.handshakeTimeout),
		tls.WithCertVerifier(tls.InsecureTrustPolicy{}),
		tls.WithALPN([]string{"http/1.1"}))
	if err != nil {
		return nil, fmt.Errorf("failed to create TLS dialer: %w", err)
	}
	return &Dialer{plain: fragmenting, secure: secure}, nil
}

// DialStream opens a plain fragmenting connection to raddr.
func (d *Dialer) DialStream(ctx context.Context, raddr string) (transport.StreamConn, error) {
	return d.plain.DialStream(ctx, raddr)
}

// DialTLS opens a fragmenting connection to raddr and completes a TLS handshake over it.
// The server certificate is accepted whatever it is. A handshake that does not finish
// within the handshake timeout fails with a timeout error.
func (d *Dialer) DialTLS(ctx context.Context, raddr string) (transport.StreamConn, error) {
	conn, err := d.secure.DialStream(ctx, raddr)
	if err != nil {
		return nil, err
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}
