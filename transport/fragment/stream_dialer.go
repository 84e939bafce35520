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

package fragment

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/donggong/dpifetch/transport"
	"github.com/donggong/dpifetch/transport/sockopt"
	"github.com/donggong/dpifetch/transport/tls/sni"
)

// StreamDialer is a [transport.StreamDialer] that wraps the connections of its base
// dialer with a fragmenting [Writer] before any byte is sent.
type StreamDialer struct {
	dialer       transport.StreamDialer
	maxFragments int
	delay        time.Duration
	logger       *slog.Logger
}

var _ transport.StreamDialer = (*StreamDialer)(nil)

// Option configures a [StreamDialer].
type Option func(d *StreamDialer)

// WithMaxFragments sets how many writes get split on each connection.
func WithMaxFragments(n int) Option {
	return func(d *StreamDialer) {
		d.maxFragments = n
	}
}

// WithDelay sets the pause between the first byte and the rest of a split write.
func WithDelay(delay time.Duration) Option {
	return func(d *StreamDialer) {
		d.delay = delay
	}
}

// WithLogger sets the logger for per-connection diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(d *StreamDialer) {
		d.logger = logger
	}
}

// NewStreamDialer creates a [StreamDialer] over dialer.
func NewStreamDialer(dialer transport.StreamDialer, options ...Option) (*StreamDialer, error) {
	if dialer == nil {
		return nil, errors.New("argument dialer must not be nil")
	}
	d := &StreamDialer{
		dialer:       dialer,
		maxFragments: DefaultMaxFragments,
		delay:        DefaultDelay,
	}
	for _, option := range options {
		option(d)
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	return d, nil
}

// DialStream implements [transport.StreamDialer].DialStream.
func (d *StreamDialer) DialStream(ctx context.Context, raddr string) (transport.StreamConn, error) {
	innerConn, err := d.dialer.DialStream(ctx, raddr)
	if err != nil {
		return nil, err
	}
	w := NewWriter(innerConn, flushFor(innerConn))
	w.SetMaxFragments(d.maxFragments)
	w.SetDelay(d.delay)
	w.onSplit = func(index int, data []byte) {
		if !d.logger.Enabled(ctx, slog.LevelDebug) {
			return
		}
		attrs := []any{"raddr", raddr, "index", index, "size", len(data)}
		if index == 1 && sni.IsClientHello(data) {
			if name, err := sni.ServerName(data); err == nil {
				attrs = append(attrs, "sni", name)
			}
		}
		d.logger.DebugContext(ctx, "Fragmenting write", attrs...)
	}
	return transport.WrapConn(innerConn, innerConn, w), nil
}

// flushFor waits on the kernel send queue when conn is a TCP connection.
func flushFor(conn transport.StreamConn) FlushFunc {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return NoFlush
	}
	opts, err := sockopt.NewTCPOptions(tcpConn)
	if err != nil || !opts.OsSupportsWaitingUntilBytesAreSent() {
		return NoFlush
	}
	return func() error {
		err := opts.WaitUntilBytesAreSent()
		if errors.Is(err, errors.ErrUnsupported) {
			return nil
		}
		return err
	}
}
