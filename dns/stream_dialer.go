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

package dns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/donggong/dpifetch/transport"
)

// ErrNoAddress is returned when a host name resolves to no address.
var ErrNoAddress = errors.New("address lookup returned no IPs")

type resolvingDialer struct {
	resolver Resolver
	dialer   transport.StreamDialer
}

var _ transport.StreamDialer = (*resolvingDialer)(nil)

// NewStreamDialer creates a [transport.StreamDialer] that resolves host names with resolver,
// keeps the IPv4 addresses when there are any (see [PreferIPv4]) and dials them in order with
// dialer until one connects.
func NewStreamDialer(resolver Resolver, dialer transport.StreamDialer) (transport.StreamDialer, error) {
	if resolver == nil {
		return nil, errors.New("resolver must not be nil")
	}
	if dialer == nil {
		return nil, errors.New("dialer must not be nil")
	}
	return &resolvingDialer{resolver: resolver, dialer: dialer}, nil
}

// DialStream implements [transport.StreamDialer].DialStream.
func (d *resolvingDialer) DialStream(ctx context.Context, addr string) (transport.StreamConn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse address: %w", err)
	}
	if _, err := netip.ParseAddr(host); err == nil {
		return d.dialer.DialStream(ctx, addr)
	}

	ips, err := d.resolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %v: %w", host, err)
	}
	ips = PreferIPv4(ips)
	if len(ips) == 0 {
		return nil, fmt.Errorf("failed to resolve %v: %w", host, ErrNoAddress)
	}

	var dialErrs []error
	for _, ip := range ips {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		conn, err := d.dialer.DialStream(ctx, net.JoinHostPort(ip.String(), port))
		if err == nil {
			return conn, nil
		}
		dialErrs = append(dialErrs, err)
	}
	return nil, errors.Join(dialErrs...)
}
