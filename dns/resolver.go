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
	"strings"

	"github.com/donggong/dpifetch/transport"
	"golang.org/x/net/dns/dnsmessage"
)

// Resolver maps a host name to IP addresses. network is "ip", "ip4" or "ip6".
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

var _ Resolver = (*net.Resolver)(nil)

// FuncResolver is a [Resolver] that uses the given function to resolve.
type FuncResolver func(ctx context.Context, network, host string) ([]netip.Addr, error)

// LookupNetIP implements the [Resolver] interface.
func (f FuncResolver) LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error) {
	return f(ctx, network, host)
}

// PreferIPv4 returns the IPv4 addresses in addrs, or addrs itself if there are none.
// IPv4-mapped IPv6 addresses count as IPv4 and are unmapped.
func PreferIPv4(addrs []netip.Addr) []netip.Addr {
	var ip4s []netip.Addr
	for _, addr := range addrs {
		if addr.Unmap().Is4() {
			ip4s = append(ip4s, addr.Unmap())
		}
	}
	if len(ip4s) > 0 {
		return ip4s
	}
	return addrs
}

// queryResolver is a [Resolver] that sends A and AAAA questions over a [RoundTripper].
type queryResolver struct {
	rt RoundTripper
}

// NewUDPResolver creates a [Resolver] that queries the server at resolverAddr over UDP.
// A missing port defaults to 53.
func NewUDPResolver(resolverAddr string) Resolver {
	return &queryResolver{NewUDPRoundTripper(withDefaultPort(resolverAddr))}
}

// NewTCPResolver creates a [Resolver] that queries the server at resolverAddr over connections from sd.
// A missing port defaults to 53.
func NewTCPResolver(sd transport.StreamDialer, resolverAddr string) Resolver {
	return &queryResolver{NewTCPRoundTripper(sd, withDefaultPort(resolverAddr))}
}

func withDefaultPort(addr string) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(strings.Trim(addr, "[]"), "53")
}

func (r *queryResolver) LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error) {
	if ip, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{ip}, nil
	}
	var types []dnsmessage.Type
	switch network {
	case "ip":
		types = []dnsmessage.Type{dnsmessage.TypeA, dnsmessage.TypeAAAA}
	case "ip4":
		types = []dnsmessage.Type{dnsmessage.TypeA}
	case "ip6":
		types = []dnsmessage.Type{dnsmessage.TypeAAAA}
	default:
		return nil, fmt.Errorf("unsupported network %q", network)
	}
	var ips []netip.Addr
	var errs []error
	for _, qtype := range types {
		found, err := resolveIP(ctx, r.rt, qtype, host)
		if err != nil {
			errs = append(errs, fmt.Errorf("%v lookup failed: %w", qtype, err))
			continue
		}
		ips = append(ips, found...)
	}
	if len(ips) > 0 {
		return ips, nil
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
}

func resolveIP(ctx context.Context, rt RoundTripper, rrType dnsmessage.Type, hostname string) ([]netip.Addr, error) {
	q, err := NewQuestion(hostname, rrType)
	if err != nil {
		return nil, err
	}
	response, err := rt.RoundTrip(ctx, *q)
	if err != nil {
		return nil, err
	}
	if response.RCode != dnsmessage.RCodeSuccess {
		return nil, fmt.Errorf("got %v (%d)", response.RCode.String(), response.RCode)
	}
	var ips []netip.Addr
	for _, answer := range response.Answers {
		if answer.Header.Type != rrType {
			continue
		}
		switch rr := answer.Body.(type) {
		case *dnsmessage.AResource:
			ips = append(ips, netip.AddrFrom4(rr.A))
		case *dnsmessage.AAAAResource:
			ips = append(ips, netip.AddrFrom16(rr.AAAA))
		}
	}
	return ips, nil
}
