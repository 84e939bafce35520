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

package fetch

import (
	"maps"
	"net"
	"net/netip"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"
	"golang.org/x/net/idna"
)

const (
	// PaddingHeaderCount is the number of filler headers added to every request.
	PaddingHeaderCount = 21
	// PaddingValueLength is the length of each filler header value.
	PaddingValueLength = 500
	// HostHeaderName is the spelling of the Host header on the wire.
	HostHeaderName = "hOSt"
)

// DefaultDotTrickHosts are the hosts whose URLs get a trailing dot when no other hosts are configured.
var DefaultDotTrickHosts = []string{"hitomi.la"}

// Shaper turns a [FetchRequest] into the on-wire form of a single attempt.
// A Shaper is immutable and safe for concurrent use.
type Shaper struct {
	dotTrickHosts []string
}

// ShaperOption configures a [Shaper].
type ShaperOption func(*Shaper)

// WithDotTrickHosts replaces the hosts whose URLs get a trailing dot. A URL matches a host
// when its hostname equals it or is a subdomain of it. Passing no hosts disables the trick.
func WithDotTrickHosts(hosts ...string) ShaperOption {
	return func(s *Shaper) {
		s.dotTrickHosts = s.dotTrickHosts[:0]
		for _, host := range hosts {
			host = strings.Trim(strings.ToLower(strings.TrimSpace(host)), ".")
			if host != "" {
				s.dotTrickHosts = append(s.dotTrickHosts, host)
			}
		}
	}
}

// NewShaper creates a [Shaper] that applies the dot trick to [DefaultDotTrickHosts] unless
// configured otherwise.
func NewShaper(options ...ShaperOption) *Shaper {
	s := &Shaper{dotTrickHosts: slices.Clone(DefaultDotTrickHosts)}
	for _, option := range options {
		option(s)
	}
	return s
}

// Shape validates req and builds its [ShapedRequest]. Errors wrap [ErrInvalidInput].
// The caller's header map is not modified.
func (s *Shaper) Shape(req FetchRequest) (*ShapedRequest, error) {
	if strings.TrimSpace(req.URL) == "" {
		return nil, invalidInput("empty URL")
	}
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, invalidInput("%v", err)
	}
	scheme := strings.ToLower(u.Scheme)
	var defaultPort string
	switch scheme {
	case "http":
		defaultPort = "80"
	case "https":
		defaultPort = "443"
	case "":
		return nil, invalidInput("URL %q is not absolute", req.URL)
	default:
		return nil, invalidInput("unsupported scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, invalidInput("missing host in URL %q", req.URL)
	}
	host, err := asciiHost(u.Hostname())
	if err != nil {
		return nil, err
	}

	dialHost := host
	if s.matchesDotTrick(host) || strings.HasSuffix(u.Hostname(), ".") {
		dialHost = host + "."
	}
	port := u.Port()
	shaped := *u
	shaped.Scheme = scheme
	shaped.User = nil
	shaped.Fragment = ""
	shaped.RawFragment = ""
	shaped.Host = joinHost(dialHost, port)
	if port == "" {
		port = defaultPort
	}

	header, err := shapeHeader(req.Headers, host)
	if err != nil {
		return nil, err
	}
	return &ShapedRequest{
		url:    &shaped,
		header: header,
		addr:   net.JoinHostPort(dialHost, port),
		secure: scheme == "https",
	}, nil
}

func (s *Shaper) matchesDotTrick(host string) bool {
	for _, pattern := range s.dotTrickHosts {
		if host == pattern || strings.HasSuffix(host, "."+pattern) {
			return true
		}
	}
	return false
}

func shapeHeader(caller map[string]string, host string) ([]HeaderField, error) {
	header := make([]HeaderField, 0, PaddingHeaderCount+len(caller)+3)
	padding := strings.Repeat("x", PaddingValueLength)
	for i := range PaddingHeaderCount {
		header = append(header, HeaderField{Name: "X-Padding-" + strconv.Itoa(i), Value: padding})
	}
	seen := make(map[string]bool, len(caller))
	for _, name := range slices.Sorted(maps.Keys(caller)) {
		if strings.EqualFold(name, "host") {
			continue
		}
		value := caller[name]
		if !httpguts.ValidHeaderFieldName(name) {
			return nil, invalidInput("invalid header name %q", name)
		}
		if !httpguts.ValidHeaderFieldValue(value) {
			return nil, invalidInput("invalid value for header %q", name)
		}
		header = append(header, HeaderField{Name: name, Value: value})
		seen[strings.ToLower(name)] = true
	}
	if !seen["accept-encoding"] {
		header = append(header, HeaderField{Name: "Accept-Encoding", Value: "gzip"})
	}
	if !seen["connection"] {
		header = append(header, HeaderField{Name: "Connection", Value: "close"})
	}
	return append(header, HeaderField{Name: HostHeaderName, Value: mutateHost(joinHost(host, ""))}), nil
}

// mutateHost uppercases the last character of host.
func mutateHost(host string) string {
	if host == "" {
		return ""
	}
	return host[:len(host)-1] + strings.ToUpper(host[len(host)-1:])
}

// asciiHost returns the lowercase ASCII form of hostname without a trailing dot.
func asciiHost(hostname string) (string, error) {
	if addr, err := netip.ParseAddr(hostname); err == nil {
		return addr.String(), nil
	}
	hostname = strings.TrimSuffix(hostname, ".")
	if isASCII(hostname) {
		return strings.ToLower(hostname), nil
	}
	host, err := idna.Lookup.ToASCII(hostname)
	if err != nil {
		return "", invalidInput("host %q: %v", hostname, err)
	}
	return host, nil
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}

func joinHost(host, port string) string {
	if port != "" {
		return net.JoinHostPort(host, port)
	}
	if strings.Contains(host, ":") {
		return "[" + host + "]"
	}
	return host
}
