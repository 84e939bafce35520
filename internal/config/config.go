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

// Package config reads the YAML configuration of the dpifetch command.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/donggong/dpifetch/dns"
	"github.com/donggong/dpifetch/transport"
	"gopkg.in/yaml.v3"
)

// Config is the content of a configuration file. Every field is optional.
//
//	headers:
//	  Referer: https://hitomi.la/
//	dot_trick_hosts: [hitomi.la, gold-usergeneratedcontent.net]
//	resolver: udp://8.8.8.8:53
//	timeout: 90s
type Config struct {
	// Headers added to every request.
	Headers map[string]string `yaml:"headers"`
	// Hosts that get the trailing dot. Nil keeps the default list, an empty list disables it.
	DotTrickHosts []string `yaml:"dot_trick_hosts"`
	// DNS server as udp://host[:port], tcp://host[:port] or host[:port] for UDP.
	// Empty means the system resolver.
	Resolver string `yaml:"resolver"`
	// Deadline for each URL, retries included. Zero means none.
	Timeout time.Duration `yaml:"timeout"`
}

// Parse decodes configText. Unknown fields are an error.
func Parse(configText string) (*Config, error) {
	var config Config
	decoder := yaml.NewDecoder(strings.NewReader(configText))
	decoder.KnownFields(true)
	if err := decoder.Decode(&config); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.Timeout < 0 {
		return nil, fmt.Errorf("invalid config: negative timeout %v", config.Timeout)
	}
	if config.Resolver != "" {
		if _, err := NewResolver(config.Resolver); err != nil {
			return nil, fmt.Errorf("invalid config: %w", err)
		}
	}
	return &config, nil
}

// Load reads and parses the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(string(data))
}

// NewResolver creates the resolver for a DNS server address in the format of
// [Config.Resolver]. It returns nil for an empty address.
func NewResolver(address string) (dns.Resolver, error) {
	if address == "" {
		return nil, nil
	}
	network, hostPort, found := strings.Cut(address, "://")
	if !found {
		network, hostPort = "udp", address
	}
	if hostPort == "" {
		return nil, fmt.Errorf("resolver %q has no address", address)
	}
	switch network {
	case "udp":
		return dns.NewUDPResolver(hostPort), nil
	case "tcp":
		return dns.NewTCPResolver(&transport.TCPDialer{}, hostPort), nil
	default:
		return nil, fmt.Errorf("resolver %q: unsupported network %q", address, network)
	}
}
