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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	configText := `
headers:
  Referer: https://hitomi.la/
  User-Agent: dpifetch
dot_trick_hosts: [hitomi.la, example.com]
resolver: tcp://1.1.1.1
timeout: 90s`

	config, err := Parse(configText)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"Referer": "https://hitomi.la/", "User-Agent": "dpifetch"}, config.Headers)
	assert.Equal(t, []string{"hitomi.la", "example.com"}, config.DotTrickHosts)
	assert.Equal(t, "tcp://1.1.1.1", config.Resolver)
	assert.Equal(t, 90*time.Second, config.Timeout)
}

func TestParse_Empty(t *testing.T) {
	config, err := Parse("")
	require.NoError(t, err)
	assert.Nil(t, config.DotTrickHosts)
	assert.Zero(t, config.Timeout)
}

func TestParse_EmptyDotTrickHosts(t *testing.T) {
	config, err := Parse("dot_trick_hosts: []")
	require.NoError(t, err)
	assert.NotNil(t, config.DotTrickHosts)
	assert.Empty(t, config.DotTrickHosts)
}

func TestParse_UnknownField(t *testing.T) {
	_, err := Parse("proxy: socks5://localhost:1080")
	require.Error(t, err)
}

func TestParse_NegativeTimeout(t *testing.T) {
	_, err := Parse("timeout: -1s")
	require.ErrorContains(t, err, "negative timeout")
}

func TestParse_BadResolver(t *testing.T) {
	_, err := Parse("resolver: https://dns.google/dns-query")
	require.ErrorContains(t, err, "unsupported network")
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dpifetch.yaml")
	require.NoError(t, os.WriteFile(path, []byte("resolver: 8.8.8.8\n"), 0o600))
	config, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "8.8.8.8", config.Resolver)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestNewResolver(t *testing.T) {
	resolver, err := NewResolver("")
	require.NoError(t, err)
	assert.Nil(t, resolver)

	for _, address := range []string{"8.8.8.8", "udp://8.8.8.8:53", "tcp://[2606:4700:4700::1111]"} {
		resolver, err := NewResolver(address)
		require.NoError(t, err, address)
		assert.NotNil(t, resolver, address)
	}

	_, err = NewResolver("udp://")
	require.Error(t, err)
	_, err = NewResolver("quic://dns.adguard.com")
	require.Error(t, err)
}
