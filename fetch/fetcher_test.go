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
	"compress/gzip"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/donggong/dpifetch/dns"
	"github.com/donggong/dpifetch/evasive"
	"github.com/donggong/dpifetch/transport"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// testDialer sends every connection to target and records the addresses asked for.
// When err is set, dials fail with it: all of them, or only the first failFirst.
type testDialer struct {
	target    string
	err       error
	failFirst int

	mu     sync.Mutex
	dialed []string
}

func (d *testDialer) DialStream(ctx context.Context, raddr string) (transport.StreamConn, error) {
	d.mu.Lock()
	d.dialed = append(d.dialed, raddr)
	n := len(d.dialed)
	d.mu.Unlock()
	if d.err != nil && (d.failFirst == 0 || n <= d.failFirst) {
		return nil, d.err
	}
	return (&transport.TCPDialer{}).DialStream(ctx, d.target)
}

func (d *testDialer) DialTLS(ctx context.Context, raddr string) (transport.StreamConn, error) {
	return nil, errors.New("TLS not supported by testDialer")
}

func (d *testDialer) Dialed() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.dialed...)
}

func newTestFetcher(t *testing.T, dialer Dialer, options ...Option) (*Fetcher, *[]time.Duration) {
	t.Helper()
	f, err := NewFetcher(dialer, options...)
	require.NoError(t, err)
	var delays []time.Duration
	f.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return ctx.Err()
	}
	return f, &delays
}

func startServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *testDialer) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return server, &testDialer{target: server.Listener.Addr().String()}
}

func TestFetch_Success(t *testing.T) {
	requests := make(chan *http.Request, 1)
	_, dialer := startServer(t, func(w http.ResponseWriter, r *http.Request) {
		requests <- r.Clone(context.Background())
		io.WriteString(w, "hello")
	})
	f, delays := newTestFetcher(t, dialer)

	body, err := f.Fetch(context.Background(), "http://example.com/page", map[string]string{"User-Agent": "tester", "Host": "ignored"})
	require.NoError(t, err)
	require.Equal(t, "hello", body)
	r := <-requests
	require.Equal(t, "example.coM", r.Host)
	require.Equal(t, "tester", r.UserAgent())
	require.Equal(t, strings.Repeat("x", PaddingValueLength), r.Header.Get("X-Padding-20"))
	require.Equal(t, []string{"example.com:80"}, dialer.Dialed())
	require.Empty(t, *delays)
}

func TestFetch_DotTrickAddress(t *testing.T) {
	requests := make(chan *http.Request, 1)
	_, dialer := startServer(t, func(w http.ResponseWriter, r *http.Request) {
		requests <- r.Clone(context.Background())
		io.WriteString(w, "ok")
	})
	f, _ := newTestFetcher(t, dialer)

	_, err := f.Fetch(context.Background(), "http://hitomi.la/abc?page=2", nil)
	require.NoError(t, err)
	require.Equal(t, []string{"hitomi.la.:80"}, dialer.Dialed())
	r := <-requests
	require.Equal(t, "/abc?page=2", r.URL.RequestURI())
	require.Equal(t, "hitomi.lA", r.Host)
}

func TestFetch_GzipBody(t *testing.T) {
	_, dialer := startServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "gzip", r.Header.Get("Accept-Encoding"))
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Set("Content-Type", "text/plain; charset=windows-1251")
		zw := gzip.NewWriter(w)
		zw.Write([]byte{0xEF, 0xF0, 0xE8, 0xE2, 0xE5, 0xF2})
		zw.Close()
	})
	f, _ := newTestFetcher(t, dialer)

	body, err := f.Fetch(context.Background(), "http://example.com/", nil)
	require.NoError(t, err)
	require.Equal(t, "привет", body)
}

func TestFetch_RetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	_, dialer := startServer(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		io.WriteString(w, "third time")
	})
	f, delays := newTestFetcher(t, dialer)

	body, err := f.Fetch(context.Background(), "http://example.com/", nil)
	require.NoError(t, err)
	require.Equal(t, "third time", body)
	require.Equal(t, int32(3), calls.Load())
	require.Equal(t, []time.Duration{RetryDelay, RetryDelay}, *delays)
	require.Len(t, dialer.Dialed(), 3)
}

func TestFetch_ExhaustedRetries(t *testing.T) {
	var calls atomic.Int32
	_, dialer := startServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch calls.Add(1) {
		case 1:
			w.WriteHeader(http.StatusServiceUnavailable)
		case 2:
			w.WriteHeader(http.StatusBadGateway)
		default:
			w.WriteHeader(http.StatusForbidden)
		}
	})
	f, delays := newTestFetcher(t, dialer)

	_, err := f.Fetch(context.Background(), "http://example.com/", nil)
	require.Equal(t, KindExhaustedRetries, KindOf(err))
	var exhausted *ExhaustedRetriesError
	require.ErrorAs(t, err, &exhausted)
	require.Equal(t, MaxAttempts, exhausted.Attempts)
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	require.Equal(t, http.StatusForbidden, httpErr.StatusCode)
	require.Equal(t, "HTTP 403: Forbidden", httpErr.Error())
	require.Equal(t, int32(3), calls.Load())
	require.Len(t, *delays, 2)
}

func TestFetch_TransportErrorRetried(t *testing.T) {
	dialer := &testDialer{err: syscall.ECONNREFUSED}
	f, delays := newTestFetcher(t, dialer)

	_, err := f.Fetch(context.Background(), "http://example.com/", nil)
	require.Equal(t, KindExhaustedRetries, KindOf(err))
	var transportErr *TransportError
	require.ErrorAs(t, err, &transportErr)
	require.Equal(t, "dial", transportErr.Op)
	require.ErrorIs(t, err, syscall.ECONNREFUSED)
	require.Len(t, dialer.Dialed(), 3)
	require.Len(t, *delays, 2)
}

func TestFetch_TransportErrorsThenSucceeds(t *testing.T) {
	_, dialer := startServer(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "recovered")
	})
	dialer.err = syscall.ECONNRESET
	dialer.failFirst = 2
	f, delays := newTestFetcher(t, dialer)

	body, err := f.Fetch(context.Background(), "http://example.com/", nil)
	require.NoError(t, err)
	require.Equal(t, "recovered", body)
	require.Equal(t, []time.Duration{RetryDelay, RetryDelay}, *delays)
	require.Len(t, dialer.Dialed(), 3)
}

func TestFetch_InvalidInputNeverDials(t *testing.T) {
	dialer := &testDialer{err: errors.New("must not dial")}
	f, delays := newTestFetcher(t, dialer)

	for _, rawURL := range []string{"", "not a url", "ftp://example.com/", "//example.com/x"} {
		_, err := f.Fetch(context.Background(), rawURL, nil)
		require.ErrorIs(t, err, ErrInvalidInput, rawURL)
		require.Equal(t, KindInvalidInput, KindOf(err))
	}
	require.Empty(t, dialer.Dialed())
	require.Empty(t, *delays)
}

func TestFetch_FollowsRedirects(t *testing.T) {
	var hosts []string
	var mu sync.Mutex
	_, dialer := startServer(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hosts = append(hosts, r.Host)
		mu.Unlock()
		switch r.URL.Path {
		case "/start":
			http.Redirect(w, r, "http://ltn.hitomi.la/next", http.StatusFound)
		case "/next":
			http.Redirect(w, r, "/final", http.StatusMovedPermanently)
		default:
			require.Equal(t, "keep", r.Header.Get("X-Caller"))
			io.WriteString(w, "landed")
		}
	})
	f, _ := newTestFetcher(t, dialer)

	body, err := f.Fetch(context.Background(), "http://example.com/start", map[string]string{"X-Caller": "keep"})
	require.NoError(t, err)
	require.Equal(t, "landed", body)
	require.Equal(t, []string{"example.com:80", "ltn.hitomi.la.:80", "ltn.hitomi.la.:80"}, dialer.Dialed())
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"example.coM", "ltn.hitomi.lA", "ltn.hitomi.lA"}, hosts)
}

func TestFetch_TooManyRedirects(t *testing.T) {
	_, dialer := startServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/loop", http.StatusFound)
	})
	f, _ := newTestFetcher(t, dialer)

	_, err := f.Fetch(context.Background(), "http://example.com/loop", nil)
	require.Equal(t, KindExhaustedRetries, KindOf(err))
	require.ErrorContains(t, err, "redirects")
	require.Len(t, dialer.Dialed(), MaxAttempts*(MaxRedirects+1))
}

func TestRedirectHeaders(t *testing.T) {
	from := FetchRequest{
		URL:     "https://a.example/",
		Headers: map[string]string{"authorization": "secret", "Cookie": "c", "Referer": "r"},
	}
	require.Equal(t, from.Headers, redirectHeaders(from, "https://a.example/other"))
	require.Equal(t, map[string]string{"Referer": "r"}, redirectHeaders(from, "https://b.example/"))
	require.Len(t, from.Headers, 3)
}

func TestFetch_CancelledDuringBackoff(t *testing.T) {
	_, dialer := startServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	f, err := NewFetcher(dialer)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	f.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return sleepContext(ctx, d)
	}

	_, err = f.Fetch(ctx, "http://example.com/", nil)
	require.Equal(t, KindTransport, KindOf(err))
	require.ErrorIs(t, err, context.Canceled)
	require.Len(t, dialer.Dialed(), 1)
}

func TestFetch_CancelledDuringRead(t *testing.T) {
	_, dialer := startServer(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	f, _ := newTestFetcher(t, dialer)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	start := time.Now()
	_, err := f.Fetch(ctx, "http://example.com/", nil)
	require.Less(t, time.Since(start), 5*time.Second)
	var transportErr *TransportError
	require.ErrorAs(t, err, &transportErr)
	require.Equal(t, "read", transportErr.Op)
	require.ErrorIs(t, err, context.Canceled)
	require.Len(t, dialer.Dialed(), 1)
}

func TestFetch_ReadTimeout(t *testing.T) {
	_, dialer := startServer(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	f, _ := newTestFetcher(t, dialer)
	f.timeout = 50 * time.Millisecond

	_, err := f.Fetch(context.Background(), "http://example.com/", nil)
	require.Equal(t, KindExhaustedRetries, KindOf(err))
	var netErr net.Error
	require.ErrorAs(t, err, &netErr)
	require.True(t, netErr.Timeout())
}

func TestFetchAsync(t *testing.T) {
	ignore := goleak.IgnoreCurrent()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "async")
	}))
	dialer := &testDialer{target: server.Listener.Addr().String()}
	f, _ := newTestFetcher(t, dialer)

	results := f.FetchAsync(context.Background(), FetchRequest{URL: "http://example.com/"})
	result, ok := <-results
	require.True(t, ok)
	require.NoError(t, result.Err)
	require.Equal(t, "async", result.Body)
	_, ok = <-results
	require.False(t, ok, "exactly one result")

	failed := <-f.FetchAsync(context.Background(), FetchRequest{URL: "ftp://example.com/"})
	require.ErrorIs(t, failed.Err, ErrInvalidInput)

	server.Close()
	goleak.VerifyNone(t, ignore)
}

func TestKindOf(t *testing.T) {
	require.Equal(t, KindUnknown, KindOf(nil))
	require.Equal(t, KindUnknown, KindOf(errors.New("other")))
	require.Equal(t, KindInvalidInput, KindOf(invalidInput("bad")))
	require.Equal(t, KindTransport, KindOf(&TransportError{Op: "dial", Err: io.EOF}))
	require.Equal(t, KindHTTP, KindOf(&HTTPError{StatusCode: 500, Status: "500 Internal Server Error"}))
	require.Equal(t, KindExhaustedRetries, KindOf(&ExhaustedRetriesError{Attempts: 3, Last: &HTTPError{StatusCode: 500}}))
	require.Equal(t, "EXHAUSTED_RETRIES", KindExhaustedRetries.String())
	require.Equal(t, "HTTP 500", (&HTTPError{StatusCode: 500}).Error())
}

func TestNewFetcher_NilDialer(t *testing.T) {
	_, err := NewFetcher(nil)
	require.Error(t, err)
}

func TestFetch_SilentTLSServer(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	var mu sync.Mutex
	var conns []net.Conn
	t.Cleanup(func() {
		listener.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, conn := range conns {
			conn.Close()
		}
	})
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()
		}
	}()
	_, port, err := net.SplitHostPort(listener.Addr().String())
	require.NoError(t, err)

	resolver := dns.FuncResolver(func(ctx context.Context, network, host string) ([]netip.Addr, error) {
		return []netip.Addr{netip.MustParseAddr("127.0.0.1")}, nil
	})
	dialer, err := evasive.NewDialer(evasive.WithResolver(resolver), evasive.WithHandshakeTimeout(300*time.Millisecond))
	require.NoError(t, err)
	f, _ := newTestFetcher(t, dialer)
	f.timeout = 300 * time.Millisecond

	results := f.FetchAsync(context.Background(), FetchRequest{URL: "https://example.com:" + port + "/"})
	select {
	case result := <-results:
		require.Equal(t, KindExhaustedRetries, KindOf(result.Err))
		var transportErr *TransportError
		require.ErrorAs(t, result.Err, &transportErr)
		require.Equal(t, "dial", transportErr.Op)
		var netErr net.Error
		require.ErrorAs(t, result.Err, &netErr)
		require.True(t, netErr.Timeout())
	case <-time.After(10 * time.Second):
		t.Fatal("fetch blocked in the TLS handshake")
	}
}

// Full path: shaping, IPv4 preference, fragmentation and TLS without certificate checks.
func TestFetch_EvasiveTLS(t *testing.T) {
	requests := make(chan *http.Request, 1)
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests <- r.Clone(context.Background())
		io.WriteString(w, "gallery")
	}))
	t.Cleanup(server.Close)
	_, port, err := net.SplitHostPort(server.Listener.Addr().String())
	require.NoError(t, err)

	resolver := dns.FuncResolver(func(ctx context.Context, network, host string) ([]netip.Addr, error) {
		require.Equal(t, "hitomi.la.", host)
		return []netip.Addr{netip.MustParseAddr("::1"), netip.MustParseAddr("127.0.0.1")}, nil
	})
	dialer, err := evasive.NewDialer(evasive.WithResolver(resolver))
	require.NoError(t, err)
	f, err := NewFetcher(dialer)
	require.NoError(t, err)

	body, err := f.Fetch(context.Background(), "https://hitomi.la:"+port+"/galleries/1.js", nil)
	require.NoError(t, err)
	require.Equal(t, "gallery", body)
	r := <-requests
	require.Equal(t, "hitomi.lA", r.Host)
	require.Equal(t, "http/1.1", r.TLS.NegotiatedProtocol)
}
