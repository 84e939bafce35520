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
	"bufio"
	"context"
	stdtls "crypto/tls"
	"net"
	"net/http"
	"time"

	"github.com/donggong/dpifetch/transport"
	"github.com/donggong/dpifetch/transport/tls"
)

// Dialer opens the connections a [Fetcher] writes requests to.
type Dialer interface {
	// DialStream connects to a plain HTTP server.
	DialStream(ctx context.Context, raddr string) (transport.StreamConn, error)
	// DialTLS connects to an HTTPS server and completes the TLS handshake.
	DialTLS(ctx context.Context, raddr string) (transport.StreamConn, error)
}

// deadlineReader pushes the read deadline forward before every read, so the timeout
// bounds idle time rather than the whole response.
type deadlineReader struct {
	conn    net.Conn
	timeout time.Duration
}

func (r *deadlineReader) Read(p []byte) (int, error) {
	if err := r.conn.SetReadDeadline(time.Now().Add(r.timeout)); err != nil {
		return 0, err
	}
	return r.conn.Read(p)
}

func transportError(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		err = context.Cause(ctx)
	}
	return &TransportError{Op: op, Err: err}
}

func isRedirect(statusCode int) bool {
	switch statusCode {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

// roundTrip sends req on a fresh connection. It returns the decoded body of a 2xx
// response, or the Location of a redirect.
func (f *Fetcher) roundTrip(ctx context.Context, req *ShapedRequest) (body string, location string, err error) {
	dial := f.dialer.DialStream
	if req.Secure() {
		dial = f.dialer.DialTLS
		ctx = tls.WithTLSClientTrace(ctx, &tls.TLSClientTrace{
			TLSHandshakeDone: func(state stdtls.ConnectionState, err error) {
				if err != nil {
					f.logger.DebugContext(ctx, "TLS handshake failed", "addr", req.Address(), "error", err)
					return
				}
				f.logger.DebugContext(ctx, "TLS handshake done", "addr", req.Address(),
					"version", stdtls.VersionName(state.Version), "alpn", state.NegotiatedProtocol)
			},
		})
	}
	conn, err := dial(ctx, req.Address())
	if err != nil {
		return "", "", transportError(ctx, "dial", err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := conn.SetWriteDeadline(time.Now().Add(f.timeout)); err != nil {
		return "", "", transportError(ctx, "write", err)
	}
	if _, err := req.WriteTo(conn); err != nil {
		return "", "", transportError(ctx, "write", err)
	}

	reader := bufio.NewReader(&deadlineReader{conn: conn, timeout: f.timeout})
	resp, err := http.ReadResponse(reader, &http.Request{Method: req.Method(), URL: req.URL()})
	if err != nil {
		return "", "", transportError(ctx, "read", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		body, err := readBody(resp)
		if err != nil {
			return "", "", transportError(ctx, "read body", err)
		}
		return body, "", nil
	case isRedirect(resp.StatusCode) && resp.Header.Get("Location") != "":
		return "", resp.Header.Get("Location"), nil
	default:
		return "", "", &HTTPError{StatusCode: resp.StatusCode, Status: resp.Status}
	}
}
