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
Package fetch performs HTTP GET requests shaped to slip past DPI filters.

Every attempt is shaped by a [Shaper], sent over a fresh connection from a [Dialer]
and read with bounded timeouts. A [Fetcher] makes up to [MaxAttempts] attempts,
[RetryDelay] apart, and reports one terminal result: the decoded body, or an error
classified by [KindOf].
*/
package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"
)

const (
	// MaxAttempts is the number of attempts made before a fetch fails.
	MaxAttempts = 3
	// RetryDelay is the pause between two attempts.
	RetryDelay = 200 * time.Millisecond
	// DefaultTimeout bounds each write and each idle read on a connection.
	DefaultTimeout = 30 * time.Second
	// MaxRedirects is the number of redirects followed within one attempt.
	MaxRedirects = 10
)

// Fetcher fetches resources with retries. It is immutable and safe for concurrent use.
type Fetcher struct {
	dialer  Dialer
	shaper  *Shaper
	timeout time.Duration
	logger  *slog.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// Option configures a [Fetcher].
type Option func(f *Fetcher)

// WithShaper sets the [Shaper] applied to every attempt. The default is NewShaper().
func WithShaper(shaper *Shaper) Option {
	return func(f *Fetcher) {
		f.shaper = shaper
	}
}

// WithLogger sets the logger for attempt diagnostics. The default is [slog.Default].
func WithLogger(logger *slog.Logger) Option {
	return func(f *Fetcher) {
		f.logger = logger
	}
}

// NewFetcher creates a [Fetcher] that opens its connections with dialer.
func NewFetcher(dialer Dialer, options ...Option) (*Fetcher, error) {
	if dialer == nil {
		return nil, errors.New("argument dialer must not be nil")
	}
	f := &Fetcher{
		dialer:  dialer,
		timeout: DefaultTimeout,
		sleep:   sleepContext,
	}
	for _, option := range options {
		option(f)
	}
	if f.shaper == nil {
		f.shaper = NewShaper()
	}
	if f.logger == nil {
		f.logger = slog.Default()
	}
	return f, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-timer.C:
		return nil
	}
}

// Fetch gets rawURL with the given extra headers and returns the body as UTF-8 text.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, headers map[string]string) (string, error) {
	return f.Do(ctx, FetchRequest{URL: rawURL, Headers: headers})
}

// Do runs req to completion. Invalid requests fail before any connection is made.
// A cancelled ctx stops the fetch without further attempts.
func (f *Fetcher) Do(ctx context.Context, req FetchRequest) (string, error) {
	if _, err := f.shaper.Shape(req); err != nil {
		return "", err
	}
	var lastErr error
	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := f.sleep(ctx, RetryDelay); err != nil {
				return "", &TransportError{Op: "backoff", Err: err}
			}
		}
		body, err := f.attempt(ctx, req)
		if err == nil {
			f.logger.DebugContext(ctx, "Fetch succeeded", "url", req.URL, "attempt", attempt)
			return body, nil
		}
		if ctx.Err() != nil {
			var transportErr *TransportError
			if !errors.As(err, &transportErr) {
				err = &TransportError{Op: "fetch", Err: context.Cause(ctx)}
			}
			return "", err
		}
		f.logger.DebugContext(ctx, "Fetch attempt failed", "url", req.URL, "attempt", attempt, "error", err)
		lastErr = err
	}
	f.logger.WarnContext(ctx, "Fetch failed", "url", req.URL, "attempts", MaxAttempts, "error", lastErr)
	return "", &ExhaustedRetriesError{Attempts: MaxAttempts, Last: lastErr}
}

// Result is the outcome of [Fetcher.FetchAsync].
type Result struct {
	Body string
	Err  error
}

// FetchAsync runs req on its own goroutine. The returned channel receives exactly one
// [Result] and is then closed.
func (f *Fetcher) FetchAsync(ctx context.Context, req FetchRequest) <-chan Result {
	results := make(chan Result, 1)
	go func() {
		defer close(results)
		body, err := f.Do(ctx, req)
		results <- Result{Body: body, Err: err}
	}()
	return results
}

// attempt fetches req once, following redirects.
func (f *Fetcher) attempt(ctx context.Context, req FetchRequest) (string, error) {
	current := req
	for hop := 0; ; hop++ {
		shaped, err := f.shaper.Shape(current)
		if err != nil {
			return "", &TransportError{Op: "redirect", Err: fmt.Errorf("invalid location %q: %v", current.URL, err)}
		}
		body, location, err := f.roundTrip(ctx, shaped)
		if err != nil || location == "" {
			return body, err
		}
		if hop >= MaxRedirects {
			return "", &TransportError{Op: "redirect", Err: fmt.Errorf("stopped after %d redirects", MaxRedirects)}
		}
		next, err := resolveLocation(current.URL, location)
		if err != nil {
			return "", &TransportError{Op: "redirect", Err: err}
		}
		f.logger.DebugContext(ctx, "Following redirect", "from", current.URL, "to", next)
		current = FetchRequest{URL: next, Headers: redirectHeaders(current, next)}
	}
}

func resolveLocation(base, location string) (string, error) {
	baseURL, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	locationURL, err := url.Parse(location)
	if err != nil {
		return "", fmt.Errorf("invalid location %q: %w", location, err)
	}
	return baseURL.ResolveReference(locationURL).String(), nil
}

// redirectHeaders drops credentials when a redirect leaves the original host.
func redirectHeaders(from FetchRequest, to string) map[string]string {
	fromURL, err1 := url.Parse(from.URL)
	toURL, err2 := url.Parse(to)
	if err1 == nil && err2 == nil && strings.EqualFold(fromURL.Hostname(), toURL.Hostname()) {
		return from.Headers
	}
	headers := make(map[string]string, len(from.Headers))
	for name, value := range from.Headers {
		if strings.EqualFold(name, "Authorization") || strings.EqualFold(name, "Cookie") {
			continue
		}
		headers[name] = value
	}
	return headers
}
