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
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidInput is returned, wrapped with details, when a request cannot be shaped.
// It is detected before any network activity and never retried.
var ErrInvalidInput = errors.New("invalid input")

func invalidInput(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// TransportError is a failure to resolve, connect, handshake, write or read during an attempt.
type TransportError struct {
	// The step that failed, such as "dial", "write" or "read".
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// HTTPError is a response with a status code outside of the 2xx range.
type HTTPError struct {
	StatusCode int
	// Status line as received, for example "503 Service Unavailable".
	Status string
}

func (e *HTTPError) Error() string {
	reason := strings.TrimSpace(strings.TrimPrefix(e.Status, strconv.Itoa(e.StatusCode)))
	if reason == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, reason)
}

// ExhaustedRetriesError is the terminal failure after every attempt failed.
// It wraps the error of the last attempt.
type ExhaustedRetriesError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedRetriesError) Error() string {
	return fmt.Sprintf("all %d attempts failed: %v", e.Attempts, e.Last)
}

func (e *ExhaustedRetriesError) Unwrap() error {
	return e.Last
}

// ErrorKind classifies the errors returned by a [Fetcher].
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindInvalidInput
	KindTransport
	KindHTTP
	KindExhaustedRetries
)

func (k ErrorKind) String() string {
	switch k {
	case KindInvalidInput:
		return "INVALID_INPUT"
	case KindTransport:
		return "TRANSPORT_ERROR"
	case KindHTTP:
		return "HTTP_ERROR"
	case KindExhaustedRetries:
		return "EXHAUSTED_RETRIES"
	default:
		return "UNKNOWN"
	}
}

// KindOf returns the outermost kind of err. An [ExhaustedRetriesError] is reported as
// such even though it wraps a transport or HTTP error.
func KindOf(err error) ErrorKind {
	var exhausted *ExhaustedRetriesError
	var httpErr *HTTPError
	var transportErr *TransportError
	switch {
	case err == nil:
		return KindUnknown
	case errors.As(err, &exhausted):
		return KindExhaustedRetries
	case errors.Is(err, ErrInvalidInput):
		return KindInvalidInput
	case errors.As(err, &httpErr):
		return KindHTTP
	case errors.As(err, &transportErr):
		return KindTransport
	default:
		return KindUnknown
	}
}
