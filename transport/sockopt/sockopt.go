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

// Package sockopt provides cross-platform ways to interact with socket options.
package sockopt

import (
	"errors"
	"fmt"
	"net"
	"time"
)

// HasWaitUntilBytesAreSent is implemented by connections that can block until the
// kernel has handed all queued bytes to the network.
type HasWaitUntilBytesAreSent interface {
	// Wait until all bytes are sent to the socket.
	// Returns ErrUnsupported if the platform doesn't support it.
	// May return a different error.
	WaitUntilBytesAreSent() error
	// Checks if the OS supports waiting until the bytes are sent
	OsSupportsWaitingUntilBytesAreSent() bool
}

// TCPOptions represents options for TCP connections.
type TCPOptions interface {
	HasWaitUntilBytesAreSent
}

type tcpOptions struct {
	conn *net.TCPConn

	// Timeout after which we return an error
	waitingTimeout time.Duration
	// Delay between checking the socket
	waitingDelay time.Duration
}

var _ TCPOptions = (*tcpOptions)(nil)

func (o *tcpOptions) OsSupportsWaitingUntilBytesAreSent() bool {
	return isConnectionSendingBytesImplemented()
}

func (o *tcpOptions) WaitUntilBytesAreSent() error {
	startTime := time.Now()
	for time.Since(startTime) < o.waitingTimeout {
		isSendingBytes, err := isConnectionSendingBytes(o.conn)
		if err != nil {
			return err
		}
		if !isSendingBytes {
			return nil
		}

		time.Sleep(o.waitingDelay)
	}
	return errors.New("waiting for socket to send all bytes: timeout exceeded")
}

// NewTCPOptions creates a [TCPOptions] for the given [net.TCPConn].
func NewTCPOptions(conn *net.TCPConn) (TCPOptions, error) {
	if conn == nil {
		return nil, fmt.Errorf("connection must not be nil")
	}
	return &tcpOptions{
		conn:           conn,
		waitingTimeout: 10 * time.Millisecond,
		waitingDelay:   100 * time.Microsecond,
	}, nil
}
