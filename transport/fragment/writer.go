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
Package fragment splits the first writes of a stream connection so that the leading
byte of each travels in its own packet, followed after a short pause by the rest.

Middleboxes that match the TLS ClientHello or an HTTP request line against a
single segment see only one byte in the first packet. The split is best effort:
if it fails midway, the remaining bytes are sent in one piece.
*/
package fragment

import (
	"io"
	"time"
)

const (
	// DefaultMaxFragments is the number of writes that get split on a connection.
	DefaultMaxFragments = 10
	// DefaultDelay is the pause between the first byte and the rest of a split write.
	DefaultDelay = 25 * time.Millisecond
)

// FlushFunc blocks until previously written bytes have left the local host.
type FlushFunc func() error

// NoFlush is a [FlushFunc] for writers that do not buffer.
func NoFlush() error { return nil }

// Writer is an [io.Writer] that splits the first writes after their first byte.
// It is not safe for concurrent use.
type Writer struct {
	writer       io.Writer
	flush        FlushFunc
	maxFragments int
	delay        time.Duration
	// Number of writes split so far.
	fragmented int

	sleep   func(time.Duration)
	onSplit func(index int, data []byte)
}

var _ io.Writer = (*Writer)(nil)

// NewWriter creates a [Writer] over writer that calls flush after each piece it sends.
// A nil flush is treated as [NoFlush].
func NewWriter(writer io.Writer, flush FlushFunc) *Writer {
	if flush == nil {
		flush = NoFlush
	}
	return &Writer{
		writer:       writer,
		flush:        flush,
		maxFragments: DefaultMaxFragments,
		delay:        DefaultDelay,
		sleep:        time.Sleep,
	}
}

// SetMaxFragments sets how many writes get split. Zero disables splitting.
func (w *Writer) SetMaxFragments(n int) {
	w.maxFragments = n
}

// SetDelay sets the pause between the two pieces of a split write.
func (w *Writer) SetDelay(delay time.Duration) {
	w.delay = delay
}

// Fragmented returns how many writes have been split.
func (w *Writer) Fragmented() int {
	return w.fragmented
}

func (w *Writer) Write(data []byte) (int, error) {
	if w.fragmented >= w.maxFragments || len(data) <= 1 {
		return w.writeWhole(data)
	}
	w.fragmented++
	if w.onSplit != nil {
		w.onSplit(w.fragmented, data)
	}
	written, err := w.writeSplit(data)
	if err == nil {
		return written, nil
	}
	// Never resend bytes that already went out.
	n, err := w.writeWhole(data[written:])
	return written + n, err
}

func (w *Writer) writeSplit(data []byte) (int, error) {
	written, err := w.writer.Write(data[:1])
	if err != nil {
		return written, err
	}
	if err := w.flush(); err != nil {
		return written, err
	}
	w.sleep(w.delay)
	n, err := w.writer.Write(data[1:])
	written += n
	if err != nil {
		return written, err
	}
	// Every byte is queued; a failed flush only means we could not wait for them.
	w.flush()
	return written, nil
}

func (w *Writer) writeWhole(data []byte) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}
	n, err := w.writer.Write(data)
	if err != nil {
		return n, err
	}
	// The bytes are already queued; a failed flush only means we could not wait for them.
	w.flush()
	return n, nil
}
