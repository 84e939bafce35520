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
	"bytes"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// FetchRequest is what a caller asks for. Header names are case-insensitive.
type FetchRequest struct {
	URL     string
	Headers map[string]string
}

// HeaderField is one request header, written to the wire exactly as given.
type HeaderField struct {
	Name  string
	Value string
}

// ShapedRequest is a single GET ready to be written to an evasive connection.
// It is built for one attempt and must not be modified.
type ShapedRequest struct {
	url    *url.URL
	header []HeaderField
	addr   string
	secure bool
}

// Method is always GET.
func (r *ShapedRequest) Method() string {
	return http.MethodGet
}

// URL returns a copy of the URL the request targets, dot trick included.
func (r *ShapedRequest) URL() *url.URL {
	u := *r.url
	return &u
}

// Header returns the header fields in wire order.
func (r *ShapedRequest) Header() []HeaderField {
	return append([]HeaderField(nil), r.header...)
}

// Get returns the value of the first field named name, compared case-insensitively.
func (r *ShapedRequest) Get(name string) (string, bool) {
	for _, field := range r.header {
		if strings.EqualFold(field.Name, name) {
			return field.Value, true
		}
	}
	return "", false
}

// Address is the host:port to dial.
func (r *ShapedRequest) Address() string {
	return r.addr
}

// Secure reports whether the connection needs TLS.
func (r *ShapedRequest) Secure() bool {
	return r.secure
}

// WriteTo serializes the request head as HTTP/1.1 in a single write.
func (r *ShapedRequest) WriteTo(w io.Writer) (int64, error) {
	var buf bytes.Buffer
	target := r.url.RequestURI()
	if target == "" {
		target = "/"
	}
	buf.WriteString(http.MethodGet + " " + target + " HTTP/1.1\r\n")
	for _, field := range r.header {
		buf.WriteString(field.Name)
		buf.WriteString(": ")
		buf.WriteString(field.Value)
		buf.WriteString("\r\n")
	}
	buf.WriteString("\r\n")
	n, err := w.Write(buf.Bytes())
	return int64(n), err
}
