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

// Package sni reads the Server Name Indication out of the first bytes a TLS client sends.
package sni

import (
	"errors"

	"golang.org/x/crypto/cryptobyte"
)

const (
	recordTypeHandshake   = 22
	handshakeTypeHello    = 1
	extensionServerName   = 0
	serverNameTypeHostName = 0
)

// IsClientHello reports whether record starts like a TLS handshake record
// carrying a ClientHello.
func IsClientHello(record []byte) bool {
	return len(record) >= 6 && record[0] == recordTypeHandshake && record[5] == handshakeTypeHello
}

// ServerName returns the host name in the SNI extension of the ClientHello at the
// start of record. Bytes past the first record are ignored.
func ServerName(record []byte) (string, error) {
	if !IsClientHello(record) {
		return "", errors.New("not a ClientHello record")
	}
	in := cryptobyte.String(record)

	var fragment cryptobyte.String
	// uint8 ContentType, uint16 ProtocolVersion, then the length-prefixed fragment.
	if !in.Skip(1+2) || !in.ReadUint16LengthPrefixed(&fragment) {
		return "", errors.New("truncated TLS record")
	}

	var body cryptobyte.String
	var msgType uint8
	if !fragment.ReadUint8(&msgType) || !fragment.ReadUint24LengthPrefixed(&body) {
		return "", errors.New("truncated handshake message")
	}

	var sessionID, cipherSuites, compression cryptobyte.String
	// uint16 legacy_version and 32 bytes of random precede the session id.
	if !body.Skip(2+32) ||
		!body.ReadUint8LengthPrefixed(&sessionID) ||
		!body.ReadUint16LengthPrefixed(&cipherSuites) ||
		!body.ReadUint8LengthPrefixed(&compression) {
		return "", errors.New("malformed ClientHello")
	}
	if body.Empty() {
		return "", errors.New("ClientHello has no extensions")
	}

	var extensions cryptobyte.String
	if !body.ReadUint16LengthPrefixed(&extensions) {
		return "", errors.New("malformed extensions")
	}
	for !extensions.Empty() {
		var extType uint16
		var extData cryptobyte.String
		if !extensions.ReadUint16(&extType) || !extensions.ReadUint16LengthPrefixed(&extData) {
			return "", errors.New("malformed extension")
		}
		if extType != extensionServerName {
			continue
		}
		// RFC 6066, Section 3
		var names cryptobyte.String
		if !extData.ReadUint16LengthPrefixed(&names) {
			return "", errors.New("malformed server_name extension")
		}
		for !names.Empty() {
			var nameType uint8
			var name cryptobyte.String
			if !names.ReadUint8(&nameType) || !names.ReadUint16LengthPrefixed(&name) {
				return "", errors.New("malformed server name")
			}
			if nameType == serverNameTypeHostName && !name.Empty() {
				return string(name), nil
			}
		}
	}
	return "", errors.New("no SNI")
}
