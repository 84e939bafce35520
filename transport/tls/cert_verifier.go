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

package tls

import (
	"crypto/x509"
	"errors"
)

// CertVerificationContext holds what a [CertVerifier] gets to look at.
type CertVerificationContext struct {
	// Certificates presented by the peer, leaf first.
	PeerCertificates []*x509.Certificate
}

// CertVerifier decides whether the certificates presented by a server are acceptable.
type CertVerifier interface {
	VerifyCertificate(info *CertVerificationContext) error
}

// StandardCertVerifier verifies the chain the same way crypto/tls does by default.
type StandardCertVerifier struct {
	// The hostname the leaf certificate must be valid for.
	CertificateName string
	// Trusted roots. Nil means the system pool.
	Roots *x509.CertPool
}

var _ CertVerifier = (*StandardCertVerifier)(nil)

// VerifyCertificate implements [CertVerifier].
func (v *StandardCertVerifier) VerifyCertificate(info *CertVerificationContext) error {
	// This replicates the logic in the standard library verification:
	// https://cs.opensource.google/go/go/+/master:src/crypto/tls/handshake_client.go;l=982;drc=b5f87b5407916c4049a3158cc944cebfd7a883a9
	if len(info.PeerCertificates) == 0 {
		return errors.New("no peer certificates")
	}
	opts := x509.VerifyOptions{
		DNSName:       v.CertificateName,
		Roots:         v.Roots,
		Intermediates: x509.NewCertPool(),
	}
	for _, cert := range info.PeerCertificates[1:] {
		opts.Intermediates.AddCert(cert)
	}
	_, err := info.PeerCertificates[0].Verify(opts)
	return err
}

// InsecureTrustPolicy accepts every certificate chain for every hostname.
//
// It offers no protection against on-path tampering. It is never applied by default
// and must be passed explicitly with [WithCertVerifier].
type InsecureTrustPolicy struct{}

var _ CertVerifier = InsecureTrustPolicy{}

// VerifyCertificate implements [CertVerifier] and always succeeds.
func (InsecureTrustPolicy) VerifyCertificate(*CertVerificationContext) error {
	return nil
}
