// Package certs generates the self-signed ECDSA P-256 identity a QUIC
// listener presents, and the TLS configurations that pin it by
// fingerprint on the dialing side.
package certs

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"net"
	"time"
)

// DefaultValidity is used when Generate is asked for a non-positive
// validity.
const DefaultValidity = 14 * 24 * time.Hour

// ErrFingerprintMismatch is returned from a pinned handshake when the peer
// presents a different certificate.
var ErrFingerprintMismatch = errors.New("certs: peer certificate fingerprint mismatch")

// Identity holds a TLS certificate and its SHA-256 fingerprint.
type Identity struct {
	TLSCert     tls.Certificate
	Fingerprint [32]byte
	NotAfter    time.Time
}

// FingerprintBase64 returns the SHA-256 fingerprint as base64.
func (id *Identity) FingerprintBase64() string {
	return base64.StdEncoding.EncodeToString(id.Fingerprint[:])
}

// Generate creates a self-signed certificate for localhost plus any extra
// host names or IP addresses.
func Generate(validity time.Duration, hosts ...string) (*Identity, error) {
	if validity <= 0 {
		validity = DefaultValidity
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate private key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial number: %w", err)
	}

	notBefore := time.Now().Add(-time.Minute) // tolerate peer clock skew
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "vidlink"},
		NotBefore:    notBefore,
		NotAfter:     notBefore.Add(validity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else if h != "" {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}

	return &Identity{
		TLSCert: tls.Certificate{
			Certificate: [][]byte{certDER},
			PrivateKey:  key,
		},
		Fingerprint: sha256.Sum256(certDER),
		NotAfter:    template.NotAfter,
	}, nil
}

// ServerConfig returns a TLS 1.3 server configuration presenting id and
// negotiating the given ALPN protocols.
func (id *Identity) ServerConfig(alpn ...string) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{id.TLSCert},
		NextProtos:   alpn,
		MinVersion:   tls.VersionTLS13,
	}
}

// ClientConfig returns a TLS 1.3 client configuration. A non-empty
// fingerprint (base64 SHA-256, as printed by FingerprintBase64) pins the
// server certificate; an empty one accepts any certificate, which is only
// suitable on trusted networks.
func ClientConfig(fingerprint string, alpn ...string) (*tls.Config, error) {
	cfg := &tls.Config{
		NextProtos:         alpn,
		MinVersion:         tls.VersionTLS13,
		InsecureSkipVerify: true, // verification is done by pinning below
	}
	if fingerprint == "" {
		return cfg, nil
	}

	want, err := base64.StdEncoding.DecodeString(fingerprint)
	if err != nil || len(want) != sha256.Size {
		return nil, fmt.Errorf("certs: invalid fingerprint %q", fingerprint)
	}
	cfg.VerifyPeerCertificate = func(raw [][]byte, _ [][]*x509.Certificate) error {
		if len(raw) == 0 {
			return ErrFingerprintMismatch
		}
		got := sha256.Sum256(raw[0])
		if !bytes.Equal(got[:], want) {
			return ErrFingerprintMismatch
		}
		return nil
	}
	return cfg, nil
}
