package certs

import (
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"net"
	"slices"
	"testing"
	"time"
)

func TestGenerate(t *testing.T) {
	t.Parallel()
	id, err := Generate(24*time.Hour, "media.example", "10.1.2.3")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	cert, err := x509.ParseCertificate(id.TLSCert.Certificate[0])
	if err != nil {
		t.Fatalf("failed to parse cert: %v", err)
	}

	if v := cert.NotAfter.Sub(cert.NotBefore); v != 24*time.Hour {
		t.Errorf("validity = %v, want 24h", v)
	}
	if cert.NotAfter.Before(time.Now()) {
		t.Error("cert is already expired")
	}
	if id.Fingerprint != sha256.Sum256(id.TLSCert.Certificate[0]) {
		t.Error("fingerprint mismatch")
	}
	if id.FingerprintBase64() == "" {
		t.Error("FingerprintBase64 returned empty string")
	}
	if !slices.Contains(cert.DNSNames, "localhost") || !slices.Contains(cert.DNSNames, "media.example") {
		t.Errorf("DNS names = %v", cert.DNSNames)
	}
	if !slices.ContainsFunc(cert.IPAddresses, func(ip net.IP) bool { return ip.Equal(net.ParseIP("10.1.2.3")) }) {
		t.Errorf("IP addresses = %v", cert.IPAddresses)
	}
}

func TestGenerateDefaultValidity(t *testing.T) {
	t.Parallel()
	id, err := Generate(0)
	if err != nil {
		t.Fatal(err)
	}
	cert, _ := x509.ParseCertificate(id.TLSCert.Certificate[0])
	if v := cert.NotAfter.Sub(cert.NotBefore); v != DefaultValidity {
		t.Errorf("validity = %v, want %v", v, DefaultValidity)
	}
}

func TestClientConfigPinning(t *testing.T) {
	t.Parallel()
	id, err := Generate(time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	other, err := Generate(time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	cfg, err := ClientConfig(id.FingerprintBase64(), "vidlink-rtp")
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.VerifyPeerCertificate(id.TLSCert.Certificate, nil); err != nil {
		t.Errorf("pinned certificate rejected: %v", err)
	}
	if err := cfg.VerifyPeerCertificate(other.TLSCert.Certificate, nil); !errors.Is(err, ErrFingerprintMismatch) {
		t.Errorf("foreign certificate: %v, want ErrFingerprintMismatch", err)
	}

	open, err := ClientConfig("")
	if err != nil || open.VerifyPeerCertificate != nil {
		t.Errorf("unpinned config: %v", err)
	}
	if _, err := ClientConfig("not base64!"); err == nil {
		t.Error("invalid fingerprint accepted")
	}

	srv := id.ServerConfig("vidlink-rtp")
	if len(srv.Certificates) != 1 || srv.NextProtos[0] != "vidlink-rtp" {
		t.Errorf("server config = %+v", srv)
	}
}
