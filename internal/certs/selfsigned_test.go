package certs

import (
	"bytes"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"slices"
	"testing"
	"time"
)

func parse(t *testing.T, c *CertInfo) *x509.Certificate {
	t.Helper()
	if len(c.TLSCert.Certificate) == 0 {
		t.Fatal("no certificate data")
	}
	x, err := x509.ParseCertificate(c.TLSCert.Certificate[0])
	if err != nil {
		t.Fatalf("parse cert: %v", err)
	}
	return x
}

func TestGenerate(t *testing.T) {
	t.Parallel()
	cert, err := Generate(24*time.Hour, "loupe.local", "10.0.0.7")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	x := parse(t, cert)

	if x.Subject.CommonName != "loupe" {
		t.Errorf("common name: got %q, want loupe", x.Subject.CommonName)
	}
	if got := x.NotAfter.Sub(x.NotBefore); got != 24*time.Hour {
		t.Errorf("validity: got %v, want 24h", got)
	}
	if x.NotAfter.Before(time.Now()) {
		t.Error("cert is already expired")
	}
	if cert.Fingerprint != sha256.Sum256(cert.TLSCert.Certificate[0]) {
		t.Error("fingerprint mismatch")
	}
	if cert.FingerprintBase64() == "" || len(cert.FingerprintHex()) != 64 {
		t.Errorf("fingerprint encodings: got %q and %q", cert.FingerprintBase64(), cert.FingerprintHex())
	}
	for _, name := range []string{"localhost", "loupe.local"} {
		if !slices.Contains(x.DNSNames, name) {
			t.Errorf("DNS names %v missing %q", x.DNSNames, name)
		}
	}
	if err := x.VerifyHostname("10.0.0.7"); err != nil {
		t.Errorf("extra IP: %v", err)
	}
}

func TestGenerateMaxValidity(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		validity time.Duration
	}{
		{"too long", 30 * 24 * time.Hour},
		{"zero", 0},
		{"negative", -time.Hour},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cert, err := Generate(tt.validity)
			if err != nil {
				t.Fatalf("Generate: %v", err)
			}
			x := parse(t, cert)
			if got := x.NotAfter.Sub(x.NotBefore); got != MaxValidity {
				t.Errorf("validity: got %v, want %v", got, MaxValidity)
			}
		})
	}
}

func TestWritePEM(t *testing.T) {
	t.Parallel()
	cert, err := Generate(time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := cert.WritePEM(&buf); err != nil {
		t.Fatalf("WritePEM: %v", err)
	}
	block, _ := pem.Decode(buf.Bytes())
	if block == nil || block.Type != "CERTIFICATE" {
		t.Fatalf("decoded block: got %+v", block)
	}
	if !bytes.Equal(block.Bytes, cert.TLSCert.Certificate[0]) {
		t.Error("PEM does not carry the certificate")
	}
	if cfg := cert.TLSConfig(); len(cfg.Certificates) != 1 {
		t.Errorf("TLSConfig certificates: got %d, want 1", len(cfg.Certificates))
	}
}
