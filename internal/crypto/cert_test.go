package crypto

import (
	"crypto/ed25519"
	"testing"
)

func TestGenerateSelfSignedCert(t *testing.T) {
	cert, err := GenerateSelfSignedCert("1234-5678-9012-3456")
	if err != nil {
		t.Fatalf("GenerateSelfSignedCert failed: %v", err)
	}

	if cert.Leaf == nil {
		t.Fatal("Leaf is nil")
	}
	if cert.Leaf.Subject.CommonName != "1234-5678-9012-3456" {
		t.Errorf("CommonName = %q; want 1234-5678-9012-3456", cert.Leaf.Subject.CommonName)
	}
	if _, ok := cert.PrivateKey.(ed25519.PrivateKey); !ok {
		t.Errorf("PrivateKey is %T; want ed25519.PrivateKey", cert.PrivateKey)
	}
}

func TestFingerprint(t *testing.T) {
	a, err := GenerateSelfSignedCert("a")
	if err != nil {
		t.Fatalf("GenerateSelfSignedCert failed: %v", err)
	}
	b, err := GenerateSelfSignedCert("b")
	if err != nil {
		t.Fatalf("GenerateSelfSignedCert failed: %v", err)
	}

	fa := Fingerprint(a.Leaf)
	if len(fa) != 64 {
		t.Errorf("len(Fingerprint) = %d; want 64", len(fa))
	}
	if fa != Fingerprint(a.Leaf) {
		t.Error("Fingerprint is not stable")
	}
	if fa == Fingerprint(b.Leaf) {
		t.Error("different certificates share a fingerprint")
	}
}
