package identity

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestSignVerify(t *testing.T) {
	svc, err := Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	data := []byte("link a->b down")
	sig, err := svc.Sign(data)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if !svc.Verify(svc.PublicKey(), data, sig) {
		t.Fatal("signature should verify")
	}
	if svc.Verify(svc.PublicKey(), []byte("tampered"), sig) {
		t.Fatal("tampered data should not verify")
	}

	other, _ := Generate()
	if svc.Verify(other.PublicKey(), data, sig) {
		t.Fatal("wrong key should not verify")
	}
}

func TestVerifyRejectsMalformedInputs(t *testing.T) {
	svc, _ := Generate()
	if svc.Verify([]byte("short"), []byte("data"), make([]byte, 64)) {
		t.Fatal("short public key should not verify")
	}
	if svc.Verify(svc.PublicKey(), []byte("data"), []byte("short")) {
		t.Fatal("short signature should not verify")
	}
}

func TestLoadOrGeneratePersistsKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "node.key")

	first, err := LoadOrGenerate(path)
	if err != nil {
		t.Fatalf("first load: %v", err)
	}
	second, err := LoadOrGenerate(path)
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	if !bytes.Equal(first.PublicKey(), second.PublicKey()) {
		t.Fatal("reloaded key differs from generated one")
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("key file mode = %v, want 0600", info.Mode().Perm())
	}
}

func TestLoadOrGenerateRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.key")
	if err := os.WriteFile(path, []byte("not a seed"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadOrGenerate(path); err == nil {
		t.Fatal("expected malformed key file error")
	}
}
