package secrets

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

const testHash = "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	c, err := NewContext([]byte("master-material"))
	if err != nil {
		t.Fatalf("failed to create context: %v", err)
	}

	plaintext := []byte(`{"api_key":"super-secret-12345"}`)
	nonce, ct, err := c.Encrypt(testHash, plaintext)
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	if len(nonce) != 12 {
		t.Errorf("nonce = %d bytes, want 12", len(nonce))
	}
	if bytes.Contains(ct, []byte("super-secret")) {
		t.Error("ciphertext contains plaintext")
	}

	got, err := c.Decrypt(testHash, nonce, ct)
	if err != nil {
		t.Fatalf("decrypt failed: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("decrypted = %q, want %q", got, plaintext)
	}
}

func TestEncrypt_FreshNoncePerCall(t *testing.T) {
	c, _ := NewContext([]byte("master-material"))

	n1, _, err := c.Encrypt(testHash, []byte("x"))
	if err != nil {
		t.Fatal(err)
	}
	n2, _, err := c.Encrypt(testHash, []byte("x"))
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(n1, n2) {
		t.Error("two encryptions produced the same nonce")
	}
}

func TestDecrypt_WrongHashIsIntegrityError(t *testing.T) {
	c, _ := NewContext([]byte("master-material"))

	nonce, ct, err := c.Encrypt(testHash, []byte("payload"))
	if err != nil {
		t.Fatal(err)
	}

	// A different artifact hash derives a different key: decryption of
	// the old envelope must fail closed.
	_, err = c.Decrypt("0000000000000000000000000000000000000000000000000000000000000000", nonce, ct)
	if !errors.Is(err, ErrIntegrity) {
		t.Errorf("expected ErrIntegrity, got %v", err)
	}
}

func TestDecrypt_TamperedCiphertext(t *testing.T) {
	c, _ := NewContext([]byte("master-material"))

	nonce, ct, err := c.Encrypt(testHash, []byte("payload"))
	if err != nil {
		t.Fatal(err)
	}
	ct[0] ^= 0xff

	_, err = c.Decrypt(testHash, nonce, ct)
	if !errors.Is(err, ErrIntegrity) {
		t.Errorf("expected ErrIntegrity, got %v", err)
	}
}

func TestDecrypt_WrongMaster(t *testing.T) {
	a, _ := NewContext([]byte("master-a"))
	b, _ := NewContext([]byte("master-b"))

	nonce, ct, err := a.Encrypt(testHash, []byte("payload"))
	if err != nil {
		t.Fatal(err)
	}

	_, err = b.Decrypt(testHash, nonce, ct)
	if !errors.Is(err, ErrIntegrity) {
		t.Errorf("expected ErrIntegrity, got %v", err)
	}
}

func TestDeriveKey_Deterministic(t *testing.T) {
	c, _ := NewContext([]byte("master-material"))

	k1 := c.DeriveKey("internal-auth")
	k2 := c.DeriveKey("internal-auth")
	if !bytes.Equal(k1, k2) {
		t.Error("same info produced different keys")
	}

	k3 := c.DeriveKey("other")
	if bytes.Equal(k1, k3) {
		t.Error("different info produced the same key")
	}
}

func TestLoad_LocalTrimsTrailingWhitespace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "master")
	if err := os.WriteFile(path, []byte("s3cret-material\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	c, err := Load(context.Background(), "local", path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	// The trailing newline must not affect derivation.
	want, _ := NewContext([]byte("s3cret-material"))
	if !bytes.Equal(c.DeriveKey("x"), want.DeriveKey("x")) {
		t.Error("trailing whitespace changed the derived key")
	}
}

func TestLoad_EmptyFileFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "master")
	if err := os.WriteFile(path, []byte("  \n\t\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(context.Background(), "local", path); err == nil {
		t.Fatal("expected error for whitespace-only master secret")
	}
}

func TestLoad_MissingFileFails(t *testing.T) {
	if _, err := Load(context.Background(), "local", filepath.Join(t.TempDir(), "absent")); err == nil {
		t.Fatal("expected error for missing master secret")
	}
}

func TestLoad_AutoInfersMode(t *testing.T) {
	// Unknown explicit mode is rejected.
	if _, err := Load(context.Background(), "vault", "/tmp/x"); err == nil {
		t.Fatal("expected error for unknown mode")
	}

	// auto + plain path behaves like local.
	path := filepath.Join(t.TempDir(), "master")
	if err := os.WriteFile(path, []byte("material"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(context.Background(), "auto", path); err != nil {
		t.Fatalf("auto mode with local path failed: %v", err)
	}
}

func TestSplitObjectURI(t *testing.T) {
	b, k, err := splitObjectURI("s3://vault/keys/master.bin", "s3://")
	if err != nil {
		t.Fatal(err)
	}
	if b != "vault" || k != "keys/master.bin" {
		t.Errorf("got (%q, %q)", b, k)
	}

	if _, _, err := splitObjectURI("s3://onlybucket", "s3://"); err == nil {
		t.Error("expected error for URI without key")
	}
}
