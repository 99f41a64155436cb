package secrets

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestCodec(t *testing.T) *Codec {
	t.Helper()
	c, err := NewCodec([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatalf("NewCodec failed: %v", err)
	}
	return c
}

func TestCodec_EncryptDecrypt(t *testing.T) {
	c := newTestCodec(t)

	enc, err := c.Encrypt("s3cret")
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if !strings.HasPrefix(enc, Prefix) || strings.Contains(enc, "s3cret") {
		t.Errorf("Unexpected ciphertext %q", enc)
	}

	again, _ := c.Encrypt("s3cret")
	if again == enc {
		t.Error("Expected a fresh nonce per encryption")
	}

	plain, err := c.Decrypt(enc)
	if err != nil || plain != "s3cret" {
		t.Errorf("Decrypt = %q, %v", plain, err)
	}
}

func TestCodec_PassThrough(t *testing.T) {
	c := newTestCodec(t)

	if got, _ := c.Encrypt(""); got != "" {
		t.Errorf("Expected empty value unchanged, got %q", got)
	}
	if got, _ := c.Decrypt("legacy-plain"); got != "legacy-plain" {
		t.Errorf("Expected plaintext unchanged, got %q", got)
	}

	enc, _ := c.Encrypt("x")
	if twice, _ := c.Encrypt(enc); twice != enc {
		t.Error("Expected encrypted value not to be encrypted again")
	}
}

func TestCodec_Failures(t *testing.T) {
	c := newTestCodec(t)
	other, _ := NewCodec([]byte("another-master-key-value"))

	enc, _ := other.Encrypt("value")
	if _, err := c.Decrypt(enc); err == nil {
		t.Error("Expected wrong key to fail")
	}
	if _, err := c.Decrypt(Prefix + "%%%"); !errors.Is(err, ErrMalformed) {
		t.Errorf("Expected ErrMalformed, got %v", err)
	}
	if _, err := c.Decrypt(Prefix + "AAAA"); !errors.Is(err, ErrMalformed) {
		t.Errorf("Expected ErrMalformed for short value, got %v", err)
	}
	if _, err := NewCodec([]byte("short")); err == nil {
		t.Error("Expected short master key to be rejected")
	}
}

func TestLoadOrCreateKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "master.key")

	first, err := LoadOrCreateKey(path)
	if err != nil {
		t.Fatalf("LoadOrCreateKey failed: %v", err)
	}
	if len(first) != 32 {
		t.Errorf("Expected 32-byte key, got %d", len(first))
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Expected key file: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("Expected mode 0600, got %v", info.Mode().Perm())
	}

	second, err := LoadOrCreateKey(path)
	if err != nil || string(second) != string(first) {
		t.Error("Expected the stored key to be reused")
	}
}

func TestSensitiveHelpers(t *testing.T) {
	c := newTestCodec(t)
	cfg := map[string]string{
		"REDIS_PASSWORD": "pw",
		"api_token":      "tok",
		"REDIS_HOST":     "localhost",
	}

	enc, err := EncryptSensitive(c, cfg)
	if err != nil {
		t.Fatalf("EncryptSensitive failed: %v", err)
	}
	if !IsEncrypted(enc["REDIS_PASSWORD"]) || !IsEncrypted(enc["api_token"]) {
		t.Errorf("Expected secrets to be encrypted: %v", enc)
	}
	if enc["REDIS_HOST"] != "localhost" {
		t.Errorf("Expected host untouched, got %q", enc["REDIS_HOST"])
	}
	if cfg["REDIS_PASSWORD"] != "pw" {
		t.Error("Expected input map to be left alone")
	}

	dec := DecryptSensitive(c, enc)
	if dec["REDIS_PASSWORD"] != "pw" || dec["api_token"] != "tok" {
		t.Errorf("Unexpected decrypted config %v", dec)
	}

	red := Redact(cfg)
	if red["REDIS_PASSWORD"] != "******" || red["REDIS_HOST"] != "localhost" {
		t.Errorf("Unexpected redaction %v", red)
	}
}

func ExampleCodec() {
	codec, _ := NewCodec([]byte("example-master-key-0001"))
	sealed, _ := codec.Encrypt("hunter2")
	plain, _ := codec.Decrypt(sealed)
	fmt.Println(IsEncrypted(sealed), plain)
	// Output: true hunter2
}
