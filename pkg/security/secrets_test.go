package security

import (
	"bytes"
	"strings"
	"testing"
)

func TestNewSecretsManager(t *testing.T) {
	// Valid 32-byte key
	key := make([]byte, 32)
	sm, err := NewSecretsManager(key)
	if err != nil {
		t.Fatalf("NewSecretsManager() failed: %v", err)
	}
	if sm == nil {
		t.Fatal("NewSecretsManager() returned nil")
	}

	// Invalid key lengths
	for _, n := range []int{0, 16, 31, 33, 64} {
		if _, err := NewSecretsManager(make([]byte, n)); err == nil {
			t.Errorf("NewSecretsManager() accepted %d-byte key", n)
		}
	}
}

func TestNewSecretsManagerFromPassword(t *testing.T) {
	sm, err := NewSecretsManagerFromPassword("session-secret")
	if err != nil {
		t.Fatalf("NewSecretsManagerFromPassword() failed: %v", err)
	}
	if sm == nil {
		t.Fatal("NewSecretsManagerFromPassword() returned nil")
	}

	if _, err := NewSecretsManagerFromPassword(""); err == nil {
		t.Error("NewSecretsManagerFromPassword() accepted empty password")
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	sm, err := NewSecretsManagerFromPassword("session-secret")
	if err != nil {
		t.Fatalf("NewSecretsManagerFromPassword() failed: %v", err)
	}

	plaintext := []byte("device-hmac-secret-material")
	encrypted, err := sm.EncryptSecret(plaintext)
	if err != nil {
		t.Fatalf("EncryptSecret() failed: %v", err)
	}
	if bytes.Contains(encrypted, plaintext) {
		t.Error("ciphertext contains plaintext")
	}

	decrypted, err := sm.DecryptSecret(encrypted)
	if err != nil {
		t.Fatalf("DecryptSecret() failed: %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Errorf("DecryptSecret() = %q, want %q", decrypted, plaintext)
	}
}

func TestEncryptProducesUniqueNonces(t *testing.T) {
	sm, _ := NewSecretsManagerFromPassword("session-secret")

	first, err := sm.EncryptSecret([]byte("same input"))
	if err != nil {
		t.Fatalf("EncryptSecret() failed: %v", err)
	}
	second, err := sm.EncryptSecret([]byte("same input"))
	if err != nil {
		t.Fatalf("EncryptSecret() failed: %v", err)
	}
	if bytes.Equal(first, second) {
		t.Error("two encryptions of the same plaintext produced identical ciphertext")
	}
}

func TestDecryptRejectsWrongKey(t *testing.T) {
	sm1, _ := NewSecretsManagerFromPassword("secret-one")
	sm2, _ := NewSecretsManagerFromPassword("secret-two")

	encrypted, err := sm1.EncryptSecret([]byte("payload"))
	if err != nil {
		t.Fatalf("EncryptSecret() failed: %v", err)
	}
	if _, err := sm2.DecryptSecret(encrypted); err == nil {
		t.Error("DecryptSecret() succeeded with the wrong key")
	}
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	sm, _ := NewSecretsManagerFromPassword("session-secret")

	encrypted, err := sm.EncryptSecret([]byte("payload"))
	if err != nil {
		t.Fatalf("EncryptSecret() failed: %v", err)
	}
	encrypted[len(encrypted)-1] ^= 0x01
	if _, err := sm.DecryptSecret(encrypted); err == nil {
		t.Error("DecryptSecret() accepted tampered ciphertext")
	}

	// Truncated input
	if _, err := sm.DecryptSecret(encrypted[:4]); err == nil {
		t.Error("DecryptSecret() accepted truncated ciphertext")
	}
	if _, err := sm.DecryptSecret(nil); err == nil {
		t.Error("DecryptSecret() accepted empty ciphertext")
	}
}

func TestGenerateCollectorKey(t *testing.T) {
	key, err := GenerateCollectorKey()
	if err != nil {
		t.Fatalf("GenerateCollectorKey() failed: %v", err)
	}
	if !strings.HasPrefix(key, CollectorKeyPrefix) {
		t.Errorf("GenerateCollectorKey() = %q, missing %q prefix", key, CollectorKeyPrefix)
	}
	if !ValidCollectorKeyFormat(key) {
		t.Errorf("generated key %q fails format validation", key)
	}

	other, err := GenerateCollectorKey()
	if err != nil {
		t.Fatalf("GenerateCollectorKey() failed: %v", err)
	}
	if key == other {
		t.Error("GenerateCollectorKey() produced duplicate keys")
	}
}

func TestValidCollectorKeyFormat(t *testing.T) {
	cases := map[string]bool{
		"":                   false,
		"hsc_":               false,
		"hsc_short":          false,
		"wrong_prefix":       false,
		"hsc_!!!not-base64!": false,
	}
	for key, want := range cases {
		if got := ValidCollectorKeyFormat(key); got != want {
			t.Errorf("ValidCollectorKeyFormat(%q) = %v, want %v", key, got, want)
		}
	}
}

func TestHashKeyIsStable(t *testing.T) {
	key := "hsc_example"
	if HashKey(key) != HashKey(key) {
		t.Error("HashKey() is not deterministic")
	}
	if len(HashKey(key)) != 64 {
		t.Errorf("HashKey() length = %d, want 64", len(HashKey(key)))
	}
	if HashKey(key) == HashKey("hsc_other") {
		t.Error("HashKey() collided on distinct inputs")
	}
}

func TestGenerateDeviceSecret(t *testing.T) {
	secret, err := GenerateDeviceSecret()
	if err != nil {
		t.Fatalf("GenerateDeviceSecret() failed: %v", err)
	}
	if len(secret) != 32 {
		t.Errorf("GenerateDeviceSecret() length = %d, want 32", len(secret))
	}

	other, _ := GenerateDeviceSecret()
	if bytes.Equal(secret, other) {
		t.Error("GenerateDeviceSecret() produced duplicate secrets")
	}
}
