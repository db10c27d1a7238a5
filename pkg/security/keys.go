package security

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

// CollectorKeyPrefix marks collector credentials so a leaked value is
// recognizable in logs and secret scanners
const CollectorKeyPrefix = "hsc_"

// GenerateCollectorKey creates a new collector credential. The full
// value is shown once at creation; only its hash is stored.
func GenerateCollectorKey() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate key material: %w", err)
	}
	return CollectorKeyPrefix + base64.RawURLEncoding.EncodeToString(raw), nil
}

// HashKey returns the hex SHA-256 of a credential, the form persisted
// and compared on every request
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// ValidCollectorKeyFormat reports whether a presented credential has
// the expected shape, letting the API reject garbage before hashing
func ValidCollectorKeyFormat(key string) bool {
	if !strings.HasPrefix(key, CollectorKeyPrefix) {
		return false
	}
	rest := strings.TrimPrefix(key, CollectorKeyPrefix)
	if len(rest) < 32 {
		return false
	}
	_, err := base64.RawURLEncoding.DecodeString(rest)
	return err == nil
}

// GenerateDeviceSecret creates the shared HMAC secret for a newly
// registered edge device
func GenerateDeviceSecret() ([]byte, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("failed to generate device secret: %w", err)
	}
	return secret, nil
}
