package command

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSignIsDeterministic(t *testing.T) {
	secret := []byte("0123456789abcdef0123456789abcdef")
	expires := time.Now().UTC().Truncate(time.Second)

	a := Sign(secret, "cmd-1", "nonce-1", expires, []byte(`{"mode":"low"}`))
	b := Sign(secret, "cmd-1", "nonce-1", expires, []byte(`{"mode":"low"}`))
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
}

func TestSignCoversEveryField(t *testing.T) {
	secret := []byte("0123456789abcdef0123456789abcdef")
	expires := time.Now().UTC().Truncate(time.Second)
	payload := []byte(`{"mode":"low"}`)
	base := Sign(secret, "cmd-1", "nonce-1", expires, payload)

	assert.NotEqual(t, base, Sign(secret, "cmd-2", "nonce-1", expires, payload))
	assert.NotEqual(t, base, Sign(secret, "cmd-1", "nonce-2", expires, payload))
	assert.NotEqual(t, base, Sign(secret, "cmd-1", "nonce-1", expires.Add(time.Second), payload))
	assert.NotEqual(t, base, Sign(secret, "cmd-1", "nonce-1", expires, []byte(`{"mode":"high"}`)))
	assert.NotEqual(t, base, Sign([]byte("ffffffffffffffffffffffffffffffff"), "cmd-1", "nonce-1", expires, payload))
}

func TestVerifySignature(t *testing.T) {
	secret := []byte("0123456789abcdef0123456789abcdef")
	expires := time.Now().UTC().Truncate(time.Second)
	payload := []byte(`{}`)
	sig := Sign(secret, "cmd-1", "nonce-1", expires, payload)

	assert.True(t, VerifySignature(secret, "cmd-1", "nonce-1", expires, payload, sig))
	assert.False(t, VerifySignature(secret, "cmd-1", "nonce-1", expires, payload, sig[:63]+"0"))
	assert.False(t, VerifySignature(secret, "cmd-1", "other", expires, payload, sig))
	assert.False(t, VerifySignature(secret, "cmd-1", "nonce-1", expires, []byte(`{"x":1}`), sig))
}

func TestSigningKeyIsDomainSeparated(t *testing.T) {
	secret := []byte("0123456789abcdef0123456789abcdef")
	assert.NotEqual(t, secret, SigningKey(secret))
	assert.Equal(t, SigningKey(secret), SigningKey(secret))
}
