package command

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// signingContext domain-separates the dispatch signing key from any
// other use of the device secret
const signingContext = "command-signing-v1"

// SigningKey derives the per-device dispatch signing key from the
// device's shared secret
func SigningKey(deviceSecret []byte) []byte {
	mac := hmac.New(sha256.New, deviceSecret)
	mac.Write([]byte(signingContext))
	return mac.Sum(nil)
}

// Sign computes the dispatch signature over the fields the edge must
// be able to trust: command id, dispatch nonce, expiry, and a digest
// of the payload. Changing any of them invalidates the signature.
func Sign(deviceSecret []byte, commandID, dispatchNonce string, expiresAt time.Time, payload []byte) string {
	payloadDigest := sha256.Sum256(payload)

	mac := hmac.New(sha256.New, SigningKey(deviceSecret))
	mac.Write([]byte(commandID))
	mac.Write([]byte(dispatchNonce))
	mac.Write([]byte(expiresAt.UTC().Format(time.RFC3339)))
	mac.Write(payloadDigest[:])
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether a presented signature matches the
// command fields under the device secret. Comparison is constant time.
func VerifySignature(deviceSecret []byte, commandID, dispatchNonce string, expiresAt time.Time, payload []byte, signature string) bool {
	want := Sign(deviceSecret, commandID, dispatchNonce, expiresAt, payload)
	return hmac.Equal([]byte(want), []byte(signature))
}
