/*
Package security provides credential generation and at-rest encryption.

The SecretsManager encrypts device HMAC signing secrets with
AES-256-GCM before they reach the database, deriving its key from the
session secret via SHA-256. Each encryption uses a fresh random nonce
prepended to the ciphertext.

Collector credentials are generated with the hsc_ prefix and persisted
only as hex SHA-256 hashes; the full value is shown once at creation.
Device secrets are 32 bytes of crypto/rand output.
*/
package security
