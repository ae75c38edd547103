package signature

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	// Header is the HTTP header carrying the payload signature
	Header = "X-Webhook-Signature"

	// Algorithm is the identifier prefixed to every signature value
	Algorithm = "sha256"

	// SecretPrefix is the prefix for generated signing secrets
	SecretPrefix = "whsec_"

	// MinSecretBytes is the minimum generated secret size (192 bits)
	MinSecretBytes = 24

	// MaxSecretBytes is the maximum generated secret size (512 bits)
	MaxSecretBytes = 64

	// DefaultSecretBytes is used when a webhook is registered without a secret
	DefaultSecretBytes = 32
)

// GenerateSecret creates a new cryptographically secure signing secret
// between MinSecretBytes and MaxSecretBytes in size, encoded as whsec_<base64>.
func GenerateSecret(size int) (string, error) {
	if size < MinSecretBytes || size > MaxSecretBytes {
		return "", fmt.Errorf("secret size must be between %d and %d bytes", MinSecretBytes, MaxSecretBytes)
	}

	bytes := make([]byte, size)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("generating random bytes: %w", err)
	}

	return SecretPrefix + base64.StdEncoding.EncodeToString(bytes), nil
}

// Signature is an HMAC digest of a request body
type Signature struct {
	Algorithm string
	Digest    []byte
}

// String returns the signature in the header format: sha256=<hex>
func (s Signature) String() string {
	return fmt.Sprintf("%s=%s", s.Algorithm, hex.EncodeToString(s.Digest))
}

// ParseSignature parses a header value in the format: sha256=<hex>
func ParseSignature(value string) (Signature, error) {
	parts := strings.SplitN(strings.TrimSpace(value), "=", 2)
	if len(parts) != 2 {
		return Signature{}, fmt.Errorf("invalid signature format, expected 'algorithm=hex'")
	}

	if parts[0] != Algorithm {
		return Signature{}, fmt.Errorf("unsupported signature algorithm: %s", parts[0])
	}

	digest, err := hex.DecodeString(parts[1])
	if err != nil {
		return Signature{}, fmt.Errorf("decoding signature digest: %w", err)
	}

	return Signature{
		Algorithm: parts[0],
		Digest:    digest,
	}, nil
}

// Sign computes the HMAC-SHA256 of the raw body, keyed by the webhook secret
func Sign(secret string, body []byte) Signature {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)

	return Signature{
		Algorithm: Algorithm,
		Digest:    mac.Sum(nil),
	}
}

// Verify checks a signature header value against the body using constant-time comparison
func Verify(secret string, body []byte, header string) (bool, error) {
	expected, err := ParseSignature(header)
	if err != nil {
		return false, fmt.Errorf("parsing signature: %w", err)
	}

	calculated := Sign(secret, body)

	return subtle.ConstantTimeCompare(expected.Digest, calculated.Digest) == 1, nil
}

// VerifyAny verifies a body against several secrets, for subscribers rotating secrets
func VerifyAny(secrets []string, body []byte, header string) (bool, error) {
	if len(secrets) == 0 {
		return false, fmt.Errorf("must provide at least one secret")
	}

	for _, secret := range secrets {
		valid, err := Verify(secret, body, header)
		if err != nil {
			return false, err
		}
		if valid {
			return true, nil
		}
	}

	return false, nil
}
