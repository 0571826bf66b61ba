package interaction

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
)

// Verifier checks inbound request signatures against the application's
// public key.
type Verifier struct {
	key ed25519.PublicKey
}

// NewVerifier parses a hex-encoded ed25519 public key.
func NewVerifier(publicKeyHex string) (*Verifier, error) {
	key, err := hex.DecodeString(publicKeyHex)
	if err != nil {
		return nil, &ConfigurationError{Reason: fmt.Sprintf("public key is not valid hex: %v", err)}
	}
	if len(key) != ed25519.PublicKeySize {
		return nil, &ConfigurationError{
			Reason: fmt.Sprintf("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(key)),
		}
	}
	return &Verifier{key: ed25519.PublicKey(key)}, nil
}

// Verify reports whether signature (hex) signs timestamp followed by body.
func (v *Verifier) Verify(body, signature, timestamp []byte) bool {
	return VerifySignature(v.key, body, signature, timestamp)
}

// Check is Verify reporting failure as an error wrapping ErrVerification.
func (v *Verifier) Check(body, signature, timestamp []byte) error {
	if len(signature) == 0 || len(timestamp) == 0 {
		return fmt.Errorf("%w: missing signature or timestamp", ErrVerification)
	}
	if !v.Verify(body, signature, timestamp) {
		return fmt.Errorf("%w: signature does not match body", ErrVerification)
	}
	return nil
}

// VerifySignature is the stateless form of Verifier.Verify. A signature
// that is not hex or has the wrong length fails verification.
func VerifySignature(key ed25519.PublicKey, body, signature, timestamp []byte) bool {
	if len(key) != ed25519.PublicKeySize {
		return false
	}

	sig := make([]byte, hex.DecodedLen(len(signature)))
	n, err := hex.Decode(sig, signature)
	if err != nil || n != ed25519.SignatureSize {
		return false
	}

	msg := make([]byte, 0, len(timestamp)+len(body))
	msg = append(msg, timestamp...)
	msg = append(msg, body...)
	return ed25519.Verify(key, msg, sig[:n])
}
