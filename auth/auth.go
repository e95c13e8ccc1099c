// Package auth implements a random challenge / signed response handshake:
// the verifier issues random bytes, the holder of the private key signs
// their SHA-256 digest with RSA PKCS #1 v1.5 and the verifier checks the
// signature against the public key. It is not yet wired into the wire
// protocol.
package auth

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"
)

// DefaultChallengeLen is the challenge size in bytes.
const DefaultChallengeLen = 256

// GenerateChallenge returns n random bytes, freshly drawn every call.
func GenerateChallenge(n int) ([]byte, error) {
	if n <= 0 {
		n = DefaultChallengeLen
	}
	challenge := make([]byte, n)
	if _, err := rand.Read(challenge); err != nil {
		return nil, fmt.Errorf("challenge generation failed. err=%w", err)
	}
	return challenge, nil
}

// SolveChallenge signs the SHA-256 digest of challenge with priv.
func SolveChallenge(challenge []byte, priv *rsa.PrivateKey) ([]byte, error) {
	digest := sha256.Sum256(challenge)
	sig, err := rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, digest[:])
	if err != nil {
		return nil, fmt.Errorf("challenge signing failed. err=%w", err)
	}
	return sig, nil
}

// VerifyChallenge reports whether response is a valid signature over
// challenge by the holder of pub's private half.
func VerifyChallenge(challenge, response []byte, pub *rsa.PublicKey) bool {
	digest := sha256.Sum256(challenge)
	return rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], response) == nil
}
