package security

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	credentialScheme = "pbkdf2-sha256"
	secretLength     = 32
	saltLength       = 16
)

var ErrInvalidCredentials = errors.New("invalid credentials")

// NewCredential generates a login secret for a validator. The secret is
// handed to the validator once; only the encoded hash is stored.
func (tm *TokenManager) NewCredential() (secret, encoded string, err error) {
	raw := make([]byte, secretLength)
	if _, err := rand.Read(raw); err != nil {
		return "", "", fmt.Errorf("generating secret: %w", err)
	}
	secret = base64.RawURLEncoding.EncodeToString(raw)
	encoded, err = tm.HashSecret(secret)
	if err != nil {
		return "", "", err
	}
	return secret, encoded, nil
}

// HashSecret encodes secret as pbkdf2-sha256$iterations$salt$hash with a
// random salt.
func (tm *TokenManager) HashSecret(secret string) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("%w: empty secret", ErrInvalidCredentials)
	}
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}
	hash := DeriveKey([]byte(secret), salt, tm.iterations)
	return strings.Join([]string{
		credentialScheme,
		strconv.Itoa(tm.iterations),
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	}, "$"), nil
}

// VerifySecret checks secret against an encoded credential.
func VerifySecret(secret, encoded string) error {
	parts := strings.Split(encoded, "$")
	if len(parts) != 4 || parts[0] != credentialScheme {
		return fmt.Errorf("%w: malformed credential", ErrInvalidCredentials)
	}
	iter, err := strconv.Atoi(parts[1])
	if err != nil || iter <= 0 {
		return fmt.Errorf("%w: malformed credential", ErrInvalidCredentials)
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[2])
	if err != nil {
		return fmt.Errorf("%w: malformed credential", ErrInvalidCredentials)
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[3])
	if err != nil || len(want) == 0 {
		return fmt.Errorf("%w: malformed credential", ErrInvalidCredentials)
	}

	got := DeriveKey([]byte(secret), salt, iter)
	if len(got) != len(want) || subtle.ConstantTimeCompare(got, want) != 1 {
		return ErrInvalidCredentials
	}
	return nil
}
