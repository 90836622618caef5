package security

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"golang.org/x/crypto/pbkdf2"

	"repro_market/pkg/config"
	"repro_market/pkg/market"
)

const keyLength = 32

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrMissingToken = errors.New("missing token")
)

// Token is a signed validator token
type Token struct {
	Value     string    `json:"token"`
	Handle    string    `json:"handle"`
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// TokenManager issues and verifies validator bearer tokens
type TokenManager struct {
	key        []byte
	issuer     string
	expiry     time.Duration
	iterations int
}

// NewTokenManager derives the signing key from the configured secret
func NewTokenManager(cfg config.SecurityConfig) (*TokenManager, error) {
	if cfg.TokenSecret == "" {
		return nil, fmt.Errorf("token secret cannot be empty")
	}
	if cfg.TokenExpiry <= 0 {
		return nil, fmt.Errorf("token expiry must be positive")
	}
	iter := cfg.KeyDerivationIter
	if iter <= 0 {
		iter = 100000
	}

	return &TokenManager{
		key:        DeriveKey([]byte(cfg.TokenSecret), []byte(cfg.TokenSalt), iter),
		issuer:     cfg.Issuer,
		expiry:     cfg.TokenExpiry,
		iterations: iter,
	}, nil
}

// DeriveKey derives an HMAC key from a secret
func DeriveKey(secret, salt []byte, iterations int) []byte {
	return pbkdf2.Key(secret, salt, iterations, keyLength, sha256.New)
}

// Issue signs a token for the validator handle
func (tm *TokenManager) Issue(handle string, now time.Time) (*Token, error) {
	subject := strings.TrimSpace(handle)
	if market.NormalizeHandle(subject) == "" {
		return nil, fmt.Errorf("validator handle required")
	}

	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    tm.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(tm.expiry)),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(tm.key)
	if err != nil {
		return nil, fmt.Errorf("signing token: %w", err)
	}

	return &Token{
		Value:     signed,
		Handle:    subject,
		IssuedAt:  claims.IssuedAt.Time,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// Parse verifies the token and returns the validator handle it was issued to
func (tm *TokenManager) Parse(tokenString string) (string, error) {
	tokenString = strings.TrimSpace(tokenString)
	if tokenString == "" {
		return "", ErrMissingToken
	}

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return tm.key, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return "", ErrInvalidToken
	}
	if tm.issuer != "" && !claims.VerifyIssuer(tm.issuer, true) {
		return "", fmt.Errorf("%w: unexpected issuer %q", ErrInvalidToken, claims.Issuer)
	}

	handle := strings.TrimSpace(claims.Subject)
	if market.NormalizeHandle(handle) == "" {
		return "", fmt.Errorf("%w: empty subject", ErrInvalidToken)
	}
	return handle, nil
}

// BearerToken extracts the token from an Authorization header value
func BearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", ErrMissingToken
	}
	scheme, value, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", fmt.Errorf("%w: expected bearer scheme", ErrInvalidToken)
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return "", ErrMissingToken
	}
	return value, nil
}
