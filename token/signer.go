package token

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// HMACSigner is a Signer backed by a shared HMAC secret, grounded on the
// golang-jwt/jwt/v5 usage pattern common across the example corpus
// (parse-with-claims + signing-method assertion in the key function).
type HMACSigner struct {
	secret []byte
	issuer string
}

// NewHMACSigner constructs an HMACSigner. issuer is stamped into every
// signed token's RegisteredClaims.Issuer.
func NewHMACSigner(secret []byte, issuer string) *HMACSigner {
	return &HMACSigner{secret: secret, issuer: issuer}
}

// Sign signs claims with HS256.
func (s *HMACSigner) Sign(claims Claims) (string, error) {
	claims.Issuer = s.issuer
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := t.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign claims: %w", err)
	}
	return signed, nil
}

// Verify parses and validates token, returning its claims even when the
// only validation failure is expiry (the caller needs ExpiresAt to decide
// refresh eligibility).
func (s *HMACSigner) Verify(tokenString string) (Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return *claims, jwt.ErrTokenExpired
		}
		return Claims{}, fmt.Errorf("parse token: %w", err)
	}
	if !parsed.Valid {
		return Claims{}, fmt.Errorf("token failed validation")
	}
	return *claims, nil
}
