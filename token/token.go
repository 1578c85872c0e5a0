// Package token implements the short-lived execution token service
// described in spec.md §4.6 (C6): minting an execution-scoped JWT from a
// caller token, and checking/refreshing a token near or past expiry.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/jarosser06/ratio-sub000/ratioerr"
)

const (
	executionLifetime = 15 * time.Minute
	refreshThreshold  = 5 * time.Minute
	staleGrace        = 1 * time.Hour
	systemTokenLifetime = 5 * time.Minute

	tokenTypeExecution = "execution"
	tokenTypeSystem     = "system"
)

// Claims is the JWT claim set used throughout the core, grounded on the
// JWT collaborator contract in spec.md §6.3.
type Claims struct {
	jwt.RegisteredClaims

	Entity           string         `json:"entity"`
	AuthorizedGroups []string       `json:"authorized_groups,omitempty"`
	PrimaryGroup     string         `json:"primary_group,omitempty"`
	Home             string         `json:"home,omitempty"`
	IsAdmin          bool           `json:"is_admin,omitempty"`
	CustomClaims     map[string]any `json:"custom_claims,omitempty"`
}

// Signer is the JWT signer/verifier collaborator (spec.md §6.3), treated as
// opaque by the Service.
type Signer interface {
	Sign(claims Claims) (string, error)
	Verify(token string) (Claims, error)
}

// Service mints and refreshes execution tokens.
type Service struct {
	signer Signer
	now    func() time.Time
}

// NewService constructs a Service backed by signer. now defaults to
// time.Now; tests may override it for deterministic expiry checks.
func NewService(signer Signer, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{signer: signer, now: now}
}

// MintExecutionToken verifies callerToken and derives a new execution-scoped
// JWT carrying the same entity/groups/home/admin flag, a 15-minute expiry,
// and the custom claims {token_type, created_from, execution_created_at}
// (spec.md §4.6).
func (s *Service) MintExecutionToken(callerToken string) (string, error) {
	caller, err := s.signer.Verify(callerToken)
	if err != nil {
		return "", ratioerr.Wrap(ratioerr.JWTVerification, "verify caller token", err)
	}

	now := s.now()
	claims := Claims{
		Entity:           caller.Entity,
		AuthorizedGroups: caller.AuthorizedGroups,
		PrimaryGroup:     caller.PrimaryGroup,
		Home:             caller.Home,
		IsAdmin:          caller.IsAdmin,
		CustomClaims: map[string]any{
			"token_type":           tokenTypeExecution,
			"created_from":         caller.Entity,
			"execution_created_at": now.Unix(),
		},
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   caller.Entity,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(executionLifetime)),
		},
	}

	signed, err := s.signer.Sign(claims)
	if err != nil {
		return "", ratioerr.Wrap(ratioerr.JWTVerification, "sign execution token", err)
	}
	return signed, nil
}

// CheckAndRefresh verifies token; if its remaining lifetime is at or below
// the refresh threshold, or it expired no more than staleGrace ago, a fresh
// 15-minute token is re-signed with the same claims. Otherwise the existing
// token is returned unchanged. Tokens expired for longer than staleGrace are
// rejected with TokenExpired (spec.md §4.6 "Check-and-refresh").
func (s *Service) CheckAndRefresh(token string) (string, error) {
	claims, err := s.signer.Verify(token)
	if err != nil && !errors.Is(err, jwt.ErrTokenExpired) {
		return "", ratioerr.Wrap(ratioerr.JWTVerification, "verify token", err)
	}
	now := s.now()

	expiresAt := claims.ExpiresAt.Time
	if now.After(expiresAt) {
		if now.Sub(expiresAt) > staleGrace {
			return "", ratioerr.New(ratioerr.TokenExpired, fmt.Sprintf("token expired at %s, beyond refresh grace", expiresAt))
		}
		return s.resign(claims, now)
	}

	remaining := expiresAt.Sub(now)
	if remaining <= refreshThreshold {
		return s.resign(claims, now)
	}
	return token, nil
}

// MintSystemToken signs a short-lived token on the reconciliation sweep's own
// authority rather than deriving one from a caller token: the sweep runs on
// a schedule with no in-flight request to carry a token forward from, so it
// mints directly for entity under the "system" primary group (spec.md §4.5.3
// "the sweep re-triggers the handler as if the event had been published
// normally"). Lifetime is shorter than a normal execution token since the
// sweep consumes it immediately.
func (s *Service) MintSystemToken(entity string, groups []string) (string, error) {
	now := s.now()
	claims := Claims{
		Entity:           entity,
		AuthorizedGroups: groups,
		PrimaryGroup:     tokenTypeSystem,
		CustomClaims: map[string]any{
			"token_type":           tokenTypeSystem,
			"execution_created_at": now.Unix(),
		},
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   entity,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(systemTokenLifetime)),
		},
	}
	signed, err := s.signer.Sign(claims)
	if err != nil {
		return "", ratioerr.Wrap(ratioerr.JWTVerification, "sign system token", err)
	}
	return signed, nil
}

func (s *Service) resign(claims Claims, now time.Time) (string, error) {
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(executionLifetime))
	signed, err := s.signer.Sign(claims)
	if err != nil {
		return "", ratioerr.Wrap(ratioerr.JWTVerification, "resign token", err)
	}
	return signed, nil
}
