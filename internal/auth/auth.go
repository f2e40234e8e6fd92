// Package auth validates the bearer tokens presented by push clients during
// the authentication handshake. Tokens are HS256 JWTs carrying the user ID
// in the standard "sub" claim and the subscription tier in a "tier" claim.
package auth

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/flarewatch/server/internal/alert"
)

// ErrDisabled is returned when no signing secret is configured and token
// validation is therefore impossible.
var ErrDisabled = errors.New("auth: no jwt secret configured")

// Identity is the authenticated principal extracted from a valid token.
type Identity struct {
	UserID string
	Tier   alert.Tier
}

// TokenValidator turns a raw bearer token into an Identity.
type TokenValidator interface {
	Validate(token string) (Identity, error)
}

// JWTValidator validates HS256-signed JWTs against a shared secret.
type JWTValidator struct {
	secret []byte
	issuer string
}

var _ TokenValidator = (*JWTValidator)(nil)

// NewJWTValidator creates a validator for the given HS256 secret. issuer,
// when non-empty, is matched against the token's "iss" claim.
func NewJWTValidator(secret, issuer string) *JWTValidator {
	return &JWTValidator{secret: []byte(secret), issuer: issuer}
}

// Validate parses and verifies tokenStr and extracts the identity claims.
// Expiry and not-before are enforced by the parser; signing methods other
// than HMAC are rejected before signature verification.
func (v *JWTValidator) Validate(tokenStr string) (Identity, error) {
	if len(v.secret) == 0 {
		return Identity{}, ErrDisabled
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	}, opts...)
	if err != nil {
		return Identity{}, fmt.Errorf("auth: invalid token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, errors.New("auth: token claims are not a map")
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return Identity{}, errors.New("auth: token missing sub claim")
	}

	tierStr, _ := claims["tier"].(string)
	tier, err := alert.ParseTier(tierStr)
	if err != nil {
		return Identity{}, fmt.Errorf("auth: token tier claim: %w", err)
	}

	return Identity{UserID: sub, Tier: tier}, nil
}
