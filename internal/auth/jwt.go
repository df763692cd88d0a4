// Package auth handles bearer token creation, signing, and verification for
// the admin API surface using a shared HS256 secret.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims represents the JWT claims structure. Admin marks tokens allowed to
// reach the admin endpoints (search, bulk verification, manual records).
type Claims struct {
	ActorID string `json:"actor_id"`
	Admin   bool   `json:"admin"`
	jwt.RegisteredClaims
}

// Verifier validates bearer tokens against a configured secret and issuer.
type Verifier struct {
	secret []byte
	issuer string
}

// NewVerifier creates a token verifier. The secret must be non-empty; length
// is the caller's concern and is validated at config load.
func NewVerifier(secret, issuer string) (*Verifier, error) {
	if secret == "" {
		return nil, errors.New("auth: jwt secret is required")
	}
	return &Verifier{secret: []byte(secret), issuer: issuer}, nil
}

// GenerateToken creates a signed token for an actor. Used by operator tooling
// to mint service tokens; the engine itself only verifies.
func (v *Verifier) GenerateToken(actorID string, admin bool, expiresIn time.Duration) (string, error) {
	if expiresIn == 0 {
		expiresIn = time.Hour
	}

	claims := &Claims{
		ActorID: actorID,
		Admin:   admin,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiresIn)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    v.issuer,
			Subject:   actorID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

// ValidateToken parses and validates a bearer token
func (v *Verifier) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return v.secret, nil
	}, jwt.WithIssuer(v.issuer))

	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, errors.New("invalid claims type")
	}

	return claims, nil
}
