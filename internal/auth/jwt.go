// Package auth issues and checks operator session tokens. Operators unlock
// the enrollment and dataset endpoints with a PIN and receive a short-lived
// HS256 token.
package auth

import (
	"crypto/subtle"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// RoleOperator is the only role the kiosk issues.
const RoleOperator = "operator"

var (
	ErrBadPIN       = errors.New("invalid operator pin")
	ErrInvalidToken = errors.New("invalid token")
)

// Token is a signed operator session.
type Token struct {
	Value     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Claims represents JWT payload.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// CheckPIN compares a submitted PIN against the configured one in constant time.
func CheckPIN(submitted, configured string) error {
	if configured == "" || subtle.ConstantTimeCompare([]byte(submitted), []byte(configured)) != 1 {
		return ErrBadPIN
	}
	return nil
}

// Issue signs an operator token for subject valid for ttl.
func Issue(subject, issuer, key string, ttl time.Duration) (Token, error) {
	now := time.Now()
	exp := now.Add(ttl)
	claims := Claims{
		Role: RoleOperator,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
	if err != nil {
		return Token{}, err
	}
	return Token{Value: signed, ExpiresAt: exp}, nil
}

// Parse validates a token and returns claims.
func Parse(tokenStr, key, issuer string) (Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	parsed, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(*jwt.Token) (interface{}, error) {
		return []byte(key), nil
	}, opts...)
	if err != nil {
		return Claims{}, errors.Join(ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.Role != RoleOperator {
		return Claims{}, ErrInvalidToken
	}
	return *claims, nil
}
