// Package auth issues and verifies the two credential kinds the HTTP API
// accepts: short-lived bearer session tokens (HS256 JWT) and long-lived
// project-scoped API keys (bcrypt-hashed secrets).
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"krapi.io/krapi/pkg/socket"
)

// Credential methods recorded on a verified principal.
const (
	MethodToken  = "token"
	MethodAPIKey = "api_key"
)

// Principal is a verified caller identity. ProjectID is empty for session
// tokens, which are not project-scoped; API keys carry the project they were
// issued for and are refused outside it.
type Principal struct {
	Subject   string
	Method    string
	ProjectID string
}

// Claims are the JWT claims carried by a session token.
type Claims struct {
	jwt.RegisteredClaims
}

// TokenConfig holds session token signing configuration.
type TokenConfig struct {
	SigningKey []byte
	Issuer     string
	TTL        time.Duration
}

// IssueToken creates a signed session token for the given subject.
func IssueToken(cfg TokenConfig, subject string) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(cfg.TTL)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    cfg.Issuer,
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(cfg.SigningKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// VerifyToken validates a session token and returns its principal.
func VerifyToken(signingKey []byte, tokenString string) (*Principal, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return signingKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, socket.Newf(socket.KindUnauthorized, "token expired")
		}
		return nil, socket.Newf(socket.KindUnauthorized, "invalid token")
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, socket.Newf(socket.KindUnauthorized, "invalid token claims")
	}
	return &Principal{Subject: claims.Subject, Method: MethodToken}, nil
}
