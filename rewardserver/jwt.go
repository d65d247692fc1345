// Copyright 2025 AiRewards Authors
// SPDX-License-Identifier: Apache-2.0

package rewardserver

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWTAuth validates the bearer tokens issued by the authentication provider.
// The account id travels in the standard 'sub' claim.
type JWTAuth struct {
	secret []byte
}

// NewJWTAuth creates a new JWT authenticator.
func NewJWTAuth(secret string) *JWTAuth {
	return &JWTAuth{secret: []byte(secret)}
}

// GenerateToken issues a token for an account. Used by tests and the demo
// server; production tokens come from the auth provider.
func (j *JWTAuth) GenerateToken(ownerID string, expiration time.Duration) (string, error) {
	claims := &jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiration)),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		NotBefore: jwt.NewNumericDate(time.Now()),
		Issuer:    "airewards",
		Subject:   ownerID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(j.secret)
}

// ValidateToken validates a token and returns the account id.
func (j *JWTAuth) ValidateToken(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return j.secret, nil
	})
	if err != nil {
		return "", err
	}
	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || !token.Valid {
		return "", fmt.Errorf("invalid token")
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("missing sub (account id) in token")
	}
	return claims.Subject, nil
}

// OwnerFromRequest extracts and validates the bearer token of a request.
func (j *JWTAuth) OwnerFromRequest(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", fmt.Errorf("missing Authorization header")
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", fmt.Errorf("malformed Authorization header")
	}
	return j.ValidateToken(strings.TrimPrefix(header, prefix))
}
