/*
Copyright 2024 The MCI Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package auth issues and verifies the credentials of the control
// plane: user JWTs, API keys and runner registration tokens.
package auth

import (
	"time"

	jwt "github.com/dgrijalva/jwt-go/v4"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	// AccessTokenTTL is the lifetime of an access token.
	AccessTokenTTL = 60 * time.Minute
	// RefreshTokenTTL is the lifetime of a refresh token. Refreshing
	// rotates the pair.
	RefreshTokenTTL = 7 * 24 * time.Hour

	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"

	issuer = "mci"
)

// Claims are the JWT claims of user tokens.
type Claims struct {
	jwt.StandardClaims
	TenantID  string `json:"tenant_id"`
	TokenType string `json:"token_type"`
}

// TokenPair is an access/refresh token set.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// JWTIssuer signs and verifies user tokens with a shared HS256 key.
type JWTIssuer struct {
	key []byte
	now func() time.Time
}

// NewJWTIssuer returns an issuer using the given signing key.
func NewJWTIssuer(key []byte) (*JWTIssuer, error) {
	if len(key) == 0 {
		return nil, errors.New("signing key must not be empty")
	}
	return &JWTIssuer{key: key, now: time.Now}, nil
}

// IssuePair mints a fresh access/refresh pair for the user.
func (i *JWTIssuer) IssuePair(userID string, tenantID uuid.UUID) (*TokenPair, error) {
	access, err := i.sign(userID, tenantID, tokenTypeAccess, AccessTokenTTL)
	if err != nil {
		return nil, errors.Wrap(err, "signing access token")
	}
	refresh, err := i.sign(userID, tenantID, tokenTypeRefresh, RefreshTokenTTL)
	if err != nil {
		return nil, errors.Wrap(err, "signing refresh token")
	}
	return &TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

func (i *JWTIssuer) sign(userID string, tenantID uuid.UUID, typ string, ttl time.Duration) (string, error) {
	now := i.now()
	claims := Claims{
		StandardClaims: jwt.StandardClaims{
			Subject:   userID,
			Issuer:    issuer,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.At(now),
			ExpiresAt: jwt.At(now.Add(ttl)),
		},
		TenantID:  tenantID.String(),
		TokenType: typ,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.key)
}

// VerifyAccess validates an access token and returns its claims.
func (i *JWTIssuer) VerifyAccess(token string) (*Claims, error) {
	return i.verify(token, tokenTypeAccess)
}

// Refresh validates a refresh token and rotates the pair. The old
// refresh token is dead to the issuer once its expiry passes; single
// use enforcement is the caller's denylist concern.
func (i *JWTIssuer) Refresh(refreshToken string) (*TokenPair, error) {
	claims, err := i.verify(refreshToken, tokenTypeRefresh)
	if err != nil {
		return nil, err
	}
	tenantID, err := uuid.Parse(claims.TenantID)
	if err != nil {
		return nil, errors.Wrap(err, "parsing tenant claim")
	}
	return i.IssuePair(claims.Subject, tenantID)
}

func (i *JWTIssuer) verify(token, wantType string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return i.key, nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "parsing token")
	}
	if !parsed.Valid {
		return nil, errors.New("token is not valid")
	}
	if claims.TokenType != wantType {
		return nil, errors.Errorf("token type %q, want %q", claims.TokenType, wantType)
	}
	return claims, nil
}
