// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package identity talks to the identity provider: it performs the password
// grant and exchanges refresh tokens for new access tokens.
package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/envoyproxy/credbroker/internal/credsource"
)

// TokenResponse is what a provider returned for one grant. Empty fields were
// not returned by the provider and must not overwrite cached values.
type TokenResponse struct {
	AccessToken  string
	RefreshToken string
	IDToken      string
	// ExpiresIn is the access token lifetime, zero when the provider did not
	// say.
	ExpiresIn time.Duration
}

// Provider performs grants against an identity provider. Implementations do
// not retry; the caller wraps every call in the retry manager.
type Provider interface {
	// PasswordGrant exchanges a username and password for tokens.
	PasswordGrant(ctx context.Context, creds credsource.Credentials) (*TokenResponse, error)
	// Refresh exchanges a refresh token for a new access token. username is
	// the account the refresh token was issued to.
	Refresh(ctx context.Context, username, refreshToken string) (*TokenResponse, error)
}

// Claims are the registered claims read from a JWT without verifying it.
type Claims struct {
	Subject   string
	Issuer    string
	ExpiresAt time.Time
}

// ParseClaims reads the registered claims of token without verifying its
// signature. It is used only for expiry bookkeeping and identity-change
// detection, never for trust decisions.
func ParseClaims(token string) (Claims, error) {
	if token == "" {
		return Claims{}, errors.New("empty token")
	}
	var rc jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &rc); err != nil {
		return Claims{}, fmt.Errorf("failed to parse token claims: %w", err)
	}
	c := Claims{Subject: rc.Subject, Issuer: rc.Issuer}
	if rc.ExpiresAt != nil {
		c.ExpiresAt = rc.ExpiresAt.Time
	}
	return c, nil
}
