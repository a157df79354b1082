// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/envoyproxy/credbroker/internal/autherrors"
	"github.com/envoyproxy/credbroker/internal/credsource"
)

// OAuth2Config configures an OAuth2PasswordProvider.
type OAuth2Config struct {
	// IssuerURL is used for OIDC discovery when TokenURL is empty.
	IssuerURL string `json:"issuerUrl,omitempty"`
	TokenURL  string `json:"tokenUrl,omitempty"`
	ClientID  string `json:"clientId"`
	// ClientSecret is empty for public clients.
	ClientSecret string   `json:"clientSecret,omitempty"`
	Scopes       []string `json:"scopes,omitempty"`
	// VerifyIDToken checks the signature, issuer and audience of every
	// returned id_token against the issuer's keys. Requires IssuerURL.
	VerifyIDToken bool `json:"verifyIdToken,omitempty"`
}

// OAuth2PasswordProvider implements Provider with the OAuth 2.0 resource
// owner password credentials grant and the refresh_token grant.
type OAuth2PasswordProvider struct {
	config     oauth2.Config
	verifier   *oidc.IDTokenVerifier
	httpClient *http.Client
}

// NewOAuth2PasswordProvider returns a provider for cfg. When only the issuer
// is known the token endpoint is discovered from it. httpClient may be nil.
func NewOAuth2PasswordProvider(ctx context.Context, cfg OAuth2Config, httpClient *http.Client) (*OAuth2PasswordProvider, error) {
	if cfg.ClientID == "" {
		return nil, errors.New("oauth2 client id is required")
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	p := &OAuth2PasswordProvider{
		config: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Scopes:       cfg.Scopes,
			Endpoint:     oauth2.Endpoint{TokenURL: cfg.TokenURL},
		},
		httpClient: httpClient,
	}

	if cfg.IssuerURL != "" && (cfg.TokenURL == "" || cfg.VerifyIDToken) {
		provider, err := oidc.NewProvider(oidc.ClientContext(ctx, httpClient), cfg.IssuerURL)
		if err != nil {
			return nil, fmt.Errorf("failed to discover oidc provider: %w", err)
		}
		if cfg.TokenURL == "" {
			// Discovery returns the OAuth2 endpoints.
			p.config.Endpoint = provider.Endpoint()
		}
		if cfg.VerifyIDToken {
			p.verifier = provider.Verifier(&oidc.Config{ClientID: cfg.ClientID})
		}
	}
	if p.config.Endpoint.TokenURL == "" {
		return nil, errors.New("oauth2 token url or issuer url is required")
	}
	if cfg.VerifyIDToken && p.verifier == nil {
		return nil, errors.New("id token verification requires an issuer url")
	}
	return p, nil
}

// PasswordGrant implements Provider.
func (p *OAuth2PasswordProvider) PasswordGrant(ctx context.Context, creds credsource.Credentials) (*TokenResponse, error) {
	tok, err := p.config.PasswordCredentialsToken(p.clientContext(ctx), creds.Username, creds.Password.Value())
	if err != nil {
		return nil, fmt.Errorf("oauth2 password grant: %w", err)
	}
	return p.toTokenResponse(ctx, tok, "")
}

// Refresh implements Provider.
func (p *OAuth2PasswordProvider) Refresh(ctx context.Context, _ string, refreshToken string) (*TokenResponse, error) {
	// An already expired token forces the token source to use the refresh
	// token immediately.
	src := p.config.TokenSource(p.clientContext(ctx), &oauth2.Token{
		RefreshToken: refreshToken,
		Expiry:       time.Unix(1, 0),
	})
	tok, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("oauth2 refresh: %w", err)
	}
	return p.toTokenResponse(ctx, tok, refreshToken)
}

func (p *OAuth2PasswordProvider) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
}

// toTokenResponse converts tok. presentedRefresh is the refresh token sent
// with the request; the oauth2 package copies it into tok when the server
// does not rotate it, which is reported here as "not returned".
func (p *OAuth2PasswordProvider) toTokenResponse(ctx context.Context, tok *oauth2.Token, presentedRefresh string) (*TokenResponse, error) {
	res := &TokenResponse{AccessToken: tok.AccessToken}
	if tok.RefreshToken != presentedRefresh {
		res.RefreshToken = tok.RefreshToken
	}
	if idToken, ok := tok.Extra("id_token").(string); ok {
		res.IDToken = idToken
	}
	switch {
	case tok.ExpiresIn > 0:
		res.ExpiresIn = time.Duration(tok.ExpiresIn) * time.Second
	case !tok.Expiry.IsZero():
		res.ExpiresIn = time.Until(tok.Expiry).Round(time.Second)
	}

	if p.verifier != nil && res.IDToken != "" {
		if _, err := p.verifier.Verify(oidc.ClientContext(ctx, p.httpClient), res.IDToken); err != nil {
			return nil, &autherrors.ClassifiedError{
				Category: autherrors.CategoryAuthentication,
				Code:     "INVALID_ID_TOKEN",
				Message:  "id token failed verification",
				Err:      err,
			}
		}
	}
	return res, nil
}
