// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cip "github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider"
	"github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider/types"
	"github.com/aws/smithy-go"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/envoyproxy/credbroker/internal/autherrors"
	"github.com/envoyproxy/credbroker/internal/credsource"
	"github.com/envoyproxy/credbroker/internal/redaction"
)

func signedToken(t *testing.T, sub string, exp time.Time) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   sub,
		Issuer:    "https://issuer.example.com",
		ExpiresAt: jwt.NewNumericDate(exp),
	}).SignedString([]byte("test-key"))
	require.NoError(t, err)
	return tok
}

func TestParseClaims(t *testing.T) {
	exp := time.Unix(1_900_000_000, 0)
	c, err := ParseClaims(signedToken(t, "user-1", exp))
	require.NoError(t, err)
	require.Equal(t, Claims{Subject: "user-1", Issuer: "https://issuer.example.com", ExpiresAt: exp}, c)

	_, err = ParseClaims("")
	require.Error(t, err)
	_, err = ParseClaims("not-a-jwt")
	require.Error(t, err)
}

// mockCognitoIDP implements awsclient.CognitoIdentityProviderClient for testing.
type mockCognitoIDP struct {
	initiateAuthFunc func(ctx context.Context, params *cip.InitiateAuthInput, optFns ...func(*cip.Options)) (*cip.InitiateAuthOutput, error)
}

func (m *mockCognitoIDP) InitiateAuth(ctx context.Context, params *cip.InitiateAuthInput, optFns ...func(*cip.Options)) (*cip.InitiateAuthOutput, error) {
	if m.initiateAuthFunc != nil {
		return m.initiateAuthFunc(ctx, params, optFns...)
	}
	return nil, fmt.Errorf("mock not implemented")
}

func TestCognitoUserPoolProvider(t *testing.T) {
	creds := credsource.Credentials{Username: "alice", Password: redaction.Secret("pw")}

	t.Run("password grant", func(t *testing.T) {
		var got *cip.InitiateAuthInput
		p := NewCognitoUserPoolProviderWithClient(&mockCognitoIDP{
			initiateAuthFunc: func(_ context.Context, params *cip.InitiateAuthInput, _ ...func(*cip.Options)) (*cip.InitiateAuthOutput, error) {
				got = params
				return &cip.InitiateAuthOutput{AuthenticationResult: &types.AuthenticationResultType{
					AccessToken:  aws.String("at"),
					IdToken:      aws.String("idt"),
					RefreshToken: aws.String("rt"),
					ExpiresIn:    3600,
				}}, nil
			},
		}, CognitoConfig{ClientID: "client", ClientSecret: "shh"})

		res, err := p.PasswordGrant(t.Context(), creds)
		require.NoError(t, err)
		require.Equal(t, &TokenResponse{AccessToken: "at", IDToken: "idt", RefreshToken: "rt", ExpiresIn: time.Hour}, res)
		require.Equal(t, types.AuthFlowTypeUserPasswordAuth, got.AuthFlow)
		require.Equal(t, "client", aws.ToString(got.ClientId))
		require.Equal(t, "alice", got.AuthParameters["USERNAME"])
		require.Equal(t, "pw", got.AuthParameters["PASSWORD"])
		require.Equal(t, secretHash("shh", "alice", "client"), got.AuthParameters["SECRET_HASH"])
	})

	t.Run("refresh without rotation", func(t *testing.T) {
		var got *cip.InitiateAuthInput
		p := NewCognitoUserPoolProviderWithClient(&mockCognitoIDP{
			initiateAuthFunc: func(_ context.Context, params *cip.InitiateAuthInput, _ ...func(*cip.Options)) (*cip.InitiateAuthOutput, error) {
				got = params
				return &cip.InitiateAuthOutput{AuthenticationResult: &types.AuthenticationResultType{
					AccessToken: aws.String("at2"),
					ExpiresIn:   3600,
				}}, nil
			},
		}, CognitoConfig{ClientID: "client"})

		res, err := p.Refresh(t.Context(), "alice", "rt")
		require.NoError(t, err)
		require.Equal(t, &TokenResponse{AccessToken: "at2", ExpiresIn: time.Hour}, res)
		require.Equal(t, types.AuthFlowTypeRefreshTokenAuth, got.AuthFlow)
		require.Equal(t, map[string]string{"REFRESH_TOKEN": "rt"}, got.AuthParameters)
	})

	t.Run("challenge", func(t *testing.T) {
		p := NewCognitoUserPoolProviderWithClient(&mockCognitoIDP{
			initiateAuthFunc: func(context.Context, *cip.InitiateAuthInput, ...func(*cip.Options)) (*cip.InitiateAuthOutput, error) {
				return &cip.InitiateAuthOutput{ChallengeName: types.ChallengeNameTypeNewPasswordRequired}, nil
			},
		}, CognitoConfig{ClientID: "client"})
		_, err := p.PasswordGrant(t.Context(), creds)
		require.ErrorIs(t, err, autherrors.ErrChallengeRequired)
		require.Equal(t, autherrors.CategoryAuthentication, autherrors.CategoryOf(err))
	})

	t.Run("empty result", func(t *testing.T) {
		p := NewCognitoUserPoolProviderWithClient(&mockCognitoIDP{
			initiateAuthFunc: func(context.Context, *cip.InitiateAuthInput, ...func(*cip.Options)) (*cip.InitiateAuthOutput, error) {
				return &cip.InitiateAuthOutput{}, nil
			},
		}, CognitoConfig{ClientID: "client"})
		_, err := p.PasswordGrant(t.Context(), creds)
		require.ErrorContains(t, err, "no authentication result")
	})

	t.Run("rejected refresh is classified", func(t *testing.T) {
		p := NewCognitoUserPoolProviderWithClient(&mockCognitoIDP{
			initiateAuthFunc: func(context.Context, *cip.InitiateAuthInput, ...func(*cip.Options)) (*cip.InitiateAuthOutput, error) {
				return nil, &smithy.GenericAPIError{Code: "NotAuthorizedException", Message: "Refresh Token has expired"}
			},
		}, CognitoConfig{ClientID: "client"})
		_, err := p.Refresh(t.Context(), "alice", "rt")
		require.ErrorIs(t, autherrors.Classify(err, autherrors.OpRefresh), autherrors.ErrRefreshRejected)
	})

	t.Run("constructor requires client id", func(t *testing.T) {
		_, err := NewCognitoUserPoolProvider(t.Context(), CognitoConfig{Region: "us-east-1"})
		require.ErrorContains(t, err, "client id")
	})
}

// tokenServer is a minimal OAuth2 token endpoint.
func tokenServer(t *testing.T, idToken string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		w.Header().Set("Content-Type", "application/json")
		switch r.Form.Get("grant_type") {
		case "password":
			if r.Form.Get("username") != "alice" || r.Form.Get("password") != "pw" {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"access_token":  "at1",
				"token_type":    "Bearer",
				"expires_in":    3600,
				"refresh_token": "rt1",
				"id_token":      idToken,
			})
		case "refresh_token":
			switch r.Form.Get("refresh_token") {
			case "rt1":
				_ = json.NewEncoder(w).Encode(map[string]any{
					"access_token": "at2",
					"token_type":   "Bearer",
					"expires_in":   1800,
				})
			case "rotate":
				_ = json.NewEncoder(w).Encode(map[string]any{
					"access_token":  "at3",
					"token_type":    "Bearer",
					"expires_in":    1800,
					"refresh_token": "rt2",
				})
			default:
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"expired"}`))
			}
		default:
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"unsupported_grant_type"}`))
		}
	}))
}

func TestOAuth2PasswordProvider(t *testing.T) {
	idToken := signedToken(t, "user-1", time.Now().Add(time.Hour))
	srv := tokenServer(t, idToken)
	t.Cleanup(srv.Close)

	p, err := NewOAuth2PasswordProvider(t.Context(), OAuth2Config{TokenURL: srv.URL, ClientID: "client", ClientSecret: "secret"}, srv.Client())
	require.NoError(t, err)

	t.Run("password grant", func(t *testing.T) {
		res, err := p.PasswordGrant(t.Context(), credsource.Credentials{Username: "alice", Password: "pw"})
		require.NoError(t, err)
		require.Equal(t, &TokenResponse{AccessToken: "at1", RefreshToken: "rt1", IDToken: idToken, ExpiresIn: time.Hour}, res)
	})
	t.Run("bad password", func(t *testing.T) {
		_, err := p.PasswordGrant(t.Context(), credsource.Credentials{Username: "alice", Password: "nope"})
		require.ErrorIs(t, autherrors.Classify(err, autherrors.OpAuthenticate), autherrors.ErrInvalidCredentials)
	})
	t.Run("refresh keeps refresh token unset when not rotated", func(t *testing.T) {
		res, err := p.Refresh(t.Context(), "alice", "rt1")
		require.NoError(t, err)
		require.Equal(t, &TokenResponse{AccessToken: "at2", ExpiresIn: 30 * time.Minute}, res)
	})
	t.Run("refresh reports a rotated refresh token", func(t *testing.T) {
		res, err := p.Refresh(t.Context(), "alice", "rotate")
		require.NoError(t, err)
		require.Equal(t, "rt2", res.RefreshToken)
	})
	t.Run("refresh rejected", func(t *testing.T) {
		_, err := p.Refresh(t.Context(), "alice", "stale")
		ce := autherrors.Classify(err, autherrors.OpRefresh)
		require.ErrorIs(t, ce, autherrors.ErrRefreshRejected)
		require.Equal(t, autherrors.CategoryTokenRefresh, ce.Category)
	})
}

func TestNewOAuth2PasswordProvider_Validation(t *testing.T) {
	_, err := NewOAuth2PasswordProvider(t.Context(), OAuth2Config{TokenURL: "http://x"}, nil)
	require.ErrorContains(t, err, "client id")
	_, err = NewOAuth2PasswordProvider(t.Context(), OAuth2Config{ClientID: "c"}, nil)
	require.ErrorContains(t, err, "token url or issuer url")
	_, err = NewOAuth2PasswordProvider(t.Context(), OAuth2Config{ClientID: "c", TokenURL: "http://x", VerifyIDToken: true}, nil)
	require.ErrorContains(t, err, "requires an issuer url")
}

func TestNewOAuth2PasswordProvider_Discovery(t *testing.T) {
	var issuer string
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issuer":                                issuer,
			"authorization_endpoint":                issuer + "/authorize",
			"token_endpoint":                        issuer + "/token",
			"jwks_uri":                              issuer + "/jwks",
			"id_token_signing_alg_values_supported": []string{"RS256"},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	issuer = srv.URL

	p, err := NewOAuth2PasswordProvider(t.Context(), OAuth2Config{IssuerURL: issuer, ClientID: "client", VerifyIDToken: true}, srv.Client())
	require.NoError(t, err)
	require.Equal(t, issuer+"/token", p.config.Endpoint.TokenURL)
	require.NotNil(t, p.verifier)
}
