// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package identity

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cip "github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider"
	"github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider/types"

	"github.com/envoyproxy/credbroker/internal/autherrors"
	"github.com/envoyproxy/credbroker/internal/awsclient"
	"github.com/envoyproxy/credbroker/internal/credsource"
)

// CognitoConfig configures a CognitoUserPoolProvider.
type CognitoConfig struct {
	Region     string `json:"region"`
	UserPoolID string `json:"userPoolId"`
	ClientID   string `json:"clientId"`
	// ClientSecret is set for app clients created with a secret.
	ClientSecret string `json:"clientSecret,omitempty"`
	Endpoint     string `json:"endpoint,omitempty"`
	ProxyURL     string `json:"proxyUrl,omitempty"`
}

// CognitoUserPoolProvider implements Provider with the USER_PASSWORD_AUTH and
// REFRESH_TOKEN_AUTH flows of a Cognito user pool.
type CognitoUserPoolProvider struct {
	client       awsclient.CognitoIdentityProviderClient
	clientID     string
	clientSecret string
}

// NewCognitoUserPoolProvider loads an AWS config for cfg.Region and returns
// a provider backed by a real Cognito client.
func NewCognitoUserPoolProvider(ctx context.Context, cfg CognitoConfig) (*CognitoUserPoolProvider, error) {
	if cfg.ClientID == "" {
		return nil, errors.New("cognito client id is required")
	}
	awsCfg, err := awsclient.LoadConfig(ctx, awsclient.Options{Region: cfg.Region, ProxyURL: cfg.ProxyURL})
	if err != nil {
		return nil, err
	}
	return NewCognitoUserPoolProviderWithClient(awsclient.NewCognitoIdentityProviderClient(awsCfg, cfg.Endpoint), cfg), nil
}

// NewCognitoUserPoolProviderWithClient returns a provider using client.
func NewCognitoUserPoolProviderWithClient(client awsclient.CognitoIdentityProviderClient, cfg CognitoConfig) *CognitoUserPoolProvider {
	return &CognitoUserPoolProvider{client: client, clientID: cfg.ClientID, clientSecret: cfg.ClientSecret}
}

// PasswordGrant implements Provider.
func (p *CognitoUserPoolProvider) PasswordGrant(ctx context.Context, creds credsource.Credentials) (*TokenResponse, error) {
	params := map[string]string{
		"USERNAME": creds.Username,
		"PASSWORD": creds.Password.Value(),
	}
	p.addSecretHash(params, creds.Username)
	out, err := p.client.InitiateAuth(ctx, &cip.InitiateAuthInput{
		AuthFlow:       types.AuthFlowTypeUserPasswordAuth,
		ClientId:       aws.String(p.clientID),
		AuthParameters: params,
	})
	if err != nil {
		return nil, fmt.Errorf("cognito password grant: %w", err)
	}
	return toTokenResponse(out)
}

// Refresh implements Provider.
func (p *CognitoUserPoolProvider) Refresh(ctx context.Context, username, refreshToken string) (*TokenResponse, error) {
	params := map[string]string{"REFRESH_TOKEN": refreshToken}
	p.addSecretHash(params, username)
	out, err := p.client.InitiateAuth(ctx, &cip.InitiateAuthInput{
		AuthFlow:       types.AuthFlowTypeRefreshTokenAuth,
		ClientId:       aws.String(p.clientID),
		AuthParameters: params,
	})
	if err != nil {
		return nil, fmt.Errorf("cognito refresh: %w", err)
	}
	return toTokenResponse(out)
}

func (p *CognitoUserPoolProvider) addSecretHash(params map[string]string, username string) {
	if p.clientSecret == "" {
		return
	}
	params["SECRET_HASH"] = secretHash(p.clientSecret, username, p.clientID)
}

// secretHash is Base64(HMAC-SHA256(secret, username + clientID)).
func secretHash(secret, username, clientID string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(username + clientID))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func toTokenResponse(out *cip.InitiateAuthOutput) (*TokenResponse, error) {
	if out.ChallengeName != "" {
		return nil, fmt.Errorf("%w: %s", autherrors.ErrChallengeRequired, out.ChallengeName)
	}
	res := out.AuthenticationResult
	if res == nil || aws.ToString(res.AccessToken) == "" {
		return nil, errors.New("cognito returned no authentication result")
	}
	return &TokenResponse{
		AccessToken:  aws.ToString(res.AccessToken),
		RefreshToken: aws.ToString(res.RefreshToken),
		IDToken:      aws.ToString(res.IdToken),
		ExpiresIn:    time.Duration(res.ExpiresIn) * time.Second,
	}, nil
}
