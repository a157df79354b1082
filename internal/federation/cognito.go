// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package federation

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cognitoidentity"

	"github.com/envoyproxy/credbroker/internal/awsclient"
)

// CognitoIdentityConfig configures a CognitoIdentityExchanger.
type CognitoIdentityConfig struct {
	Region         string `json:"region"`
	IdentityPoolID string `json:"identityPoolId"`
	// LoginsKey is the provider name the assertion is registered under. When
	// empty it is derived from Region and UserPoolID.
	LoginsKey  string `json:"loginsKey,omitempty"`
	UserPoolID string `json:"userPoolId,omitempty"`
	Endpoint   string `json:"endpoint,omitempty"`
	ProxyURL   string `json:"proxyUrl,omitempty"`
}

// UserPoolLoginsKey returns the logins map key for a Cognito user pool.
func UserPoolLoginsKey(region, userPoolID string) string {
	return fmt.Sprintf("cognito-idp.%s.amazonaws.com/%s", region, userPoolID)
}

// CognitoIdentityExchanger implements Exchanger with GetId followed by
// GetCredentialsForIdentity.
type CognitoIdentityExchanger struct {
	client    awsclient.CognitoIdentityClient
	poolID    string
	loginsKey string
}

// NewCognitoIdentityExchanger loads an AWS config for cfg.Region and returns
// an exchanger backed by a real Cognito Identity client.
func NewCognitoIdentityExchanger(ctx context.Context, cfg CognitoIdentityConfig) (*CognitoIdentityExchanger, error) {
	awsCfg, err := awsclient.LoadConfig(ctx, awsclient.Options{Region: cfg.Region, ProxyURL: cfg.ProxyURL})
	if err != nil {
		return nil, err
	}
	return NewCognitoIdentityExchangerWithClient(awsclient.NewCognitoIdentityClient(awsCfg, cfg.Endpoint), cfg)
}

// NewCognitoIdentityExchangerWithClient returns an exchanger using client.
func NewCognitoIdentityExchangerWithClient(client awsclient.CognitoIdentityClient, cfg CognitoIdentityConfig) (*CognitoIdentityExchanger, error) {
	if cfg.IdentityPoolID == "" {
		return nil, errors.New("cognito identity pool id is required")
	}
	key := cfg.LoginsKey
	if key == "" {
		if cfg.Region == "" || cfg.UserPoolID == "" {
			return nil, errors.New("cognito identity logins key or region and user pool id are required")
		}
		key = UserPoolLoginsKey(cfg.Region, cfg.UserPoolID)
	}
	return &CognitoIdentityExchanger{client: client, poolID: cfg.IdentityPoolID, loginsKey: key}, nil
}

// ResolveIdentity implements Exchanger.
func (e *CognitoIdentityExchanger) ResolveIdentity(ctx context.Context, assertion string) (IdentityHandle, error) {
	out, err := e.client.GetId(ctx, &cognitoidentity.GetIdInput{
		IdentityPoolId: aws.String(e.poolID),
		Logins:         map[string]string{e.loginsKey: assertion},
	})
	if err != nil {
		return IdentityHandle{}, fmt.Errorf("cognito GetId: %w", err)
	}
	id := aws.ToString(out.IdentityId)
	if id == "" {
		return IdentityHandle{}, errors.New("cognito GetId returned no identity id")
	}
	return IdentityHandle{ID: id}, nil
}

// ExchangeCredentials implements Exchanger.
func (e *CognitoIdentityExchanger) ExchangeCredentials(ctx context.Context, handle IdentityHandle, assertion string) (Credential, error) {
	out, err := e.client.GetCredentialsForIdentity(ctx, &cognitoidentity.GetCredentialsForIdentityInput{
		IdentityId: aws.String(handle.ID),
		Logins:     map[string]string{e.loginsKey: assertion},
	})
	if err != nil {
		return Credential{}, fmt.Errorf("cognito GetCredentialsForIdentity: %w", err)
	}
	c := out.Credentials
	if c == nil || aws.ToString(c.AccessKeyId) == "" || c.Expiration == nil {
		return Credential{}, errors.New("cognito GetCredentialsForIdentity returned incomplete credentials")
	}
	return Credential{
		AccessKeyID:     aws.ToString(c.AccessKeyId),
		SecretAccessKey: aws.ToString(c.SecretKey),
		SessionToken:    aws.ToString(c.SessionToken),
		Expiration:      aws.ToTime(c.Expiration),
		IdentityID:      aws.ToString(out.IdentityId),
	}, nil
}
