// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

/*
Package awsclient holds the AWS SDK plumbing shared by the identity provider
and the federation exchangers:

1. Configuration:
- Region and optional endpoint override
- SDK retries disabled, so the credential lifecycle owns every retry
- Anonymous signing, since password grant, identity resolution and web
  identity exchange are all unsigned APIs

2. Narrow client interfaces for the three services used, so tests can
substitute function-field mocks.
*/
package awsclient

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cognitoidentity"
	cip "github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

// Options configures LoadConfig.
type Options struct {
	Region string
	// ProxyURL routes AWS calls through an HTTP proxy.
	ProxyURL string
}

// LoadConfig returns an AWS config for unsigned calls with SDK-level
// retries turned off.
func LoadConfig(ctx context.Context, opts Options) (aws.Config, error) {
	loadOpts := []func(*config.LoadOptions) error{
		config.WithRetryMaxAttempts(1),
		config.WithCredentialsProvider(aws.AnonymousCredentials{}),
	}
	if opts.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(opts.Region))
	}
	if opts.ProxyURL != "" {
		proxy, err := url.Parse(opts.ProxyURL)
		if err != nil {
			return aws.Config{}, fmt.Errorf("invalid proxy URL: %w", err)
		}
		loadOpts = append(loadOpts, config.WithHTTPClient(&http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxy)},
		}))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}
	if cfg.Region == "" {
		return aws.Config{}, fmt.Errorf("AWS region is not configured")
	}
	return cfg, nil
}

// CognitoIdentityProviderClient is the subset of the Cognito user pool API
// used for the password grant.
type CognitoIdentityProviderClient interface {
	InitiateAuth(ctx context.Context, params *cip.InitiateAuthInput, optFns ...func(*cip.Options)) (*cip.InitiateAuthOutput, error)
}

// NewCognitoIdentityProviderClient returns a client for cfg. A non-empty
// endpoint overrides the service endpoint, for local emulators.
func NewCognitoIdentityProviderClient(cfg aws.Config, endpoint string) CognitoIdentityProviderClient {
	return cip.NewFromConfig(cfg, func(o *cip.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
}

// CognitoIdentityClient is the subset of the Cognito identity pool API used
// for the two-step federation.
type CognitoIdentityClient interface {
	GetId(ctx context.Context, params *cognitoidentity.GetIdInput, optFns ...func(*cognitoidentity.Options)) (*cognitoidentity.GetIdOutput, error)
	GetCredentialsForIdentity(ctx context.Context, params *cognitoidentity.GetCredentialsForIdentityInput, optFns ...func(*cognitoidentity.Options)) (*cognitoidentity.GetCredentialsForIdentityOutput, error)
}

// NewCognitoIdentityClient returns a client for cfg.
func NewCognitoIdentityClient(cfg aws.Config, endpoint string) CognitoIdentityClient {
	return cognitoidentity.NewFromConfig(cfg, func(o *cognitoidentity.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
}

// STSClient is the subset of the STS API used for web identity exchange.
type STSClient interface {
	AssumeRoleWithWebIdentity(ctx context.Context, params *sts.AssumeRoleWithWebIdentityInput, optFns ...func(*sts.Options)) (*sts.AssumeRoleWithWebIdentityOutput, error)
}

// NewSTSClient returns a client for cfg.
func NewSTSClient(cfg aws.Config, endpoint string) STSClient {
	return sts.NewFromConfig(cfg, func(o *sts.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
}
