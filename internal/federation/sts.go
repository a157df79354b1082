// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package federation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/google/uuid"

	"github.com/envoyproxy/credbroker/internal/awsclient"
	"github.com/envoyproxy/credbroker/internal/identity"
)

// sessionNamePrefix prefixes every role session name so sessions are easy
// to find in CloudTrail.
const sessionNamePrefix = "credbroker-"

// STSWebIdentityConfig configures an STSWebIdentityExchanger.
type STSWebIdentityConfig struct {
	Region  string `json:"region"`
	RoleARN string `json:"roleArn"`
	// Duration is the requested session duration. Zero leaves it to the
	// role's default.
	Duration time.Duration `json:"duration,omitempty"`
	Endpoint string        `json:"endpoint,omitempty"`
	ProxyURL string        `json:"proxyUrl,omitempty"`
}

// STSWebIdentityExchanger implements Exchanger with AssumeRoleWithWebIdentity.
// STS has no separate resolve call, so the resolve step derives the handle
// locally from the token subject and picks a role session name that stays
// stable for the lifetime of the identity.
type STSWebIdentityExchanger struct {
	client   awsclient.STSClient
	roleARN  string
	duration time.Duration
	newID    func() string
}

// NewSTSWebIdentityExchanger loads an AWS config for cfg.Region and returns
// an exchanger backed by a real STS client.
func NewSTSWebIdentityExchanger(ctx context.Context, cfg STSWebIdentityConfig) (*STSWebIdentityExchanger, error) {
	awsCfg, err := awsclient.LoadConfig(ctx, awsclient.Options{Region: cfg.Region, ProxyURL: cfg.ProxyURL})
	if err != nil {
		return nil, err
	}
	return NewSTSWebIdentityExchangerWithClient(awsclient.NewSTSClient(awsCfg, cfg.Endpoint), cfg)
}

// NewSTSWebIdentityExchangerWithClient returns an exchanger using client.
func NewSTSWebIdentityExchangerWithClient(client awsclient.STSClient, cfg STSWebIdentityConfig) (*STSWebIdentityExchanger, error) {
	if cfg.RoleARN == "" {
		return nil, errors.New("sts role arn is required")
	}
	return &STSWebIdentityExchanger{
		client:   client,
		roleARN:  cfg.RoleARN,
		duration: cfg.Duration,
		newID:    uuid.NewString,
	}, nil
}

// ResolveIdentity implements Exchanger.
func (e *STSWebIdentityExchanger) ResolveIdentity(_ context.Context, assertion string) (IdentityHandle, error) {
	claims, err := identity.ParseClaims(assertion)
	if err != nil {
		return IdentityHandle{}, fmt.Errorf("web identity token is not a JWT: %w", err)
	}
	if claims.Subject == "" {
		return IdentityHandle{}, errors.New("web identity token has no subject")
	}
	return IdentityHandle{ID: claims.Subject, Session: sessionNamePrefix + e.newID()}, nil
}

// ExchangeCredentials implements Exchanger.
func (e *STSWebIdentityExchanger) ExchangeCredentials(ctx context.Context, handle IdentityHandle, assertion string) (Credential, error) {
	in := &sts.AssumeRoleWithWebIdentityInput{
		RoleArn:          aws.String(e.roleARN),
		WebIdentityToken: aws.String(assertion),
		RoleSessionName:  aws.String(handle.Session),
	}
	if e.duration > 0 {
		in.DurationSeconds = aws.Int32(int32(e.duration / time.Second))
	}
	out, err := e.client.AssumeRoleWithWebIdentity(ctx, in)
	if err != nil {
		return Credential{}, fmt.Errorf("sts AssumeRoleWithWebIdentity: %w", err)
	}
	c := out.Credentials
	if c == nil || aws.ToString(c.AccessKeyId) == "" || c.Expiration == nil {
		return Credential{}, errors.New("sts AssumeRoleWithWebIdentity returned incomplete credentials")
	}
	return Credential{
		AccessKeyID:     aws.ToString(c.AccessKeyId),
		SecretAccessKey: aws.ToString(c.SecretAccessKey),
		SessionToken:    aws.ToString(c.SessionToken),
		Expiration:      aws.ToTime(c.Expiration),
		IdentityID:      handle.ID,
	}, nil
}
