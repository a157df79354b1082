// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package federation

import (
	"context"
	"errors"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"

	"github.com/envoyproxy/credbroker/internal/identity"
)

// DefaultAzureScope is the Azure Resource Manager scope.
const DefaultAzureScope = "https://management.azure.com/.default"

// AzureFederatedConfig configures an AzureFederatedExchanger.
type AzureFederatedConfig struct {
	TenantID string   `json:"tenantId"`
	ClientID string   `json:"clientId"`
	Scopes   []string `json:"scopes,omitempty"`
}

// AzureFederatedExchanger implements Exchanger with Microsoft Entra workload
// identity federation: the identity assertion is presented as a client
// assertion for an app registration that trusts the issuer.
//
// The resulting Credential maps AccessKeyID to the client id and
// SecretAccessKey to the bearer access token; SessionToken is empty.
type AzureFederatedExchanger struct {
	tenantID string
	clientID string
	scopes   []string

	newCredential func(assertion string) (azcore.TokenCredential, error)
}

// NewAzureFederatedExchanger returns an exchanger for cfg.
func NewAzureFederatedExchanger(cfg AzureFederatedConfig) (*AzureFederatedExchanger, error) {
	if cfg.TenantID == "" || cfg.ClientID == "" {
		return nil, errors.New("azure tenant id and client id are required")
	}
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{DefaultAzureScope}
	}
	e := &AzureFederatedExchanger{tenantID: cfg.TenantID, clientID: cfg.ClientID, scopes: scopes}
	e.newCredential = func(assertion string) (azcore.TokenCredential, error) {
		return azidentity.NewClientAssertionCredential(e.tenantID, e.clientID,
			func(context.Context) (string, error) { return assertion, nil },
			&azidentity.ClientAssertionCredentialOptions{
				// Retries are owned by the credential lifecycle.
				ClientOptions: azcore.ClientOptions{Retry: policy.RetryOptions{MaxRetries: -1}},
			})
	}
	return e, nil
}

// ResolveIdentity implements Exchanger.
func (e *AzureFederatedExchanger) ResolveIdentity(_ context.Context, assertion string) (IdentityHandle, error) {
	claims, err := identity.ParseClaims(assertion)
	if err != nil {
		return IdentityHandle{}, fmt.Errorf("federated assertion is not a JWT: %w", err)
	}
	if claims.Subject == "" {
		return IdentityHandle{}, errors.New("federated assertion has no subject")
	}
	return IdentityHandle{ID: e.tenantID + "/" + e.clientID + "/" + claims.Subject}, nil
}

// ExchangeCredentials implements Exchanger.
func (e *AzureFederatedExchanger) ExchangeCredentials(ctx context.Context, handle IdentityHandle, assertion string) (Credential, error) {
	cred, err := e.newCredential(assertion)
	if err != nil {
		return Credential{}, fmt.Errorf("failed to create azure client assertion credential: %w", err)
	}
	tok, err := cred.GetToken(ctx, policy.TokenRequestOptions{Scopes: e.scopes})
	if err != nil {
		return Credential{}, fmt.Errorf("azure token exchange: %w", err)
	}
	if tok.Token == "" {
		return Credential{}, errors.New("azure token exchange returned an empty token")
	}
	return Credential{
		AccessKeyID:     e.clientID,
		SecretAccessKey: tok.Token,
		Expiration:      tok.ExpiresOn,
		IdentityID:      handle.ID,
	}, nil
}
