// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package credsource supplies the username and password used for the
// password grant. Sources are injected into the authenticator so that
// non-interactive deployments never touch a terminal.
package credsource

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/envoyproxy/credbroker/internal/autherrors"
	"github.com/envoyproxy/credbroker/internal/redaction"
)

// Credentials is a username and password. It is created per authentication
// attempt and never persisted.
type Credentials struct {
	Username string
	Password redaction.Secret
}

// Empty reports whether either field is missing.
func (c Credentials) Empty() bool {
	return c.Username == "" || c.Password == ""
}

// Provider returns credentials for a password grant. Implementations that
// cannot produce credentials without blocking on a human must return an
// error wrapping autherrors.ErrMissingCredentials.
type Provider interface {
	Credentials(ctx context.Context) (Credentials, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context) (Credentials, error)

// Credentials implements Provider.
func (f ProviderFunc) Credentials(ctx context.Context) (Credentials, error) { return f(ctx) }

const (
	// DefaultUsernameEnv is the default environment variable holding the username.
	DefaultUsernameEnv = "CREDBROKER_USERNAME"
	// DefaultPasswordEnv is the default environment variable holding the password.
	DefaultPasswordEnv = "CREDBROKER_PASSWORD"
	// DefaultPasswordFileEnv names a file whose trimmed contents are the password.
	DefaultPasswordFileEnv = "CREDBROKER_PASSWORD_FILE"
)

// EnvProvider reads credentials from environment variables. The password may
// instead be read from the file named by PasswordFileVar, which is how
// mounted secrets are usually delivered.
type EnvProvider struct {
	UsernameVar     string
	PasswordVar     string
	PasswordFileVar string

	lookupEnv func(string) (string, bool)
	readFile  func(string) ([]byte, error)
}

// NewEnvProvider returns an EnvProvider using the default variable names.
func NewEnvProvider() *EnvProvider {
	return &EnvProvider{
		UsernameVar:     DefaultUsernameEnv,
		PasswordVar:     DefaultPasswordEnv,
		PasswordFileVar: DefaultPasswordFileEnv,
	}
}

// Credentials implements Provider.
func (p *EnvProvider) Credentials(context.Context) (Credentials, error) {
	lookup := p.lookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}
	readFile := p.readFile
	if readFile == nil {
		readFile = os.ReadFile
	}

	username, _ := lookup(p.UsernameVar)
	password, _ := lookup(p.PasswordVar)
	if password == "" && p.PasswordFileVar != "" {
		if path, ok := lookup(p.PasswordFileVar); ok && path != "" {
			b, err := readFile(path)
			if err != nil {
				return Credentials{}, fmt.Errorf("failed to read password file named by %s: %w", p.PasswordFileVar, err)
			}
			password = strings.TrimSpace(string(b))
		}
	}

	creds := Credentials{Username: strings.TrimSpace(username), Password: redaction.Secret(password)}
	if creds.Empty() {
		return Credentials{}, fmt.Errorf("%w: set %s and %s", autherrors.ErrMissingCredentials, p.UsernameVar, p.PasswordVar)
	}
	return creds, nil
}

// StaticProvider returns fixed credentials, typically loaded from the
// configuration file.
type StaticProvider struct {
	creds Credentials
}

// NewStaticProvider returns a StaticProvider for username and password.
func NewStaticProvider(username, password string) *StaticProvider {
	return &StaticProvider{creds: Credentials{Username: username, Password: redaction.Secret(password)}}
}

// Credentials implements Provider.
func (p *StaticProvider) Credentials(context.Context) (Credentials, error) {
	if p.creds.Empty() {
		return Credentials{}, fmt.Errorf("%w: static credentials are incomplete", autherrors.ErrMissingCredentials)
	}
	return p.creds, nil
}

// Chain tries each provider in order and returns the first credentials
// found. Only missing-credential errors fall through to the next provider.
type Chain []Provider

// Credentials implements Provider.
func (c Chain) Credentials(ctx context.Context) (Credentials, error) {
	for _, p := range c {
		creds, err := p.Credentials(ctx)
		if err == nil {
			return creds, nil
		}
		if !errors.Is(err, autherrors.ErrMissingCredentials) {
			return Credentials{}, err
		}
	}
	return Credentials{}, autherrors.ErrMissingCredentials
}
