// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"sigs.k8s.io/yaml"

	"github.com/envoyproxy/credbroker/internal/federation"
	"github.com/envoyproxy/credbroker/internal/redaction"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "credbroker.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDuration_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		in     string
		expect time.Duration
		errMsg string
	}{
		{in: `window: 90s`, expect: 90 * time.Second},
		{in: `window: 1h30m`, expect: 90 * time.Minute},
		{in: `window: 60`, expect: time.Minute},
		{in: `window: 0.5`, expect: 500 * time.Millisecond},
		{in: `window: soon`, errMsg: `invalid duration "soon"`},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var rl RateLimit
			err := yaml.Unmarshal([]byte(tt.in), &rl)
			if tt.errMsg != "" {
				require.ErrorContains(t, err, tt.errMsg)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.expect, time.Duration(rl.Window))
		})
	}
}

func TestDuration_MarshalJSON(t *testing.T) {
	out, err := yaml.Marshal(RateLimit{Window: Duration(15 * time.Minute)})
	require.NoError(t, err)
	require.Contains(t, string(out), "window: 15m0s")
}

func TestLoad(t *testing.T) {
	t.Run("defaults without a file", func(t *testing.T) {
		cfg, err := Load("")
		require.NoError(t, err)
		require.Equal(t, ProviderCognito, cfg.Provider.Kind)
		require.Equal(t, FederationNone, cfg.Federation.Kind)
		require.Equal(t, DefaultListen, cfg.Server.Listen)
		require.Equal(t, Duration(federation.DefaultMargin), cfg.Federation.Margin)
		require.Equal(t, 7*24*time.Hour, time.Duration(cfg.Tokens.RefreshTokenLifetime))
	})

	t.Run("file overlays defaults", func(t *testing.T) {
		path := writeConfig(t, `
logLevel: debug
provider:
  kind: cognito
  cognito:
    region: eu-west-1
    userPoolId: eu-west-1_abc
    clientId: client-1
federation:
  kind: cognito-identity
  cognitoIdentity:
    identityPoolId: eu-west-1:pool
rateLimit:
  maxAttempts: 3
tokens:
  lookahead: 2m
server:
  bearerToken: s3cr3t-token
`)
		cfg, err := Load(path)
		require.NoError(t, err)
		require.NoError(t, cfg.Validate())
		require.Equal(t, slog.LevelDebug, cfg.Level())
		require.Equal(t, "client-1", cfg.Provider.Cognito.ClientID)
		require.Equal(t, 3, cfg.RateLimit.MaxAttempts)
		require.Equal(t, Default().RateLimit.Window, cfg.RateLimit.Window)
		require.Equal(t, 2*time.Minute, time.Duration(cfg.Tokens.Lookahead))
		require.Equal(t, "s3cr3t-token", cfg.Server.BearerToken.Value())
		// Derived from the user pool provider.
		require.Equal(t, "eu-west-1", cfg.Federation.CognitoIdentity.Region)
		require.Equal(t, "eu-west-1_abc", cfg.Federation.CognitoIdentity.UserPoolID)
	})

	t.Run("unknown field", func(t *testing.T) {
		path := writeConfig(t, "provider:\n  kind: cognito\n  colour: blue\n")
		_, err := Load(path)
		require.ErrorContains(t, err, "colour")
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		require.ErrorContains(t, err, "failed to read config")
	})

	t.Run("environment overrides the file", func(t *testing.T) {
		path := writeConfig(t, "provider:\n  kind: cognito\n  cognito:\n    region: eu-west-1\n    clientId: from-file\n")
		t.Setenv("CREDBROKER_CLIENT_ID", "from-env")
		t.Setenv("CREDBROKER_LISTEN", "127.0.0.1:1234")
		cfg, err := Load(path)
		require.NoError(t, err)
		require.Equal(t, "from-env", cfg.Provider.Cognito.ClientID)
		require.Equal(t, "127.0.0.1:1234", cfg.Server.Listen)
	})
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"CREDBROKER_PROVIDER":         "oauth2",
		"CREDBROKER_ISSUER_URL":       "https://issuer.example.com",
		"CREDBROKER_CLIENT_ID":        "cli",
		"CREDBROKER_REGION":           "us-east-2",
		"CREDBROKER_FEDERATION":       "sts",
		"CREDBROKER_ROLE_ARN":         "arn:aws:iam::123456789012:role/dev",
		"CREDBROKER_SERVER_TOKEN":     "tok",
		"CREDBROKER_LOG_LEVEL":        "",
		"CREDBROKER_IDENTITY_POOL_ID": "us-east-2:pool",
	}
	cfg := Default()
	cfg.ApplyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	require.Equal(t, ProviderOAuth2, cfg.Provider.Kind)
	require.Equal(t, "https://issuer.example.com", cfg.Provider.OAuth2.IssuerURL)
	require.Equal(t, "cli", cfg.Provider.OAuth2.ClientID)
	require.Equal(t, "us-east-2", cfg.Federation.STS.Region)
	require.Equal(t, "us-east-2", cfg.Federation.CognitoIdentity.Region)
	require.Equal(t, "us-east-2:pool", cfg.Federation.CognitoIdentity.IdentityPoolID)
	require.Equal(t, redaction.Secret("tok"), cfg.Server.BearerToken)
	// Empty values are ignored.
	require.Equal(t, "info", cfg.LogLevel)
	require.NoError(t, cfg.Validate())
}

func validCognito() Config {
	cfg := Default()
	cfg.Provider.Cognito.Region = "us-east-1"
	cfg.Provider.Cognito.ClientID = "client"
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "bad log level", mutate: func(c *Config) { c.LogLevel = "loud" }, errMsg: `logLevel: "loud"`},
		{name: "unknown provider", mutate: func(c *Config) { c.Provider.Kind = "saml" }, errMsg: `unknown kind "saml"`},
		{name: "cognito without region", mutate: func(c *Config) { c.Provider.Cognito.Region = "" }, errMsg: "provider.cognito.region is required"},
		{
			name: "oauth2 without endpoint",
			mutate: func(c *Config) {
				c.Provider.Kind = ProviderOAuth2
				c.Provider.OAuth2.ClientID = "cli"
			},
			errMsg: "issuerUrl or tokenUrl",
		},
		{
			name: "oauth2 verification without issuer",
			mutate: func(c *Config) {
				c.Provider.Kind = ProviderOAuth2
				c.Provider.OAuth2.ClientID = "cli"
				c.Provider.OAuth2.TokenURL = "https://idp.example.com/token"
				c.Provider.OAuth2.VerifyIDToken = true
			},
			errMsg: "verifyIdToken requires issuerUrl",
		},
		{name: "unknown source", mutate: func(c *Config) { c.Credentials.Source = "vault" }, errMsg: `unknown source "vault"`},
		{name: "static without username", mutate: func(c *Config) { c.Credentials.Source = SourceStatic }, errMsg: "credentials.username is required"},
		{name: "unknown federation", mutate: func(c *Config) { c.Federation.Kind = "gcp" }, errMsg: `federation.kind: unknown kind "gcp"`},
		{
			name: "cognito identity without pool",
			mutate: func(c *Config) {
				c.Federation.Kind = FederationCognitoIdentity
				c.Federation.CognitoIdentity.Region = "us-east-1"
			},
			errMsg: "identityPoolId is required",
		},
		{
			name: "sts session too long",
			mutate: func(c *Config) {
				c.Federation.Kind = FederationSTS
				c.Federation.STS = STS{Region: "us-east-1", RoleARN: "arn", SessionDuration: Duration(24 * time.Hour)}
			},
			errMsg: "between 15m and 12h",
		},
		{name: "azure without tenant", mutate: func(c *Config) { c.Federation.Kind = FederationAzure }, errMsg: "tenantId"},
		{name: "zero window", mutate: func(c *Config) { c.RateLimit.Window = 0 }, errMsg: "rateLimit.window must be positive"},
		{name: "negative margin", mutate: func(c *Config) { c.Federation.Margin = -1 }, errMsg: "federation.margin must be positive"},
		{name: "jitter", mutate: func(c *Config) { c.Retry.Jitter = 2 }, errMsg: "retry.jitter"},
		{
			name:   "refresh lifetime shorter than lookahead",
			mutate: func(c *Config) { c.Tokens.RefreshTokenLifetime = Duration(time.Minute) },
			errMsg: "refreshTokenLifetime must not be shorter than tokens.lookahead",
		},
		{name: "empty listen", mutate: func(c *Config) { c.Server.Listen = "" }, errMsg: "server.listen is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validCognito()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.errMsg == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tt.errMsg)
		})
	}

	t.Run("reports every problem", func(t *testing.T) {
		cfg := Default()
		err := cfg.Validate()
		require.ErrorContains(t, err, "provider.cognito.region is required")
		require.ErrorContains(t, err, "provider.cognito.clientId is required")
	})
}

func TestConverters(t *testing.T) {
	cfg := validCognito()
	cfg.RateLimit.MaxAttempts = 9
	cfg.Retry.InitialDelay = Duration(250 * time.Millisecond)
	cfg.Tokens.SafetyMargin = Duration(10 * time.Second)
	cfg.Federation.STS = STS{Region: "us-west-2", RoleARN: "arn:role", SessionDuration: Duration(time.Hour)}

	require.Equal(t, 9, cfg.RateLimitConfig().MaxAttempts)
	require.Equal(t, time.Duration(cfg.RateLimit.Window), cfg.RateLimitConfig().Window)
	require.Equal(t, 250*time.Millisecond, cfg.RetryConfig().InitialDelay)
	require.Equal(t, cfg.Retry.MaxAttempts, cfg.RetryConfig().MaxAttempts)
	require.Equal(t, 10*time.Second, cfg.TokenConfig().SafetyMargin)
	if d := cmp.Diff(federation.STSWebIdentityConfig{Region: "us-west-2", RoleARN: "arn:role", Duration: time.Hour}, cfg.STSConfig()); d != "" {
		t.Errorf("STSConfig() mismatch (-want +got):\n%s", d)
	}
}
