// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package config loads the credbroker configuration from a YAML file and
// CREDBROKER_* environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"sigs.k8s.io/yaml"

	"github.com/envoyproxy/credbroker/internal/authenticator"
	"github.com/envoyproxy/credbroker/internal/federation"
	"github.com/envoyproxy/credbroker/internal/identity"
	"github.com/envoyproxy/credbroker/internal/ratelimit"
	"github.com/envoyproxy/credbroker/internal/redaction"
	"github.com/envoyproxy/credbroker/internal/retry"
)

// Identity provider kinds.
const (
	ProviderCognito = "cognito"
	ProviderOAuth2  = "oauth2"
)

// Credential source kinds. SourceAuto tries the environment, then a
// terminal prompt.
const (
	SourceAuto   = "auto"
	SourceEnv    = "env"
	SourceStatic = "static"
	SourcePrompt = "prompt"
)

// Federation kinds.
const (
	FederationNone            = "none"
	FederationCognitoIdentity = "cognito-identity"
	FederationSTS             = "sts"
	FederationAzure           = "azure"
)

// DefaultListen is the default credential server address.
const DefaultListen = "127.0.0.1:9911"

// Duration is a time.Duration that reads "90s"-style strings or a number of
// seconds from YAML and JSON.
type Duration time.Duration

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		return nil
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(time.Duration(d).String())), nil
}

// Config is the complete configuration.
type Config struct {
	LogLevel    string      `json:"logLevel,omitempty"`
	Provider    Provider    `json:"provider"`
	Credentials Credentials `json:"credentials"`
	Federation  Federation  `json:"federation"`
	RateLimit   RateLimit   `json:"rateLimit"`
	Retry       Retry       `json:"retry"`
	Tokens      Tokens      `json:"tokens"`
	Server      Server      `json:"server"`
}

// Provider selects and configures the identity provider.
type Provider struct {
	Kind    string                `json:"kind"`
	Cognito identity.CognitoConfig `json:"cognito"`
	OAuth2  identity.OAuth2Config  `json:"oauth2"`
}

// Credentials selects where the username and password come from.
type Credentials struct {
	Source       string           `json:"source,omitempty"`
	Username     string           `json:"username,omitempty"`
	Password     redaction.Secret `json:"password,omitempty"`
	PasswordFile string           `json:"passwordFile,omitempty"`
}

// Federation selects and configures the federation exchanger.
type Federation struct {
	Kind            string                          `json:"kind,omitempty"`
	Margin          Duration                        `json:"margin,omitempty"`
	CognitoIdentity federation.CognitoIdentityConfig `json:"cognitoIdentity"`
	STS             STS                             `json:"sts"`
	Azure           federation.AzureFederatedConfig `json:"azure"`
}

// STS configures AssumeRoleWithWebIdentity.
type STS struct {
	Region          string   `json:"region,omitempty"`
	RoleARN         string   `json:"roleArn,omitempty"`
	SessionDuration Duration `json:"sessionDuration,omitempty"`
	Endpoint        string   `json:"endpoint,omitempty"`
	ProxyURL        string   `json:"proxyUrl,omitempty"`
}

// RateLimit configures the local password attempt limiter.
type RateLimit struct {
	Window        Duration `json:"window,omitempty"`
	MaxAttempts   int      `json:"maxAttempts,omitempty"`
	BlockDuration Duration `json:"blockDuration,omitempty"`
}

// Retry configures the retry manager.
type Retry struct {
	MaxAttempts           int      `json:"maxAttempts,omitempty"`
	FederationMaxAttempts int      `json:"federationMaxAttempts,omitempty"`
	InitialDelay          Duration `json:"initialDelay,omitempty"`
	MaxDelay              Duration `json:"maxDelay,omitempty"`
	Multiplier            float64  `json:"multiplier,omitempty"`
	Jitter                float64  `json:"jitter,omitempty"`
	AttemptTimeout        Duration `json:"attemptTimeout,omitempty"`
	MaxRetryAfter         Duration `json:"maxRetryAfter,omitempty"`
}

// Tokens configures the token timing policy.
type Tokens struct {
	SafetyMargin         Duration `json:"safetyMargin,omitempty"`
	Lookahead            Duration `json:"lookahead,omitempty"`
	RefreshTokenLifetime Duration `json:"refreshTokenLifetime,omitempty"`
	AccessTokenLifetime  Duration `json:"accessTokenLifetime,omitempty"`
}

// Server configures the local credential server.
type Server struct {
	Listen string `json:"listen,omitempty"`
	// BearerToken, when set, is required on every request except /metrics.
	BearerToken redaction.Secret `json:"bearerToken,omitempty"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	rl := ratelimit.Config{}.WithDefaults()
	rt := retry.Config{}.WithDefaults()
	tk := authenticator.Config{}.WithDefaults()
	return Config{
		LogLevel:    "info",
		Provider:    Provider{Kind: ProviderCognito},
		Credentials: Credentials{Source: SourceAuto},
		Federation:  Federation{Kind: FederationNone, Margin: Duration(federation.DefaultMargin)},
		RateLimit: RateLimit{
			Window:        Duration(rl.Window),
			MaxAttempts:   rl.MaxAttempts,
			BlockDuration: Duration(rl.BlockDuration),
		},
		Retry: Retry{
			MaxAttempts:           rt.MaxAttempts,
			FederationMaxAttempts: rt.FederationMaxAttempts,
			InitialDelay:          Duration(rt.InitialDelay),
			MaxDelay:              Duration(rt.MaxDelay),
			Multiplier:            rt.Multiplier,
			Jitter:                rt.Jitter,
			AttemptTimeout:        Duration(rt.AttemptTimeout),
			MaxRetryAfter:         Duration(rt.MaxRetryAfter),
		},
		Tokens: Tokens{
			SafetyMargin:         Duration(tk.SafetyMargin),
			Lookahead:            Duration(tk.Lookahead),
			RefreshTokenLifetime: Duration(tk.RefreshTokenLifetime),
			AccessTokenLifetime:  Duration(tk.AccessTokenLifetime),
		},
		Server: Server{Listen: DefaultListen},
	}
}

// Load reads path over the defaults and applies the environment. An empty
// path skips the file. Unknown fields in the file are an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	cfg.ApplyEnv(os.LookupEnv)
	cfg.complete()
	return cfg, nil
}

// envOverrides maps CREDBROKER_* variables onto fields.
var envOverrides = []struct {
	name string
	set  func(*Config, string)
}{
	{"CREDBROKER_LOG_LEVEL", func(c *Config, v string) { c.LogLevel = v }},
	{"CREDBROKER_PROVIDER", func(c *Config, v string) { c.Provider.Kind = v }},
	{"CREDBROKER_REGION", func(c *Config, v string) {
		c.Provider.Cognito.Region = v
		c.Federation.CognitoIdentity.Region = v
		c.Federation.STS.Region = v
	}},
	{"CREDBROKER_USER_POOL_ID", func(c *Config, v string) { c.Provider.Cognito.UserPoolID = v }},
	{"CREDBROKER_CLIENT_ID", func(c *Config, v string) {
		c.Provider.Cognito.ClientID = v
		c.Provider.OAuth2.ClientID = v
	}},
	{"CREDBROKER_CLIENT_SECRET", func(c *Config, v string) {
		c.Provider.Cognito.ClientSecret = v
		c.Provider.OAuth2.ClientSecret = v
	}},
	{"CREDBROKER_ISSUER_URL", func(c *Config, v string) { c.Provider.OAuth2.IssuerURL = v }},
	{"CREDBROKER_CREDENTIAL_SOURCE", func(c *Config, v string) { c.Credentials.Source = v }},
	{"CREDBROKER_FEDERATION", func(c *Config, v string) { c.Federation.Kind = v }},
	{"CREDBROKER_IDENTITY_POOL_ID", func(c *Config, v string) { c.Federation.CognitoIdentity.IdentityPoolID = v }},
	{"CREDBROKER_ROLE_ARN", func(c *Config, v string) { c.Federation.STS.RoleARN = v }},
	{"CREDBROKER_AZURE_TENANT_ID", func(c *Config, v string) { c.Federation.Azure.TenantID = v }},
	{"CREDBROKER_AZURE_CLIENT_ID", func(c *Config, v string) { c.Federation.Azure.ClientID = v }},
	{"CREDBROKER_LISTEN", func(c *Config, v string) { c.Server.Listen = v }},
	{"CREDBROKER_SERVER_TOKEN", func(c *Config, v string) { c.Server.BearerToken = redaction.Secret(v) }},
}

// ApplyEnv overrides fields from the CREDBROKER_* variables that lookup
// reports as set and non-empty.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	for _, o := range envOverrides {
		if v, ok := lookup(o.name); ok && v != "" {
			o.set(c, v)
		}
	}
}

// complete fills fields that can be derived from others.
func (c *Config) complete() {
	ci := &c.Federation.CognitoIdentity
	if c.Provider.Kind == ProviderCognito {
		if ci.Region == "" {
			ci.Region = c.Provider.Cognito.Region
		}
		if ci.UserPoolID == "" && ci.LoginsKey == "" {
			ci.UserPoolID = c.Provider.Cognito.UserPoolID
		}
		if c.Federation.STS.Region == "" {
			c.Federation.STS.Region = c.Provider.Cognito.Region
		}
	}
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		add("logLevel: %q is not one of debug, info, warn, error", c.LogLevel)
	}

	switch c.Provider.Kind {
	case ProviderCognito:
		if c.Provider.Cognito.Region == "" {
			add("provider.cognito.region is required")
		}
		if c.Provider.Cognito.ClientID == "" {
			add("provider.cognito.clientId is required")
		}
	case ProviderOAuth2:
		if c.Provider.OAuth2.ClientID == "" {
			add("provider.oauth2.clientId is required")
		}
		if c.Provider.OAuth2.IssuerURL == "" && c.Provider.OAuth2.TokenURL == "" {
			add("provider.oauth2 requires issuerUrl or tokenUrl")
		}
		if c.Provider.OAuth2.VerifyIDToken && c.Provider.OAuth2.IssuerURL == "" {
			add("provider.oauth2.verifyIdToken requires issuerUrl")
		}
	default:
		add("provider.kind: unknown kind %q", c.Provider.Kind)
	}

	switch c.Credentials.Source {
	case SourceAuto, SourceEnv, SourcePrompt:
	case SourceStatic:
		if c.Credentials.Username == "" {
			add("credentials.username is required for the static source")
		}
		if c.Credentials.Password == "" && c.Credentials.PasswordFile == "" {
			add("credentials.password or credentials.passwordFile is required for the static source")
		}
	default:
		add("credentials.source: unknown source %q", c.Credentials.Source)
	}

	switch c.Federation.Kind {
	case FederationNone:
	case FederationCognitoIdentity:
		ci := c.Federation.CognitoIdentity
		if ci.IdentityPoolID == "" {
			add("federation.cognitoIdentity.identityPoolId is required")
		}
		if ci.Region == "" {
			add("federation.cognitoIdentity.region is required")
		}
		if ci.LoginsKey == "" && ci.UserPoolID == "" {
			add("federation.cognitoIdentity requires loginsKey or userPoolId")
		}
	case FederationSTS:
		if c.Federation.STS.RoleARN == "" {
			add("federation.sts.roleArn is required")
		}
		if c.Federation.STS.Region == "" {
			add("federation.sts.region is required")
		}
		if d := time.Duration(c.Federation.STS.SessionDuration); d != 0 && (d < 15*time.Minute || d > 12*time.Hour) {
			add("federation.sts.sessionDuration must be between 15m and 12h")
		}
	case FederationAzure:
		if c.Federation.Azure.TenantID == "" || c.Federation.Azure.ClientID == "" {
			add("federation.azure.tenantId and federation.azure.clientId are required")
		}
	default:
		add("federation.kind: unknown kind %q", c.Federation.Kind)
	}

	for name, d := range map[string]Duration{
		"federation.margin":           c.Federation.Margin,
		"rateLimit.window":            c.RateLimit.Window,
		"rateLimit.blockDuration":     c.RateLimit.BlockDuration,
		"retry.initialDelay":          c.Retry.InitialDelay,
		"retry.maxDelay":              c.Retry.MaxDelay,
		"retry.attemptTimeout":        c.Retry.AttemptTimeout,
		"tokens.safetyMargin":         c.Tokens.SafetyMargin,
		"tokens.lookahead":            c.Tokens.Lookahead,
		"tokens.refreshTokenLifetime": c.Tokens.RefreshTokenLifetime,
		"tokens.accessTokenLifetime":  c.Tokens.AccessTokenLifetime,
	} {
		if d <= 0 {
			add("%s must be positive", name)
		}
	}
	if c.RateLimit.MaxAttempts <= 0 {
		add("rateLimit.maxAttempts must be positive")
	}
	if c.Retry.MaxAttempts <= 0 || c.Retry.FederationMaxAttempts <= 0 {
		add("retry.maxAttempts and retry.federationMaxAttempts must be positive")
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		add("retry.jitter must be between 0 and 1")
	}
	if c.Tokens.RefreshTokenLifetime < c.Tokens.Lookahead {
		add("tokens.refreshTokenLifetime must not be shorter than tokens.lookahead")
	}
	if c.Server.Listen == "" {
		add("server.listen is required")
	}
	return errors.Join(errs...)
}

// Level returns the parsed log level, defaulting to info.
func (c *Config) Level() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// RateLimitConfig converts to ratelimit.Config.
func (c *Config) RateLimitConfig() ratelimit.Config {
	return ratelimit.Config{
		Window:        time.Duration(c.RateLimit.Window),
		MaxAttempts:   c.RateLimit.MaxAttempts,
		BlockDuration: time.Duration(c.RateLimit.BlockDuration),
	}
}

// RetryConfig converts to retry.Config.
func (c *Config) RetryConfig() retry.Config {
	return retry.Config{
		MaxAttempts:           c.Retry.MaxAttempts,
		FederationMaxAttempts: c.Retry.FederationMaxAttempts,
		InitialDelay:          time.Duration(c.Retry.InitialDelay),
		MaxDelay:              time.Duration(c.Retry.MaxDelay),
		Multiplier:            c.Retry.Multiplier,
		Jitter:                c.Retry.Jitter,
		AttemptTimeout:        time.Duration(c.Retry.AttemptTimeout),
		MaxRetryAfter:         time.Duration(c.Retry.MaxRetryAfter),
	}
}

// TokenConfig converts to authenticator.Config.
func (c *Config) TokenConfig() authenticator.Config {
	return authenticator.Config{
		SafetyMargin:         time.Duration(c.Tokens.SafetyMargin),
		Lookahead:            time.Duration(c.Tokens.Lookahead),
		RefreshTokenLifetime: time.Duration(c.Tokens.RefreshTokenLifetime),
		AccessTokenLifetime:  time.Duration(c.Tokens.AccessTokenLifetime),
	}
}

// STSConfig converts to federation.STSWebIdentityConfig.
func (c *Config) STSConfig() federation.STSWebIdentityConfig {
	s := c.Federation.STS
	return federation.STSWebIdentityConfig{
		Region:   s.Region,
		RoleARN:  s.RoleARN,
		Duration: time.Duration(s.SessionDuration),
		Endpoint: s.Endpoint,
		ProxyURL: s.ProxyURL,
	}
}
