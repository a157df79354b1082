// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/propagation"

	"github.com/envoyproxy/credbroker/internal/authenticator"
	"github.com/envoyproxy/credbroker/internal/config"
	"github.com/envoyproxy/credbroker/internal/credserver"
	"github.com/envoyproxy/credbroker/internal/credsource"
	"github.com/envoyproxy/credbroker/internal/federation"
	"github.com/envoyproxy/credbroker/internal/identity"
	"github.com/envoyproxy/credbroker/internal/lifecycle"
	"github.com/envoyproxy/credbroker/internal/metrics"
	"github.com/envoyproxy/credbroker/internal/ratelimit"
	"github.com/envoyproxy/credbroker/internal/retry"
	"github.com/envoyproxy/credbroker/internal/tracing"
)

// session is everything a command needs once the configuration is loaded.
type session struct {
	broker credserver.Broker
	// registry is nil when metrics are not exported to Prometheus.
	registry   prometheus.Gatherer
	propagator propagation.TextMapPropagator
	shutdown   func(context.Context) error
}

type sessionFn func(ctx context.Context, cfg *config.Config, stdin *os.File, stderr io.Writer, logger *slog.Logger) (*session, error)

// newSession wires the lifecycle manager from cfg.
func newSession(ctx context.Context, cfg *config.Config, stdin *os.File, stderr io.Writer, logger *slog.Logger) (*session, error) {
	m, err := metrics.NewMetricsFromEnv(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}
	credMetrics, err := metrics.NewCredential(m.Meter())
	if err != nil {
		return nil, fmt.Errorf("failed to create credential metrics: %w", err)
	}
	// The console span exporter must not mix with command output.
	tr, err := tracing.NewTracingFromEnv(ctx, stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to create tracing: %w", err)
	}
	provider, err := newIdentityProvider(ctx, cfg)
	if err != nil {
		return nil, err
	}
	source, err := newCredentialSource(cfg, stdin, stderr)
	if err != nil {
		return nil, err
	}

	limiter := ratelimit.New(cfg.RateLimitConfig())
	rm := retry.NewManager(cfg.RetryConfig(),
		retry.WithLogger(logger),
		retry.WithRetryHook(lifecycle.RetryHook(credMetrics)),
	)
	auth := authenticator.New(provider, source, limiter, rm, cfg.TokenConfig(), authenticator.WithLogger(logger))

	exchanger, err := newExchanger(ctx, cfg)
	if err != nil {
		return nil, err
	}
	var fed *federation.Federator
	if exchanger != nil {
		fed = federation.New(exchanger, rm,
			federation.WithLogger(logger),
			federation.WithMargin(time.Duration(cfg.Federation.Margin)),
		)
	}

	// Provider calls in flight are abandoned when the command is interrupted.
	mgr := lifecycle.New(auth, fed, limiter,
		lifecycle.WithBaseContext(ctx),
		lifecycle.WithLogger(logger),
		lifecycle.WithMetrics(credMetrics),
		lifecycle.WithTracer(tr.CredentialTracer()),
	)
	s := &session{
		broker:     mgr,
		propagator: tr.Propagator(),
		shutdown: func(ctx context.Context) error {
			mgr.Close()
			return errors.Join(tr.Shutdown(ctx), m.Shutdown(ctx))
		},
	}
	if r := m.Registry(); r != nil {
		s.registry = r
	}
	return s, nil
}

func newIdentityProvider(ctx context.Context, cfg *config.Config) (identity.Provider, error) {
	switch cfg.Provider.Kind {
	case config.ProviderCognito:
		return identity.NewCognitoUserPoolProvider(ctx, cfg.Provider.Cognito)
	case config.ProviderOAuth2:
		return identity.NewOAuth2PasswordProvider(ctx, cfg.Provider.OAuth2, nil)
	default:
		return nil, fmt.Errorf("unknown provider kind %q", cfg.Provider.Kind)
	}
}

func newCredentialSource(cfg *config.Config, stdin *os.File, stderr io.Writer) (credsource.Provider, error) {
	c := cfg.Credentials
	switch c.Source {
	case config.SourceEnv:
		return credsource.NewEnvProvider(), nil
	case config.SourcePrompt:
		return credsource.NewPromptProvider(stdin, stderr, c.Username), nil
	case config.SourceStatic:
		password := c.Password.Value()
		if password == "" {
			b, err := os.ReadFile(c.PasswordFile)
			if err != nil {
				return nil, fmt.Errorf("failed to read password file: %w", err)
			}
			password = strings.TrimSpace(string(b))
		}
		return credsource.NewStaticProvider(c.Username, password), nil
	case config.SourceAuto:
		return credsource.Chain{credsource.NewEnvProvider(), credsource.NewPromptProvider(stdin, stderr, c.Username)}, nil
	default:
		return nil, fmt.Errorf("unknown credential source %q", c.Source)
	}
}

// newExchanger returns nil when federation is off.
func newExchanger(ctx context.Context, cfg *config.Config) (federation.Exchanger, error) {
	switch cfg.Federation.Kind {
	case config.FederationNone, "":
		return nil, nil
	case config.FederationCognitoIdentity:
		return federation.NewCognitoIdentityExchanger(ctx, cfg.Federation.CognitoIdentity)
	case config.FederationSTS:
		return federation.NewSTSWebIdentityExchanger(ctx, cfg.STSConfig())
	case config.FederationAzure:
		return federation.NewAzureFederatedExchanger(cfg.Federation.Azure)
	default:
		return nil, fmt.Errorf("unknown federation kind %q", cfg.Federation.Kind)
	}
}
