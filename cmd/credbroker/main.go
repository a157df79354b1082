// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/envoyproxy/credbroker/internal/config"
	"github.com/envoyproxy/credbroker/internal/credserver"
	"github.com/envoyproxy/credbroker/internal/json"
	"github.com/envoyproxy/credbroker/internal/pprof"
	"github.com/envoyproxy/credbroker/internal/version"
)

type (
	cmd struct {
		Config   string `help:"Path to the YAML configuration file." type:"path" env:"CREDBROKER_CONFIG"`
		LogLevel string `help:"Log level: debug, info, warn or error. Overrides the configuration file." env:"CREDBROKER_LOG_LEVEL"`

		Version     struct{}       `cmd:"" help:"Show version."`
		Token       cmdToken       `cmd:"" help:"Print a valid access token, authenticating or refreshing as needed."`
		Credentials cmdCredentials `cmd:"" help:"Print federated credentials for the authenticated identity."`
		Status      cmdStatus      `cmd:"" help:"Print the authentication status. Never prints secrets."`
		Serve       cmdServe       `cmd:"" help:"Serve tokens and federated credentials on a local HTTP endpoint."`
	}
	cmdToken struct {
		JSON bool `help:"Print the token and its expiry as JSON."`
	}
	cmdCredentials struct {
		Format string `help:"Output format: json, env, or process (AWS credential_process)." enum:"json,env,process" default:"json"`
	}
	cmdStatus struct {
		Authenticate bool `help:"Authenticate before reporting."`
	}
	cmdServe struct {
		Listen string `help:"Address to listen on. Defaults to the configured server.listen (127.0.0.1:9911)." env:"CREDBROKER_LISTEN"`
	}
)

// processCredentials is the AWS credential_process output.
type processCredentials struct {
	Version         int       `json:"Version"`
	AccessKeyID     string    `json:"AccessKeyId"`
	SecretAccessKey string    `json:"SecretAccessKey"`
	SessionToken    string    `json:"SessionToken,omitempty"`
	Expiration      time.Time `json:"Expiration"`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := doMain(ctx, os.Stdout, os.Stderr, os.Stdin, os.Args[1:], newSession)
	stop()
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
}

func doMain(ctx context.Context, stdout, stderr io.Writer, stdin *os.File, args []string, sf sessionFn) error {
	var c cmd
	parser, err := kong.New(&c,
		kong.Name("credbroker"),
		kong.Description("Federated authentication and credential broker"),
		kong.Writers(stdout, stderr),
	)
	if err != nil {
		return fmt.Errorf("error creating parser: %w", err)
	}
	kctx, err := parser.Parse(args)
	if err != nil {
		return err
	}
	if kctx.Command() == "version" {
		_, _ = fmt.Fprintf(stdout, "credbroker: %s\n", version.Version)
		return nil
	}

	cfg, err := config.Load(c.Config)
	if err != nil {
		return err
	}
	if c.LogLevel != "" {
		cfg.LogLevel = c.LogLevel
	}
	if c.Serve.Listen != "" {
		cfg.Server.Listen = c.Serve.Listen
	}
	if err = cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: cfg.Level()}))

	s, err := sf(ctx, &cfg, stdin, stderr, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := s.shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("failed to flush telemetry", slog.String("error", err.Error()))
		}
	}()

	switch kctx.Command() {
	case "token":
		return printToken(ctx, stdout, s.broker, c.Token)
	case "credentials":
		return printCredentials(ctx, stdout, s.broker, c.Credentials)
	case "status":
		if c.Status.Authenticate {
			if _, _, err = s.broker.GetAccessToken(ctx); err != nil {
				logger.Debug("authentication before status failed", slog.String("error", err.Error()))
			}
		}
		return writeJSON(stdout, s.broker.Status())
	case "serve":
		pprof.Run(ctx, logger)
		return credserver.New(s.broker, credserver.Options{
			BearerToken: cfg.Server.BearerToken,
			Registry:    s.registry,
			Propagator:  s.propagator,
			Logger:      logger,
		}).ListenAndServe(ctx, cfg.Server.Listen)
	default:
		panic("unreachable")
	}
}

func printToken(ctx context.Context, stdout io.Writer, b credserver.Broker, c cmdToken) error {
	token, expiresAt, err := b.GetAccessToken(ctx)
	if err != nil {
		return err
	}
	if c.JSON {
		return writeJSON(stdout, credserver.TokenResponse{AccessToken: token, ExpiresAt: expiresAt.UTC()})
	}
	_, err = fmt.Fprintln(stdout, token)
	return err
}

func printCredentials(ctx context.Context, stdout io.Writer, b credserver.Broker, c cmdCredentials) error {
	creds, err := b.GetFederatedCredentials(ctx)
	if err != nil {
		return err
	}
	switch c.Format {
	case "env":
		_, _ = fmt.Fprintf(stdout, "export AWS_ACCESS_KEY_ID=%s\n", creds.AccessKeyID)
		_, _ = fmt.Fprintf(stdout, "export AWS_SECRET_ACCESS_KEY=%s\n", creds.SecretAccessKey)
		if creds.SessionToken != "" {
			_, _ = fmt.Fprintf(stdout, "export AWS_SESSION_TOKEN=%s\n", creds.SessionToken)
		}
		_, err = fmt.Fprintf(stdout, "export AWS_CREDENTIAL_EXPIRATION=%s\n", creds.Expiration.UTC().Format(time.RFC3339))
		return err
	case "process":
		return writeJSON(stdout, processCredentials{
			Version:         1,
			AccessKeyID:     creds.AccessKeyID,
			SecretAccessKey: creds.SecretAccessKey,
			SessionToken:    creds.SessionToken,
			Expiration:      creds.Expiration.UTC(),
		})
	default:
		return writeJSON(stdout, credserver.ContainerCredentials{
			AccessKeyID:     creds.AccessKeyID,
			SecretAccessKey: creds.SecretAccessKey,
			Token:           creds.SessionToken,
			Expiration:      creds.Expiration.UTC(),
		})
	}
}

func writeJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = w.Write(append(b, '\n'))
	return err
}
