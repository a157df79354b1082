// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package credserver serves the current access token and federated
// credential over local HTTP. /credentials speaks the container credential
// format, so AWS SDKs can use it through AWS_CONTAINER_CREDENTIALS_FULL_URI.
package credserver

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/propagation"

	"github.com/envoyproxy/credbroker/internal/autherrors"
	"github.com/envoyproxy/credbroker/internal/federation"
	"github.com/envoyproxy/credbroker/internal/json"
	"github.com/envoyproxy/credbroker/internal/lifecycle"
	"github.com/envoyproxy/credbroker/internal/redaction"
)

// Broker is the part of lifecycle.Manager the server needs.
type Broker interface {
	GetAccessToken(ctx context.Context) (string, time.Time, error)
	GetFederatedCredentials(ctx context.Context) (federation.Credential, error)
	Status() lifecycle.AuthenticationStatus
}

// TokenResponse is the body of GET /token.
type TokenResponse struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// ContainerCredentials is the body of GET /credentials.
type ContainerCredentials struct {
	AccessKeyID     string    `json:"AccessKeyId"`
	SecretAccessKey string    `json:"SecretAccessKey"`
	Token           string    `json:"Token,omitempty"`
	Expiration      time.Time `json:"Expiration"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Options configures a Server.
type Options struct {
	// BearerToken, when non-empty, must be presented in the Authorization
	// header of every request except /metrics.
	BearerToken redaction.Secret
	// Registry is served on /metrics when set.
	Registry prometheus.Gatherer
	// Propagator extracts the caller's trace context.
	Propagator propagation.TextMapPropagator
	Logger     *slog.Logger
}

// Server is an http.Handler.
type Server struct {
	broker     Broker
	token      []byte
	propagator propagation.TextMapPropagator
	logger     *slog.Logger
	mux        *http.ServeMux
}

// New returns a Server for broker.
func New(broker Broker, opts Options) *Server {
	s := &Server{
		broker:     broker,
		propagator: opts.Propagator,
		logger:     opts.Logger,
		mux:        http.NewServeMux(),
	}
	if opts.BearerToken != "" {
		s.token = []byte(opts.BearerToken.Value())
	}
	if s.propagator == nil {
		s.propagator = propagation.NewCompositeTextMapPropagator()
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}
	s.mux.Handle("GET /token", s.authorized(s.handleToken))
	s.mux.Handle("GET /credentials", s.authorized(s.handleCredentials))
	s.mux.Handle("GET /status", s.authorized(s.handleStatus))
	if opts.Registry != nil {
		s.mux.Handle("GET /metrics", promhttp.HandlerFor(opts.Registry, promhttp.HandlerOpts{}))
	}
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe serves on address until ctx is done, then shuts down.
func (s *Server) ListenAndServe(ctx context.Context, address string) error {
	var lc net.ListenConfig
	lis, err := lc.Listen(ctx, "tcp", address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", address, err)
	}
	return s.Serve(ctx, lis)
}

// Serve serves on lis until ctx is done, then shuts down.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	server := &http.Server{Handler: s, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("credential server listening", slog.String("address", lis.Addr().String()))
		errCh <- server.Serve(lis)
	}()
	select {
	case err := <-errCh:
		return fmt.Errorf("credential server failed: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down credential server: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) authorized(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.token) > 0 {
			// AWS SDKs send AWS_CONTAINER_AUTHORIZATION_TOKEN verbatim.
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(got), s.token) != 1 {
				writeJSON(w, http.StatusUnauthorized, errorResponse{Code: "UNAUTHORIZED", Message: "missing or invalid authorization"})
				return
			}
		}
		ctx := s.propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		next(w, r.WithContext(ctx))
	})
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	token, expiresAt, err := s.broker.GetAccessToken(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, TokenResponse{AccessToken: token, ExpiresAt: expiresAt.UTC()})
}

func (s *Server) handleCredentials(w http.ResponseWriter, r *http.Request) {
	c, err := s.broker.GetFederatedCredentials(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ContainerCredentials{
		AccessKeyID:     c.AccessKeyID,
		SecretAccessKey: c.SecretAccessKey,
		Token:           c.SessionToken,
		Expiration:      c.Expiration.UTC(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.broker.Status())
}

// writeError maps err to a status code. The failure itself was already
// logged by the lifecycle, so only the response is written here.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status, code := StatusFor(err)
	if ra := autherrors.RetryAfterOf(err); ra > 0 && (status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable) {
		w.Header().Set("Retry-After", strconv.Itoa(int((ra+time.Second-1)/time.Second)))
	}
	writeJSON(w, status, errorResponse{Code: code, Message: err.Error()})
}

// StatusFor returns the HTTP status and error code for err.
func StatusFor(err error) (int, string) {
	var rl *autherrors.RateLimitError
	var fe *autherrors.FederationError
	switch {
	case errors.Is(err, lifecycle.ErrFederationDisabled):
		return http.StatusNotFound, "FEDERATION_DISABLED"
	case errors.As(err, &rl):
		return http.StatusTooManyRequests, "RATE_LIMITED"
	case errors.As(err, &fe):
		return http.StatusBadGateway, string(autherrors.CategoryFederation)
	}
	c := autherrors.CategoryOf(err)
	switch c {
	case autherrors.CategoryAuthentication, autherrors.CategoryTokenRefresh:
		return http.StatusUnauthorized, string(c)
	case autherrors.CategoryThrottling:
		return http.StatusTooManyRequests, string(c)
	default:
		return http.StatusServiceUnavailable, string(c)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
