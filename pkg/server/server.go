// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package server assembles the gateway from its configuration and runs the
// HTTP listener.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/stacklok/toolhive-bff/pkg/auth"
	"github.com/stacklok/toolhive-bff/pkg/auth/oidc"
	"github.com/stacklok/toolhive-bff/pkg/backchannel"
	"github.com/stacklok/toolhive-bff/pkg/bff"
	"github.com/stacklok/toolhive-bff/pkg/config"
	"github.com/stacklok/toolhive-bff/pkg/dpop"
	"github.com/stacklok/toolhive-bff/pkg/logger"
	"github.com/stacklok/toolhive-bff/pkg/proxy"
	"github.com/stacklok/toolhive-bff/pkg/revocation"
	"github.com/stacklok/toolhive-bff/pkg/session"
	"github.com/stacklok/toolhive-bff/pkg/telemetry"
	"github.com/stacklok/toolhive-bff/pkg/ticket"
	"github.com/stacklok/toolhive-bff/pkg/tokens"
)

const (
	managementTimeout = 60 * time.Second
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 30 * time.Second

	ticketPurpose = "bff.ticket"
	statePurpose  = "bff.state"
)

// Server is a fully wired gateway.
type Server struct {
	cfg     *config.Config
	handler http.Handler
	sweeper *session.Sweeper
	closers []io.Closer
	logger  *slog.Logger

	sessions session.Store
	tickets  *ticket.Store
	metrics  *telemetry.Metrics
}

// New builds every component named by cfg. The configuration must already
// be validated. Close releases the session store when Run is not used.
func New(ctx context.Context, cfg *config.Config) (_ *Server, err error) {
	s := &Server{cfg: cfg, logger: logger.ForComponent("server")}
	defer func() {
		if err != nil {
			_ = s.close()
		}
	}()

	telemetry.InstallPropagator()
	s.metrics = telemetry.NewMetrics(true)

	sessions, closer, err := openStore(ctx, cfg.Session.Store)
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}
	if closer != nil {
		s.closers = append(s.closers, closer)
	}
	s.sessions = sessions

	ticketProtector, stateProtector, err := protectors(cfg.Session)
	if err != nil {
		return nil, err
	}
	s.tickets = ticket.NewStore(sessions, ticket.NewCodec(ticketProtector), logger.ForComponent("tickets"))

	provider, err := oidc.NewProvider(ctx, oidc.Config{
		Issuer:                cfg.OIDC.Issuer,
		ClientID:              cfg.OIDC.ClientID,
		ClientSecret:          cfg.OIDC.ClientSecret,
		RedirectURL:           cfg.OIDC.RedirectURL,
		PostLogoutRedirectURL: cfg.OIDC.PostLogoutRedirectURL,
		Scopes:                cfg.OIDC.Scopes,
		CACertPath:            cfg.OIDC.CACertPath,
		AllowPrivateIP:        cfg.OIDC.AllowPrivateIP,
		InsecureAllowHTTP:     cfg.OIDC.InsecureAllowHTTP,
	}, logger.ForComponent("oidc"))
	if err != nil {
		return nil, err
	}

	var prover *dpop.Prover
	tokenClient := provider.HTTPClient()
	if cfg.Forwarding.DPoPKeyPath != "" {
		prover, err = dpop.LoadProver(cfg.Forwarding.DPoPKeyPath)
		if err != nil {
			return nil, err
		}
		tokenClient = &http.Client{
			Transport: &dpop.Transport{Prover: prover, Base: tokenClient.Transport},
			Timeout:   tokenClient.Timeout,
		}
	}

	revocationOpts := []revocation.Option{
		revocation.WithRecorder(s.metrics),
		revocation.WithLogger(logger.ForComponent("revocation")),
	}
	bffOpts := []bff.Option{bff.WithRecorder(s.metrics)}
	if revoker := provider.Revoker(); revoker != nil {
		revocationOpts = append(revocationOpts, revocation.WithRefreshTokenRevocation(s.tickets, revoker))
		bffOpts = append(bffOpts, bff.WithRevoker(revoker))
	}
	revocations := revocation.NewService(sessions, revocationOpts...)

	logoutTokens, err := auth.NewTokenValidator(ctx, auth.TokenValidatorConfig{
		Issuer:     provider.Issuer(),
		Audience:   cfg.OIDC.ClientID,
		JWKSURL:    provider.JWKSURL(),
		HTTPClient: provider.HTTPClient(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create logout token validator: %w", err)
	}
	bffOpts = append(bffOpts, bff.WithBackchannel(backchannel.NewHandler(
		backchannel.NewValidator(logoutTokens), revocations, s.metrics, logger.ForComponent("backchannel"),
	)))
	if prover != nil {
		bffOpts = append(bffOpts, bff.WithDPoPThumbprint(prover.Thumbprint()))
	}

	bffHandler, err := bff.NewHandler(bff.Options{
		BasePath:                   cfg.BasePath,
		CookieName:                 cfg.Session.CookieName,
		Lifetime:                   cfg.Session.Lifetime,
		SlidingExpiration:          cfg.Session.SlidingExpiration,
		InsecureCookies:            cfg.Session.InsecureCookies,
		AntiForgeryHeader:          cfg.AntiForgery.HeaderName,
		AntiForgeryValue:           cfg.AntiForgery.HeaderValue,
		RevokeRefreshTokenOnLogout: cfg.Session.RevokeRefreshTokenOnLogout,
		HTTPClient:                 tokenClient,
		Logger:                     logger.ForComponent("bff"),
	}, provider, s.tickets, stateProtector, bffOpts...)
	if err != nil {
		return nil, err
	}

	tokenManager := tokens.NewManager(tokens.Config{
		OAuth2:            provider.OAuth2Config(),
		ClientCredentials: provider.ClientCredentialsConfig(nil),
		HTTPClient:        tokenClient,
	}, s.tickets, logger.ForComponent("tokens"))

	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.Recoverer,
		telemetry.PropagationMiddleware,
		bffHandler.SessionMiddleware,
	)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	if cfg.Metrics.Enabled {
		r.Method(http.MethodGet, cfg.Metrics.Path, s.metrics.Handler())
	}
	r.With(middleware.Timeout(managementTimeout)).Mount(bffHandler.BasePath(), bffHandler.Routes())

	proxyOpts := proxy.Options{
		SessionCookieName:     cfg.Session.CookieName,
		AddForwardedHeaders:   cfg.Forwarding.AddForwardedHeaders,
		TrustForwardedHeaders: cfg.Forwarding.TrustForwardedHeaders,
		Timeout:               cfg.Forwarding.Timeout,
		Prover:                prover,
		Recorder:              s.metrics,
		Logger:                logger.ForComponent("proxy"),
	}
	for _, rc := range cfg.Routes {
		if err := mountRoute(r, rc, tokenManager, proxyOpts, bffHandler); err != nil {
			return nil, err
		}
	}

	if cfg.Session.CleanupInterval > 0 {
		if deleter, ok := sessions.(session.ExpiredDeleter); ok {
			s.sweeper = session.NewSweeper(deleter, cfg.Session.CleanupInterval, logger.ForComponent("sweeper"))
		}
	}

	s.handler = r
	return s, nil
}

// mountRoute registers a proxied API route, guarded by the anti-forgery
// check unless the route opts out.
func mountRoute(r chi.Router, rc config.RouteConfig, tokenManager *tokens.Manager, opts proxy.Options, b *bff.Handler) error {
	p, err := rc.Policy()
	if err != nil {
		return fmt.Errorf("route %s: %w", rc.Path, err)
	}
	route, err := proxy.NewRoute(rc.Name, rc.Path, rc.Destination, p)
	if err != nil {
		return fmt.Errorf("route %s: %w", rc.Path, err)
	}

	var h http.Handler = proxy.NewHandler(route, tokenManager, opts)
	if rc.AntiForgeryRequired() {
		h = b.RequireAntiForgery(h)
	}
	r.Handle(route.PathPrefix, h)
	r.Handle(route.PathPrefix+"/*", h)
	return nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Run serves until ctx is cancelled, then shuts down gracefully. The
// session store is closed before Run returns.
func (s *Server) Run(ctx context.Context) error {
	defer func() {
		if err := s.close(); err != nil {
			s.logger.Warn("failed to close session store", "error", err)
		}
	}()

	listener, err := net.Listen("tcp", s.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddress, err)
	}
	return s.serve(ctx, listener)
}

func (s *Server) serve(ctx context.Context, listener net.Listener) error {
	srv := &http.Server{
		BaseContext:       func(net.Listener) context.Context { return ctx },
		Handler:           s.handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	if s.sweeper != nil {
		g.Go(func() error {
			s.sweeper.Run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		s.logger.Info("starting HTTP server", "address", listener.Addr().String())
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server stopped with error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		s.logger.Info("HTTP server stopped")
		return nil
	})
	return g.Wait()
}

// Close releases the session store.
func (s *Server) Close() error {
	return s.close()
}

func (s *Server) close() error {
	var errs []error
	for _, c := range s.closers {
		errs = append(errs, c.Close())
	}
	s.closers = nil
	return errors.Join(errs...)
}
