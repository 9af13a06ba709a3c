package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ggoodman/agent-broker/auth"
	"github.com/ggoodman/agent-broker/streaminghttp"
	"github.com/spf13/cobra"
)

const shutdownGrace = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the broker HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := setup()
		if err != nil {
			return err
		}
		return serve(cmd.Context(), rt)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func serve(ctx context.Context, rt *runtime) error {
	cfg := rt.cfg

	// Fail fast when the key cannot sign.
	if _, err := rt.cache.Token(ctx); err != nil {
		return err
	}

	opts := []streaminghttp.Option{
		streaminghttp.WithLogger(rt.log),
		streaminghttp.WithCredential(rt.cred),
		streaminghttp.WithAllowedOrigins(cfg.Origins()...),
	}
	if cfg.OIDCIssuer != "" {
		authn, err := newAuthenticator(ctx, cfg.OIDCIssuer, cfg.OIDCAudience, cfg.JWKSURL)
		if err != nil {
			return err
		}
		opts = append(opts, streaminghttp.WithAuthenticator(authn), streaminghttp.WithRealm(cfg.OIDCAudience))
		rt.log.Info("broker.auth.enabled", slog.String("issuer", cfg.OIDCIssuer))
	}

	h, err := streaminghttp.New(ctx, rt.up, streaminghttp.Target{
		Database: cfg.Database,
		Schema:   cfg.Schema,
		Agent:    cfg.Agent,
	}, opts...)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		rt.log.Info("broker.listen", slog.String("addr", cfg.ListenAddr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}

	rt.log.Info("broker.shutdown")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func newAuthenticator(ctx context.Context, issuer, audience, jwksURL string) (auth.Authenticator, error) {
	if jwksURL != "" {
		return auth.NewFromJWKS(ctx, issuer, audience, jwksURL)
	}
	return auth.NewFromDiscovery(ctx, issuer, audience)
}
