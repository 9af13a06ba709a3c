// Command agent-broker signs platform credentials on behalf of local clients
// and relays agent runs to the remote platform.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ggoodman/agent-broker/brokererr"
	"github.com/ggoodman/agent-broker/internal/config"
	"github.com/ggoodman/agent-broker/keypair"
	"github.com/ggoodman/agent-broker/tokens"
	"github.com/ggoodman/agent-broker/upstream"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "agent-broker",
	Short:         "Local auth broker for remote data agents",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "agent-broker: %v\n", err)
		if brokererr.KindOf(err) == brokererr.KindConfig {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

// runtime is everything a subcommand needs to talk to the platform.
type runtime struct {
	cfg    *config.Config
	log    *slog.Logger
	cred   *keypair.Credential
	signer *tokens.Signer
	cache  *tokens.Cache
	up     *upstream.Client
}

// setup loads configuration and builds the signing chain. Logs always go to
// stderr so stdout stays free for command output and the MCP bridge.
func setup() (*runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}
	cred, err := keypair.Resolve(cfg.KeySource())
	if err != nil {
		return nil, err
	}
	signer, err := tokens.NewSigner(cred, tokens.WithLifetime(cfg.TokenLifetime))
	if err != nil {
		return nil, err
	}
	cache, err := tokens.NewCache(signer, tokens.WithSkew(cfg.TokenSkew), tokens.WithLogger(log))
	if err != nil {
		return nil, err
	}
	upOpts := []upstream.Option{upstream.WithLogger(log)}
	if cfg.Role != "" {
		upOpts = append(upOpts, upstream.WithRole(cfg.Role))
	}
	up, err := upstream.New(cfg.BaseURL(), cache, upOpts...)
	if err != nil {
		return nil, brokererr.Configf("platform URL: %w", err)
	}
	log.Info("broker.credential.loaded", slog.Any("credential", cred), slog.String("platform", cfg.BaseURL()))
	return &runtime{cfg: cfg, log: log, cred: cred, signer: signer, cache: cache, up: up}, nil
}

func newLogger(cfg *config.Config) (*slog.Logger, error) {
	lvl, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(cfg.LogFormat) {
	case "text":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	default:
		return nil, brokererr.Configf("unsupported log format %q", cfg.LogFormat)
	}
}

// isShutdown reports whether err only reflects the process being asked to stop.
func isShutdown(err error) bool {
	return errors.Is(err, context.Canceled)
}
