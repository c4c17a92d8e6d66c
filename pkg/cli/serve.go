package cli

import (
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dshills/flowstudio/pkg/config"
	"github.com/dshills/flowstudio/pkg/server"
)

var errNoSecret = errors.New("no jwt secret configured: set server.jwt_secret in config.yaml or " + config.EnvPrefix + "JWT_SECRET")

func (a *app) tokenService(ttl time.Duration) (*server.Tokens, error) {
	if a.cfg.Server.JWTSecret == "" {
		return nil, errNoSecret
	}
	if ttl <= 0 {
		ttl = a.cfg.Server.TokenTTL
	}
	return server.NewTokens(a.cfg.Server.JWTSecret, ttl)
}

func newServeCommand(a *app) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the workflow store over HTTP",
		Long: `Serve the local database as a remote store. Clients authenticate with bearer
tokens signed by the configured JWT secret (see 'flowstudio token').

Examples:
  flowstudio serve
  flowstudio serve --addr 0.0.0.0:9000`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tokens, err := a.tokenService(0)
			if err != nil {
				return err
			}
			store, err := a.openStore()
			if err != nil {
				return err
			}
			if addr == "" {
				addr = a.cfg.Server.Addr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			srv := server.New(store, tokens, server.WithLogger(a.logger.Named("server")))
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Serving on http://%s\n", addr)
			return srv.ListenAndServe(ctx, addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default from config)")
	return cmd
}

func newTokenCommand(a *app) *cobra.Command {
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Mint a bearer token for a user",
		Long: `Mint a bearer token signed with the configured JWT secret. The token
authenticates <user-id> against 'flowstudio serve'.

Examples:
  flowstudio token alice
  flowstudio token alice --ttl 1h | flowstudio login --server http://host:8080 --stdin`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tokens, err := a.tokenService(ttl)
			if err != nil {
				return err
			}
			token, err := tokens.Issue(args[0])
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (default from config)")
	return cmd
}
