package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"

	"github.com/dshills/flowstudio/pkg/api"
	"github.com/dshills/flowstudio/pkg/client"
	"github.com/dshills/flowstudio/pkg/config"
	"github.com/dshills/flowstudio/pkg/logging"
	"github.com/dshills/flowstudio/pkg/storage"
)

const (
	// Version is the current version of FlowStudio
	Version = "1.0.0"
)

// app is the state shared by every command of one invocation
type app struct {
	configDir string
	debug     bool

	dir    string
	cfg    *config.Config
	logger hclog.Logger
	tokens storage.TokenStore

	backend api.Backend
	closer  func() error
}

// NewRootCommand creates the root cobra command for FlowStudio
func NewRootCommand() *cobra.Command {
	return newRootCommand(&app{tokens: storage.NewKeyringTokenStore()})
}

func newRootCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flowstudio",
		Short: "FlowStudio - node-based AI workflow store and runner",
		Long: `FlowStudio manages node-based AI workflows: text, image, crop, frame and LLM
nodes connected by edges. Workflows, folders and run history live in a SQL store,
either opened directly or served over HTTP by 'flowstudio serve'.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := a.init(); err != nil {
				return fmt.Errorf("failed to initialize configuration: %w", err)
			}
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.close()
		},
	}

	cmd.PersistentFlags().BoolVar(&a.debug, "debug", false, "Enable debug logging")
	cmd.PersistentFlags().StringVar(&a.configDir, "config-dir", "", "Configuration directory (default: ~/.flowstudio)")

	cmd.AddCommand(newServeCommand(a))
	cmd.AddCommand(newTokenCommand(a))
	cmd.AddCommand(newLoginCommand(a))
	cmd.AddCommand(newLogoutCommand(a))
	cmd.AddCommand(newWorkflowCommand(a))
	cmd.AddCommand(newEditCommand(a))
	cmd.AddCommand(newExportCommand(a))
	cmd.AddCommand(newImportCommand(a))
	cmd.AddCommand(newValidateCommand())
	cmd.AddCommand(newFolderCommand(a))
	cmd.AddCommand(newRunsCommand(a))

	return cmd
}

// Execute runs the root command
func Execute(ctx context.Context) error {
	return NewRootCommand().ExecuteContext(ctx)
}

func (a *app) init() error {
	dir, err := config.Dir(a.configDir)
	if err != nil {
		return err
	}
	cfg, err := config.Load(dir)
	if err != nil {
		return err
	}

	level := cfg.Log.Level
	if a.debug {
		level = "debug"
	}
	a.dir, a.cfg = dir, cfg
	a.logger = logging.New(logging.Options{Level: level, JSON: cfg.Log.JSON})
	return nil
}

// open returns the configured backend: a client when a remote URL is set,
// otherwise the local database
func (a *app) open() (api.Backend, error) {
	if a.backend != nil {
		return a.backend, nil
	}

	if url := a.cfg.Remote.URL; url != "" {
		token, err := a.token(url)
		if err != nil {
			return nil, err
		}
		c, err := client.New(url, token)
		if err != nil {
			return nil, err
		}
		a.logger.Debug("using remote store", "url", url)
		a.backend = c
		return c, nil
	}

	store, err := a.openStore()
	if err != nil {
		return nil, err
	}
	a.backend = store
	return store, nil
}

func (a *app) openStore() (*storage.Store, error) {
	db := a.cfg.Database
	store, err := storage.Open(storage.Dialect(db.Driver), db.DSN)
	if err != nil {
		return nil, err
	}
	a.logger.Debug("using local store", "driver", db.Driver)
	a.closer = store.Close
	return store, nil
}

// token returns the bearer token for url, from config first, then the keyring
func (a *app) token(url string) (string, error) {
	if a.cfg.Remote.Token != "" {
		return a.cfg.Remote.Token, nil
	}
	token, err := a.tokens.Token(url)
	if errors.Is(err, storage.ErrNoToken) {
		return "", fmt.Errorf("not logged in to %s: run 'flowstudio login'", url)
	}
	return token, err
}

// context carries the local user identity. Remote calls authenticate with
// the bearer token instead.
func (a *app) context(cmd *cobra.Command) context.Context {
	return api.WithUser(cmd.Context(), a.cfg.Remote.User)
}

func (a *app) close() error {
	if a.closer == nil {
		return nil
	}
	err := a.closer()
	a.closer, a.backend = nil, nil
	return err
}
