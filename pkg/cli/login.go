package cli

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/dshills/flowstudio/pkg/api"
	"github.com/dshills/flowstudio/pkg/client"
)

const maxTokenSize = 64 << 10

// isOnlyWhitespace reports whether data is empty or holds only Unicode
// whitespace, without converting it to a string
func isOnlyWhitespace(data []byte) bool {
	for i := 0; i < len(data); {
		r, size := utf8.DecodeRune(data[i:])
		if r == utf8.RuneError && size == 1 {
			return false
		}
		if !unicode.IsSpace(r) {
			return false
		}
		i += size
	}
	return true
}

func (a *app) serverURL(flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	if a.cfg.Remote.URL != "" {
		return a.cfg.Remote.URL, nil
	}
	return "", errors.New("no server given: use --server or set remote.url in config.yaml")
}

func newLoginCommand(a *app) *cobra.Command {
	var (
		serverFlag string
		value      string
		useStdin   bool
		noVerify   bool
	)

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store a bearer token for a server",
		Long: `Store a bearer token for a FlowStudio server in the system keyring. The token
is checked against the server before it is stored.

Examples:
  # Interactive prompt (recommended for local use)
  flowstudio login --server http://localhost:8080

  # From stdin (recommended for automation)
  flowstudio token alice | flowstudio login --server http://localhost:8080 --stdin

Security:
  - Tokens are stored in your system keyring, never in plain text
  - Avoid --token, it is visible in shell history and the process list`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			url, err := a.serverURL(serverFlag)
			if err != nil {
				return err
			}

			token, err := readToken(cmd, value, useStdin)
			if err != nil {
				return err
			}

			if !noVerify {
				c, err := client.New(url, token)
				if err != nil {
					return err
				}
				if _, err := c.ListWorkflows(cmd.Context(), api.ListWorkflowsInput{}); err != nil {
					return fmt.Errorf("token rejected by %s: %w", url, err)
				}
			}

			if err := a.tokens.SetToken(url, token); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "✓ Logged in to %s\n", url)
			return nil
		},
	}

	cmd.Flags().StringVar(&serverFlag, "server", "", "Server URL (default from config)")
	cmd.Flags().StringVar(&value, "token", "", "Token value (will prompt securely if omitted)")
	cmd.Flags().BoolVar(&useStdin, "stdin", false, "Read the token from stdin")
	cmd.Flags().BoolVar(&noVerify, "no-verify", false, "Store the token without checking it")
	cmd.MarkFlagsMutuallyExclusive("stdin", "token")

	return cmd
}

func newLogoutCommand(a *app) *cobra.Command {
	var serverFlag string

	cmd := &cobra.Command{
		Use:   "logout",
		Short: "Remove the stored token for a server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			url, err := a.serverURL(serverFlag)
			if err != nil {
				return err
			}
			if err := a.tokens.DeleteToken(url); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "✓ Logged out of %s\n", url)
			return nil
		},
	}

	cmd.Flags().StringVar(&serverFlag, "server", "", "Server URL (default from config)")
	return cmd
}

// readToken takes the token from the flag, stdin, or a no-echo prompt
func readToken(cmd *cobra.Command, value string, useStdin bool) (string, error) {
	switch {
	case useStdin:
		input, err := io.ReadAll(io.LimitReader(cmd.InOrStdin(), maxTokenSize+1))
		if err != nil {
			return "", fmt.Errorf("failed to read from stdin: %w", err)
		}
		if len(input) > maxTokenSize {
			return "", fmt.Errorf("token exceeds maximum size of %d bytes", maxTokenSize)
		}
		trimmed := bytes.TrimRight(input, "\r\n")
		if isOnlyWhitespace(trimmed) {
			return "", errors.New("token cannot be empty")
		}
		return string(trimmed), nil

	case value != "":
		_, _ = fmt.Fprintln(cmd.OutOrStderr(), "Warning: Using --token exposes the token in shell history.")
		if strings.TrimSpace(value) == "" {
			return "", errors.New("token cannot be empty")
		}
		return value, nil

	default:
		_, _ = fmt.Fprint(cmd.OutOrStdout(), "Token: ")
		input, err := term.ReadPassword(int(os.Stdin.Fd()))
		_, _ = fmt.Fprintln(cmd.OutOrStdout())
		defer func() {
			for i := range input {
				input[i] = 0
			}
		}()
		if err != nil {
			return "", fmt.Errorf("failed to read token: %w", err)
		}
		if len(input) > maxTokenSize {
			return "", fmt.Errorf("token exceeds maximum size of %d bytes", maxTokenSize)
		}
		if isOnlyWhitespace(input) {
			return "", errors.New("token cannot be empty")
		}
		return string(input), nil
	}
}
