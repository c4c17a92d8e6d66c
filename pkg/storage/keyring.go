package storage

import (
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

const (
	// ServiceName is the identifier used for all FlowStudio credentials in the system keyring.
	ServiceName = "flowstudio"
)

// ErrNoToken is returned when no token is stored for a server
var ErrNoToken = errors.New("no token stored")

// TokenStore keeps bearer tokens per server URL.
type TokenStore interface {
	// SetToken stores the token for server
	SetToken(server, token string) error
	// Token retrieves the token for server
	Token(server string) (string, error)
	// DeleteToken removes the token for server
	DeleteToken(server string) error
}

// KeyringTokenStore implements TokenStore using the system keyring.
// - macOS: Uses Keychain
// - Windows: Uses Credential Manager
// - Linux: Uses Secret Service (GNOME Keyring, KWallet)
type KeyringTokenStore struct {
	service string
}

// NewKeyringTokenStore creates a new keyring-based token store.
func NewKeyringTokenStore() *KeyringTokenStore {
	return &KeyringTokenStore{service: ServiceName}
}

// SetToken stores a token in the system keyring.
// The server URL is used as the account name.
func (s *KeyringTokenStore) SetToken(server, token string) error {
	if server == "" {
		return fmt.Errorf("server cannot be empty")
	}
	if token == "" {
		return fmt.Errorf("token cannot be empty")
	}
	if err := keyring.Set(s.service, server, token); err != nil {
		return fmt.Errorf("failed to store token: %w", err)
	}
	return nil
}

// Token retrieves the token stored for server.
func (s *KeyringTokenStore) Token(server string) (string, error) {
	token, err := keyring.Get(s.service, server)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", fmt.Errorf("%w for %s", ErrNoToken, server)
	}
	if err != nil {
		return "", fmt.Errorf("failed to retrieve token: %w", err)
	}
	return token, nil
}

// DeleteToken removes the token stored for server.
func (s *KeyringTokenStore) DeleteToken(server string) error {
	err := keyring.Delete(s.service, server)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("failed to delete token: %w", err)
	}
	return nil
}
