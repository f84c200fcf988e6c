// Package credential keeps the IMAP password in the system keyring.
package credential

import (
	"errors"
	"fmt"
	"os"

	"github.com/99designs/keyring"
)

const serviceName = "mail-archive"

var ErrNotFound = errors.New("credential not found")

// Store reads and writes account passwords.
type Store struct {
	ring keyring.Keyring
}

// FilePasswordEnv holds the passphrase of the encrypted file backend for
// non-interactive use.
const FilePasswordEnv = "MAIL_ARCHIVE_KEYRING_PASSWORD"

// Open returns a Store backed by the first available system keyring. The
// encrypted file backend below fileDir is the last resort; its passphrase
// comes from FilePasswordEnv or is asked for on the terminal.

func Open(fileDir string) (*Store, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  fileDir,
		FilePasswordFunc:         filePassword,
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return &Store{ring: ring}, nil
}

func filePassword(prompt string) (string, error) {
	if pass := os.Getenv(FilePasswordEnv); pass != "" {
		return pass, nil
	}
	return keyring.TerminalPrompt(prompt)
}

func NewStore(ring keyring.Keyring) *Store {
	return &Store{ring: ring}
}

// Account is the keyring key of an IMAP login.
func Account(user, host string) string {
	return user + "@" + host
}

func (s *Store) Get(account string) (string, error) {
	item, err := s.ring.Get(account)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, account)
	}
	if err != nil {
		return "", fmt.Errorf("getting credential %q: %w", account, err)
	}
	return string(item.Data), nil
}

func (s *Store) Set(account, password string) error {
	err := s.ring.Set(keyring.Item{
		Key:         account,
		Data:        []byte(password),
		Label:       serviceName + " " + account,
		Description: "IMAP password",
	})
	if err != nil {
		return fmt.Errorf("setting credential %q: %w", account, err)
	}
	return nil
}

func (s *Store) Delete(account string) error {
	err := s.ring.Remove(account)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, account)
	}
	if err != nil {
		return fmt.Errorf("deleting credential %q: %w", account, err)
	}
	return nil
}
