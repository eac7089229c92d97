// Package credential keeps mailbox passwords and API keys in the system
// keyring, out of the config file.
package credential

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/99designs/keyring"

	"github.com/nhle/bookpipe/internal/model"
)

const serviceName = "bookpipe"

// ToolAPIKey is the keyring entry for the generation backend API key.
const ToolAPIKey = "tool-api-key"

// filePasswordEnv unlocks the encrypted file backend on hosts without a
// keychain or secret service, such as a headless daemon.
const filePasswordEnv = "BOOKPIPE_KEYRING_PASSWORD"

// ErrNotFound is returned by Get when no entry exists for the key.
var ErrNotFound = errors.New("credential not found")

// MailboxKey returns the keyring entry holding the password for address.
func MailboxKey(address string) string {
	return "mailbox-" + address
}

func openKeyring() (keyring.Keyring, error) {
	filePassword := keyring.FixedStringPrompt("bookpipe-file-key")
	if pw := os.Getenv(filePasswordEnv); pw != "" {
		filePassword = keyring.FixedStringPrompt(pw)
	}

	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  filepath.Join(model.ConfigDir(), "credentials"),
		FilePasswordFunc:         filePassword,
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

// Get reads the secret stored under key.
func Get(key string) (string, error) {
	ring, err := openKeyring()
	if err != nil {
		return "", err
	}

	item, err := ring.Get(key)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return "", fmt.Errorf("reading credential %q: %w", key, err)
	}

	return string(item.Data), nil
}

// Set stores value under key, replacing any previous secret.
func Set(key, value string) error {
	ring, err := openKeyring()
	if err != nil {
		return err
	}

	err = ring.Set(keyring.Item{
		Key:         key,
		Data:        []byte(value),
		Label:       "bookpipe " + key,
		Description: "bookpipe mailbox pipeline",
	})
	if err != nil {
		return fmt.Errorf("storing credential %q: %w", key, err)
	}

	return nil
}

// Resolve returns explicit when set, falling back to the keyring entry.
// Environment-provided secrets reach here through explicit.
func Resolve(explicit, key string, get func(string) (string, error)) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if get == nil {
		get = Get
	}
	return get(key)
}
