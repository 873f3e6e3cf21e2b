// Package credential keeps secrets such as the Airtable API key in the
// operating system keyring.
package credential

import (
	"errors"
	"fmt"

	"github.com/99designs/keyring"
)

const (
	ServiceName = "gmail-export"

	// AirtableKey is the item holding the Airtable API key.
	AirtableKey = "airtable_api_key"
)

// ErrNotFound is returned by Get for a missing key.
var ErrNotFound = errors.New("credential not found")

// Vault reads and writes named secrets.
type Vault struct {
	ring keyring.Keyring
}

func NewVault(ring keyring.Keyring) *Vault { return &Vault{ring: ring} }

// Open uses the platform keyring, falling back to an encrypted file under
// dir when none is available.
func Open(dir string) (*Vault, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: ServiceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  dir,
		FilePasswordFunc:         keyring.FixedStringPrompt(ServiceName + "-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open keyring: %w", err)
	}
	return NewVault(ring), nil
}

// OpenFile stores secrets only in an encrypted file under dir.
func OpenFile(dir, password string) (*Vault, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName:      ServiceName,
		AllowedBackends:  []keyring.BackendType{keyring.FileBackend},
		FileDir:          dir,
		FilePasswordFunc: keyring.FixedStringPrompt(password),
	})
	if err != nil {
		return nil, fmt.Errorf("open file keyring: %w", err)
	}
	return NewVault(ring), nil
}

func (v *Vault) Get(key string) (string, error) {
	item, err := v.ring.Get(key)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", fmt.Errorf("get credential %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("get credential %q: %w", key, err)
	}
	return string(item.Data), nil
}

func (v *Vault) Set(key, value string) error {
	err := v.ring.Set(keyring.Item{
		Key:         key,
		Data:        []byte(value),
		Label:       ServiceName + " " + key,
		Description: "gmailexport secret",
	})
	if err != nil {
		return fmt.Errorf("set credential %q: %w", key, err)
	}
	return nil
}

func (v *Vault) Delete(key string) error {
	err := v.ring.Remove(key)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("delete credential %q: %w", key, err)
	}
	return nil
}

// Resolve returns value when set, otherwise the secret stored under key.
func (v *Vault) Resolve(value, key string) (string, error) {
	if value != "" {
		return value, nil
	}
	return v.Get(key)
}
