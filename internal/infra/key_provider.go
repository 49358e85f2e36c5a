package infra

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/eliteGoblin/focusd/permguard/internal/domain"
)

const (
	storeKeyFileName = "store.key"
	storeKeySize     = 32 // SQLCipher raw key, 256 bits

	// StoreKeyEnv overrides the key file with a base64 key.
	StoreKeyEnv = "PERMGUARD_STORE_KEY"
)

// FileKeyProvider implements domain.KeyProvider with a 0600 file in the
// data directory. The broker and the CLI each keep their own key.
type FileKeyProvider struct {
	keyPath string
	lookup  func(string) (string, bool)
}

// NewFileKeyProvider creates a key provider for the given data directory.
func NewFileKeyProvider(dataDir string) *FileKeyProvider {
	return &FileKeyProvider{
		keyPath: filepath.Join(dataDir, storeKeyFileName),
		lookup:  os.LookupEnv,
	}
}

// GetKey returns the store key from the environment override or the key file.
func (p *FileKeyProvider) GetKey() ([]byte, error) {
	if encoded, ok := p.lookup(StoreKeyEnv); ok && encoded != "" {
		return decodeStoreKey(encoded)
	}
	encoded, err := os.ReadFile(p.keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read store key: %w", err)
	}
	return decodeStoreKey(string(encoded))
}

// StoreKey persists key, creating the data directory when needed.
func (p *FileKeyProvider) StoreKey(key []byte) error {
	if len(key) != storeKeySize {
		return fmt.Errorf("invalid store key size: got %d, want %d", len(key), storeKeySize)
	}
	if err := os.MkdirAll(filepath.Dir(p.keyPath), 0700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(key)
	if err := os.WriteFile(p.keyPath, []byte(encoded), 0600); err != nil {
		return fmt.Errorf("failed to write store key: %w", err)
	}
	return nil
}

// KeyExists reports whether a key is available.
func (p *FileKeyProvider) KeyExists() bool {
	if encoded, ok := p.lookup(StoreKeyEnv); ok && encoded != "" {
		return true
	}
	_, err := os.Stat(p.keyPath)
	return err == nil
}

func decodeStoreKey(encoded string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("failed to decode store key: %w", err)
	}
	if len(key) != storeKeySize {
		return nil, fmt.Errorf("invalid store key size: got %d, want %d", len(key), storeKeySize)
	}
	return key, nil
}

// GenerateKey returns a random store key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, storeKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate store key: %w", err)
	}
	return key, nil
}

// EnsureKey returns the existing key or generates and stores a new one.
// A present but unreadable key is an error; it is never replaced.
func EnsureKey(provider domain.KeyProvider) ([]byte, error) {
	if provider.KeyExists() {
		return provider.GetKey()
	}
	key, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	if err := provider.StoreKey(key); err != nil {
		return nil, err
	}
	return key, nil
}

// Ensure FileKeyProvider implements domain.KeyProvider.
var _ domain.KeyProvider = (*FileKeyProvider)(nil)
