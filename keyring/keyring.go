// Package keyring provides secure credential storage.
// It uses the system keyring when available, falling back to
// encrypted local file storage when not.
package keyring

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/zalando/go-keyring"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/yllada/sessionctl/common"
)

const (
	// serviceName is the identifier used in the system keyring.
	serviceName = "sessionctl"
	// probeKey is written and removed once to detect a working keyring.
	probeKey = "sessionctl-probe"
	// keyInfo binds derived file keys to this use.
	keyInfo = "sessionctl credential file v1"
)

// Store keeps secrets in the system keyring or, when the keyring is not
// reachable (headless hosts, no secret service), in an encrypted file.
// It implements common.CredentialStore.
type Store struct {
	file string

	mu       sync.RWMutex
	probed   bool
	useLocal bool
	loaded   bool
	local    map[string]string
	key      []byte
}

var _ common.CredentialStore = (*Store)(nil)

// New creates a store whose fallback file lives in configDir.
func New(configDir string) *Store {
	return &Store{file: filepath.Join(configDir, common.CredentialsFileName)}
}

// NewFileStore creates a store that never touches the system keyring.
func NewFileStore(path string) *Store {
	return &Store{file: path, probed: true, useLocal: true}
}

// Backend reports which storage is in use: "keyring" or "file".
func (s *Store) Backend() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.probeLocked()
	if s.useLocal {
		return "file"
	}
	return "keyring"
}

// probeLocked decides the backend on first use.
func (s *Store) probeLocked() {
	if s.probed {
		return
	}
	s.probed = true
	if err := keyring.Set(serviceName, probeKey, "probe"); err != nil {
		common.LogDebug("System keyring unavailable, using encrypted file: %v", err)
		s.useLocal = true
		return
	}
	_ = keyring.Delete(serviceName, probeKey)
}

func (s *Store) loadLocked() error {
	if s.loaded {
		return nil
	}
	if s.key == nil {
		s.key = deriveKey()
	}
	s.local = make(map[string]string)

	data, err := os.ReadFile(s.file)
	if errors.Is(err, fs.ErrNotExist) {
		s.loaded = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrCredentialStorage, err)
	}
	plain, err := decrypt(s.key, data)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(plain, &s.local); err != nil {
		return fmt.Errorf("%w: %v", common.ErrDecryption, err)
	}
	s.loaded = true
	return nil
}

func (s *Store) saveLocked() error {
	data, err := json.Marshal(s.local)
	if err != nil {
		return err
	}
	sealed, err := encrypt(s.key, data)
	if err != nil {
		return err
	}
	if err := common.EnsureDir(filepath.Dir(s.file)); err != nil {
		return fmt.Errorf("%w: %v", common.ErrCredentialStorage, err)
	}
	if err := os.WriteFile(s.file, sealed, 0600); err != nil {
		return fmt.Errorf("%w: %v", common.ErrCredentialStorage, err)
	}
	return nil
}

// Store saves secret under key.
func (s *Store) Store(key, secret string) error {
	if key == "" {
		return errors.New("key cannot be empty")
	}
	if secret == "" {
		return errors.New("secret cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.probeLocked()

	if !s.useLocal {
		err := keyring.Set(serviceName, key, secret)
		if err == nil {
			return nil
		}
		common.LogWarn("System keyring write failed, using encrypted file: %v", err)
		s.useLocal = true
	}

	if err := s.loadLocked(); err != nil {
		return err
	}
	s.local[key] = secret
	return s.saveLocked()
}

// Get retrieves the secret stored under key. It returns an error matching
// common.ErrCredentialsNotFound when nothing is stored.
func (s *Store) Get(key string) (string, error) {
	if key == "" {
		return "", errors.New("key cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.probeLocked()

	if !s.useLocal {
		secret, err := keyring.Get(serviceName, key)
		if err == nil {
			return secret, nil
		}
		if !errors.Is(err, keyring.ErrNotFound) {
			common.LogDebug("System keyring read failed: %v", err)
		}
		// A secret may have been written to the file during an earlier
		// keyring outage.
		if !common.FileExists(s.file) {
			return "", common.ErrCredentialsNotFound
		}
	}

	if err := s.loadLocked(); err != nil {
		return "", err
	}
	secret, ok := s.local[key]
	if !ok {
		return "", common.ErrCredentialsNotFound
	}
	return secret, nil
}

// Delete removes the secret stored under key from both backends.
func (s *Store) Delete(key string) error {
	if key == "" {
		return errors.New("key cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.probeLocked()

	if !s.useLocal {
		if err := keyring.Delete(serviceName, key); err != nil && !errors.Is(err, keyring.ErrNotFound) {
			common.LogDebug("System keyring delete failed: %v", err)
		}
		if !common.FileExists(s.file) {
			return nil
		}
	}

	if err := s.loadLocked(); err != nil {
		return err
	}
	if _, ok := s.local[key]; !ok {
		return nil
	}
	delete(s.local, key)
	return s.saveLocked()
}

// Exists checks whether a secret is stored under key.
func (s *Store) Exists(key string) bool {
	_, err := s.Get(key)
	return err == nil
}

// deriveKey derives the file encryption key from machine-specific data.
// The file is only readable on the machine and by the user that wrote it.
func deriveKey() []byte {
	hostname, _ := os.Hostname()
	secret := fmt.Sprintf("%s-%s-%d", hostname, machineID(), os.Getuid())

	key := make([]byte, chacha20poly1305.KeySize)
	r := hkdf.New(sha256.New, []byte(secret), []byte(serviceName), []byte(keyInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		// hkdf only fails past 255 blocks of output
		panic(err)
	}
	return key
}

func machineID() string {
	for _, path := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
		data, err := os.ReadFile(path)
		if err == nil {
			return strings.TrimSpace(string(data))
		}
	}
	return "default-machine-id"
}

func encrypt(key, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrEncryption, err)
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrEncryption, err)
	}

	sealed := aead.Seal(nonce, nonce, plaintext, nil)
	return []byte(base64.StdEncoding.EncodeToString(sealed)), nil
}

func decrypt(key, data []byte) ([]byte, error) {
	sealed, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrDecryption, err)
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrDecryption, err)
	}
	if len(sealed) < aead.NonceSize() {
		return nil, fmt.Errorf("%w: ciphertext too short", common.ErrDecryption)
	}

	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrDecryption, err)
	}
	return plain, nil
}
