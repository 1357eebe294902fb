// Package secrets seals credentials (stream URIs carrying passwords)
// before they are written to the state database.
package secrets

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/YousifYassi/prototype/internal/config"
	"github.com/YousifYassi/prototype/internal/logger"
	"github.com/YousifYassi/prototype/internal/service"
)

// SealedPrefix marks a sealed value
const SealedPrefix = "enc:v1:"

// ErrKeyUnavailable is returned when sealing is enabled but the key has not been derived
var ErrKeyUnavailable = errors.New("encryption key not available")

// Service derives the sealing key on Start and seals/opens values.
// When disabled, Seal and Open pass values through unchanged.
type Service struct {
	*service.ServiceBase
	config config.SecretsConfig
	params KDFParams

	mu      sync.RWMutex
	key     []byte
	salt    []byte
	keyHash string
}

// NewService creates a secrets service
func NewService(cfg config.SecretsConfig, log *logger.Logger) *Service {
	return &Service{
		ServiceBase: service.NewServiceBase("secrets", log),
		config:      cfg,
		params:      DefaultKDFParams(),
	}
}

// WithKDFParams overrides the Argon2id parameters
func (s *Service) WithKDFParams(p KDFParams) *Service {
	s.params = p
	return s
}

// Start loads or creates the salt and derives the key
func (s *Service) Start(ctx context.Context) error {
	s.GetStatus().SetStatus(service.StatusStarting)

	if !s.config.Enabled {
		s.LogInfo("Credential sealing is disabled")
		s.GetStatus().SetStatus(service.StatusRunning)
		return nil
	}

	salt, err := s.loadOrCreateSalt()
	if err != nil {
		s.GetStatus().SetError(err)
		return err
	}

	key, err := DeriveKey([]byte(s.config.Secret), salt, s.params)
	if err != nil {
		s.GetStatus().SetError(err)
		return fmt.Errorf("failed to derive key: %w", err)
	}

	s.mu.Lock()
	s.salt = salt
	s.key = key
	s.keyHash = HashSecret([]byte(s.config.Secret))
	s.mu.Unlock()

	s.LogInfo("Credential sealing enabled", "key_hash", s.keyHash[:12])
	s.GetStatus().SetStatus(service.StatusRunning)
	return nil
}

// Stop clears key material
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.key = nil
	s.mu.Unlock()
	s.GetStatus().SetStatus(service.StatusStopped)
	return nil
}

// Enabled reports whether values are sealed
func (s *Service) Enabled() bool {
	return s.config.Enabled
}

// KeyHash identifies the secret in use
func (s *Service) KeyHash() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.keyHash
}

// Seal encrypts value and returns it with SealedPrefix
func (s *Service) Seal(value string) (string, error) {
	if !s.config.Enabled || value == "" {
		return value, nil
	}
	key, err := s.currentKey()
	if err != nil {
		return "", err
	}
	ct, err := encrypt([]byte(value), key)
	if err != nil {
		return "", err
	}
	return SealedPrefix + base64.RawURLEncoding.EncodeToString(ct), nil
}

// Open decrypts a sealed value. Values without SealedPrefix are returned as is.
func (s *Service) Open(value string) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}
	key, err := s.currentKey()
	if err != nil {
		return "", err
	}
	ct, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(value, SealedPrefix))
	if err != nil {
		return "", fmt.Errorf("failed to decode sealed value: %w", err)
	}
	pt, err := decrypt(ct, key)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}

// IsSealed reports whether value was produced by Seal
func IsSealed(value string) bool {
	return strings.HasPrefix(value, SealedPrefix)
}

func (s *Service) currentKey() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.key == nil {
		return nil, ErrKeyUnavailable
	}
	return s.key, nil
}

func (s *Service) loadOrCreateSalt() ([]byte, error) {
	path := s.config.SaltPath
	if path == "" {
		return GenerateSalt()
	}

	data, err := os.ReadFile(path)
	if err == nil {
		salt, err := hex.DecodeString(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, fmt.Errorf("failed to decode salt: %w", err)
		}
		return salt, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read salt file: %w", err)
	}

	salt, err := GenerateSalt()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create salt directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(salt)), 0600); err != nil {
		return nil, fmt.Errorf("failed to write salt file: %w", err)
	}
	s.LogInfo("Generated new salt", "path", path)
	return salt, nil
}
