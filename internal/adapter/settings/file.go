// Package settings persists user preferences for the broker.
package settings

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"pagechat/internal/domain"
	"pagechat/internal/infra/config"
)

// CredentialEnv overrides the stored credential when set.
const CredentialEnv = "PAGECHAT_CREDENTIAL"

var (
	_ domain.SettingsStore = (*FileStore)(nil)
	_ domain.SettingsStore = (*Static)(nil)
)

// FileStore reads settings from a YAML file on every Load, so edits made
// while the broker runs take effect on the next query.
type FileStore struct {
	path   string
	logger *slog.Logger
	getenv func(string) string

	mu sync.Mutex // serialises Save
}

// NewFileStore returns a store for path.
func NewFileStore(path string, logger *slog.Logger) *FileStore {
	return &FileStore{path: path, logger: logger, getenv: os.Getenv}
}

// Path returns the settings file location.
func (s *FileStore) Path() string { return s.path }

// Load returns the persisted settings over the defaults. A missing file is
// not an error. An "enc:" credential is decrypted with the passphrase in
// PAGECHAT_SETTINGS_KEY.
func (s *FileStore) Load(_ context.Context) (domain.Settings, error) {
	out := domain.DefaultSettings()

	data, err := os.ReadFile(s.path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return domain.Settings{}, domain.NewDomainError("Settings.Load", domain.ErrStorage, err.Error())
	default:
		if err := config.CheckPermissions(s.path); err != nil {
			return domain.Settings{}, err
		}
		if err := yaml.Unmarshal(data, &out); err != nil {
			return domain.Settings{}, domain.NewDomainError("Settings.Load", domain.ErrInvalidInput, err.Error())
		}
	}

	if v := s.getenv(CredentialEnv); v != "" {
		out.Credential = v
	}
	if config.IsEncrypted(out.Credential) {
		plain, err := config.DecryptField(out.Credential, s.getenv(config.SettingsKeyEnv))
		if err != nil {
			return domain.Settings{}, fmt.Errorf("settings credential: %w", err)
		}
		out.Credential = plain
	}
	if out.SpeechRate <= 0 {
		out.SpeechRate = 1
	}
	if out.SpeechPitch <= 0 {
		out.SpeechPitch = 1
	}
	return out, nil
}

// Save writes st with owner-only permissions. When a settings passphrase is
// configured the credential is stored encrypted.
func (s *FileStore) Save(_ context.Context, st domain.Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if pass := s.getenv(config.SettingsKeyEnv); pass != "" && st.Credential != "" && !config.IsEncrypted(st.Credential) {
		enc, err := config.EncryptValue(st.Credential, pass)
		if err != nil {
			return err
		}
		st.Credential = config.EncryptedPrefix + enc
	}

	data, err := yaml.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return domain.NewDomainError("Settings.Save", domain.ErrStorage, err.Error())
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return domain.NewDomainError("Settings.Save", domain.ErrStorage, err.Error())
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return domain.NewDomainError("Settings.Save", domain.ErrStorage, err.Error())
	}
	s.logger.Info("settings saved", "path", s.path, "has_credential", st.Credential != "")
	return nil
}

// Static serves fixed settings. It backs one-shot commands and tests.
type Static struct {
	mu sync.RWMutex
	st domain.Settings
}

// NewStatic returns a store that always loads st.
func NewStatic(st domain.Settings) *Static { return &Static{st: st} }

// Load implements domain.SettingsStore.
func (s *Static) Load(context.Context) (domain.Settings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st, nil
}

// Set replaces the served settings.
func (s *Static) Set(st domain.Settings) {
	s.mu.Lock()
	s.st = st
	s.mu.Unlock()
}
