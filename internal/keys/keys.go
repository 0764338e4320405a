// Package keys resolves provider API keys from a flag, the local key file or
// the environment, in that order.
package keys

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/manash/promptloop/pkg/models"
)

const fileName = "keys.yaml"

// EnvVars maps each provider to the environment variable holding its key.
var EnvVars = map[string]string{
	models.ProviderOpenAI:     "OPENAI_API_KEY",
	models.ProviderGrok:       "XAI_API_KEY",
	models.ProviderNanoBanana: "GEMINI_API_KEY",
}

// Source reports where a resolved key came from.
type Source string

const (
	SourceFlag  Source = "flag"
	SourceStore Source = "store"
	SourceEnv   Source = "env"
)

// Store keeps keys in a 0600 YAML file, one entry per provider.
type Store struct {
	dir string
}

// NewStore opens the store in the platform config directory.
func NewStore() (*Store, error) {
	dir, err := configDir()
	if err != nil {
		return nil, err
	}
	return &Store{dir: dir}, nil
}

func NewStoreAt(dir string) *Store {
	return &Store{dir: dir}
}

func configDir() (string, error) {
	if dir := os.Getenv("PROMPTLOOP_CONFIG_DIR"); dir != "" {
		return dir, nil
	}

	switch runtime.GOOS {
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, "Library", "Application Support", "promptloop"), nil
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			appData = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(appData, "promptloop"), nil
	default:
		configHome := os.Getenv("XDG_CONFIG_HOME")
		if configHome == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			configHome = filepath.Join(home, ".config")
		}
		return filepath.Join(configHome, "promptloop"), nil
	}
}

func (s *Store) Path() string {
	return filepath.Join(s.dir, fileName)
}

func (s *Store) load() (map[string]string, error) {
	data, err := os.ReadFile(s.Path())
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]string), nil
		}
		return nil, err
	}

	keys := make(map[string]string)
	if err := yaml.Unmarshal(data, &keys); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", fileName, err)
	}
	return keys, nil
}

func (s *Store) save(keys map[string]string) error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(keys)
	if err != nil {
		return err
	}
	if err := os.WriteFile(s.Path(), data, 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", fileName, err)
	}
	return nil
}

// Set stores a key. Only providers with a known environment variable are
// accepted so typos surface immediately.
func (s *Store) Set(provider, key string) error {
	if _, ok := EnvVars[provider]; !ok {
		return models.NewValidationError("provider", "unknown provider %q", provider)
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return models.NewValidationError("key", "cannot be empty")
	}

	keys, err := s.load()
	if err != nil {
		return err
	}
	keys[provider] = key
	return s.save(keys)
}

// Get returns "" without error when no key is stored.
func (s *Store) Get(provider string) (string, error) {
	keys, err := s.load()
	if err != nil {
		return "", err
	}
	return keys[provider], nil
}

func (s *Store) Delete(provider string) error {
	keys, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := keys[provider]; !ok {
		return models.NewNotFoundError("no key stored for %s", provider)
	}
	delete(keys, provider)
	return s.save(keys)
}

// List returns the providers with a stored key, sorted.
func (s *Store) List() ([]string, error) {
	keys, err := s.load()
	if err != nil {
		return nil, err
	}
	providers := make([]string, 0, len(keys))
	for p := range keys {
		providers = append(providers, p)
	}
	sort.Strings(providers)
	return providers, nil
}

// MaskKey hides all but the first and last four characters.
func MaskKey(key string) string {
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + strings.Repeat("*", len(key)-8) + key[len(key)-4:]
}

// Resolver looks keys up in priority order.
type Resolver struct {
	store  *Store
	getenv func(string) string
}

// NewResolver accepts a nil store, in which case only flags and the
// environment are consulted.
func NewResolver(store *Store) *Resolver {
	return &Resolver{store: store, getenv: os.Getenv}
}

// WithGetenv replaces os.Getenv.
func (r *Resolver) WithGetenv(fn func(string) string) *Resolver {
	r.getenv = fn
	return r
}

func (r *Resolver) Resolve(explicit, provider string) (string, Source, error) {
	if explicit != "" {
		return explicit, SourceFlag, nil
	}

	if r.store != nil {
		if key, err := r.store.Get(provider); err == nil && key != "" {
			return key, SourceStore, nil
		}
	}

	envVar, ok := EnvVars[provider]
	if ok {
		if key := r.getenv(envVar); key != "" {
			return key, SourceEnv, nil
		}
	}

	if !ok {
		return "", "", models.NewValidationError("provider", "unknown provider %q", provider)
	}
	return "", "", models.NewValidationError("api_key",
		"no key for %s: run 'promptloop keys set %s' or set %s", provider, provider, envVar)
}
