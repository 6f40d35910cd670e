package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
)

const (
	appDirName     = "nightscout-monitor"
	connectionFile = "connection.json"
)

// ValidationError reports configuration rejected before any network call
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Connection holds the Nightscout endpoint and its optional shared secret
type Connection struct {
	NightscoutURL string `json:"nightscoutUrl"`
	APISecret     string `json:"apiSecret,omitempty"`
}

// Normalize trims whitespace and trailing slashes from the URL
func (c Connection) Normalize() Connection {
	c.NightscoutURL = strings.TrimRight(strings.TrimSpace(c.NightscoutURL), "/")
	c.APISecret = strings.TrimSpace(c.APISecret)
	return c
}

// Validate checks that the URL is present and URL-shaped
func (c Connection) Validate() error {
	raw := strings.TrimSpace(c.NightscoutURL)
	if raw == "" {
		return &ValidationError{Field: "nightscoutUrl", Reason: "must not be empty"}
	}

	u, err := url.Parse(raw)
	if err != nil {
		return &ValidationError{Field: "nightscoutUrl", Reason: err.Error()}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return &ValidationError{Field: "nightscoutUrl", Reason: "scheme must be http or https"}
	}
	if u.Host == "" {
		return &ValidationError{Field: "nightscoutUrl", Reason: "host is missing"}
	}

	return nil
}

// IsConfigured returns true if minimum required settings are set
func (c *Connection) IsConfigured() bool {
	return c != nil && c.NightscoutURL != ""
}

// HasSecret reports whether a shared secret is set
func (c *Connection) HasSecret() bool {
	return c != nil && c.APISecret != ""
}

// GetConfigDir returns the configuration directory path
func GetConfigDir() (string, error) {
	var configDir string

	switch runtime.GOOS {
	case "windows":
		configDir = os.Getenv("APPDATA")
		if configDir == "" {
			configDir = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Roaming")
		}
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		configDir = filepath.Join(home, "Library", "Application Support")
	default: // Linux and others
		configDir = os.Getenv("XDG_CONFIG_HOME")
		if configDir == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			configDir = filepath.Join(home, ".config")
		}
	}

	return filepath.Join(configDir, appDirName), nil
}

// ConfigStore persists the Connection as a JSON file
type ConfigStore struct {
	mu   sync.Mutex
	path string
}

// NewConfigStore creates a store rooted at dir. An empty dir selects the
// per-user config directory.
func NewConfigStore(dir string) (*ConfigStore, error) {
	if dir == "" {
		var err error
		dir, err = GetConfigDir()
		if err != nil {
			return nil, fmt.Errorf("resolving config dir: %w", err)
		}
	}
	return &ConfigStore{path: filepath.Join(dir, connectionFile)}, nil
}

// Path returns the backing file path
func (s *ConfigStore) Path() string {
	return s.path
}

// Load returns the stored connection, or nil when nothing is stored
func (s *ConfigStore) Load() (*Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path) //nolint:gosec // Config path is controlled by the app, not user input
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", s.path, err)
	}

	var conn Connection
	if err := json.Unmarshal(data, &conn); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", s.path, err)
	}
	if !conn.IsConfigured() {
		return nil, nil
	}

	return &conn, nil
}

// Save validates and writes the connection
func (s *ConfigStore) Save(conn *Connection) error {
	if conn == nil {
		return &ValidationError{Field: "nightscoutUrl", Reason: "must not be empty"}
	}
	if err := conn.Validate(); err != nil {
		return err
	}
	normalized := conn.Normalize()

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0750); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}

	data, err := json.MarshalIndent(normalized, "", "  ")
	if err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("writing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replacing %s: %w", s.path, err)
	}

	return nil
}

// Clear removes the stored connection
func (s *ConfigStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing %s: %w", s.path, err)
	}
	return nil
}
