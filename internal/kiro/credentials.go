// Package kiro provides the client side of the Kiro upstream protocol:
// credential files, token refresh, usage limits, SSO import, and the
// generateAssistantResponse call.
package kiro

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Auth methods.
const (
	AuthMethodSocial = "social"
	AuthMethodIDC    = "IdC"
)

// Providers.
const (
	ProviderGoogle    = "Google"
	ProviderGithub    = "Github"
	ProviderBuilderID = "BuilderId"
)

// ErrNoRefreshToken indicates a credential file without a refresh token.
var ErrNoRefreshToken = errors.New("credentials missing refresh token")

// Credentials is one account's credential record as stored on disk.
// All fields are optional in the file; RefreshToken is required for the
// account to be usable.
type Credentials struct {
	AccessToken  string `json:"accessToken,omitempty"`
	RefreshToken string `json:"refreshToken,omitempty"`
	CSRFToken    string `json:"csrfToken,omitempty"`
	ProfileARN   string `json:"profileArn,omitempty"`
	ExpiresAt    string `json:"expiresAt,omitempty"`
	AuthMethod   string `json:"authMethod,omitempty"`
	Provider     string `json:"provider,omitempty"`
	Region       string `json:"region,omitempty"`
	ClientID     string `json:"clientId,omitempty"`
	ClientSecret string `json:"clientSecret,omitempty"`
	StartURL     string `json:"startUrl,omitempty"`
	Email        string `json:"email,omitempty"`
}

// IsSocial reports whether the account refreshes via the Kiro desktop
// endpoint rather than AWS IdC.
func (c *Credentials) IsSocial() bool {
	return c.AuthMethod == "" || c.AuthMethod == AuthMethodSocial
}

// ExpiresAtTime parses the RFC3339 expiry. The zero time is returned when
// the field is absent or unparsable, which callers treat as "expired".
func (c *Credentials) ExpiresAtTime() time.Time {
	if c.ExpiresAt == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, c.ExpiresAt)
	if err != nil {
		// Some Kiro exports use millisecond precision with a literal Z
		t, err = time.Parse("2006-01-02T15:04:05.000Z", c.ExpiresAt)
		if err != nil {
			return time.Time{}
		}
	}
	return t
}

// LoadCredentials reads and parses one credential file.
func LoadCredentials(path string) (*Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials file: %w", err)
	}

	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("failed to parse credentials file %s: %w", path, err)
	}

	if creds.RefreshToken == "" {
		return nil, fmt.Errorf("%s: %w", path, ErrNoRefreshToken)
	}

	return &creds, nil
}

// SaveCredentials writes the record as pretty JSON. The write is atomic:
// a temp file in the same directory is synced and renamed over the target,
// so a crash never leaves the file empty or half-written.
func SaveCredentials(path string, creds *Credentials) error {
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal credentials: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("failed to create temp credentials file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp credentials file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp credentials file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp credentials file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to replace credentials file: %w", err)
	}

	return nil
}

// CredentialFile pairs a parsed record with the account name derived from
// its file stem.
type CredentialFile struct {
	Name  string
	Path  string
	Creds *Credentials
}

// ScanCredentialsDir loads every *.json file in dir. Files that fail to
// parse are returned in skipped (by path) rather than aborting the scan.
func ScanCredentialsDir(dir string) (files []CredentialFile, skipped []string, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read credentials directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		creds, err := LoadCredentials(path)
		if err != nil {
			skipped = append(skipped, path)
			continue
		}
		files = append(files, CredentialFile{
			Name:  strings.TrimSuffix(entry.Name(), ".json"),
			Path:  path,
			Creds: creds,
		})
	}

	return files, skipped, nil
}
