package kiro

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadCredentials(t *testing.T) {
	path := filepath.Join(t.TempDir(), "acct.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"accessToken": "at",
		"refreshToken": "rt",
		"profileArn": "arn:aws:codewhisperer:us-east-1:1:profile/x",
		"expiresAt": "2026-09-01T00:00:00Z",
		"authMethod": "social",
		"provider": "Google"
	}`), 0o644))

	creds, err := LoadCredentials(path)
	require.NoError(t, err)
	assert.Equal(t, "at", creds.AccessToken)
	assert.Equal(t, "rt", creds.RefreshToken)
	assert.True(t, creds.IsSocial())
	assert.Equal(t, ProviderGoogle, creds.Provider)
}

func TestLoadCredentialsRequiresRefreshToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "acct.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"accessToken":"at"}`), 0o644))

	_, err := LoadCredentials(path)
	assert.ErrorIs(t, err, ErrNoRefreshToken)
}

func TestSaveCredentialsRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "acct.json")
	in := &Credentials{
		AccessToken:  "at",
		RefreshToken: "rt",
		ExpiresAt:    "2026-09-01T00:00:00Z",
		AuthMethod:   AuthMethodIDC,
		Region:       "eu-west-1",
		ClientID:     "cid",
		ClientSecret: "secret",
	}
	require.NoError(t, SaveCredentials(path, in))

	out, err := LoadCredentials(path)
	require.NoError(t, err)
	assert.Equal(t, in, out)
	assert.False(t, out.IsSocial())
}

func TestSaveCredentialsReplacesAtomically(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "acct.json")
	require.NoError(t, SaveCredentials(path, &Credentials{RefreshToken: "old"}))
	require.NoError(t, SaveCredentials(path, &Credentials{RefreshToken: "new"}))

	out, err := LoadCredentials(path)
	require.NoError(t, err)
	assert.Equal(t, "new", out.RefreshToken)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestExpiresAtTime(t *testing.T) {
	creds := &Credentials{ExpiresAt: "2026-09-01T12:30:00Z"}
	assert.Equal(t, time.Date(2026, 9, 1, 12, 30, 0, 0, time.UTC), creds.ExpiresAtTime().UTC())

	creds.ExpiresAt = "2026-09-01T12:30:00.500Z"
	assert.Equal(t, 500*time.Millisecond,
		time.Duration(creds.ExpiresAtTime().Nanosecond()), "millisecond exports parse")

	creds.ExpiresAt = ""
	assert.True(t, creds.ExpiresAtTime().IsZero())

	creds.ExpiresAt = "not-a-time"
	assert.True(t, creds.ExpiresAtTime().IsZero())
}

func TestIsSocialDefaultsTrue(t *testing.T) {
	assert.True(t, (&Credentials{}).IsSocial())
	assert.True(t, (&Credentials{AuthMethod: AuthMethodSocial}).IsSocial())
	assert.False(t, (&Credentials{AuthMethod: AuthMethodIDC}).IsSocial())
}

func TestScanCredentialsDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, SaveCredentials(filepath.Join(dir, "alpha.json"), &Credentials{RefreshToken: "a"}))
	require.NoError(t, SaveCredentials(filepath.Join(dir, "beta.json"), &Credentials{RefreshToken: "b"}))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	files, skipped, err := ScanCredentialsDir(dir)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "alpha", files[0].Name)
	assert.Equal(t, "beta", files[1].Name)
	require.Len(t, skipped, 1)
	assert.Contains(t, skipped[0], "broken.json")
}

func TestMachineIDStability(t *testing.T) {
	a := &Credentials{RefreshToken: "rt"}
	assert.Equal(t, MachineID(a), MachineID(a), "derivation is deterministic")
	assert.Len(t, MachineID(a), 64)

	b := &Credentials{RefreshToken: "other"}
	assert.NotEqual(t, MachineID(a), MachineID(b))

	assert.NotEmpty(t, MachineID(&Credentials{}), "empty records still get an id")
}
