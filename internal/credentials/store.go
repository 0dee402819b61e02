package credentials

import (
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// ErrNoCredential reports that no usable login exists locally. A missing
// file, a malformed file and an empty token all collapse into this one
// condition so callers never need to distinguish corruption from absence.
var ErrNoCredential = errors.New("no existing login found")

// Credential is the whole persisted record. Writes replace it entirely.
type Credential struct {
	AccessToken    string `json:"access_token"`
	InvitationCode string `json:"code,omitempty"`
}

// Store persists the bearer credential on local durable storage.
type Store struct {
	path string
	log  *slog.Logger
}

// NewStore returns a Store backed by the given file path.
func NewStore(path string, logger *slog.Logger) *Store {
	return &Store{path: path, log: logger}
}

// DefaultPath places the credential file under the user config directory.
func DefaultPath() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "orbit", "hosting.json"), nil
}

// Load reads the persisted credential.
func (s *Store) Load() (Credential, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		s.log.Debug("unable to read credential file", "path", s.path, "error", err)
		return Credential{}, ErrNoCredential
	}
	var cred Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		s.log.Debug("credential file is malformed", "path", s.path, "error", err)
		return Credential{}, ErrNoCredential
	}
	if strings.TrimSpace(cred.AccessToken) == "" {
		s.log.Debug("credential file has no access token", "path", s.path)
		return Credential{}, ErrNoCredential
	}
	return cred, nil
}

// Save replaces the persisted record. A failed write is not fatal to the
// caller, who can always re-authenticate, so it is logged and swallowed.
func (s *Store) Save(token, invitationCode string) {
	cred := Credential{AccessToken: token, InvitationCode: invitationCode}
	data, err := json.MarshalIndent(cred, "", "  ")
	if err != nil {
		s.log.Warn("unable to encode credential", "error", err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		s.log.Warn("unable to create credential directory", "path", s.path, "error", err)
		return
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		s.log.Warn("unable to save credential", "path", s.path, "error", err)
	}
}

// Delete removes only the access token, preserving any invitation code.
// Deletion is best-effort cleanup of an already-invalid state.
func (s *Store) Delete() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		s.log.Debug("nothing to delete", "path", s.path, "error", err)
		return
	}
	var cred Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		s.log.Debug("unable to parse credential file for delete", "error", err)
		return
	}
	cred.AccessToken = ""
	out, err := json.MarshalIndent(cred, "", "  ")
	if err != nil {
		s.log.Debug("unable to encode credential for delete", "error", err)
		return
	}
	if err := os.WriteFile(s.path, out, 0o600); err != nil {
		s.log.Debug("unable to rewrite credential file", "error", err)
	}
}
