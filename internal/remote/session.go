package remote

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
)

// SessionFile is what the client persists between runs so a login survives a restart.
type SessionFile struct {
	Server string `json:"server"`
	Email  string `json:"email"`
	Token  string `json:"token"`
}

// LoadSession reads a session written by SaveSession.
func LoadSession(path string) (*SessionFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var session SessionFile
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, err
	}
	if session.Email == "" || session.Token == "" {
		return nil, errors.New("session file incomplete")
	}
	return &session, nil
}

// SaveSession writes the session atomically with owner-only permissions.
func SaveSession(path string, session SessionFile) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func DeleteSession(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
