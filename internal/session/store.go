package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Archive keeps finished sessions on disk after they are evicted from memory.
type Archive struct {
	basePath string
}

// NewArchive creates an archive under dataDir/sessions.
func NewArchive(dataDir string) *Archive {
	return &Archive{basePath: filepath.Join(dataDir, "sessions")}
}

// Save persists a session.
func (a *Archive) Save(s Session) error {
	if err := os.MkdirAll(a.basePath, 0o755); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	if err := os.WriteFile(a.file(s.ID), data, 0o644); err != nil {
		return fmt.Errorf("failed to write session file: %w", err)
	}
	return nil
}

// Load retrieves an archived session.
func (a *Archive) Load(id string) (Session, error) {
	data, err := os.ReadFile(a.file(id))
	if err != nil {
		return Session{}, fmt.Errorf("failed to read session file: %w", err)
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return Session{}, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return s, nil
}

// List returns archived sessions, newest first. Unreadable files are skipped.
func (a *Archive) List() ([]Session, error) {
	entries, err := os.ReadDir(a.basePath)
	if os.IsNotExist(err) {
		return []Session{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list session directory: %w", err)
	}

	var out []Session
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		s, err := a.Load(strings.TrimSuffix(entry.Name(), ".json"))
		if err != nil {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (a *Archive) file(id string) string {
	// ids are uuids; Base keeps a crafted id inside the archive
	return filepath.Join(a.basePath, filepath.Base(id)+".json")
}
