package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/nextlevelbuilder/agentrelay/internal/ident"
)

// ErrNotFound is returned by Load when no metadata record exists yet.
var ErrNotFound = errors.New("session metadata not found")

// Repository persists session metadata on disk under
//
//	{dataDir}/sessions/{botId}/{groupId}/{ownerId}/{sessionId}/meta.json
//
// with a sibling workspace/ directory created on demand. All writes go
// through a temp file in the same directory followed by a rename, so a crash
// never leaves a half-written meta.json behind.
type Repository struct {
	dataDir string
}

func NewRepository(dataDir string) *Repository {
	return &Repository{dataDir: dataDir}
}

func (r *Repository) sessionDir(m *Meta) (string, error) {
	for _, seg := range []struct{ name, val string }{
		{"botId", m.BotID},
		{"groupId", m.GroupID},
		{"ownerId", m.OwnerID},
		{"sessionId", m.SessionID},
	} {
		if err := ident.Check(seg.name, seg.val); err != nil {
			return "", err
		}
	}
	return filepath.Join(r.dataDir, "sessions", m.BotID, m.GroupID, m.OwnerID, m.SessionID), nil
}

// Load reads an existing metadata record. Returns ErrNotFound when the
// conversation has never been seen.
func (r *Repository) Load(ownerID string, key Key) (*Meta, error) {
	probe := &Meta{BotID: key.BotID, GroupID: key.GroupID, OwnerID: ownerID, SessionID: key.SessionID}
	dir, err := r.sessionDir(probe)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(dir, "meta.json"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read session meta: %w", err)
	}

	var m Meta
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode session meta: %w", err)
	}
	return &m, nil
}

// Create writes a fresh metadata record and prepares the workspace directory.
func (r *Repository) Create(m *Meta) error {
	dir, err := r.sessionDir(m)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Join(dir, "workspace"), 0o755); err != nil {
		return fmt.Errorf("create session dirs: %w", err)
	}
	return r.writeMeta(dir, m)
}

// UpdateMeta replaces the whole metadata record atomically.
func (r *Repository) UpdateMeta(m *Meta) error {
	dir, err := r.sessionDir(m)
	if err != nil {
		return err
	}
	return r.writeMeta(dir, m)
}

// WorkspaceDir returns the on-disk workspace path for a session, creating it
// if needed. The workspace is handed to the agent as its working directory.
func (r *Repository) WorkspaceDir(m *Meta) (string, error) {
	dir, err := r.sessionDir(m)
	if err != nil {
		return "", err
	}
	ws := filepath.Join(dir, "workspace")
	if err := os.MkdirAll(ws, 0o755); err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}
	return ws, nil
}

func (r *Repository) writeMeta(dir string, m *Meta) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}

	// Atomic write: temp file → rename
	tmp, err := os.CreateTemp(dir, "meta-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp meta: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	tmp.Close()

	if err := os.Rename(tmpPath, filepath.Join(dir, "meta.json")); err != nil {
		return fmt.Errorf("replace meta.json: %w", err)
	}
	cleanup = false
	return nil
}
