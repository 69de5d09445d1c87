package levels

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"vexdb/pkg/dberrors"
	"vexdb/pkg/types"
)

const (
	manifestName   = "MANIFEST"
	manifestEngine = "vexdb"
)

// TableInfo describes one table in the manifest.
type TableInfo struct {
	ID    uint64 `json:"id"`
	Level int    `json:"level"`
	Size  int64  `json:"size"`
}

// ManifestData is the persisted state of the table hierarchy.
type ManifestData struct {
	Engine      string      `json:"engine"`
	EngineID    string      `json:"engine_id"`
	Version     int         `json:"version"`
	NextTableID uint64      `json:"next_table_id"`
	FlushedVer  types.SeqN  `json:"flushed_ver"`
	Tables      []TableInfo `json:"tables"`
}

// Manifest persists the table hierarchy as JSON, swapped atomically via
// a temp file and rename.
type Manifest struct {
	filePath string
	data     ManifestData
}

func openManifest(dataDir string) (*Manifest, error) {
	m := &Manifest{filePath: filepath.Join(dataDir, manifestName)}

	raw, err := os.ReadFile(m.filePath)
	if os.IsNotExist(err) {
		m.data = ManifestData{
			Engine:      manifestEngine,
			EngineID:    uuid.NewString(),
			Version:     1,
			NextTableID: 1,
		}
		if err := m.save(); err != nil {
			return nil, err
		}
		return m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read manifest: %v", dberrors.ErrIO, err)
	}

	if err := json.Unmarshal(raw, &m.data); err != nil {
		return nil, fmt.Errorf("%w: parse manifest: %v", dberrors.ErrCorruptData, err)
	}
	if m.data.Engine != manifestEngine {
		return nil, fmt.Errorf("%w: data directory belongs to %q", dberrors.ErrInvalidArgument, m.data.Engine)
	}
	if _, err := uuid.Parse(m.data.EngineID); err != nil {
		return nil, fmt.Errorf("%w: manifest engine id %q: %v", dberrors.ErrCorruptData, m.data.EngineID, err)
	}
	return m, nil
}

func (m *Manifest) save() error {
	raw, err := json.MarshalIndent(m.data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}

	tmp := m.filePath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("%w: create manifest temp: %v", dberrors.ErrIO, err)
	}
	if _, err := f.Write(raw); err != nil {
		f.Close()
		return fmt.Errorf("%w: write manifest: %v", dberrors.ErrIO, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("%w: sync manifest: %v", dberrors.ErrIO, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: close manifest: %v", dberrors.ErrIO, err)
	}
	if err := os.Rename(tmp, m.filePath); err != nil {
		return fmt.Errorf("%w: swap manifest: %v", dberrors.ErrIO, err)
	}
	return nil
}

func (m *Manifest) nextTableID() uint64 {
	id := m.data.NextTableID
	m.data.NextTableID++
	return id
}
