package knowledge

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fxamacker/cbor/v2"
)

// FileStore persists snapshots as an atomically replaced CBOR file.
type FileStore struct {
	path    string
	encMode cbor.EncMode
	decMode cbor.DecMode
}

// NewFileStore creates a file-backed store at path.
func NewFileStore(path string) (*FileStore, error) {
	encOpts := cbor.CanonicalEncOptions()
	encOpts.Time = cbor.TimeRFC3339Nano
	encMode, err := encOpts.EncMode()
	if err != nil {
		return nil, fmt.Errorf("create CBOR encoder: %w", err)
	}
	decMode, err := cbor.DecOptions{
		DupMapKey:       cbor.DupMapKeyEnforcedAPF,
		IndefLength:     cbor.IndefLengthForbidden,
		MaxNestedLevels: 16,
	}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("create CBOR decoder: %w", err)
	}
	return &FileStore{path: path, encMode: encMode, decMode: decMode}, nil
}

// Load reads the last saved snapshot, ErrNotFound when none exists.
func (s *FileStore) Load(_ context.Context) (*Snapshot, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read knowledge file: %w", err)
	}
	var snap Snapshot
	if err := s.decMode.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("decode knowledge file: %w", err)
	}
	return &snap, nil
}

// Save writes the snapshot to a temp file and renames it into place so
// a crash never leaves a torn snapshot behind.
func (s *FileStore) Save(_ context.Context, snap *Snapshot) error {
	raw, err := s.encMode.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode knowledge: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create knowledge dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".knowledge-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace knowledge file: %w", err)
	}
	return nil
}

// Close is a no-op for the file store.
func (s *FileStore) Close() error { return nil }
