package knowledge

import (
	"context"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS knowledge_snapshots (
    node_id    TEXT PRIMARY KEY,
    data       BYTEA NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// PGStore persists snapshots in Postgres, one row per node.
type PGStore struct {
	pool    *pgxpool.Pool
	nodeID  string
	encMode cbor.EncMode
	decMode cbor.DecMode
}

// NewPGStore connects to Postgres and ensures the schema exists.
func NewPGStore(ctx context.Context, url, nodeID string) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure knowledge schema: %w", err)
	}

	encOpts := cbor.CanonicalEncOptions()
	encOpts.Time = cbor.TimeRFC3339Nano
	encMode, err := encOpts.EncMode()
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("create CBOR encoder: %w", err)
	}
	decMode, err := cbor.DecOptions{
		DupMapKey:       cbor.DupMapKeyEnforcedAPF,
		IndefLength:     cbor.IndefLengthForbidden,
		MaxNestedLevels: 16,
	}.DecMode()
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("create CBOR decoder: %w", err)
	}
	return &PGStore{pool: pool, nodeID: nodeID, encMode: encMode, decMode: decMode}, nil
}

// Load reads this node's snapshot, ErrNotFound when none exists.
func (s *PGStore) Load(ctx context.Context) (*Snapshot, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT data FROM knowledge_snapshots WHERE node_id = $1`, s.nodeID).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load knowledge row: %w", err)
	}
	var snap Snapshot
	if err := s.decMode.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("decode knowledge row: %w", err)
	}
	return &snap, nil
}

// Save upserts this node's snapshot.
func (s *PGStore) Save(ctx context.Context, snap *Snapshot) error {
	raw, err := s.encMode.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode knowledge: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
        INSERT INTO knowledge_snapshots (node_id, data, updated_at)
        VALUES ($1, $2, now())
        ON CONFLICT (node_id) DO UPDATE SET data = $2, updated_at = now()`,
		s.nodeID, raw)
	if err != nil {
		return fmt.Errorf("save knowledge row: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *PGStore) Close() error {
	s.pool.Close()
	return nil
}
