// Package knowledge persists the MAPE-K knowledge base across process
// restarts: adaptive thresholds, action success statistics and MTTR
// history. The topology graph is deliberately not persisted; it is
// rebuilt from live beacons.
package knowledge

import (
	"context"
	"time"

	"github.com/x0tta6bl4-ai/x0tta6bl4-sub007/pkg/utils"
)

// ErrNotFound means no snapshot has been saved yet.
var ErrNotFound = utils.ErrNotFound

// ActionStat tracks outcomes of one (event type, action) pair.
type ActionStat struct {
	Attempts  uint64 `cbor:"1,keyasint"`
	Successes uint64 `cbor:"2,keyasint"`
}

// SuccessRate returns the observed success ratio, 0 when untried.
func (s ActionStat) SuccessRate() float64 {
	if s.Attempts == 0 {
		return 0
	}
	return float64(s.Successes) / float64(s.Attempts)
}

// MTTRStat accumulates recovery time for one event type.
type MTTRStat struct {
	Count   uint64  `cbor:"1,keyasint"`
	TotalMS float64 `cbor:"2,keyasint"`
}

// AverageMS returns the mean time to recovery in milliseconds.
func (m MTTRStat) AverageMS() float64 {
	if m.Count == 0 {
		return 0
	}
	return m.TotalMS / float64(m.Count)
}

// Snapshot is the serialized knowledge base state.
type Snapshot struct {
	Thresholds    map[string]float64    `cbor:"1,keyasint"`
	ActionStats   map[string]ActionStat `cbor:"2,keyasint"`
	MTTR          map[string]MTTRStat   `cbor:"3,keyasint"`
	CollisionRate float64               `cbor:"4,keyasint"`
	UpdatedAt     time.Time             `cbor:"5,keyasint"`
}

// NewSnapshot returns an empty snapshot with allocated maps.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		Thresholds:  make(map[string]float64),
		ActionStats: make(map[string]ActionStat),
		MTTR:        make(map[string]MTTRStat),
	}
}

// Store persists knowledge snapshots.
type Store interface {
	Load(ctx context.Context) (*Snapshot, error)
	Save(ctx context.Context, snap *Snapshot) error
	Close() error
}
