package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/prospect-waterfall/internal/model"
	"github.com/sells-group/prospect-waterfall/internal/resilience"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = eris.New("store: not found")

// RecordFilter specifies criteria for listing records.
type RecordFilter struct {
	State        model.RecordState `json:"state,omitempty"`
	ClientID     string            `json:"client_id,omitempty"`
	CampaignID   string            `json:"campaign_id,omitempty"`
	UpdatedAfter time.Time         `json:"updated_after,omitempty"`
	Limit        int               `json:"limit,omitempty"`
	Offset       int               `json:"offset,omitempty"`
}

// ChargeFilter specifies criteria for listing committed ledger entries.
type ChargeFilter struct {
	ScopeKey string    `json:"scope_key,omitempty"`
	Since    time.Time `json:"since,omitempty"`
	Limit    int       `json:"limit,omitempty"`
}

// Snapshot is a persisted configuration snapshot body, keyed by version.
type Snapshot struct {
	Version  string    `json:"version"`
	Body     []byte    `json:"body"`
	LoadedAt time.Time `json:"loaded_at"`
}

// Store defines the persistence interface for the waterfall engine.
type Store interface {
	// Records
	SaveRecord(ctx context.Context, rec *model.Record) error
	SaveRecords(ctx context.Context, recs []*model.Record) (int, error)
	GetRecord(ctx context.Context, id string) (*model.Record, error)
	ListRecords(ctx context.Context, filter RecordFilter) ([]*model.Record, error)

	// Requeue queue
	EnqueueRequeue(ctx context.Context, e resilience.RequeueEntry) error
	DueRequeues(ctx context.Context, filter resilience.RequeueFilter) ([]resilience.RequeueEntry, error)
	RemoveRequeue(ctx context.Context, id string) error
	CountRequeues(ctx context.Context) (int, error)

	// Ledger journal
	AppendCharges(ctx context.Context, entries []model.LedgerEntry) error
	ListCharges(ctx context.Context, filter ChargeFilter) ([]model.LedgerEntry, error)

	// Config snapshots
	SaveSnapshot(ctx context.Context, snap Snapshot) error
	GetSnapshot(ctx context.Context, version string) (*Snapshot, error)

	// Run leases
	ClaimRecord(ctx context.Context, id, owner string, now time.Time, ttl time.Duration) (bool, error)
	ReleaseRecord(ctx context.Context, id, owner string) error

	// Campaigns
	SetCampaignPaused(ctx context.Context, campaignID string, paused bool) error
	CampaignPaused(ctx context.Context, campaignID string) (bool, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

func listLimit(n int) int {
	if n <= 0 {
		return 100
	}
	return n
}
