package store

import (
	"context"
	"time"

	"github.com/nhle/bookpipe/internal/model"
)

// MessageRow is the ledger entry for one inbound message.
type MessageRow struct {
	ID        string    `db:"id"`
	Subject   string    `db:"subject"`
	Sender    string    `db:"sender"`
	Status    string    `db:"status"`
	Misses    int       `db:"misses"`
	FirstSeen time.Time `db:"first_seen"`
	UpdatedAt time.Time `db:"updated_at"`
}

// Store defines the persistence interface for the processing ledger: which
// messages were seen, which units they produced and how each task ended.
type Store interface {
	// RecordMiss notes that msg was rejected by the classifier and returns
	// how many times that has happened.
	RecordMiss(ctx context.Context, msg model.InboundMessage) (int, error)

	SetMessageStatus(ctx context.Context, msg model.InboundMessage, status string) error
	GetMessage(ctx context.Context, id string) (*MessageRow, error)

	SaveUnit(ctx context.Context, unit *model.ProcessingUnit, outcomes []model.TaskOutcome) error
	RecentUnits(ctx context.Context, limit int) ([]model.UnitSummary, error)
	GetOutcomes(ctx context.Context, unitID string) ([]model.TaskOutcome, error)

	Close() error
}

// NopStore discards everything. Used when the ledger is disabled.
type NopStore struct{}

var _ Store = NopStore{}

func (NopStore) RecordMiss(context.Context, model.InboundMessage) (int, error) { return 0, nil }

func (NopStore) SetMessageStatus(context.Context, model.InboundMessage, string) error { return nil }

func (NopStore) GetMessage(context.Context, string) (*MessageRow, error) { return nil, nil }

func (NopStore) SaveUnit(context.Context, *model.ProcessingUnit, []model.TaskOutcome) error {
	return nil
}

func (NopStore) RecentUnits(context.Context, int) ([]model.UnitSummary, error) { return nil, nil }

func (NopStore) GetOutcomes(context.Context, string) ([]model.TaskOutcome, error) { return nil, nil }

func (NopStore) Close() error { return nil }

// Open returns a SQLiteStore at path, or a NopStore when path is empty.
func Open(path string) (Store, error) {
	if path == "" {
		return NopStore{}, nil
	}
	return NewSQLiteStore(path)
}
