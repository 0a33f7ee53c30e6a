// internal/registry/service.go
package registry

import (
	"context"

	"github.com/google/uuid"

	"nowver/internal/chain"
	"nowver/pkg/eventstore"
)

// Service defines the interface for the registry service.
type Service interface {
	Deploy(ctx context.Context, owner chain.Address, baseURI string) error

	RegisterToken(ctx context.Context, caller chain.Address, id TokenID, maxSupply uint64, price chain.Amount) (Event, error)
	Mint(ctx context.Context, caller chain.Address, id TokenID, payment chain.Amount) (Event, error)
	Transfer(ctx context.Context, caller, from, to chain.Address, id TokenID, quantity uint64) (Event, error)
	SetApprovalForAll(ctx context.Context, caller, operator chain.Address, approved bool) (Event, error)
	Pause(ctx context.Context, caller chain.Address) (Event, error)
	Unpause(ctx context.Context, caller chain.Address) (Event, error)
	SetURI(ctx context.Context, caller chain.Address, uri string) (Event, error)
	TransferOwnership(ctx context.Context, caller, newOwner chain.Address) (Event, error)
	Withdraw(ctx context.Context, caller, to chain.Address) (Event, error)

	TokenClass(ctx context.Context, id TokenID) (TokenClass, error)
	URI(ctx context.Context, id TokenID) (string, error)
	BalanceOf(ctx context.Context, account chain.Address, id TokenID) (uint64, error)
	IsApprovedForAll(ctx context.Context, holder, operator chain.Address) (bool, error)
	Snapshot(ctx context.Context) (Snapshot, int, error)
	Audit(ctx context.Context) ([]Violation, error)
	Events(ctx context.Context, after int64, limit int) (*FeedPage, error)
}

// EventLog is the append-only store the service commits to. Both
// eventstore.EventStore and eventstore.MemoryStore satisfy it.
type EventLog interface {
	AppendEvents(ctx context.Context, aggregateID uuid.UUID, aggregateType string, expectedVersion int, events []eventstore.Event) error
	LoadEvents(ctx context.Context, aggregateID uuid.UUID, fromVersion, toVersion int) ([]eventstore.Event, error)
	GetCurrentVersion(ctx context.Context, aggregateID uuid.UUID) (int, error)
	StreamEvents(ctx context.Context, fromID int64, batchSize int) ([]eventstore.Event, error)
	SaveSnapshot(ctx context.Context, snapshot eventstore.Snapshot) error
	LoadSnapshot(ctx context.Context, aggregateID uuid.UUID) (*eventstore.Snapshot, error)
}

// FeedPage is one page of the committed event feed. Next is the cursor to
// pass as after for the following page.
type FeedPage struct {
	Events []eventstore.Event `json:"events"`
	Next   int64              `json:"next"`
}
