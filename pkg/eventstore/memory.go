package eventstore

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// MemoryStore keeps the log in process. It mirrors EventStore semantics,
// including version checks, for tests and single-node development runs.
type MemoryStore struct {
	mu        sync.RWMutex
	events    []Event
	snapshots map[uuid.UUID]Snapshot
	tracer    trace.Tracer
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		snapshots: make(map[uuid.UUID]Snapshot),
		tracer:    otel.Tracer("nowver/eventstore/memory"),
	}
}

func (ms *MemoryStore) AppendEvents(ctx context.Context, aggregateID uuid.UUID, aggregateType string, expectedVersion int, events []Event) error {
	_, span := ms.tracer.Start(ctx, "eventstore.append",
		trace.WithAttributes(
			attribute.String("aggregate.id", aggregateID.String()),
			attribute.Int("expected.version", expectedVersion),
			attribute.Int("event.count", len(events)),
		),
	)
	defer span.End()

	if expectedVersion < 0 {
		return ErrInvalidVersion
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	if current := ms.versionLocked(aggregateID); current != expectedVersion {
		span.SetAttributes(
			attribute.Int("actual.version", current),
			attribute.Bool("conflict.detected", true),
		)
		return ErrConcurrencyConflict
	}

	now := time.Now().UTC()
	for i, event := range events {
		event.ID = int64(len(ms.events) + 1)
		event.AggregateID = aggregateID
		event.AggregateType = aggregateType
		event.Version = expectedVersion + i + 1
		event.EventData = append(json.RawMessage(nil), event.EventData...)
		event.CreatedAt = now
		ms.events = append(ms.events, event)
	}
	return nil
}

func (ms *MemoryStore) LoadEvents(ctx context.Context, aggregateID uuid.UUID, fromVersion, toVersion int) ([]Event, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	var out []Event
	for _, event := range ms.events {
		if event.AggregateID != aggregateID || event.Version < fromVersion {
			continue
		}
		if toVersion > 0 && event.Version > toVersion {
			continue
		}
		out = append(out, event)
	}
	return out, nil
}

func (ms *MemoryStore) GetCurrentVersion(ctx context.Context, aggregateID uuid.UUID) (int, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return ms.versionLocked(aggregateID), nil
}

func (ms *MemoryStore) versionLocked(aggregateID uuid.UUID) int {
	version := 0
	for _, event := range ms.events {
		if event.AggregateID == aggregateID && event.Version > version {
			version = event.Version
		}
	}
	return version
}

func (ms *MemoryStore) StreamEvents(ctx context.Context, fromID int64, batchSize int) ([]Event, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	if fromID < 0 {
		fromID = 0
	}
	if fromID >= int64(len(ms.events)) || batchSize <= 0 {
		return nil, nil
	}
	end := fromID + int64(batchSize)
	if end > int64(len(ms.events)) {
		end = int64(len(ms.events))
	}
	out := make([]Event, end-fromID)
	copy(out, ms.events[fromID:end])
	return out, nil
}

func (ms *MemoryStore) SaveSnapshot(ctx context.Context, snapshot Snapshot) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if existing, ok := ms.snapshots[snapshot.AggregateID]; ok && existing.Version >= snapshot.Version {
		return nil
	}
	snapshot.State = append(json.RawMessage(nil), snapshot.State...)
	snapshot.CreatedAt = time.Now().UTC()
	ms.snapshots[snapshot.AggregateID] = snapshot
	return nil
}

func (ms *MemoryStore) LoadSnapshot(ctx context.Context, aggregateID uuid.UUID) (*Snapshot, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	snapshot, ok := ms.snapshots[aggregateID]
	if !ok {
		return nil, nil
	}
	return &snapshot, nil
}
