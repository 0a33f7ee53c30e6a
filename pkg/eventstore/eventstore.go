package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrConcurrencyConflict = errors.New("concurrency conflict: version mismatch")
	ErrAggregateNotFound   = errors.New("aggregate not found")
	ErrInvalidVersion      = errors.New("invalid version number")
)

// Default table names. WithTables overrides them so several logs can share
// one database.
const (
	DefaultEventsTable    = "events"
	DefaultSnapshotsTable = "snapshots"
)

// Event is one committed entry of an aggregate's stream.
type Event struct {
	ID            int64                  `json:"id" db:"id"`
	AggregateID   uuid.UUID              `json:"aggregate_id" db:"aggregate_id"`
	AggregateType string                 `json:"aggregate_type" db:"aggregate_type"`
	EventType     string                 `json:"event_type" db:"event_type"`
	EventData     json.RawMessage        `json:"event_data" db:"event_data"`
	Metadata      map[string]interface{} `json:"metadata,omitempty" db:"metadata"`
	Version       int                    `json:"version" db:"version"`
	CreatedAt     time.Time              `json:"created_at" db:"created_at"`
}

// Snapshot holds folded aggregate state at a given version.
type Snapshot struct {
	AggregateID   uuid.UUID       `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	Version       int             `json:"version"`
	State         json.RawMessage `json:"state"`
	CreatedAt     time.Time       `json:"created_at"`
}

// EventStore is a Postgres-backed append-only log with optimistic concurrency.
type EventStore struct {
	db        *sql.DB
	tracer    trace.Tracer
	events    string
	snapshots string
}

type Option func(*EventStore)

// WithTables stores events and snapshots in the named tables.
func WithTables(events, snapshots string) Option {
	return func(es *EventStore) {
		es.events = pq.QuoteIdentifier(events)
		es.snapshots = pq.QuoteIdentifier(snapshots)
	}
}

// NewEventStore wraps an open database handle.
func NewEventStore(db *sql.DB, opts ...Option) *EventStore {
	es := &EventStore{
		db:        db,
		tracer:    otel.Tracer("nowver/eventstore"),
		events:    pq.QuoteIdentifier(DefaultEventsTable),
		snapshots: pq.QuoteIdentifier(DefaultSnapshotsTable),
	}
	for _, opt := range opts {
		opt(es)
	}
	return es
}

// EnsureSchema creates the tables if they do not exist.
func (es *EventStore) EnsureSchema(ctx context.Context) error {
	schema := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	id BIGSERIAL PRIMARY KEY,
	aggregate_id UUID NOT NULL,
	aggregate_type TEXT NOT NULL,
	event_type TEXT NOT NULL,
	event_data JSONB NOT NULL,
	metadata JSONB,
	version INT NOT NULL CHECK (version > 0),
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (aggregate_id, version)
);

CREATE TABLE IF NOT EXISTS %[2]s (
	aggregate_id UUID PRIMARY KEY,
	aggregate_type TEXT NOT NULL,
	version INT NOT NULL,
	state JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);`, es.events, es.snapshots)

	if _, err := es.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (es *EventStore) currentVersion(ctx context.Context, q querier, aggregateID uuid.UUID) (int, error) {
	var version int
	err := q.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM `+es.events+` WHERE aggregate_id = $1`,
		aggregateID,
	).Scan(&version)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("query current version: %w", err)
	}
	return version, nil
}

// isConflict reports whether err means another writer got there first: the
// unique (aggregate_id, version) key was hit or the serializable
// transaction was aborted.
func isConflict(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	switch pqErr.Code.Name() {
	case "unique_violation", "serialization_failure":
		return true
	}
	return false
}

// AppendEvents atomically appends events with optimistic concurrency control.
// The first event gets version expectedVersion+1.
func (es *EventStore) AppendEvents(ctx context.Context, aggregateID uuid.UUID, aggregateType string, expectedVersion int, events []Event) error {
	ctx, span := es.tracer.Start(ctx, "eventstore.append",
		trace.WithAttributes(
			attribute.String("aggregate.id", aggregateID.String()),
			attribute.String("aggregate.type", aggregateType),
			attribute.Int("expected.version", expectedVersion),
			attribute.Int("event.count", len(events)),
		),
	)
	defer span.End()

	if expectedVersion < 0 {
		return ErrInvalidVersion
	}
	if len(events) == 0 {
		return nil
	}

	tx, err := es.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	current, err := es.currentVersion(ctx, tx, aggregateID)
	if err != nil {
		if isConflict(err) {
			return ErrConcurrencyConflict
		}
		return err
	}
	if current != expectedVersion {
		span.SetAttributes(
			attribute.Int("actual.version", current),
			attribute.Bool("conflict.detected", true),
		)
		return ErrConcurrencyConflict
	}

	// one multi-row insert; $1..$3 are shared, each event adds four params
	now := time.Now().UTC()
	args := []interface{}{aggregateID, aggregateType, now}
	rows := make([]string, 0, len(events))
	for i, event := range events {
		metadata, err := json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata %d: %w", i, err)
		}
		n := len(args)
		rows = append(rows, fmt.Sprintf("($1, $2, $%d, $%d, $%d, $%d, $3)", n+1, n+2, n+3, n+4))
		args = append(args, event.EventType, []byte(event.EventData), metadata, expectedVersion+i+1)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO `+es.events+` (aggregate_id, aggregate_type, event_type, event_data, metadata, version, created_at) VALUES `+
			strings.Join(rows, ", "),
		args...,
	)
	if err != nil {
		if isConflict(err) {
			return ErrConcurrencyConflict
		}
		span.RecordError(err)
		return fmt.Errorf("insert events: %w", err)
	}

	if err := tx.Commit(); err != nil {
		if isConflict(err) {
			return ErrConcurrencyConflict
		}
		return fmt.Errorf("commit transaction: %w", err)
	}

	span.SetAttributes(attribute.Int("appended.version", expectedVersion+len(events)))
	return nil
}

const eventColumns = `id, aggregate_id, aggregate_type, event_type, event_data, metadata, version, created_at`

// LoadEvents retrieves events for an aggregate with version >= fromVersion,
// and <= toVersion when toVersion > 0.
func (es *EventStore) LoadEvents(ctx context.Context, aggregateID uuid.UUID, fromVersion, toVersion int) ([]Event, error) {
	ctx, span := es.tracer.Start(ctx, "eventstore.load",
		trace.WithAttributes(
			attribute.String("aggregate.id", aggregateID.String()),
			attribute.Int("from.version", fromVersion),
			attribute.Int("to.version", toVersion),
		),
	)
	defer span.End()

	// toVersion <= 0 leaves the range open
	rows, err := es.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM `+es.events+`
		WHERE aggregate_id = $1 AND version >= $2 AND ($3 <= 0 OR version <= $3)
		ORDER BY version ASC`,
		aggregateID, fromVersion, toVersion,
	)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}

	span.SetAttributes(attribute.Int("events.loaded", len(events)))
	return events, nil
}

// GetCurrentVersion returns the latest version for an aggregate, 0 if none.
func (es *EventStore) GetCurrentVersion(ctx context.Context, aggregateID uuid.UUID) (int, error) {
	ctx, span := es.tracer.Start(ctx, "eventstore.get_version",
		trace.WithAttributes(attribute.String("aggregate.id", aggregateID.String())),
	)
	defer span.End()

	version, err := es.currentVersion(ctx, es.db, aggregateID)
	if err != nil {
		return 0, err
	}
	span.SetAttributes(attribute.Int("current.version", version))
	return version, nil
}

// StreamEvents returns up to batchSize events with id > fromID across all
// aggregates, in commit order.
func (es *EventStore) StreamEvents(ctx context.Context, fromID int64, batchSize int) ([]Event, error) {
	ctx, span := es.tracer.Start(ctx, "eventstore.stream",
		trace.WithAttributes(
			attribute.Int64("from.id", fromID),
			attribute.Int("batch.size", batchSize),
		),
	)
	defer span.End()

	if batchSize <= 0 {
		return nil, nil
	}

	rows, err := es.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM `+es.events+` WHERE id > $1 ORDER BY id ASC LIMIT $2`,
		fromID, batchSize,
	)
	if err != nil {
		return nil, fmt.Errorf("query event stream: %w", err)
	}
	defer rows.Close()

	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}

	span.SetAttributes(attribute.Int("events.streamed", len(events)))
	return events, nil
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	var events []Event
	for rows.Next() {
		var (
			event    Event
			data     []byte
			metadata []byte
		)
		if err := rows.Scan(
			&event.ID, &event.AggregateID, &event.AggregateType, &event.EventType,
			&data, &metadata, &event.Version, &event.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		event.EventData = json.RawMessage(data)

		// json null is stored for events without metadata
		if len(metadata) > 0 && string(metadata) != "null" {
			if err := json.Unmarshal(metadata, &event.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata of event %d: %w", event.ID, err)
			}
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// SaveSnapshot stores aggregate state for faster reconstitution. Older
// versions never overwrite newer ones.
func (es *EventStore) SaveSnapshot(ctx context.Context, snapshot Snapshot) error {
	ctx, span := es.tracer.Start(ctx, "eventstore.save_snapshot",
		trace.WithAttributes(
			attribute.String("aggregate.id", snapshot.AggregateID.String()),
			attribute.Int("snapshot.version", snapshot.Version),
		),
	)
	defer span.End()

	_, err := es.db.ExecContext(ctx,
		`INSERT INTO `+es.snapshots+` AS s (aggregate_id, aggregate_type, version, state, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (aggregate_id) DO UPDATE
		SET version = EXCLUDED.version, state = EXCLUDED.state, created_at = EXCLUDED.created_at
		WHERE s.version < EXCLUDED.version`,
		snapshot.AggregateID, snapshot.AggregateType, snapshot.Version, []byte(snapshot.State), time.Now().UTC(),
	)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot returns the latest snapshot, or nil if none exists.
func (es *EventStore) LoadSnapshot(ctx context.Context, aggregateID uuid.UUID) (*Snapshot, error) {
	ctx, span := es.tracer.Start(ctx, "eventstore.load_snapshot",
		trace.WithAttributes(attribute.String("aggregate.id", aggregateID.String())),
	)
	defer span.End()

	var (
		snapshot Snapshot
		state    []byte
	)
	err := es.db.QueryRowContext(ctx,
		`SELECT aggregate_id, aggregate_type, version, state, created_at FROM `+es.snapshots+` WHERE aggregate_id = $1`,
		aggregateID,
	).Scan(&snapshot.AggregateID, &snapshot.AggregateType, &snapshot.Version, &state, &snapshot.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	snapshot.State = json.RawMessage(state)
	span.SetAttributes(attribute.Int("snapshot.version", snapshot.Version))
	return &snapshot, nil
}
