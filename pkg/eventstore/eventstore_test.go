package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestDB attempts to connect to a PostgreSQL database for testing.
// It skips the test if the connection cannot be established.
func setupTestDB(t testing.TB) *sql.DB {
	t.Helper()

	pgUser := os.Getenv("PGUSER")
	pgPassword := os.Getenv("PGPASSWORD")
	pgHost := os.Getenv("PGHOST")
	pgPort := os.Getenv("PGPORT")
	pgDB := os.Getenv("PGDATABASE")

	if pgUser == "" {
		pgUser = "user"
	}
	if pgPassword == "" {
		pgPassword = "password"
	}
	if pgHost == "" {
		pgHost = "localhost"
	}
	if pgPort == "" {
		pgPort = "5432"
	}
	if pgDB == "" {
		pgDB = "testdb"
	}

	connStr := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		pgHost, pgPort, pgUser, pgPassword, pgDB)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		t.Fatalf("failed to open database connection: %v", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		t.Skipf("skipping postgres tests: could not connect to postgres: %v", err)
	}

	if err := NewEventStore(db).EnsureSchema(context.Background()); err != nil {
		t.Fatalf("failed to create schema: %v", err)
	}

	return db
}

type TestEvent struct {
	Message string `json:"message"`
}

func testEvent(t testing.TB, msg string) Event {
	t.Helper()
	data, err := json.Marshal(TestEvent{Message: msg})
	require.NoError(t, err)
	return Event{EventType: "TestEvent", EventData: data}
}

// store is the surface shared by EventStore and MemoryStore.
type store interface {
	AppendEvents(ctx context.Context, aggregateID uuid.UUID, aggregateType string, expectedVersion int, events []Event) error
	LoadEvents(ctx context.Context, aggregateID uuid.UUID, fromVersion, toVersion int) ([]Event, error)
	GetCurrentVersion(ctx context.Context, aggregateID uuid.UUID) (int, error)
	StreamEvents(ctx context.Context, fromID int64, batchSize int) ([]Event, error)
	SaveSnapshot(ctx context.Context, snapshot Snapshot) error
	LoadSnapshot(ctx context.Context, aggregateID uuid.UUID) (*Snapshot, error)
}

func testStoreContract(t *testing.T, s store) {
	ctx := context.Background()
	aggregateID := uuid.New()

	version, err := s.GetCurrentVersion(ctx, aggregateID)
	require.NoError(t, err)
	assert.Equal(t, 0, version)

	require.NoError(t, s.AppendEvents(ctx, aggregateID, "test_aggregate", 0, []Event{
		testEvent(t, "one"),
		testEvent(t, "two"),
	}))

	err = s.AppendEvents(ctx, aggregateID, "test_aggregate", 0, []Event{testEvent(t, "stale")})
	assert.ErrorIs(t, err, ErrConcurrencyConflict)

	require.NoError(t, s.AppendEvents(ctx, aggregateID, "test_aggregate", 2, []Event{testEvent(t, "three")}))

	version, err = s.GetCurrentVersion(ctx, aggregateID)
	require.NoError(t, err)
	assert.Equal(t, 3, version)

	events, err := s.LoadEvents(ctx, aggregateID, 2, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, 2, events[0].Version)
	assert.Equal(t, 3, events[1].Version)

	var decoded TestEvent
	require.NoError(t, json.Unmarshal(events[1].EventData, &decoded))
	assert.Equal(t, "three", decoded.Message)

	bounded, err := s.LoadEvents(ctx, aggregateID, 1, 2)
	require.NoError(t, err)
	assert.Len(t, bounded, 2)

	snap, err := s.LoadSnapshot(ctx, aggregateID)
	require.NoError(t, err)
	assert.Nil(t, snap)

	require.NoError(t, s.SaveSnapshot(ctx, Snapshot{AggregateID: aggregateID, AggregateType: "test_aggregate", Version: 3, State: json.RawMessage(`{"n":3}`)}))
	require.NoError(t, s.SaveSnapshot(ctx, Snapshot{AggregateID: aggregateID, AggregateType: "test_aggregate", Version: 2, State: json.RawMessage(`{"n":2}`)}))

	snap, err = s.LoadSnapshot(ctx, aggregateID)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, 3, snap.Version)
	assert.JSONEq(t, `{"n":3}`, string(snap.State))
}

func TestMemoryStore(t *testing.T) {
	testStoreContract(t, NewMemoryStore())
}

func TestMemoryStoreStreamEvents(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	a, b := uuid.New(), uuid.New()

	require.NoError(t, s.AppendEvents(ctx, a, "test_aggregate", 0, []Event{testEvent(t, "a1")}))
	require.NoError(t, s.AppendEvents(ctx, b, "test_aggregate", 0, []Event{testEvent(t, "b1")}))
	require.NoError(t, s.AppendEvents(ctx, a, "test_aggregate", 1, []Event{testEvent(t, "a2")}))

	first, err := s.StreamEvents(ctx, 0, 2)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, a, first[0].AggregateID)
	assert.Equal(t, b, first[1].AggregateID)

	rest, err := s.StreamEvents(ctx, first[1].ID, 10)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, 2, rest[0].Version)

	none, err := s.StreamEvents(ctx, rest[0].ID, 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMemoryStoreRejectsNegativeVersion(t *testing.T) {
	err := NewMemoryStore().AppendEvents(context.Background(), uuid.New(), "test_aggregate", -1, nil)
	assert.ErrorIs(t, err, ErrInvalidVersion)
}

func TestEventStore(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	testStoreContract(t, NewEventStore(db))
}

func TestEventStoreCustomTables(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	es := NewEventStore(db, WithTables("test_ledger_events", "test_ledger_snapshots"))
	require.NoError(t, es.EnsureSchema(context.Background()))
	t.Cleanup(func() {
		db.Exec(`DROP TABLE IF EXISTS test_ledger_events, test_ledger_snapshots`)
	})
	testStoreContract(t, es)
}

func TestIsConflict(t *testing.T) {
	assert.True(t, isConflict(&pq.Error{Code: "23505"}))
	assert.True(t, isConflict(fmt.Errorf("commit: %w", &pq.Error{Code: "40001"})))
	assert.False(t, isConflict(&pq.Error{Code: "23502"}))
	assert.False(t, isConflict(errors.New("connection refused")))
}

func BenchmarkAppendEvents(b *testing.B) {
	db := setupTestDB(b)
	defer db.Close()
	store := NewEventStore(db)

	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		b.StopTimer()
		aggregateID := uuid.New()
		events := []Event{testEvent(b, fmt.Sprintf("event %d", i))}
		b.StartTimer()

		err := store.AppendEvents(context.Background(), aggregateID, "test_aggregate", 0, events)
		if err != nil {
			b.Fatalf("AppendEvents failed: %v", err)
		}
	}
}

func BenchmarkLoadEvents(b *testing.B) {
	db := setupTestDB(b)
	defer db.Close()
	store := NewEventStore(db)

	aggregateID := uuid.New()
	for i := 0; i < 10; i++ {
		events := []Event{testEvent(b, fmt.Sprintf("event %d", i))}
		err := store.AppendEvents(context.Background(), aggregateID, "test_aggregate", i, events)
		if err != nil {
			b.Fatalf("failed to setup events for benchmark: %v", err)
		}
	}

	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		_, err := store.LoadEvents(context.Background(), aggregateID, 0, 0)
		if err != nil {
			b.Fatalf("LoadEvents failed: %v", err)
		}
	}
}
