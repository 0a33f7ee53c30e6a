// internal/chaos/faults.go
package chaos

import (
	"context"
	"errors"
	"math/rand"
	"nowver/internal/registry"
	"nowver/pkg/eventstore"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrInjectedFault is returned by FaultyLog for appends it chose to fail.
var ErrInjectedFault = errors.New("chaos: injected append failure")

// FaultyLog wraps an event log and injects latency and failures into
// appends. Reads pass through untouched.
type FaultyLog struct {
	inner registry.EventLog

	mu       sync.Mutex
	latency  time.Duration
	failRate float64
	rng      *rand.Rand
	injected int
}

func NewFaultyLog(inner registry.EventLog) *FaultyLog {
	return &FaultyLog{inner: inner, rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// SetLatency delays every append by d.
func (f *FaultyLog) SetLatency(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.latency = d
}

// SetFailRate fails the given fraction of appends before they reach the log.
func (f *FaultyLog) SetFailRate(rate float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failRate = rate
}

// Reset removes all injected faults.
func (f *FaultyLog) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.latency, f.failRate = 0, 0
}

// Injected is the number of appends failed so far.
func (f *FaultyLog) Injected() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.injected
}

func (f *FaultyLog) AppendEvents(ctx context.Context, aggregateID uuid.UUID, aggregateType string, expectedVersion int, events []eventstore.Event) error {
	f.mu.Lock()
	latency := f.latency
	fail := f.failRate > 0 && f.rng.Float64() < f.failRate
	if fail {
		f.injected++
	}
	f.mu.Unlock()

	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if fail {
		return ErrInjectedFault
	}
	return f.inner.AppendEvents(ctx, aggregateID, aggregateType, expectedVersion, events)
}

func (f *FaultyLog) LoadEvents(ctx context.Context, aggregateID uuid.UUID, fromVersion, toVersion int) ([]eventstore.Event, error) {
	return f.inner.LoadEvents(ctx, aggregateID, fromVersion, toVersion)
}

func (f *FaultyLog) GetCurrentVersion(ctx context.Context, aggregateID uuid.UUID) (int, error) {
	return f.inner.GetCurrentVersion(ctx, aggregateID)
}

func (f *FaultyLog) StreamEvents(ctx context.Context, fromID int64, batchSize int) ([]eventstore.Event, error) {
	return f.inner.StreamEvents(ctx, fromID, batchSize)
}

func (f *FaultyLog) SaveSnapshot(ctx context.Context, snapshot eventstore.Snapshot) error {
	return f.inner.SaveSnapshot(ctx, snapshot)
}

func (f *FaultyLog) LoadSnapshot(ctx context.Context, aggregateID uuid.UUID) (*eventstore.Snapshot, error) {
	return f.inner.LoadSnapshot(ctx, aggregateID)
}
