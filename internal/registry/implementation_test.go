package registry

import (
	"context"
	"sync"
	"testing"

	"nowver/internal/chain"
	"nowver/pkg/eventstore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

func setupService(t *testing.T, es EventLog, cfg ServiceConfig) Service {
	t.Helper()
	svc, err := NewService(context.Background(), es, cfg)
	require.NoError(t, err)
	return svc
}

func TestServiceRequiresDeploy(t *testing.T) {
	ctx := context.Background()
	svc := setupService(t, eventstore.NewMemoryStore(), ServiceConfig{Name: "test"})

	_, err := svc.Mint(ctx, testUser, 1, price)
	assert.ErrorIs(t, err, ErrNotDeployed)
	_, _, err = svc.Snapshot(ctx)
	assert.ErrorIs(t, err, ErrNotDeployed)

	require.NoError(t, svc.Deploy(ctx, deployer, metadataBaseURI))
	assert.ErrorIs(t, svc.Deploy(ctx, testUser, "ipfs://other/"), ErrAlreadyDeployed)

	snap, version, err := svc.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, deployer, snap.Owner)
	assert.Equal(t, metadataBaseURI, snap.MetadataBaseURI)
	assert.Equal(t, 1, version)
}

func TestServiceCommitsEveryAcceptedEvent(t *testing.T) {
	ctx := context.Background()
	es := eventstore.NewMemoryStore()
	svc := setupService(t, es, ServiceConfig{Name: "test"})
	require.NoError(t, svc.Deploy(ctx, deployer, metadataBaseURI))

	_, err := svc.RegisterToken(ctx, deployer, 1, 2, price)
	require.NoError(t, err)
	_, err = svc.Mint(ctx, testUser, 1, price)
	require.NoError(t, err)
	_, err = svc.Mint(ctx, testUser, 1, price.Sub(chain.Wei(1)))
	assert.ErrorIs(t, err, ErrIncorrectPayment)

	records, err := es.LoadEvents(ctx, StreamID("test"), 1, 0)
	require.NoError(t, err)
	require.Len(t, records, 3)

	wantTypes := []string{EventRegistryDeployed, EventTokenRegistered, EventTokenMinted}
	for i, record := range records {
		assert.Equal(t, wantTypes[i], record.EventType)
		assert.Equal(t, AggregateType, record.AggregateType)
		assert.Equal(t, i+1, record.Version)
		assert.NotEmpty(t, record.Metadata["command_id"])
	}

	minted, err := DecodeEvent(records[2])
	require.NoError(t, err)
	assert.Equal(t, TokenMintedEvent{ID: 1, To: testUser, Minted: 1, Payment: price}, minted)
}

func TestServiceRehydrates(t *testing.T) {
	for _, snapshotEvery := range []int{0, 3} {
		ctx := context.Background()
		es := eventstore.NewMemoryStore()
		cfg := ServiceConfig{Name: "test", SnapshotEvery: snapshotEvery}

		svc := setupService(t, es, cfg)
		require.NoError(t, svc.Deploy(ctx, deployer, "ipfs://base/"))
		_, err := svc.RegisterToken(ctx, deployer, 5, 10, price)
		require.NoError(t, err)
		_, err = svc.Mint(ctx, testUser, 5, price)
		require.NoError(t, err)
		_, err = svc.SetApprovalForAll(ctx, testUser, operator, true)
		require.NoError(t, err)
		_, err = svc.Transfer(ctx, operator, testUser, operator, 5, 1)
		require.NoError(t, err)
		_, err = svc.Pause(ctx, deployer)
		require.NoError(t, err)

		want, wantVersion, err := svc.Snapshot(ctx)
		require.NoError(t, err)

		restarted := setupService(t, es, cfg)
		got, gotVersion, err := restarted.Snapshot(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, got, "snapshotEvery=%d", snapshotEvery)
		assert.Equal(t, wantVersion, gotVersion)

		uri, err := restarted.URI(ctx, 5)
		require.NoError(t, err)
		assert.Equal(t, "ipfs://base/5", uri)

		// the restarted service keeps appending at the right version
		_, err = restarted.Unpause(ctx, deployer)
		require.NoError(t, err)
		version, err := es.GetCurrentVersion(ctx, StreamID("test"))
		require.NoError(t, err)
		assert.Equal(t, wantVersion+1, version)
	}
}

func TestServiceSavesSnapshots(t *testing.T) {
	ctx := context.Background()
	es := eventstore.NewMemoryStore()
	svc := setupService(t, es, ServiceConfig{Name: "test", SnapshotEvery: 2})
	require.NoError(t, svc.Deploy(ctx, deployer, metadataBaseURI))

	snap, err := es.LoadSnapshot(ctx, StreamID("test"))
	require.NoError(t, err)
	assert.Nil(t, snap)

	_, err = svc.RegisterToken(ctx, deployer, 1, 5, price)
	require.NoError(t, err)

	snap, err = es.LoadSnapshot(ctx, StreamID("test"))
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, 2, snap.Version)
	assert.Equal(t, AggregateType, snap.AggregateType)
}

func TestServiceSnapshotsWhenBoundaryIsSkipped(t *testing.T) {
	ctx := context.Background()
	es := eventstore.NewMemoryStore()
	svc := setupService(t, es, ServiceConfig{Name: "test", SnapshotEvery: 2}).(*service)
	require.NoError(t, svc.Deploy(ctx, deployer, metadataBaseURI))
	_, err := svc.RegisterToken(ctx, deployer, 1, 5, price)
	require.NoError(t, err)

	// commits from writers racing past v4 before any of them checks
	for i := 0; i < 3; i++ {
		_, err := svc.reg.Mint(ctx, testUser, 1, price)
		require.NoError(t, err)
	}
	require.Equal(t, 5, svc.reg.Version())

	svc.maybeSnapshot(ctx, svc.reg)
	snap, err := es.LoadSnapshot(ctx, StreamID("test"))
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, 5, snap.Version)

	// a check below the next boundary saves nothing new
	svc.maybeSnapshot(ctx, svc.reg)
	snap, err = es.LoadSnapshot(ctx, StreamID("test"))
	require.NoError(t, err)
	assert.Equal(t, 5, snap.Version)
}

func TestServiceSnapshotBoundarySurvivesReload(t *testing.T) {
	ctx := context.Background()
	es := eventstore.NewMemoryStore()
	cfg := ServiceConfig{Name: "test", SnapshotEvery: 2}
	first := setupService(t, es, cfg)
	require.NoError(t, first.Deploy(ctx, deployer, metadataBaseURI))
	_, err := first.RegisterToken(ctx, deployer, 1, 5, price)
	require.NoError(t, err)

	second := setupService(t, es, cfg).(*service)
	assert.Equal(t, 2, second.lastSnapshot)
}

type countingMeter struct {
	noop.Meter
	counters map[string]*countingCounter
}

type countingCounter struct {
	noop.Int64Counter
	mu    sync.Mutex
	total int64
}

func (c *countingCounter) Add(_ context.Context, incr int64, _ ...metric.AddOption) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.total += incr
}

func (m *countingMeter) Int64Counter(name string, _ ...metric.Int64CounterOption) (metric.Int64Counter, error) {
	c := &countingCounter{}
	m.counters[name] = c
	return c, nil
}

func TestServiceMetricsRecordLargePayments(t *testing.T) {
	meter := &countingMeter{counters: map[string]*countingCounter{}}
	m, err := newServiceMetrics(meter)
	require.NoError(t, err)

	fifty, err := chain.ParseEther("50")
	require.NoError(t, err)
	m.recordMint(context.Background(), TokenMintedEvent{ID: 1, To: testUser, Minted: 1, Payment: fifty})
	m.recordMint(context.Background(), TokenMintedEvent{ID: 1, To: testUser, Minted: 2, Payment: chain.Wei(1_000_000_001)})

	assert.Equal(t, int64(2), meter.counters["nowver.registry.mints"].total)
	assert.Equal(t, int64(50_000_000_001), meter.counters["nowver.registry.payments"].total)
}

func TestServiceConflictCatchesUp(t *testing.T) {
	ctx := context.Background()
	es := eventstore.NewMemoryStore()
	cfg := ServiceConfig{Name: "shared"}

	first := setupService(t, es, cfg)
	require.NoError(t, first.Deploy(ctx, deployer, metadataBaseURI))

	second := setupService(t, es, cfg)
	assert.ErrorIs(t, second.Deploy(ctx, deployer, metadataBaseURI), ErrAlreadyDeployed)

	_, err := first.RegisterToken(ctx, deployer, 1, 1, price)
	require.NoError(t, err)

	// second has not seen the registration yet
	_, err = second.RegisterToken(ctx, deployer, 2, 1, price)
	assert.ErrorIs(t, err, eventstore.ErrConcurrencyConflict)
	assert.Equal(t, KindConflict, Kind(err))

	// after the conflict it has caught up and sees token 1 as sold out after first mints
	_, err = first.Mint(ctx, testUser, 1, price)
	require.NoError(t, err)
	_, err = second.Mint(ctx, operator, 1, price)
	assert.ErrorIs(t, err, eventstore.ErrConcurrencyConflict)
	_, err = second.Mint(ctx, operator, 1, price)
	assert.ErrorIs(t, err, ErrSoldOut)

	violations, err := second.Audit(ctx)
	require.NoError(t, err)
	assert.Empty(t, violations)
}

func TestServiceStreamsAreIsolated(t *testing.T) {
	ctx := context.Background()
	es := eventstore.NewMemoryStore()

	a := setupService(t, es, ServiceConfig{Name: "a"})
	b := setupService(t, es, ServiceConfig{Name: "b"})
	require.NoError(t, a.Deploy(ctx, deployer, "ipfs://a/"))
	require.NoError(t, b.Deploy(ctx, testUser, "ipfs://b/"))

	_, err := a.RegisterToken(ctx, deployer, 1, 1, price)
	require.NoError(t, err)
	_, err = b.TokenClass(ctx, 1)
	assert.ErrorIs(t, err, ErrUnknownToken)

	page, err := b.Events(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, page.Events, 1)
	assert.Equal(t, EventRegistryDeployed, page.Events[0].EventType)
	assert.Equal(t, int64(3), page.Next)
}

func TestServiceEventsFeedPages(t *testing.T) {
	ctx := context.Background()
	svc := setupService(t, eventstore.NewMemoryStore(), ServiceConfig{Name: "test"})
	require.NoError(t, svc.Deploy(ctx, deployer, metadataBaseURI))
	for id := TokenID(1); id <= 4; id++ {
		_, err := svc.RegisterToken(ctx, deployer, id, 1, price)
		require.NoError(t, err)
	}

	var seen []int
	var after int64
	for {
		page, err := svc.Events(ctx, after, 2)
		require.NoError(t, err)
		if len(page.Events) == 0 {
			assert.Equal(t, after, page.Next)
			break
		}
		for _, record := range page.Events {
			seen = append(seen, record.Version)
		}
		after = page.Next
	}
	assert.Equal(t, []int{1, 2, 3, 4, 5}, seen)
}

func TestServiceConcurrentMintsNeverOversell(t *testing.T) {
	ctx := context.Background()
	svc := setupService(t, eventstore.NewMemoryStore(), ServiceConfig{Name: "test", SnapshotEvery: 5})
	require.NoError(t, svc.Deploy(ctx, deployer, metadataBaseURI))

	const maxSupply = 10
	_, err := svc.RegisterToken(ctx, deployer, 1, maxSupply, price)
	require.NoError(t, err)

	buyers := []chain.Address{testUser, operator, deployer}
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		sold    int
		soldOut int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(buyer chain.Address) {
			defer wg.Done()
			_, err := svc.Mint(ctx, buyer, 1, price)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				sold++
			case Kind(err) == KindSoldOut:
				soldOut++
			default:
				t.Errorf("unexpected mint error: %v", err)
			}
		}(buyers[i%len(buyers)])
	}
	wg.Wait()

	assert.Equal(t, maxSupply, sold)
	assert.Equal(t, 50-maxSupply, soldOut)

	class, err := svc.TokenClass(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(maxSupply), class.Minted)

	snap, _, err := svc.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, price.Mul(maxSupply), snap.Custody)

	violations, err := svc.Audit(ctx)
	require.NoError(t, err)
	assert.Empty(t, violations)
}
