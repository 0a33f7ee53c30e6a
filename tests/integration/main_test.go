// tests/integration/main_test.go
package integration

import (
	"context"
	"fmt"
	"net/http"
	"nowver/internal/chain"
	"nowver/internal/clients"
	"nowver/internal/registry"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// These tests drive a running gateway and registry service, e.g. the
// cmd/api and cmd/registry binaries against Postgres.
type TestSuite struct {
	owner *clients.RegistryClient
	base  string
}

func setupTestSuite(t *testing.T) *TestSuite {
	gateway := os.Getenv("NOWVER_GATEWAY_URL")
	if gateway == "" {
		gateway = "http://localhost:8080"
	}

	var err error
	for i := 0; i < 5; i++ {
		var resp *http.Response
		resp, err = http.Get(gateway + "/healthz")
		if err == nil {
			resp.Body.Close()
			break
		}
		time.Sleep(time.Second)
	}
	if err != nil {
		t.Skipf("gateway not reachable at %s: %v", gateway, err)
	}

	base := gateway + "/api/v1/registry"
	summary, err := clients.NewRegistryClient(base, chain.ZeroAddress).Summary(context.Background())
	require.NoError(t, err)

	return &TestSuite{
		owner: clients.NewRegistryClient(base, summary.Owner),
		base:  base,
	}
}

// freshTokenID picks an id no earlier run has registered.
func freshTokenID() registry.TokenID {
	id := uuid.New()
	return registry.TokenID(uint64(id[0])<<40 | uint64(id[1])<<32 | uint64(id[2])<<24 | uint64(id[3])<<16 | uint64(id[4])<<8 | uint64(id[5]) + 1)
}

func freshAccount() chain.Address {
	var a chain.Address
	id := uuid.New()
	copy(a[:], id[:])
	copy(a[16:], id[:4])
	return a
}

func TestMintAndTransferFlow(t *testing.T) {
	ts := setupTestSuite(t)
	ctx := context.Background()

	// Register a class
	id := freshTokenID()
	price := chain.Wei(10_000_000_000_000_000)
	_, err := ts.owner.RegisterToken(ctx, id, 5, price)
	require.NoError(t, err)

	// Mint one unit
	buyer := freshAccount()
	ev, err := ts.owner.As(buyer).Mint(ctx, id, price)
	require.NoError(t, err)
	minted, ok := ev.(registry.TokenMintedEvent)
	require.True(t, ok)
	assert.Equal(t, uint64(1), minted.Minted)

	// Transfer it on
	receiver := freshAccount()
	_, err = ts.owner.As(buyer).Transfer(ctx, buyer, receiver, id, 1)
	require.NoError(t, err)

	balance, err := ts.owner.BalanceOf(ctx, receiver, id)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), balance)
	balance, err = ts.owner.BalanceOf(ctx, buyer, id)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), balance)

	uri, err := ts.owner.URI(ctx, id)
	require.NoError(t, err)
	assert.Contains(t, uri, fmt.Sprint(uint64(id)))

	violations, err := ts.owner.Audit(ctx)
	require.NoError(t, err)
	assert.Empty(t, violations)
}

func TestConcurrentMintPreventsOverselling(t *testing.T) {
	ts := setupTestSuite(t)
	ctx := context.Background()

	// A class with a single unit
	id := freshTokenID()
	_, err := ts.owner.RegisterToken(ctx, id, 1, chain.Wei(1))
	require.NoError(t, err)

	// Attempt concurrent mints
	var wg sync.WaitGroup
	successCount := 0
	soldOutCount := 0
	var mu sync.Mutex

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(buyer chain.Address) {
			defer wg.Done()
			_, err := ts.owner.As(buyer).Mint(ctx, id, chain.Wei(1))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successCount++
			case assert.ErrorIs(t, err, registry.ErrSoldOut):
				soldOutCount++
			}
		}(freshAccount())
	}

	wg.Wait()

	assert.Equal(t, 1, successCount, "Only one concurrent mint should succeed")
	assert.Equal(t, 9, soldOutCount)

	class, err := ts.owner.TokenClass(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), class.Minted)
	assert.True(t, class.SoldOut())
}

func TestOwnerOnlyThroughGateway(t *testing.T) {
	ts := setupTestSuite(t)
	ctx := context.Background()

	_, err := ts.owner.As(freshAccount()).Pause(ctx)
	assert.ErrorIs(t, err, registry.ErrNotOwner)

	_, err = ts.owner.As(freshAccount()).RegisterToken(ctx, freshTokenID(), 1, chain.Wei(1))
	assert.ErrorIs(t, err, registry.ErrNotOwner)
}
