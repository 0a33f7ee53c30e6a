// internal/chaos/experiments.go
package chaos

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"nowver/internal/chain"
	"nowver/internal/registry"
	"sync"
	"sync/atomic"
	"time"
)

// RegisterExperiments registers all predefined chaos experiments with the engine.
func (ce *Engine) RegisterExperiments() {
	ce.RegisterExperiment(ce.ConcurrentMintSelloutExperiment(10, 100))
	ce.RegisterExperiment(ce.PauseDuringMintStormExperiment(50))
	ce.RegisterExperiment(ce.TransferStormExperiment(8, 200))
	ce.RegisterExperiment(ce.EventStoreLatencyExperiment(25 * time.Millisecond))
	ce.RegisterExperiment(ce.EventStoreFailureExperiment(0.3))
}

func (ce *Engine) newTokenID() registry.TokenID {
	return registry.TokenID(ce.nextID.Add(1))
}

func (ce *Engine) auditViolationsMetric() Metric {
	return Metric{
		Name: "audit_violations",
		Query: func(ctx context.Context) (float64, error) {
			violations, err := ce.service.Audit(ctx)
			return float64(len(violations)), err
		},
		Threshold: Threshold{Operator: "==", Value: 0},
	}
}

// replayDivergenceMetric rebuilds the registry from the underlying log and
// reports 1 when the rebuilt state differs from the live one.
func (ce *Engine) replayDivergenceMetric() Metric {
	return Metric{
		Name: "replay_divergence",
		Query: func(ctx context.Context) (float64, error) {
			replayed, err := registry.NewService(ctx, ce.store, registry.ServiceConfig{Name: ce.name})
			if err != nil {
				return 0, err
			}
			want, wantVersion, err := ce.service.Snapshot(ctx)
			if err != nil {
				return 0, err
			}
			got, gotVersion, err := replayed.Snapshot(ctx)
			if err != nil {
				return 0, err
			}
			if wantVersion != gotVersion {
				return 1, nil
			}
			a, _ := json.Marshal(want)
			b, _ := json.Marshal(got)
			if string(a) != string(b) {
				return 1, nil
			}
			return 0, nil
		},
		Threshold: Threshold{Operator: "==", Value: 0},
	}
}

// oversoldMetric reports units minted beyond the cap of id.
func (ce *Engine) oversoldMetric(id *registry.TokenID) Metric {
	return Metric{
		Name: "oversold_units",
		Query: func(ctx context.Context) (float64, error) {
			if *id == 0 {
				return 0, nil
			}
			class, err := ce.service.TokenClass(ctx, *id)
			if err != nil {
				return 0, err
			}
			if class.Minted > class.MaxSupply {
				return float64(class.Minted - class.MaxSupply), nil
			}
			return 0, nil
		},
		Threshold: Threshold{Operator: "==", Value: 0},
	}
}

// mintStorm fires n concurrent mints of id at the given price from a rotating
// set of buyers and counts the outcomes.
func (ce *Engine) mintStorm(ctx context.Context, id registry.TokenID, price chain.Amount, n int, buyers []chain.Address) (sold, rejected int64, unexpected error) {
	var (
		wg       sync.WaitGroup
		soldN    atomic.Int64
		rejectN  atomic.Int64
		errOnce  sync.Once
		firstErr error
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(buyer chain.Address) {
			defer wg.Done()
			_, err := ce.service.Mint(ctx, buyer, id, price)
			switch {
			case err == nil:
				soldN.Add(1)
			case errors.Is(err, registry.ErrSoldOut), errors.Is(err, registry.ErrPaused):
				rejectN.Add(1)
			default:
				errOnce.Do(func() { firstErr = err })
			}
		}(buyers[i%len(buyers)])
	}
	wg.Wait()
	return soldN.Load(), rejectN.Load(), firstErr
}

func buyers(n int) []chain.Address {
	out := make([]chain.Address, n)
	for i := range out {
		out[i] = randomAddress()
	}
	return out
}

// ConcurrentMintSelloutExperiment races many buyers for a small supply.
func (ce *Engine) ConcurrentMintSelloutExperiment(maxSupply uint64, concurrency int) Experiment {
	var (
		id   registry.TokenID
		sold int64
	)
	price := chain.Wei(1_000)

	return Experiment{
		Name:       "concurrent-mint-sellout",
		Hypothesis: "Exactly max supply units are sold when buyers race for the last units",
		SteadyState: []Metric{
			ce.auditViolationsMetric(),
			ce.oversoldMetric(&id),
		},
		Method: []Action{
			{
				Type:   "mint-storm",
				Target: "registry",
				Parameters: map[string]interface{}{
					"concurrency": concurrency,
					"max_supply":  maxSupply,
				},
				Execute: func(ctx context.Context) error {
					next := ce.newTokenID()
					if _, err := ce.service.RegisterToken(ctx, ce.owner, next, maxSupply, price); err != nil {
						return err
					}
					id = next
					var err error
					sold, _, err = ce.mintStorm(ctx, id, price, concurrency, buyers(concurrency/4+1))
					return err
				},
			},
		},
		Validation: []Assertion{
			{
				Metric:    "audit_violations",
				Condition: func(v float64) bool { return v == 0 },
				Message:   "Balances must sum to minted supply",
			},
			{
				Metric:    "oversold_units",
				Condition: func(v float64) bool { return v == 0 && sold == int64(maxSupply) },
				Message:   fmt.Sprintf("Exactly %d units should be sold", maxSupply),
			},
		},
		Duration:    5 * time.Second,
		BlastRadius: 0.1,
	}
}

// PauseDuringMintStormExperiment pauses the registry while buyers are minting.
func (ce *Engine) PauseDuringMintStormExperiment(concurrency int) Experiment {
	var (
		id             registry.TokenID
		pauseVersion   int
		mintsAfterStop float64
	)
	price := chain.Wei(1)

	return Experiment{
		Name:       "pause-during-mint-storm",
		Hypothesis: "No mint commits after a pause is committed",
		SteadyState: []Metric{
			ce.auditViolationsMetric(),
			{
				Name: "mints_after_pause",
				Query: func(ctx context.Context) (float64, error) {
					return mintsAfterStop, nil
				},
				Threshold: Threshold{Operator: "==", Value: 0},
			},
		},
		Method: []Action{
			{
				Type:   "mint-storm",
				Target: "registry",
				Parameters: map[string]interface{}{
					"concurrency": concurrency,
				},
				Execute: func(ctx context.Context) error {
					id = ce.newTokenID()
					if _, err := ce.service.RegisterToken(ctx, ce.owner, id, uint64(concurrency)*4, price); err != nil {
						return err
					}

					var wg sync.WaitGroup
					var stormErr error
					wg.Add(1)
					go func() {
						defer wg.Done()
						_, _, stormErr = ce.mintStorm(ctx, id, price, concurrency*2, buyers(concurrency/5+1))
					}()

					if _, err := ce.service.Pause(ctx, ce.owner); err != nil {
						wg.Wait()
						return err
					}
					_, pauseVersion, _ = ce.service.Snapshot(ctx)

					// mints that raced the pause may still be in flight; any
					// committed after the pause is a violation
					_, err := ce.service.Mint(ctx, ce.owner, id, price)
					if !errors.Is(err, registry.ErrPaused) {
						return fmt.Errorf("mint while paused returned %v", err)
					}
					wg.Wait()
					return stormErr
				},
			},
		},
		Rollback: []Action{
			{
				Type:   "unpause",
				Target: "registry",
				Execute: func(ctx context.Context) error {
					n, err := ce.countMintsSince(ctx, pauseVersion, id)
					if err != nil {
						return err
					}
					mintsAfterStop = float64(n)
					_, err = ce.service.Unpause(ctx, ce.owner)
					return err
				},
			},
		},
		Validation: []Assertion{
			{
				Metric:    "mints_after_pause",
				Condition: func(v float64) bool { return v == 0 },
				Message:   "Mints must not commit after the pause",
			},
			{
				Metric:    "audit_violations",
				Condition: func(v float64) bool { return v == 0 },
				Message:   "Balances must sum to minted supply",
			},
		},
		Duration:    5 * time.Second,
		BlastRadius: 0.2,
	}
}

// countMintsSince scans the event feed for TokenMinted events of id committed
// after version in this engine's stream, up to the next unpause.
func (ce *Engine) countMintsSince(ctx context.Context, version int, id registry.TokenID) (int, error) {
	var (
		after int64
		count int
	)
	stream := registry.StreamID(ce.name)
	for {
		page, err := ce.service.Events(ctx, after, 500)
		if err != nil {
			return 0, err
		}
		for _, record := range page.Events {
			if record.AggregateID != stream || record.Version <= version {
				continue
			}
			ev, err := registry.DecodeEvent(record)
			if err != nil {
				return 0, err
			}
			switch e := ev.(type) {
			case registry.UnpausedEvent:
				return count, nil
			case registry.TokenMintedEvent:
				if e.ID == id {
					count++
				}
			}
		}
		if page.Next == after {
			return count, nil
		}
		after = page.Next
	}
}

// TransferStormExperiment has holders move units between each other and
// through approved operators concurrently.
func (ce *Engine) TransferStormExperiment(holders, transfers int) Experiment {
	var id registry.TokenID

	return Experiment{
		Name:       "transfer-storm",
		Hypothesis: "Concurrent transfers conserve supply and never overdraw a holder",
		SteadyState: []Metric{
			ce.auditViolationsMetric(),
		},
		Method: []Action{
			{
				Type:   "transfer-storm",
				Target: "registry",
				Parameters: map[string]interface{}{
					"holders":   holders,
					"transfers": transfers,
				},
				Execute: func(ctx context.Context) error {
					id = ce.newTokenID()
					accounts := buyers(holders)
					if _, err := ce.service.RegisterToken(ctx, ce.owner, id, uint64(holders)*3, chain.Wei(0)); err != nil {
						return err
					}
					for _, a := range accounts {
						for i := 0; i < 3; i++ {
							if _, err := ce.service.Mint(ctx, a, id, chain.Wei(0)); err != nil {
								return err
							}
						}
					}
					operator := randomAddress()
					for _, a := range accounts[:holders/2] {
						if _, err := ce.service.SetApprovalForAll(ctx, a, operator, true); err != nil {
							return err
						}
					}

					var wg sync.WaitGroup
					var errOnce sync.Once
					var firstErr error
					for i := 0; i < transfers; i++ {
						wg.Add(1)
						go func(i int) {
							defer wg.Done()
							from := accounts[i%holders]
							to := accounts[(i*7+1)%holders]
							caller := from
							if i%3 == 0 {
								caller = operator
							}
							_, err := ce.service.Transfer(ctx, caller, from, to, id, uint64(i%3)+1)
							switch {
							case err == nil,
								errors.Is(err, registry.ErrInsufficientBalance),
								errors.Is(err, registry.ErrNotApproved):
							default:
								errOnce.Do(func() { firstErr = err })
							}
						}(i)
					}
					wg.Wait()
					return firstErr
				},
			},
		},
		Validation: []Assertion{
			{
				Metric:    "audit_violations",
				Condition: func(v float64) bool { return v == 0 },
				Message:   "Balances must sum to minted supply after the storm",
			},
		},
		Duration:    5 * time.Second,
		BlastRadius: 0.3,
	}
}

// EventStoreLatencyExperiment slows every append to the event log.
func (ce *Engine) EventStoreLatencyExperiment(latency time.Duration) Experiment {
	var id registry.TokenID
	const supply = 20

	return Experiment{
		Name:       "event-store-latency",
		Hypothesis: "Slow commits delay writes but never oversell or diverge from the log",
		SteadyState: []Metric{
			ce.auditViolationsMetric(),
			ce.replayDivergenceMetric(),
			ce.oversoldMetric(&id),
		},
		Method: []Action{
			{
				Type:   "inject-latency",
				Target: "event-store",
				Parameters: map[string]interface{}{
					"latency": latency,
				},
				Execute: func(ctx context.Context) error {
					next := ce.newTokenID()
					if _, err := ce.service.RegisterToken(ctx, ce.owner, next, supply, chain.Wei(1)); err != nil {
						return err
					}
					id = next
					ce.faults.SetLatency(latency)
					_, _, err := ce.mintStorm(ctx, id, chain.Wei(1), supply*2, buyers(4))
					return err
				},
			},
		},
		Rollback: []Action{
			{
				Type:   "remove-latency",
				Target: "event-store",
				Execute: func(ctx context.Context) error {
					ce.faults.Reset()
					return nil
				},
			},
		},
		Validation: []Assertion{
			{
				Metric:    "replay_divergence",
				Condition: func(v float64) bool { return v == 0 },
				Message:   "Replaying the log must reproduce the live state",
			},
			{
				Metric:    "oversold_units",
				Condition: func(v float64) bool { return v == 0 },
				Message:   "No units may be sold beyond max supply",
			},
		},
		Duration:    10 * time.Second,
		BlastRadius: 1.0,
	}
}

// EventStoreFailureExperiment fails a share of appends before they reach the
// log.
func (ce *Engine) EventStoreFailureExperiment(failRate float64) Experiment {
	var id registry.TokenID
	const supply = 30

	return Experiment{
		Name:       "event-store-append-failure",
		Hypothesis: "A failed commit leaves no trace in memory, so live state matches the log",
		SteadyState: []Metric{
			ce.auditViolationsMetric(),
			ce.replayDivergenceMetric(),
		},
		Method: []Action{
			{
				Type:   "inject-failure",
				Target: "event-store",
				Parameters: map[string]interface{}{
					"fail_rate": failRate,
				},
				Execute: func(ctx context.Context) error {
					id = ce.newTokenID()
					if _, err := ce.service.RegisterToken(ctx, ce.owner, id, supply, chain.Wei(1)); err != nil {
						return err
					}
					ce.faults.SetFailRate(failRate)
					for i := 0; i < supply; i++ {
						_, err := ce.service.Mint(ctx, ce.owner, id, chain.Wei(1))
						if err != nil && !errors.Is(err, ErrInjectedFault) {
							return err
						}
					}
					return nil
				},
			},
		},
		Rollback: []Action{
			{
				Type:   "remove-failure",
				Target: "event-store",
				Execute: func(ctx context.Context) error {
					ce.faults.Reset()
					return nil
				},
			},
		},
		Validation: []Assertion{
			{
				Metric:    "replay_divergence",
				Condition: func(v float64) bool { return v == 0 },
				Message:   "Replaying the log must reproduce the live state",
			},
			{
				Metric:    "audit_violations",
				Condition: func(v float64) bool { return v == 0 },
				Message:   "Balances must sum to minted supply",
			},
		},
		Duration:    10 * time.Second,
		BlastRadius: failRate,
	}
}
