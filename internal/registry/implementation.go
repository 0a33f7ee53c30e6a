// internal/registry/implementation.go
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"nowver/internal/chain"
	"nowver/pkg/eventstore"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ServiceConfig tunes a registry service.
type ServiceConfig struct {
	// Name selects the registry stream; one event store can hold many.
	Name string
	// SnapshotEvery saves a snapshot once the stream has advanced this many
	// versions past the last one saved. Zero disables snapshots.
	SnapshotEvery int
}

// StreamID returns the aggregate ID of the named registry stream.
func StreamID(name string) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("nowver:registry:"+name))
}

// service implements the Service interface.
type service struct {
	eventStore    EventLog
	aggregateID   uuid.UUID
	snapshotEvery int
	tracer        trace.Tracer
	metrics       *serviceMetrics

	mu  sync.RWMutex
	reg *Registry

	snapMu       sync.Mutex
	lastSnapshot int
}

// NewService loads the named registry stream, from its latest snapshot when
// one exists. An empty stream yields a service that rejects everything but
// Deploy.
func NewService(ctx context.Context, es EventLog, cfg ServiceConfig) (Service, error) {
	metrics, err := newServiceMetrics(otel.Meter("nowver/registry"))
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	s := &service{
		eventStore:    es,
		aggregateID:   StreamID(cfg.Name),
		snapshotEvery: cfg.SnapshotEvery,
		tracer:        otel.Tracer("nowver/registry"),
		metrics:       metrics,
	}
	if err := s.load(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *service) load(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "registry.load",
		trace.WithAttributes(attribute.String("aggregate.id", s.aggregateID.String())),
	)
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	snap, err := s.eventStore.LoadSnapshot(ctx, s.aggregateID)
	if err != nil {
		return fmt.Errorf("failed to load snapshot: %w", err)
	}

	var reg *Registry
	if snap != nil {
		var state Snapshot
		if err := json.Unmarshal(snap.State, &state); err != nil {
			return fmt.Errorf("failed to unmarshal snapshot: %w", err)
		}
		reg = FromSnapshot(state, snap.Version, WithCommitter(s.commit))
		s.lastSnapshot = snap.Version
		span.SetAttributes(attribute.Int("snapshot.version", snap.Version))
	} else {
		reg = newRegistry([]Option{WithCommitter(s.commit)})
	}

	if err := s.catchUp(ctx, reg); err != nil {
		return err
	}
	if reg.Version() > 0 {
		s.reg = reg
	}
	span.SetAttributes(attribute.Int("registry.version", reg.Version()))
	return nil
}

// catchUp folds every stored event newer than reg's version.
func (s *service) catchUp(ctx context.Context, reg *Registry) error {
	records, err := s.eventStore.LoadEvents(ctx, s.aggregateID, reg.Version()+1, 0)
	if err != nil {
		return fmt.Errorf("failed to load events: %w", err)
	}
	for _, record := range records {
		ev, err := DecodeEvent(record)
		if err != nil {
			return err
		}
		if err := reg.Replay(record.Version, ev); err != nil {
			return err
		}
	}
	return nil
}

// commit appends ev to the stream; it runs under the registry write lock.
func (s *service) commit(ctx context.Context, version int, ev Event) error {
	record, err := EncodeEvent(ev)
	if err != nil {
		return err
	}
	record.Metadata = map[string]interface{}{"command_id": uuid.NewString()}
	if err := s.eventStore.AppendEvents(ctx, s.aggregateID, AggregateType, version-1, []eventstore.Event{record}); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

func (s *service) registry() (*Registry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.reg == nil {
		return nil, ErrNotDeployed
	}
	return s.reg, nil
}

// Deploy opens the stream with the owner and base URI.
func (s *service) Deploy(ctx context.Context, owner chain.Address, baseURI string) error {
	ctx, span := s.tracer.Start(ctx, "registry.deploy",
		trace.WithAttributes(attribute.String("registry.owner", owner.Hex())),
	)
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.reg != nil {
		return ErrAlreadyDeployed
	}

	deployed := RegistryDeployedEvent{Owner: owner, MetadataBaseURI: baseURI}
	if err := s.commit(ctx, 1, deployed); err != nil {
		if errors.Is(err, eventstore.ErrConcurrencyConflict) {
			// deployed by another writer; adopt its stream
			reg := newRegistry([]Option{WithCommitter(s.commit)})
			if loadErr := s.catchUp(ctx, reg); loadErr != nil {
				log.Printf("registry: failed to load stream deployed elsewhere: %v", loadErr)
			} else if reg.Version() > 0 {
				s.reg = reg
			}
			return ErrAlreadyDeployed
		}
		span.RecordError(err)
		return err
	}

	reg, err := Restore([]Event{deployed}, WithCommitter(s.commit))
	if err != nil {
		return err
	}
	s.reg = reg
	s.metrics.recordCommitted(ctx, "deploy")
	return nil
}

// run executes one write against the registry with tracing and metrics.
func (s *service) run(ctx context.Context, op string, attrs []attribute.KeyValue, write func(context.Context, *Registry) (Event, error)) (Event, error) {
	ctx, span := s.tracer.Start(ctx, "registry."+op, trace.WithAttributes(attrs...))
	defer span.End()

	reg, err := s.registry()
	if err != nil {
		return nil, err
	}

	ev, err := write(ctx, reg)
	if err != nil {
		kind := Kind(err)
		span.SetAttributes(attribute.String("error.kind", kind))
		span.RecordError(err)
		s.metrics.recordRejected(ctx, op, kind)

		if errors.Is(err, eventstore.ErrConcurrencyConflict) {
			// another writer advanced the stream; fold its events so a retry can succeed
			if refreshErr := s.catchUp(ctx, reg); refreshErr != nil {
				log.Printf("registry: failed to refresh after conflict: %v", refreshErr)
			}
		}
		return nil, err
	}

	span.SetAttributes(attribute.String("event.type", ev.EventType()))
	s.metrics.recordCommitted(ctx, op)
	if minted, ok := ev.(TokenMintedEvent); ok {
		s.metrics.recordMint(ctx, minted)
	}
	s.maybeSnapshot(ctx, reg)
	return ev, nil
}

func (s *service) maybeSnapshot(ctx context.Context, reg *Registry) {
	if s.snapshotEvery <= 0 {
		return
	}
	// state and version come from one read lock; concurrent writers may
	// have moved past the boundary, so compare against the last save
	state, version := reg.Snapshot()
	s.snapMu.Lock()
	if version-s.lastSnapshot < s.snapshotEvery {
		s.snapMu.Unlock()
		return
	}
	s.lastSnapshot = version
	s.snapMu.Unlock()

	data, err := json.Marshal(state)
	if err != nil {
		log.Printf("registry: failed to marshal snapshot at version %d: %v", version, err)
		return
	}
	err = s.eventStore.SaveSnapshot(ctx, eventstore.Snapshot{
		AggregateID:   s.aggregateID,
		AggregateType: AggregateType,
		Version:       version,
		State:         data,
	})
	if err != nil {
		log.Printf("registry: failed to save snapshot at version %d: %v", version, err)
	}
}

func tokenAttr(id TokenID) attribute.KeyValue {
	return attribute.Int64("token.id", int64(id))
}

func callerAttr(caller chain.Address) attribute.KeyValue {
	return attribute.String("caller", caller.Hex())
}

func (s *service) RegisterToken(ctx context.Context, caller chain.Address, id TokenID, maxSupply uint64, price chain.Amount) (Event, error) {
	attrs := []attribute.KeyValue{callerAttr(caller), tokenAttr(id), attribute.Int64("token.max_supply", int64(maxSupply))}
	return s.run(ctx, "register_token", attrs, func(ctx context.Context, reg *Registry) (Event, error) {
		return reg.RegisterToken(ctx, caller, id, maxSupply, price)
	})
}

func (s *service) Mint(ctx context.Context, caller chain.Address, id TokenID, payment chain.Amount) (Event, error) {
	attrs := []attribute.KeyValue{callerAttr(caller), tokenAttr(id), attribute.String("payment.wei", payment.String())}
	return s.run(ctx, "mint", attrs, func(ctx context.Context, reg *Registry) (Event, error) {
		return reg.Mint(ctx, caller, id, payment)
	})
}

func (s *service) Transfer(ctx context.Context, caller, from, to chain.Address, id TokenID, quantity uint64) (Event, error) {
	attrs := []attribute.KeyValue{
		callerAttr(caller),
		attribute.String("transfer.from", from.Hex()),
		attribute.String("transfer.to", to.Hex()),
		tokenAttr(id),
		attribute.Int64("transfer.quantity", int64(quantity)),
	}
	return s.run(ctx, "transfer", attrs, func(ctx context.Context, reg *Registry) (Event, error) {
		return reg.Transfer(ctx, caller, from, to, id, quantity)
	})
}

func (s *service) SetApprovalForAll(ctx context.Context, caller, operator chain.Address, approved bool) (Event, error) {
	attrs := []attribute.KeyValue{callerAttr(caller), attribute.String("operator", operator.Hex()), attribute.Bool("approved", approved)}
	return s.run(ctx, "set_approval_for_all", attrs, func(ctx context.Context, reg *Registry) (Event, error) {
		return reg.SetApprovalForAll(ctx, caller, operator, approved)
	})
}

func (s *service) Pause(ctx context.Context, caller chain.Address) (Event, error) {
	return s.run(ctx, "pause", []attribute.KeyValue{callerAttr(caller)}, func(ctx context.Context, reg *Registry) (Event, error) {
		return reg.Pause(ctx, caller)
	})
}

func (s *service) Unpause(ctx context.Context, caller chain.Address) (Event, error) {
	return s.run(ctx, "unpause", []attribute.KeyValue{callerAttr(caller)}, func(ctx context.Context, reg *Registry) (Event, error) {
		return reg.Unpause(ctx, caller)
	})
}

func (s *service) SetURI(ctx context.Context, caller chain.Address, uri string) (Event, error) {
	attrs := []attribute.KeyValue{callerAttr(caller), attribute.String("uri", uri)}
	return s.run(ctx, "set_uri", attrs, func(ctx context.Context, reg *Registry) (Event, error) {
		return reg.SetURI(ctx, caller, uri)
	})
}

func (s *service) TransferOwnership(ctx context.Context, caller, newOwner chain.Address) (Event, error) {
	attrs := []attribute.KeyValue{callerAttr(caller), attribute.String("new_owner", newOwner.Hex())}
	return s.run(ctx, "transfer_ownership", attrs, func(ctx context.Context, reg *Registry) (Event, error) {
		return reg.TransferOwnership(ctx, caller, newOwner)
	})
}

func (s *service) Withdraw(ctx context.Context, caller, to chain.Address) (Event, error) {
	attrs := []attribute.KeyValue{callerAttr(caller), attribute.String("withdraw.to", to.Hex())}
	return s.run(ctx, "withdraw", attrs, func(ctx context.Context, reg *Registry) (Event, error) {
		return reg.Withdraw(ctx, caller, to)
	})
}

func (s *service) TokenClass(ctx context.Context, id TokenID) (TokenClass, error) {
	reg, err := s.registry()
	if err != nil {
		return TokenClass{}, err
	}
	return reg.TokenClass(id)
}

func (s *service) URI(ctx context.Context, id TokenID) (string, error) {
	reg, err := s.registry()
	if err != nil {
		return "", err
	}
	return reg.URI(id)
}

func (s *service) BalanceOf(ctx context.Context, account chain.Address, id TokenID) (uint64, error) {
	reg, err := s.registry()
	if err != nil {
		return 0, err
	}
	return reg.BalanceOf(account, id), nil
}

func (s *service) IsApprovedForAll(ctx context.Context, holder, operator chain.Address) (bool, error) {
	reg, err := s.registry()
	if err != nil {
		return false, err
	}
	return reg.IsApprovedForAll(holder, operator), nil
}

func (s *service) Snapshot(ctx context.Context) (Snapshot, int, error) {
	reg, err := s.registry()
	if err != nil {
		return Snapshot{}, 0, err
	}
	state, version := reg.Snapshot()
	return state, version, nil
}

func (s *service) Audit(ctx context.Context) ([]Violation, error) {
	reg, err := s.registry()
	if err != nil {
		return nil, err
	}
	return reg.Audit(), nil
}

// Events pages through committed events of this registry in commit order.
func (s *service) Events(ctx context.Context, after int64, limit int) (*FeedPage, error) {
	ctx, span := s.tracer.Start(ctx, "registry.events",
		trace.WithAttributes(attribute.Int64("feed.after", after), attribute.Int("feed.limit", limit)),
	)
	defer span.End()

	records, err := s.eventStore.StreamEvents(ctx, after, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to stream events: %w", err)
	}

	page := &FeedPage{Events: make([]eventstore.Event, 0, len(records)), Next: after}
	for _, record := range records {
		page.Next = record.ID
		if record.AggregateID == s.aggregateID {
			page.Events = append(page.Events, record)
		}
	}
	return page, nil
}

type serviceMetrics struct {
	operations metric.Int64Counter
	mints      metric.Int64Counter
	payments   metric.Int64Counter
}

func newServiceMetrics(meter metric.Meter) (*serviceMetrics, error) {
	operations, err := meter.Int64Counter("nowver.registry.operations",
		metric.WithDescription("Registry write operations by outcome"))
	if err != nil {
		return nil, err
	}
	mints, err := meter.Int64Counter("nowver.registry.mints",
		metric.WithDescription("Units minted"))
	if err != nil {
		return nil, err
	}
	payments, err := meter.Int64Counter("nowver.registry.payments",
		metric.WithDescription("Mint payments received, sub-gwei remainders dropped"), metric.WithUnit("Gwei"))
	if err != nil {
		return nil, err
	}
	return &serviceMetrics{operations: operations, mints: mints, payments: payments}, nil
}

func (m *serviceMetrics) recordCommitted(ctx context.Context, op string) {
	m.operations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", op),
		attribute.String("outcome", "committed"),
	))
}

func (m *serviceMetrics) recordRejected(ctx context.Context, op, kind string) {
	m.operations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", op),
		attribute.String("outcome", "rejected"),
		attribute.String("error.kind", kind),
	))
}

func (m *serviceMetrics) recordMint(ctx context.Context, ev TokenMintedEvent) {
	attrs := metric.WithAttributes(tokenAttr(ev.ID))
	m.mints.Add(ctx, 1, attrs)
	m.payments.Add(ctx, ev.Payment.Gwei(), attrs)
}
