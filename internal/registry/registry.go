package registry

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"

	"nowver/internal/chain"
)

// Committer durably records ev as the given stream version before it is
// folded into memory. A non-nil error aborts the operation.
type Committer func(ctx context.Context, version int, ev Event) error

// Option configures a Registry.
type Option func(*Registry)

// WithCommitter routes every accepted event through c.
func WithCommitter(c Committer) Option {
	return func(r *Registry) {
		r.commit = c
	}
}

type balanceKey struct {
	account chain.Address
	id      TokenID
}

type approvalKey struct {
	holder   chain.Address
	operator chain.Address
}

type state struct {
	owner       chain.Address
	paused      bool
	baseURI     string
	tokensCount uint64
	custody     chain.Amount
	classes     map[TokenID]*TokenClass
	balances    map[balanceKey]uint64
	approvals   map[approvalKey]bool
}

func newState() state {
	return state{
		classes:   make(map[TokenID]*TokenClass),
		balances:  make(map[balanceKey]uint64),
		approvals: make(map[approvalKey]bool),
	}
}

// Registry is the token registry and mint engine. Every write decides an
// event against current state, commits it, then folds it; a rejected or
// uncommitted write leaves state untouched.
type Registry struct {
	mu      sync.RWMutex
	st      state
	version int
	commit  Committer
}

func newRegistry(opts []Option) *Registry {
	r := &Registry{st: newState()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// New returns an in-memory registry owned by owner. The deployment event is
// folded directly and not passed to any committer.
func New(owner chain.Address, baseURI string, opts ...Option) *Registry {
	r := newRegistry(opts)
	r.st.fold(RegistryDeployedEvent{Owner: owner, MetadataBaseURI: baseURI})
	r.version = 1
	return r
}

// Restore rebuilds a registry by folding committed events in order.
func Restore(events []Event, opts ...Option) (*Registry, error) {
	r := newRegistry(opts)
	for _, ev := range events {
		if err := r.Replay(r.version+1, ev); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// FromSnapshot rebuilds a registry from a snapshot taken at version.
func FromSnapshot(s Snapshot, version int, opts ...Option) *Registry {
	r := newRegistry(opts)
	r.st.owner = s.Owner
	r.st.paused = s.Paused
	r.st.baseURI = s.MetadataBaseURI
	r.st.tokensCount = s.TokensCount
	r.st.custody = s.Custody
	for _, c := range s.Classes {
		r.st.classes[c.ID] = &c
	}
	for _, h := range s.Holdings {
		r.st.balances[balanceKey{h.Account, h.TokenID}] = h.Quantity
	}
	for _, a := range s.Approvals {
		r.st.approvals[approvalKey{a.Holder, a.Operator}] = true
	}
	r.version = version
	return r
}

// Replay folds an event that is already committed at version.
func (r *Registry) Replay(version int, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if version != r.version+1 {
		return fmt.Errorf("replay %s: version %d does not follow %d", ev.EventType(), version, r.version)
	}
	_, deploy := ev.(RegistryDeployedEvent)
	switch {
	case r.version == 0 && !deploy:
		return fmt.Errorf("replay %s: %w", ev.EventType(), ErrNotDeployed)
	case r.version > 0 && deploy:
		return fmt.Errorf("replay %s: %w", ev.EventType(), ErrAlreadyDeployed)
	}
	if w, ok := ev.(WithdrawnEvent); ok && w.Amount.Cmp(r.st.custody) > 0 {
		return fmt.Errorf("replay %s: withdraws %s wei of %s held", ev.EventType(), w.Amount, r.st.custody)
	}
	r.st.fold(ev)
	r.version = version
	return nil
}

// Version is the number of events folded so far.
func (r *Registry) Version() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

func (r *Registry) execute(ctx context.Context, decide func(*state) (Event, error)) (Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.version == 0 {
		return nil, ErrNotDeployed
	}
	ev, err := decide(&r.st)
	if err != nil {
		return nil, err
	}
	if r.commit != nil {
		if err := r.commit(ctx, r.version+1, ev); err != nil {
			return nil, err
		}
	}
	r.st.fold(ev)
	r.version++
	return ev, nil
}

func (s *state) requireOwner(caller chain.Address) error {
	if caller != s.owner {
		return ErrNotOwner
	}
	return nil
}

// RegisterToken adds a class with a supply cap and unit price.
func (r *Registry) RegisterToken(ctx context.Context, caller chain.Address, id TokenID, maxSupply uint64, price chain.Amount) (Event, error) {
	return r.execute(ctx, func(s *state) (Event, error) {
		if err := s.requireOwner(caller); err != nil {
			return nil, err
		}
		if _, ok := s.classes[id]; ok {
			return nil, ErrAlreadyRegistered
		}
		if maxSupply == 0 {
			return nil, ErrInvalidSupply
		}
		return TokenRegisteredEvent{ID: id, MaxSupply: maxSupply, Price: price}, nil
	})
}

// Mint sells one unit of id to caller. payment must equal the class price.
// The zero address cannot receive units.
func (r *Registry) Mint(ctx context.Context, caller chain.Address, id TokenID, payment chain.Amount) (Event, error) {
	return r.execute(ctx, func(s *state) (Event, error) {
		if s.paused {
			return nil, ErrPaused
		}
		if caller.IsZero() {
			return nil, ErrInvalidRecipient
		}
		class, ok := s.classes[id]
		if !ok {
			return nil, ErrUnknownToken
		}
		if class.SoldOut() {
			return nil, ErrSoldOut
		}
		if !payment.Equal(class.Price) {
			return nil, ErrIncorrectPayment
		}
		return TokenMintedEvent{ID: id, To: caller, Minted: class.Minted + 1, Payment: payment}, nil
	})
}

// Transfer moves quantity units of id from one account to another. caller
// must be from or an operator approved by from.
func (r *Registry) Transfer(ctx context.Context, caller, from, to chain.Address, id TokenID, quantity uint64) (Event, error) {
	return r.execute(ctx, func(s *state) (Event, error) {
		if s.paused {
			return nil, ErrPaused
		}
		if to.IsZero() || from.IsZero() {
			return nil, ErrInvalidRecipient
		}
		if caller != from && !s.approvals[approvalKey{from, caller}] {
			return nil, ErrNotApproved
		}
		if s.balances[balanceKey{from, id}] < quantity {
			return nil, ErrInsufficientBalance
		}
		return TransferSingleEvent{Operator: caller, From: from, To: to, ID: id, Quantity: quantity}, nil
	})
}

// SetApprovalForAll grants or revokes operator's right to move caller's units.
func (r *Registry) SetApprovalForAll(ctx context.Context, caller, operator chain.Address, approved bool) (Event, error) {
	return r.execute(ctx, func(s *state) (Event, error) {
		if caller.IsZero() || operator.IsZero() || operator == caller {
			return nil, ErrInvalidRecipient
		}
		return ApprovalForAllEvent{Holder: caller, Operator: operator, Approved: approved}, nil
	})
}

// Pause blocks mint and transfer. Pausing a paused registry succeeds.
func (r *Registry) Pause(ctx context.Context, caller chain.Address) (Event, error) {
	return r.execute(ctx, func(s *state) (Event, error) {
		if err := s.requireOwner(caller); err != nil {
			return nil, err
		}
		return PausedEvent{Account: caller}, nil
	})
}

// Unpause lifts a pause. Unpausing a running registry succeeds.
func (r *Registry) Unpause(ctx context.Context, caller chain.Address) (Event, error) {
	return r.execute(ctx, func(s *state) (Event, error) {
		if err := s.requireOwner(caller); err != nil {
			return nil, err
		}
		return UnpausedEvent{Account: caller}, nil
	})
}

// SetURI replaces the metadata base URI. The value is not validated.
func (r *Registry) SetURI(ctx context.Context, caller chain.Address, uri string) (Event, error) {
	return r.execute(ctx, func(s *state) (Event, error) {
		if err := s.requireOwner(caller); err != nil {
			return nil, err
		}
		return URIChangedEvent{URI: uri}, nil
	})
}

// TransferOwnership hands the owner slot to newOwner.
func (r *Registry) TransferOwnership(ctx context.Context, caller, newOwner chain.Address) (Event, error) {
	return r.execute(ctx, func(s *state) (Event, error) {
		if err := s.requireOwner(caller); err != nil {
			return nil, err
		}
		if newOwner.IsZero() {
			return nil, ErrInvalidRecipient
		}
		return OwnershipTransferredEvent{PreviousOwner: s.owner, NewOwner: newOwner}, nil
	})
}

// Withdraw releases the whole custodial balance to the given account.
func (r *Registry) Withdraw(ctx context.Context, caller, to chain.Address) (Event, error) {
	return r.execute(ctx, func(s *state) (Event, error) {
		if err := s.requireOwner(caller); err != nil {
			return nil, err
		}
		if to.IsZero() {
			return nil, ErrInvalidRecipient
		}
		if s.custody.IsZero() {
			return nil, ErrNothingToWithdraw
		}
		return WithdrawnEvent{To: to, Amount: s.custody}, nil
	})
}

func (s *state) fold(ev Event) {
	switch e := ev.(type) {
	case RegistryDeployedEvent:
		s.owner = e.Owner
		s.baseURI = e.MetadataBaseURI
	case TokenRegisteredEvent:
		s.classes[e.ID] = &TokenClass{ID: e.ID, MaxSupply: e.MaxSupply, Price: e.Price}
		s.tokensCount++
	case TokenMintedEvent:
		if class, ok := s.classes[e.ID]; ok {
			class.Minted = e.Minted
		}
		s.balances[balanceKey{e.To, e.ID}]++
		s.custody = s.custody.Add(e.Payment)
	case TransferSingleEvent:
		if e.Quantity == 0 || e.From == e.To {
			return
		}
		fromKey := balanceKey{e.From, e.ID}
		s.balances[fromKey] -= e.Quantity
		if s.balances[fromKey] == 0 {
			delete(s.balances, fromKey)
		}
		s.balances[balanceKey{e.To, e.ID}] += e.Quantity
	case ApprovalForAllEvent:
		key := approvalKey{e.Holder, e.Operator}
		if e.Approved {
			s.approvals[key] = true
		} else {
			delete(s.approvals, key)
		}
	case PausedEvent:
		s.paused = true
	case UnpausedEvent:
		s.paused = false
	case URIChangedEvent:
		s.baseURI = e.URI
	case OwnershipTransferredEvent:
		s.owner = e.NewOwner
	case WithdrawnEvent:
		s.custody = s.custody.Sub(e.Amount)
	}
}

// Owner returns the account holding administrative rights.
func (r *Registry) Owner() chain.Address {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.st.owner
}

func (r *Registry) Paused() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.st.paused
}

func (r *Registry) MetadataBaseURI() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.st.baseURI
}

func (r *Registry) TokensCount() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.st.tokensCount
}

// Custody returns the mint payments held and not yet withdrawn.
func (r *Registry) Custody() chain.Amount {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.st.custody
}

func (r *Registry) BalanceOf(account chain.Address, id TokenID) uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.st.balances[balanceKey{account, id}]
}

func (r *Registry) IsApprovedForAll(holder, operator chain.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.st.approvals[approvalKey{holder, operator}]
}

// TokenClass returns a copy of the class registered under id.
func (r *Registry) TokenClass(id TokenID) (TokenClass, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	class, ok := r.st.classes[id]
	if !ok {
		return TokenClass{}, ErrUnknownToken
	}
	return *class, nil
}

// URI returns the metadata location of a registered class: the base URI
// followed by the decimal id.
func (r *Registry) URI(id TokenID) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.st.classes[id]; !ok {
		return "", ErrUnknownToken
	}
	return r.st.baseURI + id.String(), nil
}

// Snapshot copies the full state under one read lock and returns it with
// the version it reflects.
func (r *Registry) Snapshot() (Snapshot, int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := Snapshot{
		Owner:           r.st.owner,
		Paused:          r.st.paused,
		MetadataBaseURI: r.st.baseURI,
		TokensCount:     r.st.tokensCount,
		Custody:         r.st.custody,
		Classes:         make([]TokenClass, 0, len(r.st.classes)),
		Holdings:        make([]Holding, 0, len(r.st.balances)),
		Approvals:       make([]Approval, 0, len(r.st.approvals)),
	}
	for _, c := range r.st.classes {
		snap.Classes = append(snap.Classes, *c)
	}
	for k, q := range r.st.balances {
		if q > 0 {
			snap.Holdings = append(snap.Holdings, Holding{Account: k.account, TokenID: k.id, Quantity: q})
		}
	}
	for k, ok := range r.st.approvals {
		if ok {
			snap.Approvals = append(snap.Approvals, Approval{Holder: k.holder, Operator: k.operator})
		}
	}

	sort.Slice(snap.Classes, func(i, j int) bool { return snap.Classes[i].ID < snap.Classes[j].ID })
	sort.Slice(snap.Holdings, func(i, j int) bool {
		a, b := snap.Holdings[i], snap.Holdings[j]
		if a.TokenID != b.TokenID {
			return a.TokenID < b.TokenID
		}
		return bytes.Compare(a.Account[:], b.Account[:]) < 0
	})
	sort.Slice(snap.Approvals, func(i, j int) bool {
		a, b := snap.Approvals[i], snap.Approvals[j]
		if c := bytes.Compare(a.Holder[:], b.Holder[:]); c != 0 {
			return c < 0
		}
		return bytes.Compare(a.Operator[:], b.Operator[:]) < 0
	})
	return snap, r.version
}

// Audit checks the supply invariants and returns every violation found.
func (r *Registry) Audit() []Violation {
	r.mu.RLock()
	defer r.mu.RUnlock()

	held := make(map[TokenID]uint64, len(r.st.classes))
	for k, q := range r.st.balances {
		held[k.id] += q
	}

	var violations []Violation
	for id, c := range r.st.classes {
		if c.Minted > c.MaxSupply {
			violations = append(violations, Violation{TokenID: id, Detail: fmt.Sprintf("minted %d exceeds max supply %d", c.Minted, c.MaxSupply)})
		}
		if held[id] != c.Minted {
			violations = append(violations, Violation{TokenID: id, Detail: fmt.Sprintf("balances sum to %d, minted %d", held[id], c.Minted)})
		}
	}
	for k, q := range r.st.balances {
		if k.account.IsZero() && q > 0 {
			violations = append(violations, Violation{TokenID: k.id, Detail: fmt.Sprintf("zero address holds %d units", q)})
		}
	}
	for id, q := range held {
		if _, ok := r.st.classes[id]; !ok && q > 0 {
			violations = append(violations, Violation{TokenID: id, Detail: "balance held for unregistered token"})
		}
	}
	if r.st.tokensCount != uint64(len(r.st.classes)) {
		violations = append(violations, Violation{Detail: fmt.Sprintf("tokens count %d, registered %d", r.st.tokensCount, len(r.st.classes))})
	}
	sort.Slice(violations, func(i, j int) bool { return violations[i].TokenID < violations[j].TokenID })
	return violations
}
