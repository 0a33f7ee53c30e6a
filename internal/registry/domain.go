// internal/registry/domain.go
package registry

import (
	"strconv"

	"nowver/internal/chain"
)

// TokenID is the externally chosen identifier of a token class.
type TokenID uint64

func (id TokenID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// ParseTokenID parses the decimal form produced by String.
func ParseTokenID(s string) (TokenID, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return TokenID(v), nil
}

// TokenClass is one registrable kind of item. Only Minted changes after
// registration and it never exceeds MaxSupply.
type TokenClass struct {
	ID        TokenID      `json:"id"`
	MaxSupply uint64       `json:"max_supply"`
	Minted    uint64       `json:"minted"`
	Price     chain.Amount `json:"price"`
}

// SoldOut reports whether no further units can be minted.
func (c TokenClass) SoldOut() bool {
	return c.Minted >= c.MaxSupply
}

// Holding is a non-zero balance of one class held by one account.
type Holding struct {
	Account  chain.Address `json:"account"`
	TokenID  TokenID       `json:"token_id"`
	Quantity uint64        `json:"quantity"`
}

// Approval records that Operator may move Holder's units.
type Approval struct {
	Holder   chain.Address `json:"holder"`
	Operator chain.Address `json:"operator"`
}

// Snapshot is a consistent copy of the whole registry state. Slices are
// sorted so equal states produce equal snapshots.
type Snapshot struct {
	Owner           chain.Address `json:"owner"`
	Paused          bool          `json:"paused"`
	MetadataBaseURI string        `json:"metadata_base_uri"`
	TokensCount     uint64        `json:"tokens_count"`
	Custody         chain.Amount  `json:"custody"`
	Classes         []TokenClass  `json:"classes"`
	Holdings        []Holding     `json:"holdings"`
	Approvals       []Approval    `json:"approvals"`
}

// Violation describes a broken supply invariant found by Audit.
type Violation struct {
	TokenID TokenID `json:"token_id"`
	Detail  string  `json:"detail"`
}

// Event types as recorded in the event log.
const (
	EventRegistryDeployed     = "RegistryDeployed"
	EventTokenRegistered      = "TokenRegistered"
	EventTokenMinted          = "TokenMinted"
	EventTransferSingle       = "TransferSingle"
	EventApprovalForAll       = "ApprovalForAll"
	EventPaused               = "Paused"
	EventUnpaused             = "Unpaused"
	EventURIChanged           = "URIChanged"
	EventOwnershipTransferred = "OwnershipTransferred"
	EventWithdrawn            = "Withdrawn"
)

// Event is a committed registry state transition.
type Event interface {
	EventType() string
}

// RegistryDeployedEvent opens every registry stream.
type RegistryDeployedEvent struct {
	Owner           chain.Address `json:"owner"`
	MetadataBaseURI string        `json:"metadata_base_uri"`
}

// TokenRegisteredEvent is published when the owner adds a class.
type TokenRegisteredEvent struct {
	ID        TokenID      `json:"id"`
	MaxSupply uint64       `json:"max_supply"`
	Price     chain.Amount `json:"price"`
}

// TokenMintedEvent is published for each paid mint. Minted is the class
// count after the mint.
type TokenMintedEvent struct {
	ID      TokenID       `json:"id"`
	To      chain.Address `json:"to"`
	Minted  uint64        `json:"minted"`
	Payment chain.Amount  `json:"payment"`
}

type TransferSingleEvent struct {
	Operator chain.Address `json:"operator"`
	From     chain.Address `json:"from"`
	To       chain.Address `json:"to"`
	ID       TokenID       `json:"id"`
	Quantity uint64        `json:"quantity"`
}

type ApprovalForAllEvent struct {
	Holder   chain.Address `json:"holder"`
	Operator chain.Address `json:"operator"`
	Approved bool          `json:"approved"`
}

type PausedEvent struct {
	Account chain.Address `json:"account"`
}

type UnpausedEvent struct {
	Account chain.Address `json:"account"`
}

type URIChangedEvent struct {
	URI string `json:"uri"`
}

type OwnershipTransferredEvent struct {
	PreviousOwner chain.Address `json:"previous_owner"`
	NewOwner      chain.Address `json:"new_owner"`
}

// WithdrawnEvent moves the whole custodial balance out of the registry.
type WithdrawnEvent struct {
	To     chain.Address `json:"to"`
	Amount chain.Amount  `json:"amount"`
}

func (RegistryDeployedEvent) EventType() string     { return EventRegistryDeployed }
func (TokenRegisteredEvent) EventType() string      { return EventTokenRegistered }
func (TokenMintedEvent) EventType() string          { return EventTokenMinted }
func (TransferSingleEvent) EventType() string       { return EventTransferSingle }
func (ApprovalForAllEvent) EventType() string       { return EventApprovalForAll }
func (PausedEvent) EventType() string               { return EventPaused }
func (UnpausedEvent) EventType() string             { return EventUnpaused }
func (URIChangedEvent) EventType() string           { return EventURIChanged }
func (OwnershipTransferredEvent) EventType() string { return EventOwnershipTransferred }
func (WithdrawnEvent) EventType() string            { return EventWithdrawn }
