package registry

import (
	"errors"

	"nowver/pkg/eventstore"
)

var (
	ErrNotOwner            = errors.New("caller is not the owner")
	ErrNotApproved         = errors.New("caller is not holder nor approved")
	ErrAlreadyRegistered   = errors.New("token already registered")
	ErrUnknownToken        = errors.New("token doesn't exist")
	ErrInvalidSupply       = errors.New("supply must be greater than 0")
	ErrIncorrectPayment    = errors.New("payment does not match token price")
	ErrInsufficientBalance = errors.New("insufficient balance for transfer")
	ErrInvalidRecipient    = errors.New("invalid recipient address")
	ErrSoldOut             = errors.New("out of bonds")
	ErrPaused              = errors.New("registry is paused")
	ErrNothingToWithdraw   = errors.New("no custodial balance to withdraw")
	ErrAlreadyDeployed     = errors.New("registry already deployed")
	ErrNotDeployed         = errors.New("registry not deployed")
)

// Error kinds as exchanged on the wire.
const (
	KindNotOwner            = "NotOwner"
	KindNotApproved         = "NotApproved"
	KindAlreadyRegistered   = "AlreadyRegistered"
	KindUnknownToken        = "UnknownToken"
	KindInvalidSupply       = "InvalidSupply"
	KindIncorrectPayment    = "IncorrectPayment"
	KindInsufficientBalance = "InsufficientBalance"
	KindInvalidRecipient    = "InvalidRecipient"
	KindSoldOut             = "SoldOut"
	KindPaused              = "Paused"
	KindNothingToWithdraw   = "NothingToWithdraw"
	KindAlreadyDeployed     = "AlreadyDeployed"
	KindNotDeployed         = "NotDeployed"
	KindConflict            = "Conflict"
	KindInternal            = "Internal"
)

var errorKinds = []struct {
	err  error
	kind string
}{
	{ErrNotOwner, KindNotOwner},
	{ErrNotApproved, KindNotApproved},
	{ErrAlreadyRegistered, KindAlreadyRegistered},
	{ErrUnknownToken, KindUnknownToken},
	{ErrInvalidSupply, KindInvalidSupply},
	{ErrIncorrectPayment, KindIncorrectPayment},
	{ErrInsufficientBalance, KindInsufficientBalance},
	{ErrInvalidRecipient, KindInvalidRecipient},
	{ErrSoldOut, KindSoldOut},
	{ErrPaused, KindPaused},
	{ErrNothingToWithdraw, KindNothingToWithdraw},
	{ErrAlreadyDeployed, KindAlreadyDeployed},
	{ErrNotDeployed, KindNotDeployed},
	{eventstore.ErrConcurrencyConflict, KindConflict},
}

// Kind returns the stable code for err, or KindInternal when err is not a
// registry rejection.
func Kind(err error) string {
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindInternal
}

// ErrorForKind maps a wire code back to its sentinel, or nil if unknown.
func ErrorForKind(kind string) error {
	for _, k := range errorKinds {
		if k.kind == kind {
			return k.err
		}
	}
	return nil
}
