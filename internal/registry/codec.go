package registry

import (
	"encoding/json"
	"fmt"

	"nowver/pkg/eventstore"
)

// AggregateType tags registry streams in the event store.
const AggregateType = "registry"

var eventFactories = map[string]func() Event{
	EventRegistryDeployed:     func() Event { return &RegistryDeployedEvent{} },
	EventTokenRegistered:      func() Event { return &TokenRegisteredEvent{} },
	EventTokenMinted:          func() Event { return &TokenMintedEvent{} },
	EventTransferSingle:       func() Event { return &TransferSingleEvent{} },
	EventApprovalForAll:       func() Event { return &ApprovalForAllEvent{} },
	EventPaused:               func() Event { return &PausedEvent{} },
	EventUnpaused:             func() Event { return &UnpausedEvent{} },
	EventURIChanged:           func() Event { return &URIChangedEvent{} },
	EventOwnershipTransferred: func() Event { return &OwnershipTransferredEvent{} },
	EventWithdrawn:            func() Event { return &WithdrawnEvent{} },
}

// EncodeEvent converts a registry event into a store record.
func EncodeEvent(ev Event) (eventstore.Event, error) {
	jsonData, err := json.Marshal(ev)
	if err != nil {
		return eventstore.Event{}, fmt.Errorf("failed to marshal event data: %w", err)
	}
	return eventstore.Event{
		AggregateType: AggregateType,
		EventType:     ev.EventType(),
		EventData:     jsonData,
	}, nil
}

// DecodeEvent converts a store record back into a registry event value.
func DecodeEvent(record eventstore.Event) (Event, error) {
	factory, ok := eventFactories[record.EventType]
	if !ok {
		return nil, fmt.Errorf("unknown event type %q", record.EventType)
	}
	ptr := factory()
	if err := json.Unmarshal(record.EventData, ptr); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s: %w", record.EventType, err)
	}
	return deref(ptr), nil
}

// deref returns the value form of a decoded event so type switches in fold
// match the values produced by the write path.
func deref(ev Event) Event {
	switch e := ev.(type) {
	case *RegistryDeployedEvent:
		return *e
	case *TokenRegisteredEvent:
		return *e
	case *TokenMintedEvent:
		return *e
	case *TransferSingleEvent:
		return *e
	case *ApprovalForAllEvent:
		return *e
	case *PausedEvent:
		return *e
	case *UnpausedEvent:
		return *e
	case *URIChangedEvent:
		return *e
	case *OwnershipTransferredEvent:
		return *e
	case *WithdrawnEvent:
		return *e
	}
	return ev
}
