package registry

import (
	"github.com/google/uuid"

	"github.com/DeBrosOfficial/shmbus/pkg/shm"
)

// Kind distinguishes publishers from subscribers.
type Kind int

const (
	KindPublisher Kind = iota + 1
	KindSubscriber
)

func (k Kind) String() string {
	switch k {
	case KindPublisher:
		return "publisher"
	case KindSubscriber:
		return "subscriber"
	default:
		return "unknown"
	}
}

// Handle identifies one registration within a process.
type Handle = uuid.UUID

// EndpointInfo is what the registry knows about an endpoint.
type EndpointInfo struct {
	Handle      Handle
	Topic       string
	Kind        Kind
	ID          int64
	Descriptor  string // topic type, empty matches anything
	Description string
	// Remote marks endpoints standing in for peers on other hosts. Remote
	// publishers are never forwarded to remote subscribers.
	Remote bool
	// Origin names the process instance a remote endpoint belongs to.
	Origin string
}

// MatchEvent tells an endpoint about a counterpart on its topic.
type MatchEvent struct {
	Topic string
	Peer  EndpointInfo
	// Lost is set when the counterpart deregistered.
	Lost bool
	// Err is an EncodingMismatch when the counterpart's descriptor is incompatible.
	Err error
}

// Delivery hands one committed buffer to a subscriber. Exactly one of Ref
// and Err is set; the receiver owns Ref and must release it.
type Delivery struct {
	Publisher EndpointInfo
	Ref       *shm.ReadRef
	Err       error
}

// Endpoint is anything that can be registered.
type Endpoint interface {
	Info() EndpointInfo
	OnMatch(MatchEvent)
}

// Receiver is a subscribing endpoint. Deliver is called on the sender's
// goroutine and must not block.
type Receiver interface {
	Endpoint
	Deliver(Delivery)
}

// EventType is the kind of change reported to watchers.
type EventType int

const (
	EventRegistered EventType = iota + 1
	EventDeregistered
)

func (e EventType) String() string {
	switch e {
	case EventRegistered:
		return "registered"
	case EventDeregistered:
		return "deregistered"
	default:
		return "unknown"
	}
}

// Event is a registration change streamed to watchers.
type Event struct {
	Type     EventType
	Endpoint EndpointInfo
}

// Watcher receives registration events. It runs on the registering goroutine
// after all registry locks are released.
type Watcher func(Event)

// TopicStats counts the endpoints on a topic.
type TopicStats struct {
	Publishers  int
	Subscribers int
}

// Lifecycle is the process lifecycle the registry gates registration on.
type Lifecycle interface {
	Ok() bool
	InstanceID() uuid.UUID
}
