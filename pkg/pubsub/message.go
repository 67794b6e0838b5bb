package pubsub

import "time"

// Message is one received sample with its framing.
type Message[T any] struct {
	Payload T
	// Raw is the encoded payload, owned by the receiver.
	Raw []byte
	// Timestamp is the send time in microseconds, or the value passed to SendWithTime.
	Timestamp   int64
	PublisherID int64
	// Sequence is per publisher, starting at 1.
	Sequence uint64
	Topic    string
}

// Time interprets Timestamp as microseconds since the Unix epoch.
func (m Message[T]) Time() time.Time {
	return time.UnixMicro(m.Timestamp)
}
