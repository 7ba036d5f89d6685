package types

import (
	"time"

	"github.com/google/uuid"
)

// ExchangeKind selects the routing rule an exchange evaluates.
type ExchangeKind uint8

const (
	Direct ExchangeKind = iota
	Topic
	Fanout
)

// String returns the configuration-file spelling of the kind.
func (k ExchangeKind) String() string {
	switch k {
	case Direct:
		return "direct"
	case Topic:
		return "topic"
	case Fanout:
		return "fanout"
	default:
		return "unknown"
	}
}

// ParseExchangeKind converts a configuration string to an ExchangeKind.
func ParseExchangeKind(s string) (ExchangeKind, error) {
	switch s {
	case "direct":
		return Direct, nil
	case "topic":
		return Topic, nil
	case "fanout":
		return Fanout, nil
	default:
		return 0, NewError(ErrCodeInvalidConfig, "unknown exchange kind").WithDetail("kind", s)
	}
}

// DeathReason records why a message left its queue on a non-ack path.
type DeathReason string

const (
	ReasonExpired           DeathReason = "expired"
	ReasonQueueFull         DeathReason = "queue_full"
	ReasonRejectedNoRequeue DeathReason = "rejected"
	ReasonRetriesExhausted  DeathReason = "retries_exhausted"
)

// Death is one entry in a message's death history.
type Death struct {
	Queue  string      `cbor:"q" json:"queue" msgpack:"q"`
	Reason DeathReason `cbor:"r" json:"reason" msgpack:"r"`
	At     time.Time   `cbor:"at" json:"at" msgpack:"at"`
}

// Message is the broker envelope. The identity fields (ID, RoutingKey,
// Payload, Headers) are immutable after publish; RetryCount only grows and
// DeathHistory only appends.
type Message struct {
	ID         string            `cbor:"i" json:"id" msgpack:"i"`
	RoutingKey string            `cbor:"k" json:"routing_key" msgpack:"k"`
	Payload    []byte            `cbor:"p" json:"payload" msgpack:"p"`
	Headers    map[string]string `cbor:"h,omitempty" json:"headers,omitempty" msgpack:"h,omitempty"`

	EnqueuedAt  time.Time `cbor:"ea" json:"enqueued_at" msgpack:"ea"`
	TTLDeadline time.Time `cbor:"td,omitempty" json:"ttl_deadline,omitempty" msgpack:"td,omitempty"`

	RetryCount   int     `cbor:"rc,omitempty" json:"retry_count,omitempty" msgpack:"rc,omitempty"`
	DeathHistory []Death `cbor:"dh,omitempty" json:"death_history,omitempty" msgpack:"dh,omitempty"`
}

// NewMessage builds a fresh envelope for a publish call. EnqueuedAt and
// TTLDeadline are stamped by the owning queue at enqueue time.
func NewMessage(routingKey string, payload []byte, headers map[string]string) *Message {
	return &Message{
		ID:         uuid.NewString(),
		RoutingKey: routingKey,
		Payload:    payload,
		Headers:    headers,
	}
}

// Expired reports whether the TTL deadline has passed at the given instant.
// Messages without a deadline never expire.
func (m *Message) Expired(now time.Time) bool {
	return !m.TTLDeadline.IsZero() && now.After(m.TTLDeadline)
}

// RecordDeath appends a death entry and returns the message for chaining.
func (m *Message) RecordDeath(queue string, reason DeathReason, at time.Time) *Message {
	m.DeathHistory = append(m.DeathHistory, Death{Queue: queue, Reason: reason, At: at})
	return m
}

// Header returns a header value and whether it was present.
func (m *Message) Header(key string) (string, bool) {
	if m.Headers == nil {
		return "", false
	}
	v, ok := m.Headers[key]
	return v, ok
}

// Clone returns a copy that shares the payload bytes but owns its headers
// and death history. Fanning a publish out to several queues hands each
// queue its own clone so per-queue delivery metadata never crosses queues.
func (m *Message) Clone() *Message {
	c := *m
	if m.Headers != nil {
		c.Headers = make(map[string]string, len(m.Headers))
		for k, v := range m.Headers {
			c.Headers[k] = v
		}
	}
	if m.DeathHistory != nil {
		c.DeathHistory = append([]Death(nil), m.DeathHistory...)
	}
	return &c
}
