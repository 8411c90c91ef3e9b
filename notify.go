package identity

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"
)

// EventType labels an outbound notification.
type EventType string

const (
	// EventAccountCreated fires after a successful registration.
	EventAccountCreated EventType = "account_created"
	// EventLogin fires after a successful login from any credential source.
	EventLogin EventType = "login"
	// EventAccountLinked fires when an OAuth login merges a provider identity
	// into an existing email-matched account.
	EventAccountLinked EventType = "account_linked"
	// EventConfirmationRequested fires when a new confirmation code is issued.
	// The event carries the code so a mail sink can build the link.
	EventConfirmationRequested EventType = "confirmation_requested"
	// EventAuditLog carries free-form audit messages (privileged operations,
	// rejected attempts).
	EventAuditLog EventType = "audit_log"
)

// Event is a single outbound notification. Delivery is best-effort and
// fire-and-forget: no flow ever fails because a sink failed.
type Event struct {
	Timestamp time.Time         `json:"timestamp"`
	Type      EventType         `json:"type"`
	UserID    string            `json:"user_id,omitempty"`
	Email     string            `json:"email,omitempty"`
	Name      string            `json:"name,omitempty"`
	Provider  Provider          `json:"provider,omitempty"`
	IP        string            `json:"ip,omitempty"`
	Message   string            `json:"message,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Notifier receives events from the engine. Implementations deliver them to
// mail, chat webhooks, log aggregators, or tests.
type Notifier interface {
	Notify(ctx context.Context, event Event)
}

// NoOpNotifier discards every event.
type NoOpNotifier struct{}

// Notify implements [Notifier].
func (NoOpNotifier) Notify(context.Context, Event) {}

// ChannelNotifier forwards events to a channel, mainly for tests and custom
// fan-out loops.
type ChannelNotifier struct {
	events chan Event
}

// NewChannelNotifier creates a ChannelNotifier with the given buffer.
func NewChannelNotifier(buffer int) *ChannelNotifier {
	if buffer <= 0 {
		buffer = 1
	}
	return &ChannelNotifier{
		events: make(chan Event, buffer),
	}
}

// Notify implements [Notifier].
func (n *ChannelNotifier) Notify(ctx context.Context, event Event) {
	select {
	case n.events <- event:
	case <-ctx.Done():
	}
}

// Events returns the receive side of the channel.
func (n *ChannelNotifier) Events() <-chan Event {
	return n.events
}

// JSONWriterNotifier writes one JSON line per event to an io.Writer.
type JSONWriterNotifier struct {
	writer io.Writer
	mu     sync.Mutex
}

// NewJSONWriterNotifier creates a JSONWriterNotifier over w.
func NewJSONWriterNotifier(w io.Writer) *JSONWriterNotifier {
	return &JSONWriterNotifier{
		writer: w,
	}
}

// Notify implements [Notifier].
func (n *JSONWriterNotifier) Notify(_ context.Context, event Event) {
	if n == nil || n.writer == nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	_, _ = n.writer.Write(data)
	_, _ = n.writer.Write([]byte("\n"))
}
