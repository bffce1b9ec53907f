package event

import (
	"encoding/json"
	"errors"
	"time"
)

// Canonical event names produced by the platform.
const (
	DocumentUploaded  = "document.uploaded"
	DocumentProcessed = "document.processed"
	DocumentError     = "document.error"
	SupplierCreated   = "supplier.created"
	CustomerCreated   = "customer.created"
	UserCreated       = "user.created"
	InvoiceGenerated  = "invoice.generated"
	WebhookTest       = "webhook.test"
)

// Event is a domain occurrence handed to the dispatcher. It is ephemeral:
// the dispatcher persists per-subscription deliveries, never the event itself.
// ID must be globally unique and stable across redeliveries of the same
// business occurrence; that is the producer's responsibility.
type Event struct {
	ID         string         `json:"event_id"`
	Name       string         `json:"event_name"`
	OccurredAt time.Time      `json:"occurred_at"`
	Source     string         `json:"source"`
	Payload    map[string]any `json:"payload"`

	// TraceHeaders carries W3C trace context across the queue hop. Never
	// part of the subscriber-facing envelope.
	TraceHeaders map[string]string `json:"trace_headers,omitempty"`
}

// Validate checks the fields the dispatcher cannot work without.
func (e Event) Validate() error {
	if e.ID == "" {
		return errors.New("event: missing event_id")
	}
	if e.Name == "" {
		return errors.New("event: missing event_name")
	}
	return nil
}

// Envelope is the exact JSON object sent to subscribers. The signature is
// computed over the serialized envelope bytes, so subscribers can verify it
// byte-for-byte against the request body.
type Envelope struct {
	ID      string         `json:"id"`
	Event   string         `json:"event"`
	Created string         `json:"created"` // RFC3339, original event timestamp
	Data    map[string]any `json:"data"`
	Source  string         `json:"source"`
}

// NewEnvelope builds the wire envelope for an event.
func NewEnvelope(e Event) Envelope {
	return Envelope{
		ID:      e.ID,
		Event:   e.Name,
		Created: e.OccurredAt.UTC().Format(time.RFC3339),
		Data:    e.Payload,
		Source:  e.Source,
	}
}

// Encode serializes the envelope once. Callers must transmit and sign these
// exact bytes, not a re-serialization.
func (env Envelope) Encode() ([]byte, error) {
	return json.Marshal(env)
}
