// Package searchindex defines the external search collaborator's interface:
// the Inbound Pipeline (C5) and Outbound Dispatcher (C8) emit "message
// upserted" events to it after a Message's state settles, but the indexer
// itself lives outside the Mail Delivery Core. Grounded on the teacher's
// updatepipe package, which plays the same role for IMAP index updates
// (publisher interface decoupled from its concrete backend).
package searchindex

import "context"

// Event is one emitted index update.
type Event struct {
	MailboxID string
	MessageID string
	ThreadID  string
	Op        string // "upsert" | "delete"
}

// Emitter publishes Events to whatever external search collaborator is
// configured; implementations must not block the caller on slow indexing.
type Emitter interface {
	Emit(ctx context.Context, ev Event) error
}

// Noop discards every event; it is the default Emitter until a real one
// (e.g. an HTTP webhook or a message-queue publisher) is wired in.
type Noop struct{}

func (Noop) Emit(context.Context, Event) error { return nil }
