package mqadmin

import (
	"context"
)

// Store is the boundary interface for the durable, queryable message
// history. Ingestors and the publish gateway append; query operations read.
// Individual envelopes are never updated or deleted through this interface.
//
// Implementations live under store/; the surrounding system may supply any
// medium that preserves per-topic append order.
type Store interface {
	// Append persists one envelope. A failure means the envelope is lost
	// from history; it never rolls back the broker-side send or receive
	// that already happened. Implementations return errors wrapping
	// ErrStoreUnavailable when the medium is unreachable.
	Append(ctx context.Context, env Envelope) error

	// Query returns envelopes for one (kind, topic) in creation order,
	// starting after the cursor (an envelope id returned by a previous
	// page), bounded by limit. An unknown cursor yields ErrInvalidCursor.
	Query(ctx context.Context, kind BrokerKind, topic string, cursor string, limit int) (Page, error)
}

// Page is one bounded slice of a topic's message history. NextCursor is the
// id of the last envelope in the page, or empty when the page is empty.
type Page struct {
	Envelopes  []Envelope `json:"envelopes"`
	NextCursor string     `json:"next_cursor,omitempty"`
}
