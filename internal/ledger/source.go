package ledger

import "github.com/btouchard/cropcast/internal/notify"

// Handler receives one ledger event: positional string fields in the
// documented order for the event kind, plus the opaque chain metadata.
type Handler func(fields []string, meta notify.EventMeta)

// HandlerID identifies one installed handler so it can be removed
// without affecting other handlers on the same event.
type HandlerID int64

// EventSource is the ledger event interface the bridge consumes.
// Defined at the consumer side per Go conventions; the contract client
// implements it. Event names are the notify.EventRecord* constants.
type EventSource interface {
	// On installs a handler and returns its ID. The error covers
	// installation only; once installed, handler failures stay local.
	On(event string, fn Handler) (HandlerID, error)
	// Off removes exactly the handler with the given ID.
	Off(event string, id HandlerID) error
}
