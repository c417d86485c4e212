package ledger

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/btouchard/cropcast/internal/notify"
)

// PublishFunc receives each normalized notification that passes the
// viewer filter. The composition root wires it to the hub.
type PublishFunc func(notify.Notification)

// Subscriber attaches the three record event handlers to a ledger event
// source and forwards normalized events downstream. The event source is
// a shared external resource: Unsubscribe removes exactly the handlers
// this subscriber installed and nothing else.
type Subscriber struct {
	publish PublishFunc

	mu        sync.Mutex
	source    EventSource
	installed map[string]HandlerID
}

// NewSubscriber creates a Subscriber forwarding into publish.
func NewSubscriber(publish PublishFunc) *Subscriber {
	return &Subscriber{publish: publish}
}

// Subscribe installs handlers for the three record event kinds,
// filtering for the given viewer address. A previous subscription held
// by this Subscriber is released first. Installation failures are
// returned as a value with any partially installed handlers rolled
// back, so the caller can decide whether to retry.
func (s *Subscriber) Subscribe(source EventSource, viewerAddress string) error {
	s.Unsubscribe()

	handlers := map[string]Handler{
		notify.EventRecordCreated:     s.createdHandler(viewerAddress),
		notify.EventRecordTransferred: s.forwardHandler(notify.EventRecordTransferred),
		notify.EventRecordPurchased:   s.forwardHandler(notify.EventRecordPurchased),
	}

	installed := make(map[string]HandlerID, len(handlers))
	for _, event := range []string{
		notify.EventRecordCreated,
		notify.EventRecordTransferred,
		notify.EventRecordPurchased,
	} {
		id, err := source.On(event, handlers[event])
		if err != nil {
			for ev, installedID := range installed {
				if offErr := source.Off(ev, installedID); offErr != nil {
					slog.Warn("failed to roll back ledger handler", "event", ev, "error", offErr)
				}
			}
			return fmt.Errorf("subscribing to %s: %w", event, err)
		}
		installed[event] = id
	}

	s.mu.Lock()
	s.source = source
	s.installed = installed
	s.mu.Unlock()

	slog.Info("subscribed to ledger events", "viewer", viewerAddress)
	return nil
}

// Unsubscribe removes the handlers installed by the last Subscribe.
// Other subscribers on the same event source are unaffected.
func (s *Subscriber) Unsubscribe() {
	s.mu.Lock()
	source := s.source
	installed := s.installed
	s.source = nil
	s.installed = nil
	s.mu.Unlock()

	if source == nil {
		return
	}
	for event, id := range installed {
		if err := source.Off(event, id); err != nil {
			slog.Warn("failed to remove ledger handler", "event", event, "error", err)
		}
	}
}

// createdHandler filters out the viewer's own registrations: a party is
// not notified of its own action. Transfers and purchases are two-party
// and stay unfiltered.
func (s *Subscriber) createdHandler(viewerAddress string) Handler {
	forward := s.forwardHandler(notify.EventRecordCreated)
	return func(fields []string, meta notify.EventMeta) {
		if len(fields) >= 4 && strings.EqualFold(fields[3], viewerAddress) {
			return
		}
		forward(fields, meta)
	}
}

// forwardHandler normalizes and publishes one event kind. Panics out of
// the pipeline are caught and logged, never propagated back into the
// event source.
func (s *Subscriber) forwardHandler(event string) Handler {
	return func(fields []string, meta notify.EventMeta) {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("ledger handler panicked", "event", event, "panic", r)
			}
		}()
		s.publish(notify.FromLedger(notify.LedgerEvent{
			Name:   event,
			Fields: fields,
			Meta:   meta,
		}))
	}
}
