// Package bridge wires the two notification producers, the push channel
// and the ledger event subscriber, through normalization into the hub.
// Producers never see individual UI consumers; the hub owns fan-out.
package bridge

import (
	"log/slog"

	"github.com/btouchard/cropcast/internal/channel"
	"github.com/btouchard/cropcast/internal/ledger"
	"github.com/btouchard/cropcast/internal/notify"
)

// Bridge is the long-lived composition of channel, subscriber and hub.
// Lifecycle: New → Start → (AttachLedger) → Stop.
type Bridge struct {
	hub        *notify.Hub
	channel    *channel.Channel
	subscriber *ledger.Subscriber
}

// New connects the channel's message and state streams to the hub.
func New(hub *notify.Hub, ch *channel.Channel) *Bridge {
	b := &Bridge{
		hub:     hub,
		channel: ch,
	}
	b.subscriber = ledger.NewSubscriber(hub.Publish)

	ch.OnMessage(func(env notify.Envelope) {
		hub.Publish(notify.FromEnvelope(env))
	})
	ch.OnStateChange(b.handleState)

	return b
}

// Hub returns the hub all UI reads go through.
func (b *Bridge) Hub() *notify.Hub {
	return b.hub
}

// Start opens the push channel.
func (b *Bridge) Start(url string) {
	b.channel.Connect(url)
}

// AttachLedger subscribes to the ledger event source for the given
// viewer. The error is a value the caller can retry on.
func (b *Bridge) AttachLedger(source ledger.EventSource, viewerAddress string) error {
	return b.subscriber.Subscribe(source, viewerAddress)
}

// Stop releases the ledger subscription and closes the channel.
func (b *Bridge) Stop() {
	b.subscriber.Unsubscribe()
	b.channel.Disconnect()
}

// handleState surfaces channel lifecycle to the user. Transient states
// are log-only; the UI renders them from channel status directly.
// Exhausted reconnects are the one persistent failure and become a
// notification in their own right.
func (b *Bridge) handleState(st channel.Status) {
	slog.Debug("channel state changed", "state", st.State.String(), "attempt", st.Attempt)

	if st.Terminal {
		b.hub.Publish(notify.New(notify.TypeSystemMessage, map[string]any{
			"message": "Lost connection to real-time updates",
			"level":   "error",
		}))
	}
}
