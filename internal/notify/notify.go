// Package notify delivers owner-facing notifications. Delivery is
// fire-and-forget: a failed or slow channel is logged and never blocks the
// engine.
package notify

import (
	"context"
	"log"

	"github.com/naegeon/kis-trading-sub000/internal/events"
)

// Notifier is the engine-facing notification surface.
type Notifier interface {
	Notify(ctx context.Context, ownerID, title, body, deepLink string)
}

// BusNotifier publishes notifications onto the event bus, where the
// websocket stream (and any future push channel) picks them up.
type BusNotifier struct {
	bus *events.Bus
}

// NewBusNotifier wires a notifier to the bus.
func NewBusNotifier(bus *events.Bus) *BusNotifier {
	return &BusNotifier{bus: bus}
}

func (n *BusNotifier) Notify(ctx context.Context, ownerID, title, body, deepLink string) {
	if ownerID == "" {
		log.Printf("notify: dropped notification without owner: %s", title)
		return
	}
	n.bus.Publish(events.EventNotification, events.Notification{
		OwnerID:  ownerID,
		Title:    title,
		Body:     body,
		DeepLink: deepLink,
	})
}

// Noop discards notifications; used in tests and one-shot tools.
type Noop struct{}

func (Noop) Notify(ctx context.Context, ownerID, title, body, deepLink string) {}
