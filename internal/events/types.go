package events

// Event enumerates high-level topics inside the engine.
type Event string

const (
	EventOrderSubmitted  Event = "order.submitted"
	EventOrderFilled     Event = "order.filled"
	EventOrderPartial    Event = "order.partially_filled"
	EventOrderCancelled  Event = "order.cancelled"
	EventOrderFailed     Event = "order.failed"
	EventOrderRepaired   Event = "order.repaired"
	EventStrategyEnded   Event = "strategy.ended"
	EventPositionChange  Event = "position.change"
	EventNotification    Event = "notification"
)

// Notification is the payload published on EventNotification, consumed by
// the websocket stream and any future push channel.
type Notification struct {
	OwnerID  string `json:"ownerId"`
	Title    string `json:"title"`
	Body     string `json:"body"`
	DeepLink string `json:"deepLink,omitempty"`
}
