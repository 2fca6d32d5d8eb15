package relay

import "context"

// Channel is one live, bidirectional client connection bound to a user.
type Channel interface {
	// ID uniquely identifies the channel within its node.
	ID() string
	// UserID is the user the channel was bound to at connect time.
	UserID() string
	// Send writes a frame to the client. Sending on a closed channel is a
	// no-op and returns nil.
	Send(ctx context.Context, frame Frame) error
	// Done is closed once the channel has disconnected.
	Done() <-chan struct{}
}

// PresenceFabric answers cluster-wide reachability and fans frames out to
// every channel a user holds on any node.
type PresenceFabric interface {
	// IsOnline reports whether the user holds at least one channel anywhere.
	// Failures and timeouts read as offline.
	IsOnline(ctx context.Context, userID string) bool
	// Publish delivers frame to all of the user's channels, fire-and-forget.
	Publish(ctx context.Context, userID string, frame Frame) error
}

// AgentBridge proxies one conversational turn to the external responder and
// answers on the originating channel.
type AgentBridge interface {
	Converse(ctx context.Context, origin Channel, agent UserRef, trigger TriggerEvent)
}

// Notifier is the push-notification fallback for recipients without a live
// channel. It is called at most once per trigger event.
type Notifier interface {
	Notify(ctx context.Context, offlineUserIDs []string, trigger TriggerEvent) error
}

// TriggerHandler consumes inbound client frames for a channel.
type TriggerHandler interface {
	HandleTrigger(ctx context.Context, origin Channel, trigger TriggerEvent)
	HandleDisconnected(ctx context.Context, origin Channel, notice DisconnectNotice)
}
