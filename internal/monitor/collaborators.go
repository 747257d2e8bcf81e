package monitor

import (
	"context"
	"errors"
)

// StreamLookup is the read-only REST collaborator used by StreamMonitor.
// No production Helix client ships in this module — token persistence
// and refresh are out of scope — but any implementation can be built on
// top of httpkit.NewClient.
type StreamLookup interface {
	// GetStream returns the current live snapshot for channel, or nil if
	// the channel is not currently live.
	GetStream(ctx context.Context, channel string) (*StreamSnapshot, error)
}

// Sentinel errors a SubscriptionProvider reports so EventSubClient can
// distinguish parkable rejections from fatal ones.
var (
	// ErrSubscriptionCost means the provider rejected a subscription
	// because a cost/quota limit is exceeded. The subscription is parked
	// and retried in the background.
	ErrSubscriptionCost = errors.New("subscription cost limit exceeded")

	// ErrSessionExpired means the provider closed the session server-side.
	// The whole client is restarted by its supervisor.
	ErrSessionExpired = errors.New("subscription session expired")
)

// SubscriptionProvider models a websocket-backed EventSub connection.
// The production implementation (WSSubscriptionProvider) is one of this
// package's own components, not an external collaborator left
// unimplemented — the interface exists so the connection lifecycle and
// the notification-handling logic can be tested independently.
type SubscriptionProvider interface {
	Connect(ctx context.Context) error
	SubscribeStreamOnline(ctx context.Context, broadcasterID string) error
	SubscribeStreamOffline(ctx context.Context, broadcasterID string) error
	Notifications() <-chan Notification
	// Alive reports whether the underlying connection is still usable.
	// Used by the liveness supervisor; must be cheap and non-blocking.
	Alive() bool
	Close() error
}
