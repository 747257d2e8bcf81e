// Package monitor tracks channel live/offline transitions via either
// periodic polling or a push-based subscription, publishing a unified
// system.event contract regardless of source.
package monitor

import "time"

// Status is a channel's live state as tracked by a monitor.
type Status int

const (
	StatusUnknown Status = iota
	StatusOnline
	StatusOffline
)

func (s Status) String() string {
	switch s {
	case StatusOnline:
		return "online"
	case StatusOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// StreamSnapshot is the live-stream state returned by a StreamLookup.
// A nil snapshot means the channel is currently offline; any non-nil
// snapshot, including the zero value, counts as live.
type StreamSnapshot struct {
	Title       string
	GameName    string
	ViewerCount int
	StartedAt   time.Time
}

// ChannelState tracks one monitored channel's last-known status.
type ChannelState struct {
	Channel   string
	ChannelID string
	Status    Status
	LastCheck time.Time
	LastSeen  *StreamSnapshot
}

// Notification is one push event delivered by a SubscriptionProvider.
type Notification struct {
	Kind          string // "stream.online" or "stream.offline"
	ChannelLogin  string // may be empty; resolved via the broadcaster-id map
	BroadcasterID string
	Title         string
	GameName      string
	ViewerCount   int
	StartedAt     time.Time
}
