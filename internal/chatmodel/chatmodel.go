// Package chatmodel defines the immutable message and event shapes that
// flow across the bus: ChatMessage (chat.inbound), OutboundMessage
// (chat.outbound), and SystemEvent (system.event).
package chatmodel

// ChatMessage is a single inbound chat line from a monitored channel.
type ChatMessage struct {
	Channel       string
	ChannelID     string
	UserLogin     string
	UserID        string
	Text          string
	IsModerator   bool
	IsBroadcaster bool
	IsVIP         bool
	Badges        map[string]string
	Transport     string // e.g. "irc"
}

// OutboundMessage is a reply or announcement queued for delivery by the
// chat transport.
type OutboundMessage struct {
	Channel   string
	ChannelID string
	Text      string
	Prefer    string // transport hint, e.g. "irc"
}

// System event kinds. The closed set that components recognize.
const (
	KindStreamOnline  = "stream.online"
	KindStreamOffline = "stream.offline"
	KindHelixStream   = "helix.stream.info"
	KindHelixUser     = "helix.user.info"
	KindHelixGame     = "helix.game.info"
)

// SystemEvent is a tagged, immutable record published on system.event.
type SystemEvent struct {
	Kind    string
	Payload map[string]any
}
