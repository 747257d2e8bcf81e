// Package announce turns stream lifecycle events into outbound chat
// messages: it subscribes to system.event and publishes a formatted
// announcement on chat.outbound when a monitored channel goes live or
// offline.
package announce

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/nova-stream/neurobot/internal/bus"
	"github.com/nova-stream/neurobot/internal/chatmodel"
)

const maxAnnounceLen = 500

// Template defaults for payload fields the monitor could not fill.
const (
	defaultTitle = "Untitled"
	defaultGame  = "Unknown category"
)

// Options carries the per-event enable flags and message templates.
// Templates use named fields {channel}, {title}, {game_name},
// {viewer_count}.
type Options struct {
	OnlineEnabled  bool
	OnlineMessage  string
	OfflineEnabled bool
	OfflineMessage string
}

// Announcer consumes system.event and emits chat announcements.
type Announcer struct {
	bus    *bus.Bus
	opts   Options
	logger *slog.Logger
}

// New constructs an Announcer. Call Bind to attach it to the bus.
func New(b *bus.Bus, opts Options, logger *slog.Logger) *Announcer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Announcer{
		bus:    b,
		opts:   opts,
		logger: logger.With("component", "announcer"),
	}
}

// Bind subscribes the announcer to system.event.
func (a *Announcer) Bind() {
	a.bus.Subscribe(bus.TopicSystemEvent, "announcer", a.handleEvent)
}

// handleEvent is the bus handler. The payload is validated defensively:
// the bus does not type-check, so a malformed event is logged and
// dropped here.
func (a *Announcer) handleEvent(v any) {
	event, ok := v.(chatmodel.SystemEvent)
	if !ok {
		a.logger.Warn("dropping non-event payload on system.event", "type", fmt.Sprintf("%T", v))
		return
	}

	switch event.Kind {
	case chatmodel.KindStreamOnline:
		if a.opts.OnlineEnabled {
			a.announce(event, a.opts.OnlineMessage, true)
		}
	case chatmodel.KindStreamOffline:
		if a.opts.OfflineEnabled {
			a.announce(event, a.opts.OfflineMessage, false)
		}
	}
}

func (a *Announcer) announce(event chatmodel.SystemEvent, template string, online bool) {
	channel, _ := event.Payload["channel"].(string)
	channelID, _ := event.Payload["channel_id"].(string)
	if channel == "" || channelID == "" {
		a.logger.Warn("skipping announcement with missing channel identity",
			"kind", event.Kind, "channel", channel, "channel_id", channelID)
		return
	}

	text := formatTemplate(template, event.Payload)
	if text == "" {
		// Formatting failed; fall back to the minimal form so the
		// transition is still announced.
		if online {
			text = "@" + channel + " is now live!"
		} else {
			text = "@" + channel + " is now offline."
		}
		a.logger.Warn("announcement template failed, using fallback", "channel", channel)
	}

	if len(text) > maxAnnounceLen {
		text = text[:maxAnnounceLen]
	}

	a.logger.Info("publishing announcement", "channel", channel, "kind", event.Kind)
	a.bus.Publish(bus.TopicChatOutbound, chatmodel.OutboundMessage{
		Channel:   channel,
		ChannelID: channelID,
		Text:      text,
	})
}

// placeholderRe matches {field} placeholders a template may carry.
var placeholderRe = regexp.MustCompile(`\{[a-z_]+\}`)

// formatTemplate substitutes the known named fields, filling defaults
// for missing ones. A template that still carries an unresolved
// placeholder afterwards is treated as failed (empty return).
func formatTemplate(template string, payload map[string]any) string {
	title, _ := payload["title"].(string)
	if title == "" {
		title = defaultTitle
	}
	game, _ := payload["game_name"].(string)
	if game == "" {
		game = defaultGame
	}
	channel, _ := payload["channel"].(string)

	viewers := "0"
	switch v := payload["viewer_count"].(type) {
	case int:
		viewers = fmt.Sprintf("%d", v)
	case float64:
		viewers = fmt.Sprintf("%d", int(v))
	}

	r := strings.NewReplacer(
		"{channel}", channel,
		"{title}", title,
		"{game_name}", game,
		"{viewer_count}", viewers,
	)
	text := strings.TrimSpace(r.Replace(template))

	if placeholderRe.MatchString(text) {
		return ""
	}
	return text
}
