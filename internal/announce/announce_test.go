package announce

import (
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/nova-stream/neurobot/internal/bus"
	"github.com/nova-stream/neurobot/internal/chatmodel"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setup(opts Options) (*bus.Bus, <-chan chatmodel.OutboundMessage) {
	b := bus.New(discardLogger())
	out := make(chan chatmodel.OutboundMessage, 10)
	b.Subscribe(bus.TopicChatOutbound, "test", func(v any) {
		if m, ok := v.(chatmodel.OutboundMessage); ok {
			out <- m
		}
	})

	a := New(b, opts, discardLogger())
	a.Bind()
	return b, out
}

func onlineEvent(payload map[string]any) chatmodel.SystemEvent {
	return chatmodel.SystemEvent{Kind: chatmodel.KindStreamOnline, Payload: payload}
}

func expectMessage(t *testing.T, out <-chan chatmodel.OutboundMessage) chatmodel.OutboundMessage {
	t.Helper()
	select {
	case m := <-out:
		return m
	case <-time.After(time.Second):
		t.Fatal("no outbound message published")
		return chatmodel.OutboundMessage{}
	}
}

func expectSilence(t *testing.T, out <-chan chatmodel.OutboundMessage) {
	t.Helper()
	select {
	case m := <-out:
		t.Fatalf("unexpected outbound message: %+v", m)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestOnlineAnnouncementFormatsTemplate(t *testing.T) {
	b, out := setup(Options{
		OnlineEnabled: true,
		OnlineMessage: "\U0001F534 @{channel} live — {title}",
	})

	b.Publish(bus.TopicSystemEvent, onlineEvent(map[string]any{
		"channel":    "c1",
		"channel_id": "42",
		"title":      "T",
		"game_name":  "G",
	}))

	m := expectMessage(t, out)
	if m.Text != "\U0001F534 @c1 live — T" {
		t.Errorf("text = %q", m.Text)
	}
	if m.Channel != "c1" || m.ChannelID != "42" {
		t.Errorf("target = %s/%s, want c1/42", m.Channel, m.ChannelID)
	}
}

func TestMissingFieldsGetDefaults(t *testing.T) {
	b, out := setup(Options{
		OnlineEnabled: true,
		OnlineMessage: "{title} | {game_name} | {viewer_count}",
	})

	b.Publish(bus.TopicSystemEvent, onlineEvent(map[string]any{
		"channel":    "c1",
		"channel_id": "42",
	}))

	m := expectMessage(t, out)
	if m.Text != "Untitled | Unknown category | 0" {
		t.Errorf("text = %q", m.Text)
	}
}

func TestDisabledOnlineStaysSilent(t *testing.T) {
	b, out := setup(Options{OnlineEnabled: false, OnlineMessage: "x {channel}"})
	b.Publish(bus.TopicSystemEvent, onlineEvent(map[string]any{
		"channel": "c1", "channel_id": "42",
	}))
	expectSilence(t, out)
}

func TestOfflineAnnouncement(t *testing.T) {
	b, out := setup(Options{
		OfflineEnabled: true,
		OfflineMessage: "bye {channel}",
	})

	b.Publish(bus.TopicSystemEvent, chatmodel.SystemEvent{
		Kind:    chatmodel.KindStreamOffline,
		Payload: map[string]any{"channel": "c1", "channel_id": "42"},
	})

	m := expectMessage(t, out)
	if m.Text != "bye c1" {
		t.Errorf("text = %q", m.Text)
	}
}

func TestMissingChannelIdentitySkips(t *testing.T) {
	b, out := setup(Options{OnlineEnabled: true, OnlineMessage: "x {channel}"})
	b.Publish(bus.TopicSystemEvent, onlineEvent(map[string]any{"title": "T"}))
	expectSilence(t, out)
}

func TestUnresolvedPlaceholderFallsBackToMinimalForm(t *testing.T) {
	b, out := setup(Options{
		OnlineEnabled: true,
		OnlineMessage: "hello {no_such_field}",
	})

	b.Publish(bus.TopicSystemEvent, onlineEvent(map[string]any{
		"channel": "c1", "channel_id": "42",
	}))

	m := expectMessage(t, out)
	if m.Text != "@c1 is now live!" {
		t.Errorf("text = %q, want minimal fallback", m.Text)
	}
}

func TestAnnouncementClampedTo500(t *testing.T) {
	b, out := setup(Options{
		OnlineEnabled: true,
		OnlineMessage: "{title}",
	})

	b.Publish(bus.TopicSystemEvent, onlineEvent(map[string]any{
		"channel":    "c1",
		"channel_id": "42",
		"title":      strings.Repeat("x", 600),
	}))

	m := expectMessage(t, out)
	if len(m.Text) > 500 {
		t.Errorf("len = %d, want <= 500", len(m.Text))
	}
}

func TestNonEventPayloadDropped(t *testing.T) {
	b, out := setup(Options{OnlineEnabled: true, OnlineMessage: "x {channel}"})
	b.Publish(bus.TopicSystemEvent, "not an event")
	expectSilence(t, out)
}
