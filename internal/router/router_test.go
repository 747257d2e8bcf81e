package router

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nova-stream/neurobot/internal/bus"
	"github.com/nova-stream/neurobot/internal/chatmodel"
	"github.com/nova-stream/neurobot/internal/monitor"
	"github.com/nova-stream/neurobot/internal/neural"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeBrain scripts Process replies and records calls.
type fakeBrain struct {
	mu      sync.Mutex
	replies []string // consumed in order; last one repeats
	served  bool
	calls   []struct{ prompt, context string }
}

func (f *fakeBrain) Process(ctx context.Context, prompt, reqContext string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, struct{ prompt, context string }{prompt, reqContext})

	reply := ""
	if len(f.replies) > 0 {
		reply = f.replies[0]
		if len(f.replies) > 1 {
			f.replies = f.replies[1:]
		}
	}
	return reply, f.served
}

func (f *fakeBrain) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeBrain) lastCall() (prompt, context string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return "", ""
	}
	last := f.calls[len(f.calls)-1]
	return last.prompt, last.context
}

func outboundSink(b *bus.Bus) <-chan chatmodel.OutboundMessage {
	out := make(chan chatmodel.OutboundMessage, 10)
	b.Subscribe(bus.TopicChatOutbound, "test", func(v any) {
		if m, ok := v.(chatmodel.OutboundMessage); ok {
			out <- m
		}
	})
	return out
}

func inbound(text string) chatmodel.ChatMessage {
	return chatmodel.ChatMessage{
		Channel:   "c",
		ChannelID: "cid",
		UserLogin: "u1",
		UserID:    "u1",
		Text:      text,
	}
}

func expectOutbound(t *testing.T, out <-chan chatmodel.OutboundMessage) chatmodel.OutboundMessage {
	t.Helper()
	select {
	case m := <-out:
		return m
	case <-time.After(time.Second):
		t.Fatal("no outbound message")
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

func TestMentionRoutesToDispatcher(t *testing.T) {
	b := bus.New(discardLogger())
	brain := &fakeBrain{replies: []string{"\U0001F916 I'm here!"}, served: true}
	r := New(b, brain, Options{BotName: "bot"}, discardLogger())
	r.Bind()
	out := outboundSink(b)

	b.Publish(bus.TopicChatInbound, inbound("@bot hi"))

	m := expectOutbound(t, out)
	if !strings.HasPrefix(m.Text, "@u1 ") {
		t.Errorf("text = %q, want @u1 prefix", m.Text)
	}
	if len(m.Text) > 500 {
		t.Errorf("len = %d, want <= 500", len(m.Text))
	}
	if prompt, context := brain.lastCall(); prompt != "hi" || context != "mention" {
		t.Errorf("dispatched (%q, %q), want (hi, mention)", prompt, context)
	}
}

func TestBareBotNameCountsAsMention(t *testing.T) {
	b := bus.New(discardLogger())
	brain := &fakeBrain{replies: []string{"ok!"}, served: true}
	r := New(b, brain, Options{BotName: "bot"}, discardLogger())
	r.Bind()
	out := outboundSink(b)

	b.Publish(bus.TopicChatInbound, inbound("hey Bot what's up"))

	expectOutbound(t, out)
	if prompt, _ := brain.lastCall(); prompt != "hey  what's up" && prompt != "hey what's up" {
		t.Errorf("residual = %q", prompt)
	}
}

func TestMentionCooldownSuppressesSecondCall(t *testing.T) {
	b := bus.New(discardLogger())
	brain := &fakeBrain{replies: []string{"ok!"}, served: true}
	r := New(b, brain, Options{BotName: "bot", MentionCooldown: time.Hour}, discardLogger())
	r.Bind()
	out := outboundSink(b)

	b.Publish(bus.TopicChatInbound, inbound("@bot one"))
	expectOutbound(t, out)

	b.Publish(bus.TopicChatInbound, inbound("@bot two"))
	expectSilence(t, out)

	if got := brain.callCount(); got != 1 {
		t.Errorf("dispatch calls = %d, want 1", got)
	}
}

func TestMentionWithoutBrainIgnored(t *testing.T) {
	b := bus.New(discardLogger())
	r := New(b, nil, Options{BotName: "bot"}, discardLogger())
	r.Bind()
	out := outboundSink(b)

	b.Publish(bus.TopicChatInbound, inbound("@bot hi"))
	expectSilence(t, out)
}

func TestUnservedMentionStaysSilent(t *testing.T) {
	b := bus.New(discardLogger())
	brain := &fakeBrain{replies: []string{"fallback text"}, served: false}
	r := New(b, brain, Options{BotName: "bot"}, discardLogger())
	r.Bind()
	out := outboundSink(b)

	b.Publish(bus.TopicChatInbound, inbound("@bot hi"))
	expectSilence(t, out)
}

func TestDuplicateMessageSuppressed(t *testing.T) {
	b := bus.New(discardLogger())
	brain := &fakeBrain{replies: []string{"ok!"}, served: true}
	r := New(b, brain, Options{BotName: "bot"}, discardLogger())
	r.Bind()
	out := outboundSink(b)

	b.Publish(bus.TopicChatInbound, inbound("@bot hi"))
	expectOutbound(t, out)
	b.Publish(bus.TopicChatInbound, inbound("@bot hi"))
	expectSilence(t, out)
}

func TestCommandDispatch(t *testing.T) {
	b := bus.New(discardLogger())
	r := New(b, nil, Options{BotName: "bot"}, discardLogger())
	r.Bind()
	r.RegisterHandler("echo", func(ctx context.Context, msg chatmodel.ChatMessage, args []string) (string, error) {
		return strings.Join(args, " "), nil
	})
	out := outboundSink(b)

	b.Publish(bus.TopicChatInbound, inbound("!echo a b c"))

	m := expectOutbound(t, out)
	if m.Text != "@u1 a b c" {
		t.Errorf("text = %q", m.Text)
	}
}

func TestUnknownCommandStaysSilent(t *testing.T) {
	b := bus.New(discardLogger())
	r := New(b, nil, Options{BotName: "bot"}, discardLogger())
	r.Bind()
	out := outboundSink(b)

	b.Publish(bus.TopicChatInbound, inbound("!nosuch"))
	expectSilence(t, out)
}

func TestHandlerErrorProducesApology(t *testing.T) {
	b := bus.New(discardLogger())
	r := New(b, nil, Options{BotName: "bot"}, discardLogger())
	r.Bind()
	r.RegisterHandler("broken", func(ctx context.Context, msg chatmodel.ChatMessage, args []string) (string, error) {
		return "", errors.New("backend exploded")
	})
	out := outboundSink(b)

	b.Publish(bus.TopicChatInbound, inbound("!broken"))

	m := expectOutbound(t, out)
	if !strings.Contains(m.Text, "Oups") {
		t.Errorf("text = %q, want apologetic reply", m.Text)
	}
}

func TestLongReplyClampedWithEllipsis(t *testing.T) {
	b := bus.New(discardLogger())
	r := New(b, nil, Options{BotName: "bot"}, discardLogger())
	r.Bind()
	r.RegisterHandler("wall", func(ctx context.Context, msg chatmodel.ChatMessage, args []string) (string, error) {
		return strings.Repeat("x", 600), nil
	})
	out := outboundSink(b)

	b.Publish(bus.TopicChatInbound, inbound("!wall"))

	m := expectOutbound(t, out)
	if len(m.Text) != 500 || !strings.HasSuffix(m.Text, "...") {
		t.Errorf("len = %d suffix = %q, want 500 with ellipsis", len(m.Text), m.Text[len(m.Text)-3:])
	}
}

func TestAskHandlerUsesAskContext(t *testing.T) {
	b := bus.New(discardLogger())
	brain := &fakeBrain{replies: []string{"entropy is disorder"}, served: true}
	r := New(b, brain, Options{BotName: "zzz_no_mention"}, discardLogger())
	r.Bind()
	RegisterBuiltins(r, Deps{Brain: brain, Logger: discardLogger()})
	out := outboundSink(b)

	b.Publish(bus.TopicChatInbound, inbound("!ask explain entropy"))

	expectOutbound(t, out)
	if prompt, context := brain.lastCall(); prompt != "explain entropy" || context != "ask" {
		t.Errorf("dispatched (%q, %q), want (explain entropy, ask)", prompt, context)
	}
}

func TestJokeHandlerCachesPerRotation(t *testing.T) {
	b := bus.New(discardLogger())
	brain := &fakeBrain{replies: []string{"J0", "J1"}, served: true}
	cache := neural.NewResponseCache(300*time.Second, 100)
	r := New(b, brain, Options{BotName: "zzz_no_mention"}, discardLogger())
	r.Bind()
	RegisterBuiltins(r, Deps{Brain: brain, Cache: cache, Logger: discardLogger()})
	out := outboundSink(b)

	// Four calls: the session counter rotates the key after three, so
	// calls 2 and 3 are hits and call 4 recomputes.
	texts := []string{"!joke", "!joke ", "!joke  ", "!joke   "} // dedupe works on raw text
	want := []string{"@u1 J0", "@u1 J0", "@u1 J0", "@u1 J1"}
	for i, text := range texts {
		b.Publish(bus.TopicChatInbound, inbound(text))
		m := expectOutbound(t, out)
		if m.Text != want[i] {
			t.Errorf("call %d reply = %q, want %q", i+1, m.Text, want[i])
		}
	}

	if got := brain.callCount(); got != 2 {
		t.Errorf("generator calls = %d, want 2 (calls 2 and 3 cached)", got)
	}
}

// scriptedLookup backs the info-command tests.
type scriptedLookup struct {
	stream *monitor.StreamSnapshot
	user   *UserInfo
	game   *GameInfo
	err    error
}

func (s *scriptedLookup) GetStream(ctx context.Context, channel string) (*monitor.StreamSnapshot, error) {
	return s.stream, s.err
}

func (s *scriptedLookup) GetUser(ctx context.Context, login string) (*UserInfo, error) {
	return s.user, s.err
}

func (s *scriptedLookup) GetGame(ctx context.Context, name string) (*GameInfo, error) {
	return s.game, s.err
}

func TestStreamCommandPublishesInfoEvent(t *testing.T) {
	b := bus.New(discardLogger())
	lookup := &scriptedLookup{stream: &monitor.StreamSnapshot{Title: "T", GameName: "G", ViewerCount: 5}}
	r := New(b, nil, Options{BotName: "zzz_no_mention"}, discardLogger())
	r.Bind()
	RegisterBuiltins(r, Deps{Lookup: lookup, Bus: b, Logger: discardLogger()})
	out := outboundSink(b)

	infoEvents := make(chan chatmodel.SystemEvent, 1)
	b.Subscribe(bus.TopicSystemEvent, "test", func(v any) {
		if ev, ok := v.(chatmodel.SystemEvent); ok && ev.Kind == chatmodel.KindHelixStream {
			infoEvents <- ev
		}
	})

	b.Publish(bus.TopicChatInbound, inbound("!stream"))

	m := expectOutbound(t, out)
	if !strings.Contains(m.Text, "T") || !strings.Contains(m.Text, "5") {
		t.Errorf("text = %q", m.Text)
	}
	select {
	case <-infoEvents:
	case <-time.After(time.Second):
		t.Fatal("no helix.stream.info event published")
	}
}

func TestAnnounceCommandRequiresPrivilege(t *testing.T) {
	b := bus.New(discardLogger())
	var broadcasts atomic.Int32
	transport := broadcastFunc(func(ctx context.Context, text, source, exclude string) (bool, int) {
		broadcasts.Add(1)
		return true, 3
	})
	r := New(b, nil, Options{BotName: "zzz_no_mention"}, discardLogger())
	r.Bind()
	RegisterBuiltins(r, Deps{Transport: transport, Logger: discardLogger()})
	out := outboundSink(b)

	// Plain viewer: ignored.
	b.Publish(bus.TopicChatInbound, inbound("!announce big news"))
	expectSilence(t, out)

	// Moderator (distinct user so the dedupe window doesn't swallow it):
	// fans out.
	msg := inbound("!announce big news")
	msg.UserID = "mod1"
	msg.UserLogin = "mod1"
	msg.IsModerator = true
	b.Publish(bus.TopicChatInbound, msg)

	m := expectOutbound(t, out)
	if !strings.Contains(m.Text, "3") {
		t.Errorf("text = %q, want channel count", m.Text)
	}
	if got := broadcasts.Load(); got != 1 {
		t.Errorf("broadcasts = %d, want 1", got)
	}
}

type broadcastFunc func(ctx context.Context, text, source, exclude string) (bool, int)

func (f broadcastFunc) BroadcastMessage(ctx context.Context, text, source, exclude string) (bool, int) {
	return f(ctx, text, source, exclude)
}

func TestVersionCommandReplies(t *testing.T) {
	b := bus.New(discardLogger())
	r := New(b, nil, Options{BotName: "zzz_no_mention"}, discardLogger())
	r.Bind()
	RegisterBuiltins(r, Deps{Logger: discardLogger()})
	out := outboundSink(b)

	b.Publish(bus.TopicChatInbound, inbound("!version"))
	m := expectOutbound(t, out)
	if m.Text == "@u1 " {
		t.Error("version reply empty")
	}
}
