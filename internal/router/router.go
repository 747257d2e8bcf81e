// Package router consumes inbound chat from the bus and turns it into
// replies: prefix commands dispatch to registered handlers, mentions of
// the bot route to the neural dispatcher, and everything else is
// ignored. Replies are published on chat.outbound.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/nova-stream/neurobot/internal/bus"
	"github.com/nova-stream/neurobot/internal/chatmodel"
	"github.com/nova-stream/neurobot/internal/monitor"
)

const maxReplyLen = 500

// HandlerFunc serves one chat command. args excludes the command word
// itself. A non-empty reply is published to the originating channel; an
// error produces a short apologetic reply.
type HandlerFunc func(ctx context.Context, msg chatmodel.ChatMessage, args []string) (string, error)

// Intelligence is the dispatcher surface the router needs. Satisfied by
// *neural.Dispatcher; tests substitute a fake.
type Intelligence interface {
	Process(ctx context.Context, prompt, reqContext string) (string, bool)
}

// ChatTransport is the fan-out surface of the chat collaborator, used
// by the broadcast command. No production implementation ships in this
// module; embedders supply their own IRC client.
type ChatTransport interface {
	BroadcastMessage(ctx context.Context, text, sourceChannel, excludeChannel string) (ok bool, total int)
}

// UserInfo is the read-only user record returned by a Lookup.
type UserInfo struct {
	ID          string
	Login       string
	DisplayName string
	Description string
	CreatedAt   time.Time
}

// GameInfo is the read-only game/category record returned by a Lookup.
type GameInfo struct {
	ID        string
	Name      string
	BoxArtURL string
}

// Lookup is the full read-only REST collaborator surface the info
// commands use. It extends monitor.StreamLookup with user and game
// lookups.
type Lookup interface {
	monitor.StreamLookup
	GetUser(ctx context.Context, login string) (*UserInfo, error)
	GetGame(ctx context.Context, name string) (*GameInfo, error)
}

// Options tunes the router.
type Options struct {
	// BotName drives mention detection (default "neurobot").
	BotName string
	// Prefix starts a command (default "!").
	Prefix string
	// MentionCooldown is the per-user gap between served mentions
	// (default 15s).
	MentionCooldown time.Duration
	// DedupeSize bounds the (user, text) duplicate-suppression window
	// (default 100).
	DedupeSize int
	// HandlerTimeout bounds one command's execution (default 60s); the
	// backends underneath own their finer-grained budgets.
	HandlerTimeout time.Duration
}

func (o *Options) applyDefaults() {
	if o.BotName == "" {
		o.BotName = "neurobot"
	}
	if o.Prefix == "" {
		o.Prefix = "!"
	}
	if o.MentionCooldown <= 0 {
		o.MentionCooldown = 15 * time.Second
	}
	if o.DedupeSize <= 0 {
		o.DedupeSize = 100
	}
	if o.HandlerTimeout <= 0 {
		o.HandlerTimeout = 60 * time.Second
	}
}

// CooldownGate enforces a per-user minimum interval. The zero interval
// means no gating.
type CooldownGate struct {
	interval time.Duration
	mu       sync.Mutex
	last     map[string]time.Time
}

// NewCooldownGate builds a gate with the given per-user interval.
func NewCooldownGate(interval time.Duration) *CooldownGate {
	return &CooldownGate{interval: interval, last: make(map[string]time.Time)}
}

// Allow reports whether userID may proceed, and records the attempt if so.
func (g *CooldownGate) Allow(userID string) bool {
	if g == nil || g.interval <= 0 {
		return true
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	now := time.Now()
	if last, ok := g.last[userID]; ok && now.Sub(last) < g.interval {
		return false
	}
	g.last[userID] = now
	return true
}

// Router is the chat.inbound consumer.
type Router struct {
	bus    *bus.Bus
	brain  Intelligence // may be nil when no LLM is configured
	opts   Options
	logger *slog.Logger

	mentionRe   *regexp.Regexp
	mentionGate *CooldownGate

	mu       sync.Mutex
	handlers map[string]HandlerFunc
	seen     map[string]struct{}
	seenFIFO []string
}

// New constructs a Router. brain may be nil; mentions are then ignored.
// Call Bind to attach it to the bus, and RegisterHandler for each
// command before traffic arrives.
func New(b *bus.Bus, brain Intelligence, opts Options, logger *slog.Logger) *Router {
	opts.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		bus:         b,
		brain:       brain,
		opts:        opts,
		logger:      logger.With("component", "command_router"),
		mentionRe:   mentionPattern(opts.BotName),
		mentionGate: NewCooldownGate(opts.MentionCooldown),
		handlers:    make(map[string]HandlerFunc),
		seen:        make(map[string]struct{}),
	}
}

// mentionPattern matches @botname or the bare bot name as a word,
// case-insensitively, anywhere in the text.
func mentionPattern(botName string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)@?\b` + regexp.QuoteMeta(botName) + `\b`)
}

// Bind subscribes the router to chat.inbound.
func (r *Router) Bind() {
	r.bus.Subscribe(bus.TopicChatInbound, "command-router", r.handleInbound)
}

// RegisterHandler maps a command name (without prefix, lowercase) to fn.
// Registration is expected at construction time; there is no dynamic
// unregistration.
func (r *Router) RegisterHandler(name string, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[strings.ToLower(name)] = fn
}

// handleInbound is the bus handler for one chat line.
func (r *Router) handleInbound(v any) {
	msg, ok := v.(chatmodel.ChatMessage)
	if !ok {
		r.logger.Warn("dropping non-chat payload on chat.inbound", "type", fmt.Sprintf("%T", v))
		return
	}

	if r.isDuplicate(msg) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.opts.HandlerTimeout)
	defer cancel()

	if r.mentionRe.MatchString(msg.Text) {
		r.handleMention(ctx, msg)
		return
	}

	if strings.HasPrefix(msg.Text, r.opts.Prefix) {
		r.handleCommand(ctx, msg)
	}
}

// isDuplicate suppresses repeats of the same (user, text) within the
// bounded window.
func (r *Router) isDuplicate(msg chatmodel.ChatMessage) bool {
	key := msg.UserID + "\x00" + msg.Text

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.seen[key]; dup {
		return true
	}
	r.seen[key] = struct{}{}
	r.seenFIFO = append(r.seenFIFO, key)
	if len(r.seenFIFO) > r.opts.DedupeSize {
		oldest := r.seenFIFO[0]
		r.seenFIFO = r.seenFIFO[1:]
		delete(r.seen, oldest)
	}
	return false
}

// handleMention strips the mention token, applies the per-user cooldown,
// and routes the residual text to the dispatcher. A mention that cannot
// be served (no brain, cooldown, fallback reply) is silently ignored —
// an apology here would invite spam loops.
func (r *Router) handleMention(ctx context.Context, msg chatmodel.ChatMessage) {
	if r.brain == nil {
		return
	}
	if !r.mentionGate.Allow(msg.UserID) {
		r.logger.Debug("mention suppressed by cooldown", "user", msg.UserLogin)
		return
	}

	residual := strings.TrimSpace(r.mentionRe.ReplaceAllString(msg.Text, ""))
	reply, served := r.brain.Process(ctx, residual, "mention")
	if !served {
		return
	}
	r.reply(msg, reply)
}

// handleCommand splits the prefix command and dispatches to its handler.
// Unknown commands stay silent.
func (r *Router) handleCommand(ctx context.Context, msg chatmodel.ChatMessage) {
	fields := strings.Fields(strings.TrimPrefix(msg.Text, r.opts.Prefix))
	if len(fields) == 0 {
		return
	}
	name := strings.ToLower(fields[0])
	args := fields[1:]

	r.mu.Lock()
	handler, ok := r.handlers[name]
	r.mu.Unlock()
	if !ok {
		return
	}

	reply, err := handler(ctx, msg, args)
	if err != nil {
		r.logger.Warn("command failed", "command", name, "channel", msg.Channel, "error", err)
		r.reply(msg, "Oups, petit souci de mon côté. Réessaie dans un instant.")
		return
	}
	if reply != "" {
		r.reply(msg, reply)
	}
}

// reply publishes text back to the originating channel, addressed to
// the sender and clamped to the chat limit.
func (r *Router) reply(msg chatmodel.ChatMessage, text string) {
	who := msg.UserLogin
	if who == "" {
		who = msg.UserID
	}
	out := "@" + who + " " + text
	r.bus.Publish(bus.TopicChatOutbound, chatmodel.OutboundMessage{
		Channel:   msg.Channel,
		ChannelID: msg.ChannelID,
		Text:      clamp(out, maxReplyLen),
	})
}

// clamp truncates s to max bytes, marking the cut with an ellipsis.
func clamp(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
