package router

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nova-stream/neurobot/internal/buildinfo"
	"github.com/nova-stream/neurobot/internal/bus"
	"github.com/nova-stream/neurobot/internal/chatmodel"
	"github.com/nova-stream/neurobot/internal/neural"
)

// defaultJokePrompt seeds the joke path; DynamicPrompt appends a style
// hint per request so the generator doesn't loop on one formulation.
const defaultJokePrompt = "Raconte une blague courte et drôle."

// Deps carries everything the built-in command set needs. Nil fields
// disable the commands that depend on them.
type Deps struct {
	Brain     Intelligence
	Cache     *neural.ResponseCache
	Lookup    Lookup
	Transport ChatTransport
	Bus       *bus.Bus
	Metrics   *neural.Metrics
	Logger    *slog.Logger

	AskCooldown  time.Duration
	JokeCooldown time.Duration
	JokePrompt   string

	// Diagnostics composes a one-shot status line (bus stats, dispatcher
	// counters, cache hit rate). Supplied by the orchestrator so the
	// handler layer stays free of wiring knowledge.
	Diagnostics func() string
}

// RegisterBuiltins wires the standard command set onto r: ask, joke,
// stream, game, whois, version, uptime, diagnostics, announce.
func RegisterBuiltins(r *Router, deps Deps) {
	if deps.JokePrompt == "" {
		deps.JokePrompt = defaultJokePrompt
	}
	askGate := NewCooldownGate(deps.AskCooldown)
	jokeGate := NewCooldownGate(deps.JokeCooldown)

	if deps.Brain != nil {
		r.RegisterHandler("ask", askHandler(deps, askGate))
		if deps.Cache != nil {
			r.RegisterHandler("joke", jokeHandler(deps, jokeGate))
		}
	}
	if deps.Lookup != nil {
		r.RegisterHandler("stream", streamHandler(deps))
		r.RegisterHandler("game", gameHandler(deps))
		r.RegisterHandler("whois", whoisHandler(deps))
	}
	if deps.Transport != nil {
		r.RegisterHandler("announce", announceHandler(deps))
	}
	if deps.Diagnostics != nil {
		r.RegisterHandler("diagnostics", diagnosticsHandler(deps))
	}
	r.RegisterHandler("version", versionHandler())
	r.RegisterHandler("uptime", uptimeHandler())
}

// askHandler routes a long-form question through the dispatcher with
// the ask context, which caps the reply at 250 characters downstream.
func askHandler(deps Deps, gate *CooldownGate) HandlerFunc {
	return func(ctx context.Context, msg chatmodel.ChatMessage, args []string) (string, error) {
		if len(args) == 0 {
			return "Pose ta question après !ask.", nil
		}
		if !gate.Allow(msg.UserID) {
			return "", nil
		}
		reply, _ := deps.Brain.Process(ctx, strings.Join(args, " "), "ask")
		return reply, nil
	}
}

// jokeHandler is the cached cheap-content path: the rotating cache key
// repeats a joke at most twice per user before forcing a fresh one.
func jokeHandler(deps Deps, gate *CooldownGate) HandlerFunc {
	return func(ctx context.Context, msg chatmodel.ChatMessage, args []string) (string, error) {
		if !gate.Allow(msg.UserID) {
			return "", nil
		}

		key := deps.Cache.GetKey(msg.UserID, deps.JokePrompt)
		if cached, ok := deps.Cache.Get(key); ok {
			if deps.Metrics != nil {
				deps.Metrics.RecordCacheHit()
			}
			return cached, nil
		}
		if deps.Metrics != nil {
			deps.Metrics.RecordCacheMiss()
		}

		reply, served := deps.Brain.Process(ctx, neural.DynamicPrompt(deps.JokePrompt), "")
		if served {
			deps.Cache.Set(key, reply)
		}
		return reply, nil
	}
}

// streamHandler reports a channel's live status. The lookup result is
// also published as an informational system.event.
func streamHandler(deps Deps) HandlerFunc {
	return func(ctx context.Context, msg chatmodel.ChatMessage, args []string) (string, error) {
		channel := msg.Channel
		if len(args) > 0 {
			channel = strings.ToLower(args[0])
		}

		snapshot, err := deps.Lookup.GetStream(ctx, channel)
		if err != nil {
			return "", fmt.Errorf("stream lookup %s: %w", channel, err)
		}

		deps.Bus.Publish(bus.TopicSystemEvent, chatmodel.SystemEvent{
			Kind:    chatmodel.KindHelixStream,
			Payload: map[string]any{"channel": channel, "live": snapshot != nil},
		})

		if snapshot == nil {
			return fmt.Sprintf("%s est hors ligne.", channel), nil
		}
		return fmt.Sprintf("%s est en live : %s (%s, %d viewers)",
			channel, snapshot.Title, snapshot.GameName, snapshot.ViewerCount), nil
	}
}

func gameHandler(deps Deps) HandlerFunc {
	return func(ctx context.Context, msg chatmodel.ChatMessage, args []string) (string, error) {
		if len(args) == 0 {
			return "Donne un nom de jeu après !game.", nil
		}
		name := strings.Join(args, " ")

		game, err := deps.Lookup.GetGame(ctx, name)
		if err != nil {
			return "", fmt.Errorf("game lookup %q: %w", name, err)
		}
		if game == nil {
			return fmt.Sprintf("Aucun jeu trouvé pour %q.", name), nil
		}

		deps.Bus.Publish(bus.TopicSystemEvent, chatmodel.SystemEvent{
			Kind:    chatmodel.KindHelixGame,
			Payload: map[string]any{"id": game.ID, "name": game.Name},
		})
		return fmt.Sprintf("%s (id %s)", game.Name, game.ID), nil
	}
}

func whoisHandler(deps Deps) HandlerFunc {
	return func(ctx context.Context, msg chatmodel.ChatMessage, args []string) (string, error) {
		login := msg.UserLogin
		if len(args) > 0 {
			login = strings.TrimPrefix(strings.ToLower(args[0]), "@")
		}

		user, err := deps.Lookup.GetUser(ctx, login)
		if err != nil {
			return "", fmt.Errorf("user lookup %q: %w", login, err)
		}
		if user == nil {
			return fmt.Sprintf("Utilisateur %q introuvable.", login), nil
		}

		deps.Bus.Publish(bus.TopicSystemEvent, chatmodel.SystemEvent{
			Kind:    chatmodel.KindHelixUser,
			Payload: map[string]any{"id": user.ID, "login": user.Login},
		})

		since := ""
		if !user.CreatedAt.IsZero() {
			since = fmt.Sprintf(", sur Twitch depuis %s", user.CreatedAt.Format("2006-01-02"))
		}
		return fmt.Sprintf("%s (id %s%s)", user.DisplayName, user.ID, since), nil
	}
}

// announceHandler fans a message out to every joined channel. Reserved
// for the broadcaster and moderators.
func announceHandler(deps Deps) HandlerFunc {
	return func(ctx context.Context, msg chatmodel.ChatMessage, args []string) (string, error) {
		if !msg.IsBroadcaster && !msg.IsModerator {
			return "", nil
		}
		if len(args) == 0 {
			return "Donne un message après !announce.", nil
		}

		text := strings.Join(args, " ")
		ok, total := deps.Transport.BroadcastMessage(ctx, text, msg.Channel, msg.Channel)
		if !ok {
			return "", fmt.Errorf("broadcast from %s failed", msg.Channel)
		}
		return fmt.Sprintf("Message diffusé sur %d salons.", total), nil
	}
}

func diagnosticsHandler(deps Deps) HandlerFunc {
	return func(ctx context.Context, msg chatmodel.ChatMessage, args []string) (string, error) {
		if !msg.IsBroadcaster && !msg.IsModerator {
			return "", nil
		}
		return deps.Diagnostics(), nil
	}
}

func versionHandler() HandlerFunc {
	return func(ctx context.Context, msg chatmodel.ChatMessage, args []string) (string, error) {
		return buildinfo.ContextString(), nil
	}
}

func uptimeHandler() HandlerFunc {
	return func(ctx context.Context, msg chatmodel.ChatMessage, args []string) (string, error) {
		return "En ligne depuis " + buildinfo.Uptime().String(), nil
	}
}
