package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nova-stream/neurobot/internal/bus"
	"github.com/nova-stream/neurobot/internal/chatmodel"
	"github.com/nova-stream/neurobot/internal/connwatch"
)

// EventSubClientOptions tunes the retry queue and connection supervisor.
// Zero values take the production defaults; tests compress them.
type EventSubClientOptions struct {
	// RetryBase is the first parked-subscription retry delay (default 30s).
	RetryBase time.Duration
	// RetryCap bounds parked-subscription backoff growth (default 300s).
	RetryCap time.Duration
	// RetryAttempts is how many times a parked subscription is retried
	// before giving up (default 3).
	RetryAttempts int
	// LivenessInterval is how often the supervisor checks the connection
	// (default 60s).
	LivenessInterval time.Duration
	// ReconnectBase is the first reconnect delay after a dead connection
	// (default 10s, doubling).
	ReconnectBase time.Duration
	// ReconnectAttempts bounds the reconnect sequence; exhausting it
	// marks the client permanently failed (default 5).
	ReconnectAttempts int
}

func (o *EventSubClientOptions) applyDefaults() {
	if o.RetryBase <= 0 {
		o.RetryBase = 30 * time.Second
	}
	if o.RetryCap <= 0 {
		o.RetryCap = 300 * time.Second
	}
	if o.RetryAttempts <= 0 {
		o.RetryAttempts = 3
	}
	if o.LivenessInterval <= 0 {
		o.LivenessInterval = 60 * time.Second
	}
	if o.ReconnectBase <= 0 {
		o.ReconnectBase = 10 * time.Second
	}
	if o.ReconnectAttempts <= 0 {
		o.ReconnectAttempts = 5
	}
}

// parkedSub is one subscription the provider rejected for cost; the
// background retry goroutine re-attempts it on its own backoff schedule.
type parkedSub struct {
	kind          string // "stream.online" or "stream.offline"
	broadcasterID string
}

// EventSubClient consumes a push-based SubscriptionProvider and
// publishes the same system.event contract as the polling StreamMonitor,
// tagged source "push". It owns subscription fan-out, a retry queue for
// cost-rejected subscriptions, and a connection supervisor that restarts
// the whole session when the provider goes quiet.
type EventSubClient struct {
	provider SubscriptionProvider
	bus      *bus.Bus
	logger   *slog.Logger
	opts     EventSubClientOptions

	channels []ChannelSpec
	// loginByID resolves notifications whose channel login is missing.
	loginByID map[string]string

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	watcher *connwatch.Watcher
	parked  chan parkedSub
	wg      sync.WaitGroup
}

// NewEventSubClient constructs a client over provider for the given
// channels. Nothing touches the network until Start.
func NewEventSubClient(provider SubscriptionProvider, b *bus.Bus, channels []ChannelSpec, opts EventSubClientOptions, logger *slog.Logger) *EventSubClient {
	opts.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	loginByID := make(map[string]string, len(channels))
	for _, c := range channels {
		loginByID[c.ChannelID] = c.Channel
	}

	return &EventSubClient{
		provider:  provider,
		bus:       b,
		logger:    logger.With("component", "eventsub"),
		opts:      opts,
		channels:  channels,
		loginByID: loginByID,
	}
}

// Start connects the provider, fans out the subscription set, and spawns
// the notification pump, retry queue, and connection supervisor. An error
// means the push path is unusable right now; the caller (Supervisor)
// decides whether to fall back to polling.
func (c *EventSubClient) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New("eventsub client already started")
	}
	c.mu.Unlock()

	if err := c.provider.Connect(ctx); err != nil {
		return fmt.Errorf("eventsub connect: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	c.started = true
	c.cancel = cancel
	c.parked = make(chan parkedSub, 2*len(c.channels)+1)
	c.mu.Unlock()

	c.subscribeAll(runCtx)

	c.wg.Add(2)
	go c.pump(runCtx)
	go c.retryLoop(runCtx)

	watcher := connwatch.Watch(runCtx, connwatch.WatcherConfig{
		Name: "eventsub",
		Probe: func(ctx context.Context) error {
			if !c.provider.Alive() {
				return errors.New("push session not alive")
			}
			return nil
		},
		Recover:      c.restart,
		PollInterval: c.opts.LivenessInterval,
		Recovery: connwatch.Backoff{
			InitialDelay: c.opts.ReconnectBase,
			Multiplier:   2.0,
			MaxAttempts:  c.opts.ReconnectAttempts,
		},
		OnPermanentFailure: func(err error) {
			c.logger.Error("push connection permanently failed", "error", err)
		},
		Logger: c.logger,
	})

	c.mu.Lock()
	c.watcher = watcher
	c.mu.Unlock()

	return nil
}

// Failed reports whether the connection supervisor has given up.
func (c *EventSubClient) Failed() bool {
	c.mu.Lock()
	w := c.watcher
	c.mu.Unlock()
	return w != nil && w.Failed()
}

// Stop cancels the retry queue and supervisor, closes the subscription,
// and waits for the pump to drain.
func (c *EventSubClient) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	cancel := c.cancel
	watcher := c.watcher
	c.mu.Unlock()

	cancel()
	if watcher != nil {
		watcher.Stop()
	}
	if err := c.provider.Close(); err != nil {
		c.logger.Debug("provider close", "error", err)
	}
	c.wg.Wait()
}

// subscribeAll fans out stream.online + stream.offline subscriptions for
// every channel concurrently, parking cost-rejected ones for retry.
func (c *EventSubClient) subscribeAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, ch := range c.channels {
		for _, kind := range []string{chatmodel.KindStreamOnline, chatmodel.KindStreamOffline} {
			wg.Add(1)
			go func(kind, id, login string) {
				defer wg.Done()
				c.subscribeOne(ctx, kind, id, login)
			}(kind, ch.ChannelID, ch.Channel)
		}
	}
	wg.Wait()
}

// subscribeOne attempts a single subscription, parking it on cost
// rejection. Other errors are logged; the session supervisor deals with
// dead connections.
func (c *EventSubClient) subscribeOne(ctx context.Context, kind, broadcasterID, login string) {
	var err error
	switch kind {
	case chatmodel.KindStreamOnline:
		err = c.provider.SubscribeStreamOnline(ctx, broadcasterID)
	case chatmodel.KindStreamOffline:
		err = c.provider.SubscribeStreamOffline(ctx, broadcasterID)
	default:
		return
	}
	if err == nil {
		c.logger.Debug("subscribed", "kind", kind, "channel", login)
		return
	}

	if errors.Is(err, ErrSubscriptionCost) {
		c.logger.Warn("subscription cost exceeded, parking for retry",
			"kind", kind, "channel", login)
		select {
		case c.parked <- parkedSub{kind: kind, broadcasterID: broadcasterID}:
		default:
			c.logger.Warn("retry queue full, dropping parked subscription",
				"kind", kind, "channel", login)
		}
		return
	}
	c.logger.Warn("subscription failed", "kind", kind, "channel", login, "error", err)
}

// retryLoop drains the parked queue. Each parked subscription gets its
// own backoff schedule (base, ×2, capped) and attempt budget.
func (c *EventSubClient) retryLoop(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case sub := <-c.parked:
			c.wg.Add(1)
			go func(sub parkedSub) {
				defer c.wg.Done()
				c.retryParked(ctx, sub)
			}(sub)
		}
	}
}

func (c *EventSubClient) retryParked(ctx context.Context, sub parkedSub) {
	delay := c.opts.RetryBase
	for attempt := 1; attempt <= c.opts.RetryAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		var err error
		switch sub.kind {
		case chatmodel.KindStreamOnline:
			err = c.provider.SubscribeStreamOnline(ctx, sub.broadcasterID)
		case chatmodel.KindStreamOffline:
			err = c.provider.SubscribeStreamOffline(ctx, sub.broadcasterID)
		}
		if err == nil {
			c.logger.Info("parked subscription recovered",
				"kind", sub.kind, "broadcaster_id", sub.broadcasterID, "attempt", attempt)
			return
		}

		c.logger.Debug("parked subscription retry failed",
			"kind", sub.kind, "broadcaster_id", sub.broadcasterID,
			"attempt", attempt, "error", err)

		delay *= 2
		if delay > c.opts.RetryCap {
			delay = c.opts.RetryCap
		}
	}
	c.logger.Warn("parked subscription abandoned",
		"kind", sub.kind, "broadcaster_id", sub.broadcasterID)
}

// pump converts provider notifications into system.event publishes.
func (c *EventSubClient) pump(ctx context.Context) {
	defer c.wg.Done()
	notifications := c.provider.Notifications()
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-notifications:
			if !ok {
				return
			}
			c.publish(n)
		}
	}
}

// publish maps one push notification onto the unified event contract.
// Missing logins are resolved via the broadcaster-id map; an
// unresolvable offline event is dropped, an unresolvable online event
// falls back to the literal channel name "unknown".
func (c *EventSubClient) publish(n Notification) {
	login := n.ChannelLogin
	if login == "" {
		login = c.loginByID[n.BroadcasterID]
	}

	switch n.Kind {
	case chatmodel.KindStreamOnline:
		if login == "" {
			c.logger.Warn("online notification with unresolvable channel",
				"broadcaster_id", n.BroadcasterID)
			login = "unknown"
		}
		payload := map[string]any{
			"channel":      login,
			"channel_id":   n.BroadcasterID,
			"title":        n.Title,
			"game_name":    n.GameName,
			"viewer_count": n.ViewerCount,
			"started_at":   n.StartedAt,
			"transition":   true,
			"source":       "push",
		}
		c.bus.Publish(bus.TopicSystemEvent, chatmodel.SystemEvent{Kind: chatmodel.KindStreamOnline, Payload: payload})

	case chatmodel.KindStreamOffline:
		if login == "" {
			c.logger.Warn("dropping offline notification with unresolvable channel",
				"broadcaster_id", n.BroadcasterID)
			return
		}
		c.bus.Publish(bus.TopicSystemEvent, chatmodel.SystemEvent{
			Kind: chatmodel.KindStreamOffline,
			Payload: map[string]any{
				"channel":    login,
				"channel_id": n.BroadcasterID,
				"transition": true,
				"source":     "push",
			},
		})

	default:
		c.logger.Debug("ignoring notification", "kind", n.Kind)
	}
}

// restart tears the session down and re-runs the full start sequence:
// reconnect, then re-subscribe every channel. Called by the supervisor's
// recovery loop, which owns the backoff schedule.
func (c *EventSubClient) restart(ctx context.Context) error {
	c.logger.Info("restarting push session")
	if err := c.provider.Close(); err != nil {
		c.logger.Debug("close before restart", "error", err)
	}
	if err := c.provider.Connect(ctx); err != nil {
		return fmt.Errorf("reconnect: %w", err)
	}
	c.subscribeAll(ctx)
	return nil
}
