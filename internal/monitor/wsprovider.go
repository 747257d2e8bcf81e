package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// WSSubscriptionProvider is the production SubscriptionProvider: a
// websocket session against the push provider's EventSub endpoint. The
// session delivers a welcome frame on connect, periodic keepalives, and
// notification frames for subscribed topics. Subscription requests are
// correlated to their responses by message id.
type WSSubscriptionProvider struct {
	endpoint       string
	keepaliveGrace time.Duration

	connMu sync.Mutex
	conn   *websocket.Conn

	// Response channels keyed by request message id.
	pending   map[string]chan wsResponse
	pendingMu sync.Mutex

	notifications chan Notification

	lastMsgMu sync.Mutex
	lastMsg   time.Time
	sessionID string

	logger *slog.Logger
}

// wsEnvelope is the provider's message framing: every frame carries
// metadata naming its type, plus a type-dependent payload.
type wsEnvelope struct {
	Metadata wsMetadata      `json:"metadata"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

type wsMetadata struct {
	MessageID   string `json:"message_id"`
	MessageType string `json:"message_type"`
	Timestamp   string `json:"message_timestamp,omitempty"`
}

// wsSessionPayload is the payload of a session_welcome frame.
type wsSessionPayload struct {
	Session struct {
		ID                      string `json:"id"`
		Status                  string `json:"status"`
		KeepaliveTimeoutSeconds int    `json:"keepalive_timeout_seconds"`
	} `json:"session"`
}

// wsSubscribePayload is the payload of a subscription_request frame.
type wsSubscribePayload struct {
	Subscription wsSubscription `json:"subscription"`
}

type wsSubscription struct {
	Type      string            `json:"type"`
	Version   string            `json:"version"`
	Condition map[string]string `json:"condition"`
}

// wsResponsePayload is the payload of a subscription_response frame.
type wsResponsePayload struct {
	RequestID string `json:"request_id"`
	Status    int    `json:"status"`
	Error     string `json:"error,omitempty"`
}

// wsNotificationPayload is the payload of a notification frame.
type wsNotificationPayload struct {
	Subscription wsSubscription `json:"subscription"`
	Event        struct {
		BroadcasterUserID    string `json:"broadcaster_user_id"`
		BroadcasterUserLogin string `json:"broadcaster_user_login"`
		Title                string `json:"title,omitempty"`
		CategoryName         string `json:"category_name,omitempty"`
		ViewerCount          int    `json:"viewer_count,omitempty"`
		StartedAt            string `json:"started_at,omitempty"`
	} `json:"event"`
}

// wsResponse carries a subscription response to the waiting request.
type wsResponse struct {
	Status int
	Error  string
}

// NewWSSubscriptionProvider creates a provider for the given websocket
// endpoint. keepaliveGrace is how long the session may go without any
// frame before Alive reports false; zero defaults to 30s.
func NewWSSubscriptionProvider(endpoint string, keepaliveGrace time.Duration, logger *slog.Logger) *WSSubscriptionProvider {
	if keepaliveGrace <= 0 {
		keepaliveGrace = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WSSubscriptionProvider{
		endpoint:       endpoint,
		keepaliveGrace: keepaliveGrace,
		pending:        make(map[string]chan wsResponse),
		notifications:  make(chan Notification, 100),
		logger:         logger.With("component", "ws_provider"),
	}
}

// Connect dials the endpoint, waits for the session_welcome frame, and
// starts the read loop. Safe to call again after a Close to establish a
// fresh session.
func (p *WSSubscriptionProvider) Connect(ctx context.Context) error {
	p.connMu.Lock()
	defer p.connMu.Unlock()

	u, err := url.Parse(p.endpoint)
	if err != nil {
		return fmt.Errorf("parse endpoint: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}

	p.logger.Info("connecting to push provider", "url", u.String())

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial websocket: %w", err)
	}

	var welcome wsEnvelope
	if err := conn.ReadJSON(&welcome); err != nil {
		conn.Close()
		return fmt.Errorf("read welcome: %w", err)
	}
	if welcome.Metadata.MessageType != "session_welcome" {
		conn.Close()
		return fmt.Errorf("expected session_welcome, got %s", welcome.Metadata.MessageType)
	}

	var session wsSessionPayload
	if err := json.Unmarshal(welcome.Payload, &session); err != nil {
		conn.Close()
		return fmt.Errorf("unmarshal session: %w", err)
	}

	p.conn = conn
	p.sessionID = session.Session.ID
	p.touch()

	p.logger.Info("push session established", "session_id", p.sessionID)

	go p.readLoop(conn)
	return nil
}

// SubscribeStreamOnline subscribes to stream.online for broadcasterID.
func (p *WSSubscriptionProvider) SubscribeStreamOnline(ctx context.Context, broadcasterID string) error {
	return p.subscribe(ctx, "stream.online", broadcasterID)
}

// SubscribeStreamOffline subscribes to stream.offline for broadcasterID.
func (p *WSSubscriptionProvider) SubscribeStreamOffline(ctx context.Context, broadcasterID string) error {
	return p.subscribe(ctx, "stream.offline", broadcasterID)
}

// subscribe sends a subscription_request frame and waits for its
// response. A 429-class response surfaces as ErrSubscriptionCost so the
// caller can park the subscription for retry.
func (p *WSSubscriptionProvider) subscribe(ctx context.Context, kind, broadcasterID string) error {
	id := uuid.NewString()

	payload, err := json.Marshal(wsSubscribePayload{
		Subscription: wsSubscription{
			Type:      kind,
			Version:   "1",
			Condition: map[string]string{"broadcaster_user_id": broadcasterID},
		},
	})
	if err != nil {
		return fmt.Errorf("marshal subscription: %w", err)
	}

	respCh := make(chan wsResponse, 1)
	p.pendingMu.Lock()
	p.pending[id] = respCh
	p.pendingMu.Unlock()
	defer func() {
		p.pendingMu.Lock()
		delete(p.pending, id)
		p.pendingMu.Unlock()
	}()

	env := wsEnvelope{
		Metadata: wsMetadata{MessageID: id, MessageType: "subscription_request"},
		Payload:  payload,
	}
	p.connMu.Lock()
	conn := p.conn
	if conn == nil {
		p.connMu.Unlock()
		return fmt.Errorf("subscribe %s: not connected", kind)
	}
	err = conn.WriteJSON(env)
	p.connMu.Unlock()
	if err != nil {
		return fmt.Errorf("send subscription_request: %w", err)
	}

	select {
	case resp := <-respCh:
		switch {
		case resp.Status == 429:
			return fmt.Errorf("subscribe %s for %s: %w", kind, broadcasterID, ErrSubscriptionCost)
		case resp.Status >= 400:
			return fmt.Errorf("subscribe %s for %s: status %d: %s", kind, broadcasterID, resp.Status, resp.Error)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(10 * time.Second):
		return fmt.Errorf("subscribe %s for %s: timeout waiting for response", kind, broadcasterID)
	}
}

// Notifications returns the channel push events arrive on. The channel
// is owned by the provider and stays open across reconnects.
func (p *WSSubscriptionProvider) Notifications() <-chan Notification {
	return p.notifications
}

// Alive reports whether the session has seen any frame (keepalive or
// otherwise) within the keepalive grace window.
func (p *WSSubscriptionProvider) Alive() bool {
	p.connMu.Lock()
	connected := p.conn != nil
	p.connMu.Unlock()
	if !connected {
		return false
	}

	p.lastMsgMu.Lock()
	defer p.lastMsgMu.Unlock()
	return time.Since(p.lastMsg) < p.keepaliveGrace
}

// Close tears down the current session. The notification channel stays
// open so consumers survive a reconnect.
func (p *WSSubscriptionProvider) Close() error {
	p.connMu.Lock()
	defer p.connMu.Unlock()

	if p.conn != nil {
		err := p.conn.Close()
		p.conn = nil
		return err
	}
	return nil
}

// touch records frame arrival for the liveness check.
func (p *WSSubscriptionProvider) touch() {
	p.lastMsgMu.Lock()
	p.lastMsg = time.Now()
	p.lastMsgMu.Unlock()
}

// readLoop reads frames from conn until it dies. It only dispatches;
// reconnection is owned by the EventSubClient's supervisor, which
// notices the stale session via Alive.
func (p *WSSubscriptionProvider) readLoop(conn *websocket.Conn) {
	for {
		var env wsEnvelope
		if err := conn.ReadJSON(&env); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				p.logger.Info("push session closed")
				return
			}
			p.logger.Warn("push session read error", "error", err)
			return
		}
		p.touch()

		switch env.Metadata.MessageType {
		case "session_keepalive":
			// Liveness only; touch already recorded it.

		case "subscription_response":
			var resp wsResponsePayload
			if err := json.Unmarshal(env.Payload, &resp); err != nil {
				p.logger.Warn("bad subscription_response payload", "error", err)
				continue
			}
			p.pendingMu.Lock()
			if ch, ok := p.pending[resp.RequestID]; ok {
				ch <- wsResponse{Status: resp.Status, Error: resp.Error}
			}
			p.pendingMu.Unlock()

		case "notification":
			var note wsNotificationPayload
			if err := json.Unmarshal(env.Payload, &note); err != nil {
				p.logger.Warn("bad notification payload", "error", err)
				continue
			}
			n := Notification{
				Kind:          note.Subscription.Type,
				ChannelLogin:  note.Event.BroadcasterUserLogin,
				BroadcasterID: note.Event.BroadcasterUserID,
				Title:         note.Event.Title,
				GameName:      note.Event.CategoryName,
				ViewerCount:   note.Event.ViewerCount,
			}
			if note.Event.StartedAt != "" {
				if t, err := time.Parse(time.RFC3339, note.Event.StartedAt); err == nil {
					n.StartedAt = t
				}
			}
			select {
			case p.notifications <- n:
			default:
				p.logger.Warn("notification channel full, dropping event", "kind", n.Kind)
			}

		case "session_reconnect":
			// The provider is about to retire this session. Treated the
			// same as a dead connection: the supervisor restarts us.
			p.logger.Info("push session reconnect requested")

		default:
			p.logger.Debug("unhandled push frame", "type", env.Metadata.MessageType)
		}
	}
}
