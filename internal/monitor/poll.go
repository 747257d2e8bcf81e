package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nova-stream/neurobot/internal/bus"
	"github.com/nova-stream/neurobot/internal/chatmodel"
)

// ChannelSpec names one monitored channel and its broadcaster id.
type ChannelSpec struct {
	Channel   string
	ChannelID string
}

// StreamMonitor periodically polls a StreamLookup collaborator for each
// configured channel and publishes transitions on system.event.
type StreamMonitor struct {
	lookup   StreamLookup
	bus      *bus.Bus
	logger   *slog.Logger
	interval time.Duration

	mu     sync.Mutex
	states map[string]*ChannelState
}

// NewStreamMonitor constructs a StreamMonitor for the given channels,
// defaulting interval to 60s.
func NewStreamMonitor(lookup StreamLookup, b *bus.Bus, channels []ChannelSpec, interval time.Duration, logger *slog.Logger) *StreamMonitor {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	states := make(map[string]*ChannelState, len(channels))
	for _, c := range channels {
		states[c.Channel] = &ChannelState{Channel: c.Channel, ChannelID: c.ChannelID, Status: StatusUnknown}
	}

	return &StreamMonitor{
		lookup:   lookup,
		bus:      b,
		logger:   logger.With("component", "stream_monitor"),
		interval: interval,
		states:   states,
	}
}

// Run blocks, polling every interval until ctx is cancelled.
func (m *StreamMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.pollAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.pollAll(ctx)
		}
	}
}

func (m *StreamMonitor) pollAll(ctx context.Context) {
	m.mu.Lock()
	channels := make([]string, 0, len(m.states))
	for ch := range m.states {
		channels = append(channels, ch)
	}
	m.mu.Unlock()

	for _, channel := range channels {
		select {
		case <-ctx.Done():
			return
		default:
		}
		m.pollOne(ctx, channel)
	}
}

func (m *StreamMonitor) pollOne(ctx context.Context, channel string) {
	snapshot, err := m.lookup.GetStream(ctx, channel)
	if err != nil {
		m.logger.Warn("stream lookup failed", "channel", channel, "error", err)
		return
	}

	newStatus := StatusOffline
	if snapshot != nil {
		newStatus = StatusOnline
	}

	m.mu.Lock()
	state, ok := m.states[channel]
	if !ok {
		m.mu.Unlock()
		return
	}
	prevStatus := state.Status
	state.LastCheck = time.Now()
	state.LastSeen = snapshot
	state.Status = newStatus
	channelID := state.ChannelID
	m.mu.Unlock()

	m.publishTransition(prevStatus, newStatus, channel, channelID, snapshot)
}

func (m *StreamMonitor) publishTransition(prev, next Status, channel, channelID string, snapshot *StreamSnapshot) {
	if prev == StatusUnknown {
		return
	}
	if prev == next {
		return
	}

	if next == StatusOnline {
		payload := map[string]any{
			"channel":    channel,
			"channel_id": channelID,
			"transition": true,
			"source":     "poll",
		}
		if snapshot != nil {
			payload["title"] = snapshot.Title
			payload["game_name"] = snapshot.GameName
			payload["viewer_count"] = snapshot.ViewerCount
			payload["started_at"] = snapshot.StartedAt
		}
		m.bus.Publish(bus.TopicSystemEvent, chatmodel.SystemEvent{Kind: chatmodel.KindStreamOnline, Payload: payload})
		return
	}

	m.bus.Publish(bus.TopicSystemEvent, chatmodel.SystemEvent{
		Kind: chatmodel.KindStreamOffline,
		Payload: map[string]any{
			"channel":    channel,
			"channel_id": channelID,
			"transition": true,
			"source":     "poll",
		},
	})
}

// Status returns a snapshot of one channel's tracked state.
func (m *StreamMonitor) Status(channel string) (ChannelState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[channel]
	if !ok {
		return ChannelState{}, false
	}
	return *state, true
}
