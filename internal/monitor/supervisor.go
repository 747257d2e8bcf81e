package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Method selects how the Supervisor sources stream-status transitions.
const (
	MethodAuto = "auto"
	MethodPush = "push"
	MethodPoll = "poll"
)

// Supervisor chooses between the push client and the polling monitor.
// Both are constructed up front by the caller so the auto-mode fallback
// is synchronous — no construction-time I/O happens inside Start.
//
// Downstream consumers see the same topic and payload schema from either
// source; only the payload's "source" tag differs.
type Supervisor struct {
	method string
	push   *EventSubClient
	poll   *StreamMonitor
	logger *slog.Logger

	mu         sync.Mutex
	active     string
	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// NewSupervisor builds a Supervisor. push may be nil when method is
// "poll"; poll may be nil when method is "push".
func NewSupervisor(method string, push *EventSubClient, poll *StreamMonitor, logger *slog.Logger) *Supervisor {
	if method == "" {
		method = MethodAuto
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		method: method,
		push:   push,
		poll:   poll,
		logger: logger.With("component", "monitor_supervisor"),
	}
}

// Start activates the configured source. In auto mode a failed push
// start falls back to polling; in push mode the error is returned.
func (s *Supervisor) Start(ctx context.Context) error {
	switch s.method {
	case MethodPush:
		if s.push == nil {
			return fmt.Errorf("monitoring method %q but no push client configured", s.method)
		}
		if err := s.push.Start(ctx); err != nil {
			return err
		}
		s.setActive(MethodPush)
		s.logger.Info("stream monitoring active", "source", MethodPush)
		return nil

	case MethodPoll:
		return s.startPoll(ctx)

	case MethodAuto:
		if s.push != nil {
			if err := s.push.Start(ctx); err == nil {
				s.setActive(MethodPush)
				s.logger.Info("stream monitoring active", "source", MethodPush)
				return nil
			} else {
				s.logger.Warn("push monitoring unavailable, falling back to polling", "error", err)
			}
		}
		return s.startPoll(ctx)

	default:
		return fmt.Errorf("unknown monitoring method %q", s.method)
	}
}

func (s *Supervisor) startPoll(ctx context.Context) error {
	if s.poll == nil {
		return fmt.Errorf("polling monitor not configured")
	}

	pollCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	s.mu.Lock()
	s.pollCancel = cancel
	s.pollDone = done
	s.mu.Unlock()
	s.setActive(MethodPoll)

	go func() {
		defer close(done)
		s.poll.Run(pollCtx)
	}()

	s.logger.Info("stream monitoring active", "source", MethodPoll)
	return nil
}

// Active reports which source is currently running ("push", "poll", or
// "" before Start).
func (s *Supervisor) Active() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Supervisor) setActive(source string) {
	s.mu.Lock()
	s.active = source
	s.mu.Unlock()
}

// Stop shuts down whichever source is active.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	active := s.active
	cancel := s.pollCancel
	done := s.pollDone
	s.active = ""
	s.mu.Unlock()

	switch active {
	case MethodPush:
		s.push.Stop()
	case MethodPoll:
		if cancel != nil {
			cancel()
			<-done
		}
	}
}
