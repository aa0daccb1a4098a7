package events

import (
	"log/slog"
	"sync"
	"time"
)

const (
	defaultBuffer       = 256
	defaultCriticalWait = 600 * time.Millisecond
)

// Event is one server-to-client message routed by recognition session id.
// Payload is a protocol message value.
type Event struct {
	SessionID string
	Type      string
	Payload   any
	// Critical events wait for a slow subscriber; the rest are dropped.
	Critical bool
}

// Mirror receives a copy of every published event, e.g. for fan-out to other
// services.
type Mirror interface {
	Mirror(ev Event)
}

type subscriber struct {
	ch   chan Event
	done chan struct{}
	once sync.Once
}

// Hub routes events to the subscribers of a session. Each session has its own
// subscriber set, so concurrent sessions never share delivery state.
type Hub struct {
	mu           sync.RWMutex
	subs         map[string]map[*subscriber]struct{}
	buffer       int
	criticalWait time.Duration
	mirror       Mirror
	onDrop       func(ev Event)
	log          *slog.Logger
}

type Option func(*Hub)

func WithBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

func WithCriticalWait(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.criticalWait = d
		}
	}
}

func WithMirror(m Mirror) Option {
	return func(h *Hub) { h.mirror = m }
}

// WithDropHook registers a function called for every event a subscriber missed.
func WithDropHook(fn func(ev Event)) Option {
	return func(h *Hub) { h.onDrop = fn }
}

func WithLogger(logger *slog.Logger) Option {
	return func(h *Hub) {
		if logger != nil {
			h.log = logger
		}
	}
}

func NewHub(opts ...Option) *Hub {
	h := &Hub{
		subs:         make(map[string]map[*subscriber]struct{}),
		buffer:       defaultBuffer,
		criticalWait: defaultCriticalWait,
		log:          slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscribe returns the event stream for sessionID and a cancel func. The
// channel is never closed; callers stop reading after cancel.
func (h *Hub) Subscribe(sessionID string) (<-chan Event, func()) {
	sub := &subscriber{
		ch:   make(chan Event, h.buffer),
		done: make(chan struct{}),
	}
	h.mu.Lock()
	set, ok := h.subs[sessionID]
	if !ok {
		set = make(map[*subscriber]struct{})
		h.subs[sessionID] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		sub.once.Do(func() {
			close(sub.done)
			h.mu.Lock()
			if set, ok := h.subs[sessionID]; ok {
				delete(set, sub)
				if len(set) == 0 {
					delete(h.subs, sessionID)
				}
			}
			h.mu.Unlock()
		})
	}
	return sub.ch, cancel
}

// Publish delivers ev to every subscriber of ev.SessionID in publish order.
func (h *Hub) Publish(ev Event) {
	h.mu.RLock()
	set := h.subs[ev.SessionID]
	targets := make([]*subscriber, 0, len(set))
	for sub := range set {
		targets = append(targets, sub)
	}
	h.mu.RUnlock()

	for _, sub := range targets {
		if h.deliver(sub, ev) {
			continue
		}
		h.dropped(ev)
	}
	if h.mirror != nil {
		h.mirror.Mirror(ev)
	}
}

func (h *Hub) dropped(ev Event) {
	if ev.Critical {
		// A lost audio chunk shifts the utterance timeline the client
		// schedules visemes against.
		h.log.Warn("subscriber too slow, critical event dropped",
			slog.String("session_id", ev.SessionID),
			slog.String("type", ev.Type),
			slog.Duration("waited", h.criticalWait),
		)
	} else {
		h.log.Debug("subscriber buffer full, event dropped",
			slog.String("session_id", ev.SessionID),
			slog.String("type", ev.Type),
		)
	}
	if h.onDrop != nil {
		h.onDrop(ev)
	}
}

func (h *Hub) deliver(sub *subscriber, ev Event) bool {
	select {
	case <-sub.done:
		return true
	default:
	}
	if !ev.Critical {
		select {
		case sub.ch <- ev:
			return true
		default:
			return false
		}
	}
	timer := time.NewTimer(h.criticalWait)
	defer timer.Stop()
	select {
	case sub.ch <- ev:
		return true
	case <-sub.done:
		return true
	case <-timer.C:
		return false
	}
}

// Subscribers reports how many streams are attached to sessionID.
func (h *Hub) Subscribers(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[sessionID])
}
