// SPDX-License-Identifier: MIT

// Package notify is the real-time notification bus: per-user event
// channels with monotonic ids, a bounded replay buffer for reconnects,
// and a websocket transport. Publishing never blocks a worker; slow
// clients lose events and catch up from the buffer on reconnect.
package notify

import (
	"sync"
	"time"

	"github.com/skald-media/skald/internal/log"
	"github.com/skald-media/skald/internal/metrics"
	"github.com/skald-media/skald/internal/model"
)

const (
	// replayBuffer bounds per-user event history kept for reconnects.
	replayBuffer = 256
	// subscriberBuffer bounds the per-connection delivery channel.
	subscriberBuffer = 64
)

// Hub fans events out to a user's live connections and retains a
// bounded history per user.
type Hub struct {
	mu    sync.RWMutex
	users map[int64]*userState

	// Clock is swappable in tests.
	Clock func() time.Time
}

type userState struct {
	nextID uint64
	// history is a ring of the most recent events, oldest first.
	history []model.Event
	subs    map[*subscriber]struct{}
}

type subscriber struct {
	ch chan model.Event
}

func NewHub() *Hub {
	return &Hub{users: make(map[int64]*userState)}
}

func (h *Hub) now() time.Time {
	if h.Clock != nil {
		return h.Clock()
	}
	return time.Now()
}

// Publish delivers an event to all of the owner's connections and
// appends it to the replay buffer. Never blocks: a subscriber whose
// channel is full loses the event and recovers it on reconnect.
func (h *Hub) Publish(ownerID int64, typ model.EventType, data map[string]any, silent bool) {
	h.mu.Lock()
	st := h.users[ownerID]
	if st == nil {
		st = &userState{nextID: 1, subs: make(map[*subscriber]struct{})}
		h.users[ownerID] = st
	}
	ev := model.Event{
		ID:        st.nextID,
		Type:      typ,
		Timestamp: h.now(),
		Data:      data,
		Silent:    silent,
	}
	st.nextID++

	st.history = append(st.history, ev)
	if len(st.history) > replayBuffer {
		st.history = st.history[len(st.history)-replayBuffer:]
	}

	subs := make([]*subscriber, 0, len(st.subs))
	for s := range st.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	metrics.EventsPublished.WithLabelValues(string(typ)).Inc()
	if len(subs) == 0 && !silent {
		metrics.IncEventDrop("no_subscriber")
	}
	for _, s := range subs {
		select {
		case s.ch <- ev:
		default:
			metrics.IncEventDrop("slow_client")
			logger := log.WithComponent("notify")
			logger.Debug().
				Int64(log.FieldUserID, ownerID).
				Uint64("event_id", ev.ID).
				Msg("event dropped for slow client")
		}
	}
}

// Subscribe attaches a live channel for the user and replays buffered
// events with id > afterID first (0 replays nothing on a fresh
// connection, since clients without state pass their last seen id).
// The caller must invoke the returned cancel when done.
func (h *Hub) Subscribe(ownerID int64, afterID uint64) (<-chan model.Event, func()) {
	h.mu.Lock()
	st := h.users[ownerID]
	if st == nil {
		st = &userState{nextID: 1, subs: make(map[*subscriber]struct{})}
		h.users[ownerID] = st
	}
	var replay []model.Event
	if afterID > 0 {
		for _, ev := range st.history {
			if ev.ID > afterID {
				replay = append(replay, ev)
			}
		}
	}
	// The channel must absorb the whole replay up front; a fixed-size
	// buffer would keep the oldest missed events and drop the newest,
	// including terminal status updates.
	sub := &subscriber{ch: make(chan model.Event, subscriberBuffer+len(replay))}
	for _, ev := range replay {
		sub.ch <- ev
	}
	st.subs[sub] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if st := h.users[ownerID]; st != nil {
			delete(st.subs, sub)
		}
		h.mu.Unlock()
	}
	return sub.ch, cancel
}

// Connections reports the user's live subscriber count.
func (h *Hub) Connections(ownerID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if st := h.users[ownerID]; st != nil {
		return len(st.subs)
	}
	return 0
}

var _ interface {
	Publish(ownerID int64, typ model.EventType, data map[string]any, silent bool)
} = (*Hub)(nil)
