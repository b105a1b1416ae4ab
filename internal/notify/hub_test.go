// SPDX-License-Identifier: MIT

package notify

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skald-media/skald/internal/model"
)

func TestPublishAndSubscribe(t *testing.T) {
	h := NewHub()
	events, cancel := h.Subscribe(1, 0)
	defer cancel()

	h.Publish(1, model.EventTranscriptionStatus, map[string]any{"file_id": int64(7), "status": "processing"}, false)

	select {
	case ev := <-events:
		assert.Equal(t, uint64(1), ev.ID)
		assert.Equal(t, model.EventTranscriptionStatus, ev.Type)
		assert.Equal(t, int64(7), ev.FileID())
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestEventIDsAreMonotonicPerUser(t *testing.T) {
	h := NewHub()
	events, cancel := h.Subscribe(1, 0)
	defer cancel()

	for i := 0; i < 3; i++ {
		h.Publish(1, model.EventFileUpdated, nil, true)
	}
	// Another user's stream starts at 1 independently.
	other, cancelOther := h.Subscribe(2, 0)
	defer cancelOther()
	h.Publish(2, model.EventFileUpdated, nil, true)

	for want := uint64(1); want <= 3; want++ {
		ev := <-events
		assert.Equal(t, want, ev.ID)
	}
	assert.Equal(t, uint64(1), (<-other).ID)
}

func TestUserIsolation(t *testing.T) {
	h := NewHub()
	events, cancel := h.Subscribe(2, 0)
	defer cancel()

	h.Publish(1, model.EventFileDeleted, map[string]any{"file_id": int64(1)}, false)

	select {
	case ev := <-events:
		t.Fatalf("user 2 received user 1 event: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestReplayAfterReconnect(t *testing.T) {
	h := NewHub()

	// Events published with nobody connected land in the buffer.
	for i := 0; i < 5; i++ {
		h.Publish(1, model.EventFileUpdated, map[string]any{"n": i}, true)
	}

	// Reconnect having seen id 2: ids 3..5 replay in order.
	events, cancel := h.Subscribe(1, 2)
	defer cancel()

	for want := uint64(3); want <= 5; want++ {
		select {
		case ev := <-events:
			assert.Equal(t, want, ev.ID)
		case <-time.After(time.Second):
			t.Fatalf("missing replayed event %d", want)
		}
	}
}

func TestReplayLargerThanDeliveryBuffer(t *testing.T) {
	h := NewHub()
	const published = subscriberBuffer + 36
	for i := 0; i < published; i++ {
		h.Publish(1, model.EventFileUpdated, nil, true)
	}

	// Reconnect having seen only id 1: the full gap replays, including
	// the newest events past the channel's steady-state capacity.
	events, cancel := h.Subscribe(1, 1)
	defer cancel()

	for want := uint64(2); want <= published; want++ {
		select {
		case ev := <-events:
			assert.Equal(t, want, ev.ID)
		case <-time.After(time.Second):
			t.Fatalf("missing replayed event %d", want)
		}
	}
}

func TestFreshConnectionGetsNoReplay(t *testing.T) {
	h := NewHub()
	h.Publish(1, model.EventFileUpdated, nil, true)

	events, cancel := h.Subscribe(1, 0)
	defer cancel()

	select {
	case ev := <-events:
		t.Fatalf("unexpected replay on fresh connection: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestReplayBufferIsBounded(t *testing.T) {
	h := NewHub()
	for i := 0; i < replayBuffer+50; i++ {
		h.Publish(1, model.EventFileUpdated, nil, true)
	}

	h.mu.RLock()
	n := len(h.users[1].history)
	h.mu.RUnlock()
	assert.Equal(t, replayBuffer, n)
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	h := NewHub()
	_, cancel := h.Subscribe(1, 0)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Overflow the subscriber channel; Publish must never stall.
		for i := 0; i < subscriberBuffer*2; i++ {
			h.Publish(1, model.EventFileUpdated, nil, true)
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on slow subscriber")
	}
}

func TestCancelDetachesSubscriber(t *testing.T) {
	h := NewHub()
	_, cancel := h.Subscribe(1, 0)
	assert.Equal(t, 1, h.Connections(1))
	cancel()
	assert.Equal(t, 0, h.Connections(1))
}

func TestServeWSDeliversEvents(t *testing.T) {
	h := NewHub()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeWS(w, r, 1)
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	// Wait for the subscription to attach before publishing.
	require.Eventually(t, func() bool { return h.Connections(1) == 1 },
		time.Second, 10*time.Millisecond)

	h.Publish(1, model.EventTranscriptionStatus, map[string]any{"file_id": int64(9), "status": "completed"}, false)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var ev model.Event
	require.NoError(t, json.Unmarshal(raw, &ev))
	assert.Equal(t, model.EventTranscriptionStatus, ev.Type)
	assert.Equal(t, int64(9), ev.FileID())
}

func TestServeWSReplaysAfterParameter(t *testing.T) {
	h := NewHub()
	for i := 0; i < 3; i++ {
		h.Publish(1, model.EventFileUpdated, nil, false)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeWS(w, r, 1)
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?after=1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	for want := uint64(2); want <= 3; want++ {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err)
		var ev model.Event
		require.NoError(t, json.Unmarshal(raw, &ev))
		assert.Equal(t, want, ev.ID)
	}
}
