package broadcast

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"callbridge/internal/calls"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func staticSnapshot(recs ...calls.CallRecord) Snapshotter {
	return SnapshotFunc(func() []calls.CallRecord { return recs })
}

func decode(t *testing.T, b []byte) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	return m
}

func recv(t *testing.T, sub *Subscription) map[string]any {
	t.Helper()
	select {
	case b, ok := <-sub.C:
		require.True(t, ok, "subscription closed")
		return decode(t, b)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func TestHub_SubscribeStartsWithSnapshot(t *testing.T) {
	h := NewHub(staticSnapshot(calls.CallRecord{CallID: "CA1", Status: calls.StatusInProgress}), 4, nil)
	sub := h.Subscribe()

	msg := recv(t, sub)
	assert.Equal(t, "initial", msg["type"])
	list, ok := msg["calls"].([]any)
	require.True(t, ok)
	require.Len(t, list, 1)
	assert.Equal(t, "CA1", list[0].(map[string]any)["callId"])
}

func TestHub_ChangeDuringSnapshotIsNotLost(t *testing.T) {
	var h *Hub
	h = NewHub(SnapshotFunc(func() []calls.CallRecord {
		// The store commits a new call after the observer registered but
		// before the snapshot is read.
		h.Publish(calls.ChangeInitiated, calls.CallRecord{
			CallID: "CA2",
			Status: calls.StatusInitiated,
			Events: []calls.Event{{Kind: calls.EventCreated}},
		})
		return nil
	}), 4, nil)
	sub := h.Subscribe()

	first := recv(t, sub)
	assert.Equal(t, "initial", first["type"])
	assert.Empty(t, first["calls"])

	next := recv(t, sub)
	assert.Equal(t, "call_initiated", next["type"])
	assert.Equal(t, "CA2", next["data"].(map[string]any)["callId"])
}

func TestHub_ChangeAlreadyInSnapshotIsNotRepeated(t *testing.T) {
	var h *Hub
	h = NewHub(SnapshotFunc(func() []calls.CallRecord {
		h.Publish(calls.ChangeUpdated, calls.CallRecord{
			CallID: "CA1",
			Status: calls.StatusRinging,
			Events: []calls.Event{{Kind: calls.EventCreated}},
		})
		return []calls.CallRecord{{
			CallID: "CA1",
			Status: calls.StatusInProgress,
			Events: []calls.Event{{Kind: calls.EventCreated}, {Kind: calls.EventStreamStarted}},
		}}
	}), 4, nil)
	sub := h.Subscribe()

	first := recv(t, sub)
	assert.Equal(t, "initial", first["type"])
	select {
	case b := <-sub.C:
		t.Fatalf("stale change delivered after snapshot: %s", b)
	case <-time.After(50 * time.Millisecond):
	}

	h.Publish(calls.ChangeUpdated, calls.CallRecord{CallID: "CA1", Status: calls.StatusCompleted})
	assert.Equal(t, "completed", recv(t, sub)["data"].(map[string]any)["status"])
}

func TestHub_EmptySnapshotIsAnArray(t *testing.T) {
	h := NewHub(nil, 4, nil)
	sub := h.Subscribe()
	b := <-sub.C
	assert.Contains(t, string(b), `"calls":[]`)
}

func TestHub_PublishSkipsClosedSubscriber(t *testing.T) {
	h := NewHub(nil, 4, nil)
	a, b, c := h.Subscribe(), h.Subscribe(), h.Subscribe()
	for _, s := range []*Subscription{a, b, c} {
		<-s.C
	}
	h.Unsubscribe(b)

	done := make(chan struct{})
	go func() {
		h.Publish(calls.ChangeUpdated, calls.CallRecord{CallID: "CA1", Status: calls.StatusCompleted})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked")
	}

	for _, s := range []*Subscription{a, c} {
		msg := recv(t, s)
		assert.Equal(t, "call_updated", msg["type"])
		assert.Equal(t, "completed", msg["data"].(map[string]any)["status"])
	}
	_, open := <-b.C
	assert.False(t, open)
	assert.Equal(t, 2, h.Len())
}

func TestHub_FullSubscriberIsSkippedNotBlocked(t *testing.T) {
	h := NewHub(nil, 1, nil)
	slow := h.Subscribe()
	fast := h.Subscribe()
	<-fast.C

	for i := 0; i < 10; i++ {
		h.Publish(calls.ChangeUpdated, calls.CallRecord{CallID: "CA1"})
		<-fast.C
	}
	assert.Greater(t, slow.Dropped(), int64(0))
	assert.Zero(t, fast.Dropped())
}

func TestHub_PreservesOrderPerSubscriber(t *testing.T) {
	h := NewHub(nil, 16, nil)
	sub := h.Subscribe()
	<-sub.C

	h.Publish(calls.ChangeInitiated, calls.CallRecord{CallID: "CA1", Status: calls.StatusInitiated})
	h.Publish(calls.ChangeUpdated, calls.CallRecord{CallID: "CA1", Status: calls.StatusInProgress})
	h.Publish(calls.ChangeUpdated, calls.CallRecord{CallID: "CA1", Status: calls.StatusCompleted})

	var got []string
	for i := 0; i < 3; i++ {
		msg := recv(t, sub)
		got = append(got, msg["data"].(map[string]any)["status"].(string))
	}
	assert.Equal(t, []string{"initiated", "in_progress", "completed"}, got)
}

func TestHub_UnsubscribeTwiceIsSafe(t *testing.T) {
	h := NewHub(nil, 1, nil)
	sub := h.Subscribe()
	h.Unsubscribe(sub)
	h.Unsubscribe(sub)
	h.Unsubscribe(nil)
	assert.Zero(t, h.Len())
}

func TestServeObserver_StreamsSnapshotAndChanges(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewHub(staticSnapshot(), 8, nil)

	r := gin.New()
	r.GET("/monitor", h.ServeObserver)
	srv := httptest.NewServer(r)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/monitor"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, first, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "initial", decode(t, first)["type"])

	require.Eventually(t, func() bool { return h.Len() == 1 }, time.Second, 5*time.Millisecond)
	h.Publish(calls.ChangeInitiated, calls.CallRecord{CallID: "CA7", Status: calls.StatusInitiated})

	_, next, err := conn.ReadMessage()
	require.NoError(t, err)
	msg := decode(t, next)
	assert.Equal(t, "call_initiated", msg["type"])
	assert.Equal(t, "CA7", msg["data"].(map[string]any)["callId"])

	conn.Close()
	require.Eventually(t, func() bool { return h.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}
