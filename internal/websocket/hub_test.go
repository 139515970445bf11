package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// dialTestHub starts a hub plus an upgrade endpoint and returns a connected
// client for the given user.
func dialTestHub(t *testing.T, hub *Hub, userID string) *gorillaws.Conn {
	t.Helper()

	upgrader := gorillaws.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		client := NewClient("test-"+userID, conn, hub, userID, "")
		hub.RegisterClient(client)
		go client.WritePump(context.Background())
		go client.ReadPump(context.Background())
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := gorillaws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *gorillaws.Conn) ConflictEvent {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev ConflictEvent
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func TestHubDeliversToMatchingUser(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := NewHub(nil)
	go hub.Run(ctx)

	conn := dialTestHub(t, hub, "u1")

	welcome := readEvent(t, conn)
	assert.Equal(t, "connection", welcome.Type)

	hub.BroadcastConflictEvent(&ConflictEvent{
		Type:       "conflict",
		Action:     "detected",
		ConflictID: "c1",
		UserID:     "u1",
		Timestamp:  time.Now(),
	})

	got := readEvent(t, conn)
	assert.Equal(t, "conflict", got.Type)
	assert.Equal(t, "c1", got.ConflictID)
}

func TestHubFiltersOtherUsers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := NewHub(nil)
	go hub.Run(ctx)

	conn := dialTestHub(t, hub, "u1")
	_ = readEvent(t, conn) // welcome

	hub.BroadcastConflictEvent(&ConflictEvent{
		Type:       "conflict",
		Action:     "detected",
		ConflictID: "c-other",
		UserID:     "u2",
		Timestamp:  time.Now(),
	})
	hub.BroadcastConflictEvent(&ConflictEvent{
		Type:       "conflict",
		Action:     "detected",
		ConflictID: "c-mine",
		UserID:     "u1",
		Timestamp:  time.Now(),
	})

	// the u2 event must be skipped, so the next frame is c-mine
	got := readEvent(t, conn)
	assert.Equal(t, "c-mine", got.ConflictID)
}

func TestHubClientCount(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := NewHub(nil)
	go hub.Run(ctx)

	conn := dialTestHub(t, hub, "u1")
	_ = readEvent(t, conn)

	assert.Eventually(t, func() bool { return hub.ClientCount() == 1 },
		time.Second, 10*time.Millisecond)
}
