package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YousifYassi/prototype/internal/logger"
	"github.com/YousifYassi/prototype/internal/service"
)

func TestHub_ForwardEvents(t *testing.T) {
	hub := NewHub(logger.NewNopLogger())
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer srv.Close()
	defer hub.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	bus := service.NewEventBus(10)
	defer bus.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.ForwardEvents(ctx, bus.SubscribeAll())

	bus.Publish(service.Event{Type: service.EventTypeStorageWarning, Source: "storage"})
	bus.Publish(service.Event{
		Type:   service.EventTypeStreamAdded,
		Source: "stream-manager",
		Data:   map[string]interface{}{"stream_id": "cam-1"},
	})

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var payload struct {
		Type  string        `json:"type"`
		Event service.Event `json:"event"`
	}
	require.NoError(t, json.Unmarshal(msg, &payload))
	assert.Equal(t, "event", payload.Type)
	assert.Equal(t, service.EventTypeStreamAdded, payload.Event.Type)
	assert.Equal(t, "cam-1", payload.Event.Data["stream_id"])
}

func TestHub_CloseRejectsClients(t *testing.T) {
	hub := NewHub(logger.NewNopLogger())
	hub.Close()

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
	assert.Equal(t, 0, hub.ClientCount())
}

func TestForwardedEvent(t *testing.T) {
	assert.True(t, forwardedEvent(service.EventTypeStreamError))
	assert.True(t, forwardedEvent(service.EventTypeJobCompleted))
	assert.False(t, forwardedEvent(service.EventTypeAlertRaised))
	assert.False(t, forwardedEvent(service.EventTypeServiceStarted))
}
