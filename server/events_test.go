package server

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kontextworker/handler"
	"kontextworker/lifecycle"
	"kontextworker/metrics"
)

func readEvent(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var ev map[string]any
	require.NoError(t, json.Unmarshal(msg, &ev))
	return ev
}

func TestEvents_StreamJobLifecycle(t *testing.T) {
	runner := &fakeRunner{resp: handler.Response{ImageBase64: "b2s="}}
	events := NewBroadcaster(DefaultBroadcasterConfig(), nil)
	srv, err := New(DefaultConfig("127.0.0.1:0"), Deps{
		Runner:    runner,
		Engine:    fixedState(lifecycle.Ready),
		Collector: metrics.NewCollector(),
		Events:    events,
	})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	initial := readEvent(t, conn)
	assert.Equal(t, EventInitial, initial["type"])
	data := initial["data"].(map[string]any)
	assert.Equal(t, "ready", data["engine_state"])
	assert.Equal(t, false, data["busy"])

	require.Eventually(t, func() bool { return events.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	rec := post(t, srv.Handler(), "/run", `{"id":"job-7","input":{"image":"x","prompt":"y"}}`)
	require.Equal(t, 200, rec.Code)

	started := readEvent(t, conn)
	assert.Equal(t, EventJobStarted, started["type"])
	assert.Equal(t, "job-7", started["data"].(map[string]any)["job_id"])

	finished := readEvent(t, conn)
	assert.Equal(t, EventJobFinished, finished["type"])
	fd := finished["data"].(map[string]any)
	assert.Equal(t, "job-7", fd["job_id"])
	assert.Equal(t, metrics.OutcomeSuccess, fd["outcome"])
	assert.EqualValues(t, 64, fd["width"])
}

func TestEvents_RunClosesClients(t *testing.T) {
	events := NewBroadcaster(DefaultBroadcasterConfig(), nil)
	ts := httptest.NewServer(events)
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return events.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		events.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	assert.Equal(t, 0, events.ClientCount())
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}

func TestEvents_NilBroadcasterPublishIsNoop(t *testing.T) {
	var b *Broadcaster
	assert.NotPanics(t, func() { b.Publish(NewEvent(EventJobStarted, nil)) })
}
