package handler

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"picoammeter-service/internal/model"
)

func dialStream(t *testing.T, ts *testServer, query string) *websocket.Conn {
	t.Helper()

	server := httptest.NewServer(ts.router)
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/samples" + query
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) WebSocketMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(testTimeout)))

	var msg WebSocketMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestWebSocket_InitialStatusThenEvents(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, "/dev/ttyUSB0")
	conn := dialStream(t, ts, "")

	initial := readMessage(t, conn)
	assert.Equal(t, "initial_status", initial.Type)

	require.Eventually(t, func() bool { return ts.bus.SubscriberCount() == 1 }, testTimeout, testPoll)
	ts.bus.Publish(model.NewSampleEvent(0, model.Sample{Elapsed: 0, Value: 1e-9}, time.Now()))

	msg := readMessage(t, conn)
	assert.Equal(t, string(model.EventSample), msg.Type)
	data, ok := msg.Data.(map[string]interface{})
	require.True(t, ok)
	assert.InDelta(t, 1e-9, data["value"], 0)
}

func TestWebSocket_TypeFilterAndPing(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, "/dev/ttyUSB0")
	conn := dialStream(t, ts, "?types=instrument_state")
	readMessage(t, conn)

	require.Eventually(t, func() bool { return ts.bus.SubscriberCount() == 1 }, testTimeout, testPoll)
	ts.bus.Publish(model.NewSampleEvent(0, model.Sample{}, time.Now()))
	ts.bus.Publish(model.Event{Type: model.EventInstrumentState, Timestamp: time.Now()})

	assert.Equal(t, string(model.EventInstrumentState), readMessage(t, conn).Type)

	require.NoError(t, conn.WriteJSON(WebSocketMessage{Type: "ping", RequestID: "r1"}))
	pong := readMessage(t, conn)
	assert.Equal(t, "pong", pong.Type)
	assert.Equal(t, "r1", pong.RequestID)

	require.NoError(t, conn.WriteJSON(WebSocketMessage{Type: "bogus"}))
	assert.Equal(t, "error", readMessage(t, conn).Type)
}

func TestWebSocket_DisconnectUnsubscribes(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, "/dev/ttyUSB0")
	conn := dialStream(t, ts, "")
	readMessage(t, conn)

	require.Eventually(t, func() bool { return ts.bus.SubscriberCount() == 1 }, testTimeout, testPoll)
	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return ts.bus.SubscriberCount() == 0 }, testTimeout, testPoll)
}

func TestParseEventTypes(t *testing.T) {
	t.Parallel()

	assert.Nil(t, parseEventTypes(""))
	assert.Equal(t,
		[]model.EventType{model.EventSample, model.EventSamplingHalted},
		parseEventTypes("sample, SAMPLING_HALTED,"),
	)
}
