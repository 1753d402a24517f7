package network

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MRamiBalles/nodegrid/internal/events"
	"github.com/MRamiBalles/nodegrid/internal/platform/logger"
	"github.com/MRamiBalles/nodegrid/internal/platform/metrics"
)

type wsReader struct {
	t       *testing.T
	conn    *websocket.Conn
	pending []json.RawMessage
}

// next returns the next message, splitting frames the write pump coalesced.
func (r *wsReader) next() Message {
	r.t.Helper()
	for len(r.pending) == 0 {
		require.NoError(r.t, r.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		_, data, err := r.conn.ReadMessage()
		require.NoError(r.t, err)
		for _, part := range bytes.Split(data, []byte{'\n'}) {
			r.pending = append(r.pending, json.RawMessage(part))
		}
	}
	raw := r.pending[0]
	r.pending = r.pending[1:]

	var msg Message
	require.NoError(r.t, json.Unmarshal(raw, &msg))
	return msg
}

func targetOf(t *testing.T, msg Message) string {
	t.Helper()
	payload, ok := msg.Payload.(map[string]interface{})
	require.True(t, ok, "payload %T", msg.Payload)
	target, _ := payload["target_id"].(string)
	return target
}

func TestHubStreamsEvents(t *testing.T) {
	e, rec := newTestEngine(t)
	m := metrics.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub(e, logger.NewNop(), m, nil)
	go hub.Run(ctx)
	hub.StartEventPoller(ctx, e.GetEventLog(), 10*time.Millisecond)

	srv := httptest.NewServer(NewAPI(e, rec, logger.NewNop(), nil, WithHub(hub)).Handler())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	r := &wsReader{t: t, conn: conn}

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WSConnections))

	log := e.GetEventLog()
	log.Append(events.New(events.EventTypeNodeEnabledChanged, "op", "load", 0, events.EnabledPayload{Enabled: false}))
	msg := r.next()
	assert.Equal(t, MsgTypeEvent, msg.Type)
	assert.Equal(t, "load", targetOf(t, msg))

	// Commands are handled in order, so the snapshot reply confirms the filter.
	require.NoError(t, conn.WriteJSON(Command{Type: CmdSubscribe, NodeIDs: []string{"gen"}}))
	require.NoError(t, conn.WriteJSON(Command{Type: CmdSnapshot}))
	msg = r.next()
	require.Equal(t, MsgTypeSnapshot, msg.Type)
	nodes, ok := msg.Payload.([]interface{})
	require.True(t, ok)
	assert.Len(t, nodes, 2)

	log.Append(events.New(events.EventTypeNodeEnabledChanged, "op", "load", 0, events.EnabledPayload{Enabled: true}))
	log.Append(events.New(events.EventTypeNodeEnabledChanged, "op", "gen", 0, events.EnabledPayload{Enabled: false}))
	log.Append(events.New(events.EventTypeTickCompleted, events.SystemActor, "", 1, events.TickPayload{Tick: 1}))

	msg = r.next()
	assert.Equal(t, "gen", targetOf(t, msg))
	msg = r.next()
	assert.Equal(t, "", targetOf(t, msg))

	require.NoError(t, conn.WriteJSON(Command{Type: "DANCE"}))
	msg = r.next()
	assert.Equal(t, MsgTypeError, msg.Type)
}

func TestHubRejectsWhenFull(t *testing.T) {
	e, rec := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub(e, logger.NewNop(), nil, nil)
	hub.tuning.MaxClients = 1
	go hub.Run(ctx)

	srv := httptest.NewServer(NewAPI(e, rec, logger.NewNop(), nil, WithHub(hub)).Handler())
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	first, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer first.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 503, resp.StatusCode)
}

func TestHubDisconnectUnregisters(t *testing.T) {
	e, rec := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub(e, logger.NewNop(), nil, nil)
	go hub.Run(ctx)

	srv := httptest.NewServer(NewAPI(e, rec, logger.NewNop(), nil, WithHub(hub)).Handler())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}
