package websocket

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/TCC-OPCUAgua/opcuagua/internal/domain"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoHandler struct {
	mu   sync.Mutex
	cmds []domain.Command
}

func (h *echoHandler) HandleCommand(ctx context.Context, client domain.Responder, cmd domain.Command) {
	h.mu.Lock()
	h.cmds = append(h.cmds, cmd)
	h.mu.Unlock()

	go func() {
		_ = client.Send(domain.NewBrowseResult(cmd.RequestID, domain.BrowsePage{NodeID: cmd.NodeID}))
	}()
}

func startHub(t *testing.T, cfg Config) (*Hub, *httptest.Server) {
	t.Helper()

	hub := NewHub(cfg, zerolog.Nop(), nil)
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = hub.Close(ctx)
		srv.Close()
	})
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var ev map[string]any
	require.NoError(t, json.Unmarshal(data, &ev))
	return ev
}

func waitClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return hub.ClientCount() == n }, 2*time.Second, 5*time.Millisecond)
}

func TestHub_BroadcastReachesEveryClient(t *testing.T) {
	hub, srv := startHub(t, DefaultConfig())
	a := dial(t, srv)
	b := dial(t, srv)
	waitClients(t, hub, 2)

	require.NoError(t, hub.Publish(domain.NewConnectionStatus(true, "opc.tcp://plc:4840", "")))

	for _, conn := range []*websocket.Conn{a, b} {
		ev := readEvent(t, conn)
		assert.Equal(t, "connection_status", ev["type"])
		assert.Equal(t, true, ev["connected"])
		assert.Equal(t, "opc.tcp://plc:4840", ev["endpoint"])
	}
}

func TestHub_ClosedClientDoesNotAffectOthers(t *testing.T) {
	hub, srv := startHub(t, DefaultConfig())
	a := dial(t, srv)
	b := dial(t, srv)
	waitClients(t, hub, 2)

	require.NoError(t, a.Close())
	waitClients(t, hub, 1)

	require.NoError(t, hub.Publish(domain.NewErrorEvent("", "boom")))
	ev := readEvent(t, b)
	assert.Equal(t, "error", ev["type"])
}

func TestHub_PingCommand(t *testing.T) {
	hub, srv := startHub(t, DefaultConfig())
	conn := dial(t, srv)
	waitClients(t, hub, 1)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))
	ev := readEvent(t, conn)
	assert.Equal(t, "pong", ev["type"])
}

func TestHub_InvalidCommand(t *testing.T) {
	hub, srv := startHub(t, DefaultConfig())
	conn := dial(t, srv)
	waitClients(t, hub, 1)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"browse"}`)))
	ev := readEvent(t, conn)
	assert.Equal(t, "error", ev["type"])
	assert.Contains(t, ev["message"], "requestId")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	ev = readEvent(t, conn)
	assert.Equal(t, "error", ev["type"])
}

func TestHub_CommandRepliesOnlyToRequester(t *testing.T) {
	hub, srv := startHub(t, DefaultConfig())
	handler := &echoHandler{}
	hub.SetCommandHandler(handler)

	requester := dial(t, srv)
	other := dial(t, srv)
	waitClients(t, hub, 2)

	cmd := `{"type":"browse","nodeId":"i=85","requestId":"r-1"}`
	require.NoError(t, requester.WriteMessage(websocket.TextMessage, []byte(cmd)))

	ev := readEvent(t, requester)
	assert.Equal(t, "browse_result", ev["type"])
	assert.Equal(t, "r-1", ev["requestId"])
	assert.Equal(t, "i=85", ev["nodeId"])
	assert.Equal(t, []any{}, ev["nodes"])

	require.NoError(t, other.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err := other.ReadMessage()
	assert.Error(t, err, "other clients receive nothing")
}

func TestHub_NoHandler(t *testing.T) {
	hub, srv := startHub(t, DefaultConfig())
	conn := dial(t, srv)
	waitClients(t, hub, 1)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"browse","requestId":"r-2"}`)))
	ev := readEvent(t, conn)
	assert.Equal(t, "error", ev["type"])
	assert.Equal(t, "r-2", ev["requestId"])
}

func TestHub_DropsUnresponsiveClient(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PongWait = 150 * time.Millisecond
	cfg.PingInterval = 50 * time.Millisecond
	hub, srv := startHub(t, cfg)

	// The client never reads, so server pings go unanswered.
	_ = dial(t, srv)
	waitClients(t, hub, 1)

	waitClients(t, hub, 0)
}

func TestHub_FullQueueDropsClient(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SendBuffer = 1
	hub := NewHub(cfg, zerolog.Nop(), nil)

	// A client whose writer never runs.
	c := &Client{id: "stuck", hub: hub, send: make(chan []byte, 1), done: make(chan struct{})}
	hub.clients[c] = struct{}{}

	require.NoError(t, hub.Publish(domain.NewPong(time.Now())))
	assert.Equal(t, 1, hub.ClientCount())

	require.NoError(t, hub.Publish(domain.NewPong(time.Now())))
	assert.Equal(t, 0, hub.ClientCount())
	assert.ErrorIs(t, c.Send(domain.NewPong(time.Now())), ErrClientGone)
}

func TestHub_CheckOrigin(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AllowedOrigins = []string{"http://scada.local"}
	hub := NewHub(cfg, zerolog.Nop(), nil)

	req := httptest.NewRequest("GET", "/ws", nil)
	req.Header.Set("Origin", "http://scada.local")
	assert.True(t, hub.checkOrigin(req))

	req.Header.Set("Origin", "http://evil.example")
	assert.False(t, hub.checkOrigin(req))
}
