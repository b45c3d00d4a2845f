package hub

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/FlowingSPDG/obs-sync/pkg/protocol"
)

func startHub(t *testing.T, cfg Config) (*Hub, chan protocol.SyncMessage) {
	t.Helper()
	cfg.Logger = zap.NewNop()
	h := New(cfg)
	in := make(chan protocol.SyncMessage, 64)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, h.Start(ctx, 0, in))
	t.Cleanup(func() {
		cancel()
		_ = h.Stop(context.Background())
	})
	return h, in
}

func hubURL(h *Hub) string {
	return fmt.Sprintf("ws://127.0.0.1:%d/", h.Addr().(*net.TCPAddr).Port)
}

func dial(t *testing.T, h *Hub) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(hubURL(h), nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func waitClients(t *testing.T, h *Hub, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return h.ConnectedCount() == n }, 3*time.Second, 10*time.Millisecond)
}

func readFrame(t *testing.T, ws *websocket.Conn) []byte {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	typ, data, err := ws.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, typ)
	return data
}

func scene(name string) protocol.SyncMessage {
	return protocol.New(protocol.KindSceneChange, protocol.TargetProgram, protocol.SceneChangePayload{SceneName: name})
}

func TestStartBindError(t *testing.T) {
	ln, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	h := New(Config{Logger: zap.NewNop()})
	err = h.Start(context.Background(), port, make(chan protocol.SyncMessage))
	var bindErr *BindError
	require.ErrorAs(t, err, &bindErr)
	assert.Equal(t, fmt.Sprintf(":%d", port), bindErr.Addr)
}

func TestFanoutIsByteIdenticalAndOrdered(t *testing.T) {
	h, in := startHub(t, Config{})
	clients := []*websocket.Conn{dial(t, h), dial(t, h), dial(t, h)}
	waitClients(t, h, len(clients))

	var want [][]byte
	for i := 0; i < 10; i++ {
		msg := scene(fmt.Sprintf("Scene %d", i))
		data, err := protocol.Encode(msg)
		require.NoError(t, err)
		want = append(want, data)
		in <- msg
	}

	for _, ws := range clients {
		for i := range want {
			assert.Equal(t, want[i], readFrame(t, ws), "frame %d", i)
		}
	}
	require.Eventually(t, func() bool { return h.Stats().Broadcasts == 10 }, time.Second, 10*time.Millisecond)
}

func TestBroadcastWithNoClients(t *testing.T) {
	h := New(Config{Logger: zap.NewNop()})
	assert.Equal(t, 0, h.Broadcast(scene("A")))
}

func TestBroadcastDropsInvalidMessage(t *testing.T) {
	h := New(Config{Logger: zap.NewNop()})
	bad := protocol.SyncMessage{Kind: protocol.KindSceneChange, TargetType: protocol.TargetProgram}
	assert.Equal(t, 0, h.Broadcast(bad))
	assert.EqualValues(t, 1, h.Stats().Dropped)
}

func TestFullQueueEvictsOnlyThatClient(t *testing.T) {
	h := New(Config{Logger: zap.NewNop()})
	slow := &clientConn{id: "slow", send: make(chan frame, 1), done: make(chan struct{})}
	fast := &clientConn{id: "fast", send: make(chan frame, 8), done: make(chan struct{})}
	require.True(t, h.register(slow))
	require.True(t, h.register(fast))

	assert.Equal(t, 2, h.Broadcast(scene("A")))
	assert.Equal(t, 1, h.Broadcast(scene("B")))

	assert.Equal(t, 1, h.ConnectedCount())
	assert.Len(t, fast.send, 2)
	assert.EqualValues(t, 1, h.Stats().Evictions)
	select {
	case <-slow.done:
	default:
		t.Fatal("evicted client not closed")
	}
}

func TestUnicast(t *testing.T) {
	joined := make(chan string, 2)
	h, _ := startHub(t, Config{OnJoin: func(id string) { joined <- id }})

	a := dial(t, h)
	var idA string
	select {
	case idA = <-joined:
	case <-time.After(3 * time.Second):
		t.Fatal("no join")
	}
	b := dial(t, h)
	<-joined
	waitClients(t, h, 2)

	msg := scene("Snapshot")
	require.NoError(t, h.Unicast(idA, msg))
	want, _ := protocol.Encode(msg)
	assert.Equal(t, want, readFrame(t, a))

	require.NoError(t, b.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err := b.ReadMessage()
	assert.Error(t, err, "other client must not receive a unicast")

	assert.ErrorIs(t, h.Unicast("nobody", msg), ErrUnknownClient)
}

func TestPingIsAnsweredWithPong(t *testing.T) {
	h, _ := startHub(t, Config{})
	ws := dial(t, h)
	waitClients(t, h, 1)

	pong := make(chan string, 1)
	ws.SetPongHandler(func(appData string) error {
		pong <- appData
		return nil
	})
	go func() {
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	require.NoError(t, ws.WriteControl(websocket.PingMessage, []byte("hello"), time.Now().Add(time.Second)))
	select {
	case got := <-pong:
		assert.Equal(t, "hello", got)
	case <-time.After(3 * time.Second):
		t.Fatal("no pong")
	}
}

func TestApplicationFramesAreIgnored(t *testing.T) {
	h, in := startHub(t, Config{})
	ws := dial(t, h)
	waitClients(t, h, 1)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"heartbeat"}`)))
	in <- scene("After")
	data := readFrame(t, ws)
	assert.Contains(t, string(data), "After")
	assert.Equal(t, 1, h.ConnectedCount())
}

func TestClientCloseUnregisters(t *testing.T) {
	h, _ := startHub(t, Config{})
	ws := dial(t, h)
	waitClients(t, h, 1)

	require.NoError(t, ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))
	waitClients(t, h, 0)
}

func TestReadTimeoutClosesIdleClient(t *testing.T) {
	h, _ := startHub(t, Config{ReadTimeout: 150 * time.Millisecond})
	dial(t, h)
	waitClients(t, h, 1)
	waitClients(t, h, 0)
}

func TestStopAbortsConnections(t *testing.T) {
	h, _ := startHub(t, Config{})
	clients := []*websocket.Conn{dial(t, h), dial(t, h)}
	waitClients(t, h, 2)

	require.NoError(t, h.Stop(context.Background()))
	assert.Equal(t, 0, h.ConnectedCount())

	var wg sync.WaitGroup
	for _, ws := range clients {
		wg.Add(1)
		go func(ws *websocket.Conn) {
			defer wg.Done()
			_ = ws.SetReadDeadline(time.Now().Add(3 * time.Second))
			_, _, err := ws.ReadMessage()
			assert.Error(t, err)
		}(ws)
	}
	wg.Wait()

	_, _, err := websocket.DefaultDialer.Dial(hubURL(h), nil)
	assert.Error(t, err)
}

func TestRoutesAreMounted(t *testing.T) {
	h, _ := startHub(t, Config{Routes: func(r fiber.Router) {
		r.Get("/api/v1/ping", func(c *fiber.Ctx) error { return c.SendString("pong") })
	}})

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/api/v1/ping", h.Addr().(*net.TCPAddr).Port))
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "pong", string(body))
}
