package resthttp

import (
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"ordo/internal/hub"
	"ordo/internal/types"
)

func newWSRig(t *testing.T) (*hub.Hub, *websocket.Conn) {
	t.Helper()
	h := hub.New()
	keys := newStaticRegistry(map[string]APIKey{
		"strat-a-key": {Secret: "topsecret", Strategies: []string{"strat-a"}},
		"admin-key":   {Secret: "adminsecret"},
	})
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.GET("/ws", NewWSHandler(keys, h, 0).Handle)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return h, conn
}

func authFrame(keyID, secret string) map[string]any {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	return map[string]any{
		"op":        "auth",
		"key_id":    keyID,
		"ts":        ts,
		"signature": Sign(secret, keyID+"\n"+ts),
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) gjson.Result {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	return gjson.ParseBytes(raw)
}

func TestWSAuthSubscribeAndDeliver(t *testing.T) {
	h, conn := newWSRig(t)

	require.NoError(t, conn.WriteJSON(authFrame("strat-a-key", "topsecret")))
	frame := readFrame(t, conn)
	require.True(t, frame.Get("ok").Bool(), frame.Raw)

	require.NoError(t, conn.WriteJSON(map[string]any{"op": "subscribe", "strategy": "strat-a"}))
	frame = readFrame(t, conn)
	require.Equal(t, "subscribed", frame.Get("op").String())

	h.Publish(types.Event{
		Type:       types.EventOrderUpdate,
		StrategyID: "strat-a",
		OrderRef:   "ord-1",
		Symbol:     "BTC/USDT",
	})
	frame = readFrame(t, conn)
	assert.Equal(t, "event", frame.Get("op").String())
	assert.Equal(t, string(types.EventOrderUpdate), frame.Get("event.type").String())
	assert.Equal(t, "ord-1", frame.Get("event.order_ref").String())
}

func TestWSUnsubscribeStopsDelivery(t *testing.T) {
	h, conn := newWSRig(t)

	require.NoError(t, conn.WriteJSON(authFrame("admin-key", "adminsecret")))
	require.True(t, readFrame(t, conn).Get("ok").Bool())

	require.NoError(t, conn.WriteJSON(map[string]any{"op": "subscribe", "strategy": "strat-a"}))
	require.Equal(t, "subscribed", readFrame(t, conn).Get("op").String())

	require.NoError(t, conn.WriteJSON(map[string]any{"op": "unsubscribe", "strategy": "strat-a"}))
	require.Equal(t, "unsubscribed", readFrame(t, conn).Get("op").String())

	h.Publish(types.Event{Type: types.EventFill, StrategyID: "strat-a"})

	// Only the ping keepalive may arrive now; a data read must time out.
	require.NoError(t, conn.WriteJSON(map[string]any{"op": "ping"}))
	frame := readFrame(t, conn)
	assert.Equal(t, "pong", frame.Get("op").String())
}

func TestWSRejectsBadSignature(t *testing.T) {
	_, conn := newWSRig(t)

	frame := authFrame("strat-a-key", "wrongsecret")
	require.NoError(t, conn.WriteJSON(frame))
	resp := readFrame(t, conn)
	assert.False(t, resp.Get("ok").Bool())
	assert.Equal(t, "invalid signature", resp.Get("error").String())
}

func TestWSScopedKeyCannotSubscribeAll(t *testing.T) {
	_, conn := newWSRig(t)

	require.NoError(t, conn.WriteJSON(authFrame("strat-a-key", "topsecret")))
	require.True(t, readFrame(t, conn).Get("ok").Bool())

	require.NoError(t, conn.WriteJSON(map[string]any{"op": "subscribe", "strategy": "*"}))
	frame := readFrame(t, conn)
	assert.Equal(t, "error", frame.Get("op").String())

	require.NoError(t, conn.WriteJSON(map[string]any{"op": "subscribe", "strategy": "strat-b"}))
	frame = readFrame(t, conn)
	assert.Equal(t, "error", frame.Get("op").String())
}

func TestWSRequiresAuthFirst(t *testing.T) {
	_, conn := newWSRig(t)

	require.NoError(t, conn.WriteJSON(map[string]any{"op": "subscribe", "strategy": "strat-a"}))
	frame := readFrame(t, conn)
	assert.False(t, frame.Get("ok").Bool())
	assert.Equal(t, "auth frame required", frame.Get("error").String())
}
