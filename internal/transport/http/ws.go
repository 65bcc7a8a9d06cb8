package resthttp

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"ordo/internal/hub"
	"ordo/internal/logger"
	"ordo/internal/types"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
	wsAuthWait   = 10 * time.Second
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WSHandler serves the event stream. A client authenticates with its first
// frame, then subscribes to strategy topics; hub events for those topics are
// pushed as they arrive.
type WSHandler struct {
	keys   *KeyRegistry
	events *hub.Hub
	skew   time.Duration
}

func NewWSHandler(keys *KeyRegistry, events *hub.Hub, skew time.Duration) *WSHandler {
	if skew <= 0 {
		skew = DefaultSkew
	}
	return &WSHandler{keys: keys, events: events, skew: skew}
}

type wsSession struct {
	conn *websocket.Conn
	hub  *hub.Hub
	key  APIKey

	mu     sync.Mutex
	topics map[string]string
	out    chan any
	done   chan struct{}
	once   sync.Once
}

func (h *WSHandler) Handle(c *gin.Context) {
	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warnf("ws: upgrade failed ip=%s: %v", c.ClientIP(), err)
		return
	}
	key, ok := h.authenticate(conn)
	if !ok {
		_ = conn.Close()
		return
	}

	s := &wsSession{
		conn:   conn,
		hub:    h.events,
		key:    key,
		topics: make(map[string]string),
		out:    make(chan any, 64),
		done:   make(chan struct{}),
	}
	go s.writeLoop()
	s.readLoop()
}

// authenticate expects {"op":"auth","key_id":...,"ts":...,"signature":...}
// as the first frame, signed over key_id + "\n" + ts.
func (h *WSHandler) authenticate(conn *websocket.Conn) (APIKey, bool) {
	_ = conn.SetReadDeadline(time.Now().Add(wsAuthWait))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return APIKey{}, false
	}
	frame := gjson.ParseBytes(raw)
	if frame.Get("op").String() != "auth" {
		writeJSON(conn, gin.H{"op": "auth", "ok": false, "error": "auth frame required"})
		return APIKey{}, false
	}
	keyID := frame.Get("key_id").String()
	ts := frame.Get("ts").String()
	sig := frame.Get("signature").String()
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		writeJSON(conn, gin.H{"op": "auth", "ok": false, "error": "bad timestamp"})
		return APIKey{}, false
	}
	if d := time.Since(time.Unix(unix, 0)); d > h.skew || d < -h.skew {
		writeJSON(conn, gin.H{"op": "auth", "ok": false, "error": "timestamp outside allowed skew"})
		return APIKey{}, false
	}
	if !h.keys.Verify(keyID, keyID+"\n"+ts, sig) {
		writeJSON(conn, gin.H{"op": "auth", "ok": false, "error": "invalid signature"})
		return APIKey{}, false
	}
	key, _ := h.keys.Lookup(keyID)
	writeJSON(conn, gin.H{"op": "auth", "ok": true})
	return key, true
}

func (s *wsSession) readLoop() {
	defer s.close()
	_ = s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		frame := gjson.ParseBytes(raw)
		switch frame.Get("op").String() {
		case "subscribe":
			s.subscribe(frame.Get("strategy").String())
		case "unsubscribe":
			s.unsubscribe(frame.Get("strategy").String())
		case "ping":
			s.send(gin.H{"op": "pong"})
		default:
			s.send(gin.H{"op": "error", "error": "unknown op"})
		}
	}
}

func (s *wsSession) subscribe(topic string) {
	if topic == "" {
		s.send(gin.H{"op": "error", "error": "strategy required"})
		return
	}
	restricted := topic == types.TopicAll && len(s.key.Strategies) > 0
	if restricted || (topic != types.TopicAll && !s.key.allowsStrategy(topic)) {
		s.send(gin.H{"op": "error", "error": "key not allowed for strategy"})
		return
	}
	s.mu.Lock()
	if _, ok := s.topics[topic]; ok {
		s.mu.Unlock()
		s.send(gin.H{"op": "subscribed", "strategy": topic})
		return
	}
	id, ch := s.hub.Subscribe(topic, 64)
	s.topics[topic] = id
	s.mu.Unlock()

	go func() {
		for ev := range ch {
			s.send(gin.H{"op": "event", "event": ev})
		}
	}()
	s.send(gin.H{"op": "subscribed", "strategy": topic})
}

func (s *wsSession) unsubscribe(topic string) {
	s.mu.Lock()
	id, ok := s.topics[topic]
	if ok {
		delete(s.topics, topic)
	}
	s.mu.Unlock()
	if ok {
		s.hub.Unsubscribe(id)
	}
	s.send(gin.H{"op": "unsubscribed", "strategy": topic})
}

func (s *wsSession) send(msg any) {
	select {
	case s.out <- msg:
	case <-s.done:
	default:
		// Slow consumer; drop the session rather than block the hub.
		s.close()
	}
}

func (s *wsSession) writeLoop() {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	defer s.close()
	for {
		select {
		case msg := <-s.out:
			_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := s.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *wsSession) close() {
	s.once.Do(func() {
		close(s.done)
		s.mu.Lock()
		ids := make([]string, 0, len(s.topics))
		for _, id := range s.topics {
			ids = append(ids, id)
		}
		s.topics = make(map[string]string)
		s.mu.Unlock()
		for _, id := range ids {
			s.hub.Unsubscribe(id)
		}
		_ = s.conn.Close()
	})
}

func writeJSON(conn *websocket.Conn, msg any) {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	_ = conn.WriteJSON(msg)
}
