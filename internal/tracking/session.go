package tracking

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/example/courier-dispatch/internal/observability"
)

const (
	sendBuffer   = 64
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = (pongWait * 9) / 10
	maxFrameSize = 4096
)

// Session is one websocket connection. A single writer goroutine owns the
// socket writes; frames are read and handled in arrival order by the
// goroutine that called serve.
type Session struct {
	conn   *websocket.Conn
	hub    *Hub
	log    *zap.Logger
	send   chan []byte
	done   chan struct{}
	groups []GroupID
	once   sync.Once
}

func newSession(conn *websocket.Conn, hub *Hub, log *zap.Logger) *Session {
	return &Session{
		conn: conn,
		hub:  hub,
		log:  log,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
}

// Deliver queues v for the writer without blocking. A full buffer drops the
// event for this peer only.
func (s *Session) Deliver(v any) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	b, err := json.Marshal(v)
	if err != nil {
		s.log.Error("encode frame", zap.Error(err))
		return false
	}
	select {
	case s.send <- b:
		return true
	case <-s.done:
		return false
	default:
		observability.HubPublishDropped.Inc()
		return false
	}
}

func (s *Session) join(g GroupID) {
	s.hub.Join(g, s)
	s.groups = append(s.groups, g)
}

// close leaves every joined group once and stops the writer.
func (s *Session) close() {
	s.once.Do(func() {
		for _, g := range s.groups {
			s.hub.Leave(g, s)
		}
		close(s.done)
	})
}

func (s *Session) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()
	for {
		select {
		case b := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				s.close()
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.close()
				return
			}
		case <-s.done:
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

// serve runs until the peer goes away. handle is called for each inbound
// text frame, one at a time.
func (s *Session) serve(handle func(data []byte)) {
	go s.writeLoop()
	defer s.close()

	s.conn.SetReadLimit(maxFrameSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("ws read", zap.Error(err))
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
		handle(data)
	}
}
