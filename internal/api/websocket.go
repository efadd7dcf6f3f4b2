package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nurleq/persistent-data-network/internal/node"
	"github.com/nurleq/persistent-data-network/pkg"
)

const (
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = pongTimeout * 9 / 10

	// Subscribers only send control frames and keepalives.
	maxInboundSize = 512

	subscriberQueue = 256
	hubQueue        = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

type subscriber struct {
	conn   *websocket.Conn
	events chan []byte
}

// WebSocketHub streams node events to WebSocket subscribers, one JSON event
// per text frame. It implements node.EventBroadcaster.
type WebSocketHub struct {
	events chan []byte
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup

	mu   sync.RWMutex
	subs map[*subscriber]struct{}

	logger *pkg.Logger
}

// NewWebSocketHub creates a hub. Events are only delivered while Run is
// running.
func NewWebSocketHub(logger *pkg.Logger) *WebSocketHub {
	if logger == nil {
		logger = pkg.NewNop()
	}
	return &WebSocketHub{
		events: make(chan []byte, hubQueue),
		done:   make(chan struct{}),
		subs:   make(map[*subscriber]struct{}),
		logger: logger.WithFields(pkg.Fields{"component": "event_stream"}),
	}
}

// Run fans queued events out to every subscriber until Stop is called.
func (h *WebSocketHub) Run() {
	h.wg.Add(1)
	defer h.wg.Done()

	for {
		select {
		case data := <-h.events:
			h.fanOut(data)
		case <-h.done:
			h.mu.Lock()
			for s := range h.subs {
				h.drop(s)
				s.conn.Close()
			}
			h.mu.Unlock()
			h.logger.Info().Msg("Event stream stopped")
			return
		}
	}
}

// Stop disconnects every subscriber and waits for Run to return.
func (h *WebSocketHub) Stop() {
	h.once.Do(func() { close(h.done) })
	h.wg.Wait()
}

// ClientCount returns the number of connected subscribers.
func (h *WebSocketHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *WebSocketHub) fanOut(data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for s := range h.subs {
		select {
		case s.events <- data:
		default:
			h.logger.Warn().Str("remote", s.conn.RemoteAddr().String()).Msg("Subscriber lagging, disconnecting")
			h.drop(s)
		}
	}
}

// drop forgets s and closes its queue, which makes its writer hang up.
// Callers hold mu.
func (h *WebSocketHub) drop(s *subscriber) {
	if _, ok := h.subs[s]; !ok {
		return
	}
	delete(h.subs, s)
	close(s.events)
}

func (h *WebSocketHub) subscribe(s *subscriber) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	select {
	case <-h.done:
		return false
	default:
	}
	h.subs[s] = struct{}{}
	h.logger.Info().Str("remote", s.conn.RemoteAddr().String()).Int("subscribers", len(h.subs)).Msg("Subscriber connected")
	return true
}

func (h *WebSocketHub) unsubscribe(s *subscriber) {
	h.mu.Lock()
	h.drop(s)
	n := len(h.subs)
	h.mu.Unlock()

	h.logger.Info().Str("remote", s.conn.RemoteAddr().String()).Int("subscribers", n).Msg("Subscriber disconnected")
}

// HandleWebSocket upgrades the request and subscribes the connection.
func (h *WebSocketHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}

	s := &subscriber{conn: conn, events: make(chan []byte, subscriberQueue)}
	if !h.subscribe(s) {
		conn.Close()
		return
	}

	go h.write(s)
	go h.read(s)
}

// read drains inbound frames so pongs and close frames are processed. It
// unsubscribes s once the connection fails or goes quiet.
func (h *WebSocketHub) read(s *subscriber) {
	defer func() {
		h.unsubscribe(s)
		s.conn.Close()
	}()

	s.conn.SetReadLimit(maxInboundSize)
	s.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Debug().Err(err).Msg("Subscriber closed unexpectedly")
			}
			return
		}
	}
}

// write is the only goroutine writing to s.conn.
func (h *WebSocketHub) write(s *subscriber) {
	ping := time.NewTicker(pingInterval)
	defer func() {
		ping.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case data, ok := <-s.events:
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ping.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// BroadcastEvent queues event for every subscriber. The event is dropped
// when the hub is backed up.
func (h *WebSocketHub) BroadcastEvent(event node.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	select {
	case h.events <- data:
	default:
		h.logger.Warn().Str("event", event.Type).Msg("Event queue full, dropping event")
	}
	return nil
}
