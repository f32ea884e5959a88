package bridge

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultPollInterval = 100 * time.Millisecond
	writeTimeout        = 10 * time.Second
	readTimeout         = 120 * time.Second
	pingInterval        = 30 * time.Second
)

// Message is pushed to game clients.
type Message struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Path string `json:"path"`
}

// Config configures a Server.
type Config struct {
	Slot *Slot
	// PollInterval bounds how long a set path waits when a wake-up is missed.
	PollInterval time.Duration
	// CheckOrigin overrides the upgrader's origin check. Nil allows any
	// origin; the game connects from localhost without one.
	CheckOrigin func(r *http.Request) bool
	Logger      zerolog.Logger
}

type client struct {
	out chan Message
}

// Server forwards slot contents to every connected game client. When no
// client is connected the path stays in the slot for GET /sound polling.
type Server struct {
	slot     *Slot
	poll     time.Duration
	upgrader websocket.Upgrader
	log      zerolog.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
}

func New(cfg Config) *Server {
	if cfg.Slot == nil {
		cfg.Slot = NewSlot()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	check := cfg.CheckOrigin
	if check == nil {
		check = func(*http.Request) bool { return true }
	}
	return &Server{
		slot: cfg.Slot,
		poll: cfg.PollInterval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     check,
		},
		log:     cfg.Logger,
		clients: make(map[*client]struct{}),
	}
}

// Slot returns the slot the server drains.
func (s *Server) Slot() *Slot { return s.slot }

// Clients returns the number of connected game clients.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Run polls the slot until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	t := time.NewTicker(s.poll)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.slot.Ready():
		case <-t.C:
		}
		s.forward()
	}
}

func (s *Server) forward() {
	s.mu.Lock()
	n := len(s.clients)
	s.mu.Unlock()
	if n == 0 {
		return
	}
	path := s.slot.Take()
	if path == "" {
		return
	}
	msg := Message{Type: "sound", ID: uuid.NewString(), Path: path}
	if s.broadcast(msg) == 0 {
		s.slot.restore(path)
		return
	}
	s.log.Debug().Str("path", path).Str("id", msg.ID).Msg("sound forwarded to game")
}

// broadcast queues msg to every client and returns how many accepted it.
func (s *Server) broadcast(msg Message) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	sent := 0
	for c := range s.clients {
		select {
		case c.out <- msg:
			sent++
		default:
			s.log.Warn().Str("path", msg.Path).Msg("game client queue full; dropping sound")
		}
	}
	return sent
}

// ServeHTTP upgrades the request to a websocket and streams sound messages
// to it until either side closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	c := &client{out: make(chan Message, 16)}
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	s.log.Info().Str("remote", r.RemoteAddr).Msg("game client connected")
	defer func() {
		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()
		s.log.Info().Str("remote", r.RemoteAddr).Msg("game client disconnected")
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		ping := time.NewTicker(pingInterval)
		defer ping.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-c.out:
				_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := conn.WriteJSON(msg); err != nil {
					cancel()
					return
				}
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	conn.SetReadLimit(64 << 10)
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})
	for {
		// Game messages are acknowledgements only; reading detects close.
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	}
	cancel()
	<-writerDone
}
