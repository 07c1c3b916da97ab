package remote

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/roach88/oire/internal/interaction"
)

// Server exposes a Backend over a websocket at /v1/ws, with a /healthz
// endpoint for connectivity probes.
type Server struct {
	backend  Backend
	upgrader websocket.Upgrader
}

// NewServer wraps backend.
func NewServer(backend Backend) *Server {
	return &Server{
		backend: backend,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Routes returns the HTTP handler.
func (s *Server) Routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/v1/ws", s.handleWS).Methods(http.MethodGet)
	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSONResponse(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Warn("write response failed", "error", err)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	sc := &serverConn{
		backend: s.backend,
		conn:    conn,
		subs:    make(map[interaction.Key]*Subscription),
	}
	defer func() {
		cancel()
		sc.closeAll()
		sc.wg.Wait()
		conn.Close()
	}()

	slog.Debug("client connected", "remote", r.RemoteAddr)
	for {
		var msg message
		if err := conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("client read ended", "remote", r.RemoteAddr, "error", err)
			}
			return
		}
		sc.handle(ctx, msg)
	}
}

// serverConn is one client connection. Reads happen on the handler
// goroutine; writes from forwarders and write handlers share writeMu.
type serverConn struct {
	backend Backend
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu   sync.Mutex
	subs map[interaction.Key]*Subscription
	wg   sync.WaitGroup
}

func (c *serverConn) send(msg message) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteJSON(msg); err != nil {
		slog.Debug("client write failed", "op", msg.Op, "error", err)
	}
}

func (c *serverConn) fail(id uint64, err error) {
	c.send(message{Op: opError, ID: id, Error: err.Error()})
}

func (c *serverConn) handle(ctx context.Context, msg message) {
	switch msg.Op {
	case opWrite:
		if msg.Write == nil {
			c.send(message{Op: opError, ID: msg.ID, Error: "write: missing body"})
			return
		}
		req := *msg.Write
		// Writes may block in the backend; keep reading meanwhile.
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			active, err := c.backend.SetInteraction(ctx, req)
			if err != nil {
				c.fail(msg.ID, err)
				return
			}
			c.send(message{Op: opAck, ID: msg.ID, Active: active})
		}()

	case opSubscribe:
		if err := c.subscribe(ctx, msg.ItemID, msg.Kind); err != nil {
			c.fail(msg.ID, err)
			return
		}
		c.send(message{Op: opAck, ID: msg.ID})

	case opUnsubscribe:
		c.unsubscribe(interaction.Key{ItemID: msg.ItemID, Kind: msg.Kind})
		c.send(message{Op: opAck, ID: msg.ID})

	default:
		c.send(message{Op: opError, ID: msg.ID, Error: "unknown op " + msg.Op})
	}
}

func (c *serverConn) subscribe(ctx context.Context, itemID string, kind interaction.Kind) error {
	if _, err := interaction.ParseKind(string(kind)); err != nil {
		return err
	}
	key := interaction.Key{ItemID: itemID, Kind: kind}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[key]; ok {
		return nil
	}

	sub, err := c.backend.Subscribe(ctx, itemID, kind)
	if err != nil {
		return err
	}
	c.subs[key] = sub

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for snap := range sub.C {
			snap := snap
			c.send(message{Op: opSnapshot, Snapshot: &snap})
		}
	}()
	return nil
}

func (c *serverConn) unsubscribe(key interaction.Key) {
	c.mu.Lock()
	sub, ok := c.subs[key]
	delete(c.subs, key)
	c.mu.Unlock()
	if ok {
		sub.Close()
	}
}

func (c *serverConn) closeAll() {
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[interaction.Key]*Subscription)
	c.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
}
