// Package server exposes the broker over a WebSocket endpoint.
//
// Each accepted connection gets its own [broker.Switch]. Inbound text frames
// carry JSON client events and inbound binary frames carry raw PCM16 audio
// that fans out to the connection's audio conversations. Outbound, audio
// events leave as binary frames and everything else as JSON text frames,
// optionally wrapped in the {"type":"json","data":...} envelope for playback
// agents that require an outer type tag.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/audioknife/audioknife/internal/broker"
	"github.com/audioknife/audioknife/internal/observe"
	"github.com/audioknife/audioknife/pkg/billing"
	"github.com/audioknife/audioknife/pkg/conversation"
	"github.com/audioknife/audioknife/pkg/protocol"
)

const (
	// maxTextFrame bounds inbound JSON client events.
	maxTextFrame = 1 << 20

	// maxBinaryFrame bounds inbound audio frames and is the socket read limit.
	maxBinaryFrame = 10 << 20

	// writeTimeout bounds one outbound frame. A client that cannot drain its
	// socket for this long is treated as gone.
	writeTimeout = 5 * time.Second

	// closeBudget bounds conversation teardown after the socket is gone.
	closeBudget = 10 * time.Second
)

// Config holds the dependencies shared by every connection.
type Config struct {
	// Registry resolves service names to adapters. Required. Replaceable
	// at runtime through [Server.SwapRegistry].
	Registry *conversation.Registry

	// Collector aggregates usage records for conversations started with a
	// billing id. Optional.
	Collector *billing.Collector

	// Reports persists collected billing reports on terminal events. Optional.
	Reports broker.ReportSink

	// StopGrace is how long a stopped conversation's adapter may keep running
	// before it is cancelled. Zero means broker.DefaultStopGrace.
	StopGrace time.Duration

	// InputBuffer and OutputBuffer size the per-conversation channels.
	// Zero means the broker defaults.
	InputBuffer  int
	OutputBuffer int

	// WrapJSON wraps every outbound text frame in the bridging envelope.
	WrapJSON bool

	// Metrics instruments connections and their switches. Optional.
	Metrics *observe.Metrics
}

// Server accepts WebSocket connections and drives one switch per connection.
// It implements http.Handler and is mounted on /ws (and / for agents that
// dial the bare host).
type Server struct {
	cfg      Config
	seq      atomic.Uint64
	registry atomic.Pointer[conversation.Registry]

	mu       sync.Mutex
	conns    map[uint64]*websocket.Conn
	quitting bool
	wg       sync.WaitGroup
}

// New creates a Server.
func New(cfg Config) *Server {
	s := &Server{cfg: cfg, conns: make(map[uint64]*websocket.Conn)}
	reg := cfg.Registry
	if reg == nil {
		reg = conversation.NewRegistry()
	}
	s.registry.Store(reg)
	return s
}

// SwapRegistry replaces the service registry used by connections accepted
// from now on. Existing connections and their running conversations keep the
// adapters they started with. A nil registry is ignored.
func (s *Server) SwapRegistry(reg *conversation.Registry) {
	if reg == nil {
		return
	}
	s.registry.Store(reg)
}

// Registry returns the registry new connections currently resolve against.
func (s *Server) Registry() *conversation.Registry {
	return s.registry.Load()
}

// ServeHTTP upgrades the request and serves the connection until either side
// closes it. It returns only when the connection and all conversations behind
// it are torn down.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Clients are telephony agents, not browsers. Origin enforcement
		// would only reject their upgrade requests.
		InsecureSkipVerify: true,
	})
	if err != nil {
		slog.Warn("websocket accept rejected", "remote", r.RemoteAddr, "err", err)
		return
	}

	id := s.seq.Add(1)
	s.mu.Lock()
	if s.quitting {
		s.mu.Unlock()
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	s.conns[id] = conn
	s.wg.Add(1)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, id)
		s.mu.Unlock()
		s.wg.Done()
	}()

	s.serve(r.Context(), conn, fmt.Sprintf("c%d-%s", id, r.RemoteAddr))
}

// serve wires one accepted socket to a fresh switch and pumps it until the
// read side ends, then winds the switch down.
func (s *Server) serve(ctx context.Context, conn *websocket.Conn, connID string) {
	conn.SetReadLimit(maxBinaryFrame)

	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ActiveConnections.Add(ctx, 1)
		defer s.cfg.Metrics.ActiveConnections.Add(context.Background(), -1)
	}

	writer := &connWriter{conn: conn, wrapJSON: s.cfg.WrapJSON}
	sw := broker.NewSwitch(broker.SwitchConfig{
		Registry:     s.registry.Load(),
		Sink:         writer.write,
		Collector:    s.cfg.Collector,
		Reports:      s.cfg.Reports,
		StopGrace:    s.cfg.StopGrace,
		InputBuffer:  s.cfg.InputBuffer,
		OutputBuffer: s.cfg.OutputBuffer,
		Metrics:      s.cfg.Metrics,
	})

	opened := time.Now()
	slog.Info("connection open", "conn_id", connID)

	readErr := s.readLoop(ctx, conn, sw, connID)

	// The switch gets its own teardown budget: the connection context is
	// useless once the socket is gone, but conversations still need their
	// stop grace and billing flush.
	closeCtx, cancel := context.WithTimeout(context.Background(), closeBudget)
	if err := sw.Close(closeCtx); err != nil {
		slog.Warn("connection teardown incomplete", "conn_id", connID, "err", err)
	}
	cancel()

	s.mu.Lock()
	quitting := s.quitting
	s.mu.Unlock()

	switch {
	case websocket.CloseStatus(readErr) != -1:
		slog.Info("connection closed",
			"conn_id", connID, "status", websocket.CloseStatus(readErr), "open_for", time.Since(opened))
	case quitting:
		slog.Info("connection closed for shutdown", "conn_id", connID, "open_for", time.Since(opened))
	default:
		slog.Warn("connection read failed",
			"conn_id", connID, "err", readErr, "open_for", time.Since(opened))
	}
	_ = conn.Close(websocket.StatusNormalClosure, "")
}

// readLoop pumps inbound frames into the switch until the socket or the
// context ends. Events the switch rejects never kill the connection: Process
// reports conversation-level failures to the client itself, so the returned
// error only ever describes the socket.
func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, sw *broker.Switch, connID string) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		switch typ {
		case websocket.MessageBinary:
			sw.BroadcastAudio(data)
		case websocket.MessageText:
			if len(data) > maxTextFrame {
				slog.Warn("oversized client event dropped", "conn_id", connID, "bytes", len(data))
				continue
			}
			var ev protocol.ClientEvent
			if err := json.Unmarshal(data, &ev); err != nil {
				slog.Warn("unparseable client event dropped", "conn_id", connID, "err", err)
				continue
			}
			if err := sw.Process(ctx, &ev); err != nil {
				slog.Debug("client event rejected",
					"conn_id", connID, "type", ev.Type, "conversation_id", ev.ID, "err", err)
			}
		}
	}
}

// Run serves h on addr until ctx is cancelled, then shuts down: the listener
// first, then every live WebSocket connection, all within grace.
func (s *Server) Run(ctx context.Context, addr string, h http.Handler, grace time.Duration) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen on %s: %w", addr, err)
	}
	httpSrv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("listening", "address", ln.Addr().String())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpSrv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http shutdown incomplete", "err", err)
		}
		return s.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Shutdown refuses new connections, sends every live socket a GoingAway close
// frame and waits for connection teardown, bounded by ctx. http.Server's own
// Shutdown skips hijacked connections, so WebSockets need this second pass.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.quitting = true
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		// The close frame unblocks the connection's read loop; the handler
		// goroutine then tears its conversations down.
		go func() { _ = c.Close(websocket.StatusGoingAway, "server shutting down") }()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("server: %d connections still tearing down: %w", s.Active(), ctx.Err())
	}
}

// Active returns the number of open connections.
func (s *Server) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// connWriter serializes server events onto one socket. Every conversation's
// scheduler dispatches from its own goroutine, so writes are mutex-ordered.
type connWriter struct {
	conn     *websocket.Conn
	wrapJSON bool
	mu       sync.Mutex
}

// write sends one server event: audio as a binary frame of raw samples,
// everything else as a JSON text frame. A write that exceeds writeTimeout
// closes the whole connection.
func (w *connWriter) write(ev *protocol.ServerEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if ev.Type == protocol.ServerTypeAudio {
		if err := w.conn.Write(ctx, websocket.MessageBinary, ev.Samples); err != nil {
			return fmt.Errorf("server: write audio frame: %w", err)
		}
		return nil
	}

	var data []byte
	var err error
	if w.wrapJSON {
		data, err = protocol.EncodeEnvelope(ev)
	} else {
		data, err = protocol.EncodeServerEvent(ev)
	}
	if err != nil {
		return err
	}
	if err := w.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("server: write %s event: %w", ev.Type, err)
	}
	return nil
}
