package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	pkglog "github.com/weiawesome/lobbycast/pkg/log"
)

// State is the lifecycle phase of a Server.
type State int32

const (
	StateStarting State = iota
	StateListening
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateListening:
		return "listening"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

var ErrNotServing = errors.New("rpc: server is not serving")

// Server hosts the websocket endpoint. On Shutdown it tells every
// connected client to reconnect before it stops accepting connections.
type Server struct {
	hub    *Hub
	http   *http.Server
	state  atomic.Int32
	logger zerolog.Logger
}

// NewServer serves handler on addr; hub must be the registry the
// websocket handler registers connections with.
func NewServer(addr string, hub *Hub, handler http.Handler) *Server {
	s := &Server{
		hub: hub,
		http: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: pkglog.Component("rpc-server"),
	}
	s.state.Store(int32(StateStarting))
	return s
}

func (s *Server) State() State { return State(s.state.Load()) }

// Connections is the number of open websocket connections.
func (s *Server) Connections() int { return s.hub.Count() }

// Listen binds the server's address. A failure here is the only error a
// process is expected to treat as fatal.
func (s *Server) Listen() (net.Listener, error) {
	l, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return nil, fmt.Errorf("rpc: listen on %s: %w", s.http.Addr, err)
	}
	return l, nil
}

// Serve accepts connections on l until Shutdown.
func (s *Server) Serve(l net.Listener) error {
	if !s.state.CompareAndSwap(int32(StateStarting), int32(StateListening)) {
		l.Close()
		return ErrNotServing
	}
	go s.hub.Run()

	s.logger.Info().Str("addr", l.Addr().String()).Msg("rpc server listening")
	if err := s.http.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains the server: it queues a reconnect notice on every open
// connection, closes the listener, then closes the connections once their
// queued frames are written. It returns the number of connections notified.
func (s *Server) Shutdown(ctx context.Context) (int, error) {
	if !s.state.CompareAndSwap(int32(StateListening), int32(StateDraining)) {
		return 0, ErrNotServing
	}

	notified := s.hub.BroadcastReconnect()
	s.logger.Info().Int(pkglog.FieldConnections, notified).Msg("asked clients to reconnect")

	var errs []error
	if err := s.http.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("rpc: close listener: %w", err))
	}
	if err := s.hub.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("rpc: close connections: %w", err))
	}

	s.state.Store(int32(StateStopped))
	s.logger.Info().Msg("rpc server stopped")
	return notified, errors.Join(errs...)
}

type health struct {
	State       string `json:"state"`
	Connections int    `json:"connections"`
}

// HealthHandler reports the lifecycle state; it answers 503 unless the
// server is listening.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	state := s.State()
	w.Header().Set("Content-Type", "application/json")
	if state != StateListening {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(health{State: state.String(), Connections: s.hub.Count()})
}
