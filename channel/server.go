// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
)

const defaultJoinTimeout = 2 * time.Second

// ServerConfig holds the parameters for a listening server.
type ServerConfig struct {
	Listener   net.Listener
	Logger     log.Logger
	Registerer prometheus.Registerer
	// JoinTimeout bounds the per-worker wait during Stop. Zero means the
	// default of 2s.
	JoinTimeout time.Duration
}

// Server accepts incoming connections and routes each one to the handler
// registered for the peer's context id. Every accepted connection gets its
// own worker goroutine.
type Server struct {
	l           net.Listener
	logger      log.Logger
	joinTimeout time.Duration

	handlersMu sync.Mutex
	handlers   map[uint32]Handler

	workersMu sync.Mutex
	workers   map[Addr]*worker

	stopped  atomic.Bool
	stopOnce sync.Once

	acceptedTotal prometheus.Counter
	rejectedTotal prometheus.Counter
}

func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	joinTimeout := cfg.JoinTimeout
	if joinTimeout == 0 {
		joinTimeout = defaultJoinTimeout
	}
	s := &Server{
		l:           cfg.Listener,
		logger:      logger,
		joinTimeout: joinTimeout,
		handlers:    make(map[uint32]Handler),
		workers:     make(map[Addr]*worker),
		acceptedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "upm_server_connections_accepted_total",
			Help: "The number of connections accepted and routed to a handler.",
		}),
		rejectedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "upm_server_connections_rejected_total",
			Help: "The number of connections dropped for lack of a registered handler.",
		}),
	}
	if cfg.Registerer != nil {
		cfg.Registerer.MustRegister(s.acceptedTotal, s.rejectedTotal)
	}
	return s
}

// RegisterHandler routes future connections from the given context id to h.
// It reports false if that context id is already claimed; registration is a
// startup-time contract, not something to race over at runtime.
func (s *Server) RegisterHandler(cid uint32, h Handler) bool {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	if _, ok := s.handlers[cid]; ok {
		return false
	}
	s.handlers[cid] = h
	return true
}

// Serve accepts connections until Stop is called. A peer whose context id
// has no registered handler is closed immediately without notifying anyone.
func (s *Server) Serve() error {
	for {
		conn, err := s.l.Accept()
		if err != nil {
			if s.stopped.Load() {
				return nil
			}
			return errors.Wrap(err, "accept")
		}

		peer, ok := peerAddr(conn)
		if !ok {
			_ = level.Warn(s.logger).Log("msg", "cannot determine peer identity, dropping connection", "remote", conn.RemoteAddr())
			_ = conn.Close()
			continue
		}

		s.handlersMu.Lock()
		h := s.handlers[peer.ContextID]
		s.handlersMu.Unlock()
		if h == nil {
			s.rejectedTotal.Inc()
			_ = level.Warn(s.logger).Log("msg", "no handler registered for peer, closing", "peer", peer)
			_ = conn.Close()
			continue
		}

		w := newWorker(conn, peer, h, log.With(s.logger, "peer", peer))
		s.workersMu.Lock()
		s.workers[peer] = w
		s.workersMu.Unlock()
		s.acceptedTotal.Inc()
		_ = level.Info(s.logger).Log("msg", "peer connected", "peer", peer)

		go func() {
			w.run()
			s.workersMu.Lock()
			if s.workers[peer] == w {
				delete(s.workers, peer)
			}
			s.workersMu.Unlock()
		}()
	}
}

// Stop closes the listener, then stops every live worker and waits up to
// the join timeout for each. Idempotent.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.stopped.Store(true)
		_ = s.l.Close()

		s.workersMu.Lock()
		workers := make([]*worker, 0, len(s.workers))
		for _, w := range s.workers {
			workers = append(workers, w)
		}
		s.workersMu.Unlock()

		for _, w := range workers {
			w.stop()
			if !w.join(s.joinTimeout) {
				_ = level.Warn(s.logger).Log("msg", "worker did not stop in time", "peer", w.peer)
			}
		}
	})
}
