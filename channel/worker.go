// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// worker owns the lifecycle of one accepted connection: the read loop,
// dispatch to the handler, and cleanup. Whatever path the loop exits
// through (stream end, stop request, I/O error), the socket is closed
// exactly once and OnDisconnect fires exactly once.
type worker struct {
	conn    net.Conn
	peer    Addr
	handler Handler
	logger  log.Logger

	stopped   atomic.Bool
	stopOnce  sync.Once
	closeOnce sync.Once
	done      chan struct{}

	ctx *ConnCtx
}

func newWorker(conn net.Conn, peer Addr, handler Handler, logger log.Logger) *worker {
	w := &worker{
		conn:    conn,
		peer:    peer,
		handler: handler,
		logger:  logger,
		done:    make(chan struct{}),
	}
	w.ctx = &ConnCtx{peer: peer, logger: logger, w: conn, close: w.stop}
	return w
}

// run drives the connection until the peer disconnects, stop is requested,
// or the transport fails. The deferred cleanup runs even if a handler
// callback panics.
func (w *worker) run() {
	defer close(w.done)
	defer func() {
		w.closeConn()
		w.handler.OnDisconnect()
	}()

	w.handler.OnConnect(w.ctx)

	recv := NewReceiver(w.conn)
	for {
		env, err := recv.Next()
		if err != nil {
			if err != io.EOF && !w.stopped.Load() {
				_ = level.Debug(w.logger).Log("msg", "connection read ended", "peer", w.peer, "err", err)
			}
			return
		}
		if w.stopped.Load() {
			return
		}
		w.handler.OnMessage(env)
	}
}

// stop requests a cooperative shutdown. Closing the socket unblocks any
// pending read, so the loop exits promptly; a message already being
// dispatched still completes. Idempotent.
func (w *worker) stop() {
	w.stopOnce.Do(func() {
		w.stopped.Store(true)
		w.closeConn()
	})
}

func (w *worker) closeConn() {
	w.closeOnce.Do(func() { _ = w.conn.Close() })
}

// join waits for the read loop to finish, giving up after timeout so a
// wedged socket cannot stall shutdown indefinitely.
func (w *worker) join(timeout time.Duration) bool {
	select {
	case <-w.done:
		return true
	case <-time.After(timeout):
		return false
	}
}
