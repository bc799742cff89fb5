// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"io"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/gngram/usb-passthrough-manager/protocol"
)

// Sender delivers one protocol message to the peer, reporting success as a
// boolean. Both *ConnCtx and *Client satisfy it, which is what lets the
// registry logic run unchanged on either side of the channel.
type Sender interface {
	Send(env protocol.Envelope) bool
}

// Handler receives the lifecycle callbacks for one connection. OnConnect
// and OnDisconnect bracket the connection; OnMessage fires once per decoded
// message, in arrival order.
type Handler interface {
	OnConnect(ctx *ConnCtx)
	OnMessage(env protocol.Envelope)
	OnDisconnect()
}

// ConnCtx is the handle protocol code uses to talk to one live connection
// without touching the socket itself.
type ConnCtx struct {
	peer   Addr
	logger log.Logger

	sendMu sync.Mutex
	w      io.Writer

	close func()
}

// Peer returns the remote endpoint's identity.
func (c *ConnCtx) Peer() Addr { return c.peer }

// Send writes one message to the peer. A transport failure is absorbed
// into a false return; the server side does not retry, since retrying a
// send to a dropped peer cannot help.
func (c *ConnCtx) Send(env protocol.Envelope) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := Send(c.w, env); err != nil {
		_ = level.Warn(c.logger).Log("msg", "send to peer failed", "peer", c.peer, "err", err)
		return false
	}
	return true
}

// Close tears down the connection via the owning worker. Idempotent.
func (c *ConnCtx) Close() { c.close() }
