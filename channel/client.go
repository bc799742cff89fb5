// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gngram/usb-passthrough-manager/protocol"
)

const (
	defaultRetryInterval = 1 * time.Second
	defaultStopGrace     = 1 * time.Second
	sendAttempts         = 5
)

var errStopped = errors.New("client stopped")

// ClientConfig holds the parameters for a reconnecting client.
type ClientConfig struct {
	Target Addr
	Dialer Dialer

	// OnMessage fires once per decoded message. OnConnect/OnDisconnect fire
	// at most once per connection instance, as a pair. All three may be nil.
	OnMessage    func(env protocol.Envelope)
	OnConnect    func()
	OnDisconnect func()

	Logger     log.Logger
	Registerer prometheus.Registerer

	// RetryInterval is the fixed delay between connect attempts. There is
	// deliberately no backoff and no cap: the remote endpoint is a
	// co-located peer that is expected to appear eventually, and
	// availability wins over fast failure. Zero means 1s.
	RetryInterval time.Duration
	// StopGrace is how long Stop waits for the receive loop to drain
	// before force-closing the connection. Zero means 1s.
	StopGrace time.Duration
}

// Client maintains one logical outbound connection, transparently
// redialing when it drops. Run drives the receive loop on the caller's
// goroutine; Send may be called from any goroutine.
type Client struct {
	target        Addr
	dialer        Dialer
	onMessage     func(env protocol.Envelope)
	onConnect     func()
	onDisconnect  func()
	logger        log.Logger
	retryInterval time.Duration
	stopGrace     time.Duration

	mu   sync.Mutex
	conn net.Conn

	sendMu sync.Mutex

	stopC    chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	connectsTotal    prometheus.Counter
	sendRetriesTotal prometheus.Counter
}

func NewClient(cfg ClientConfig) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = VsockDialer{}
	}
	retry := cfg.RetryInterval
	if retry == 0 {
		retry = defaultRetryInterval
	}
	grace := cfg.StopGrace
	if grace == 0 {
		grace = defaultStopGrace
	}
	c := &Client{
		target:        cfg.Target,
		dialer:        dialer,
		onMessage:     cfg.OnMessage,
		onConnect:     cfg.OnConnect,
		onDisconnect:  cfg.OnDisconnect,
		logger:        logger,
		retryInterval: retry,
		stopGrace:     grace,
		stopC:         make(chan struct{}),
		done:          make(chan struct{}),
		connectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "upm_client_connects_total",
			Help: "The number of times the client established a connection.",
		}),
		sendRetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "upm_client_send_retries_total",
			Help: "The number of send attempts that failed and forced a reconnect.",
		}),
	}
	if cfg.Registerer != nil {
		cfg.Registerer.MustRegister(c.connectsTotal, c.sendRetriesTotal)
	}
	return c
}

// acquire returns the live connection, dialing with a fixed retry interval
// until the endpoint exists. The lock is held across the retry loop, so
// concurrent senders block until the connection is up. It fails only once
// the client has been stopped.
func (c *Client) acquire() (net.Conn, error) {
	c.mu.Lock()
	if c.conn != nil {
		conn := c.conn
		c.mu.Unlock()
		return conn, nil
	}
	for {
		select {
		case <-c.stopC:
			c.mu.Unlock()
			return nil, errStopped
		default:
		}
		conn, err := c.dialer.Dial(c.target)
		if err == nil {
			c.conn = conn
			c.mu.Unlock()
			c.connectsTotal.Inc()
			_ = level.Info(c.logger).Log("msg", "connected", "target", c.target)
			if c.onConnect != nil {
				c.onConnect()
			}
			return conn, nil
		}
		_ = level.Info(c.logger).Log("msg", "waiting for server", "target", c.target, "err", err)
		select {
		case <-c.stopC:
			c.mu.Unlock()
			return nil, errStopped
		case <-time.After(c.retryInterval):
		}
	}
}

// closeConnection drops the current connection and fires OnDisconnect. At
// most one OnDisconnect per connection instance: whoever clears c.conn
// under the lock owns the callback.
func (c *Client) closeConnection() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return
	}
	_ = conn.Close()
	if c.onDisconnect != nil {
		c.onDisconnect()
	}
}

// Run drives the receive loop until Stop is called: acquire a connection,
// deliver messages in order, and on stream end or transport error drop the
// connection and reacquire. Reconnect-and-resume is automatic.
func (c *Client) Run() error {
	defer close(c.done)
	for {
		select {
		case <-c.stopC:
			c.closeConnection()
			return nil
		default:
		}
		conn, err := c.acquire()
		if err != nil {
			c.closeConnection()
			return nil
		}
		recv := NewReceiver(conn)
		for {
			env, err := recv.Next()
			if err != nil {
				if err != io.EOF {
					_ = level.Warn(c.logger).Log("msg", "receive failed", "target", c.target, "err", err)
				}
				break
			}
			if c.onMessage != nil {
				c.onMessage(env)
			}
		}
		c.closeConnection()
	}
}

// Send delivers one message, retrying a bounded number of times. A failed
// attempt closes the presumed-dead connection so the next attempt redials.
// Exhausting all attempts reports failure to the caller instead of
// blocking forever.
func (c *Client) Send(env protocol.Envelope) bool {
	for attempt := 0; attempt < sendAttempts; attempt++ {
		conn, err := c.acquire()
		if err != nil {
			return false
		}
		c.sendMu.Lock()
		err = Send(conn, env)
		c.sendMu.Unlock()
		if err == nil {
			return true
		}
		c.sendRetriesTotal.Inc()
		_ = level.Warn(c.logger).Log("msg", "send failed, reconnecting", "target", c.target, "err", err)
		c.closeConnection()
	}
	_ = level.Error(c.logger).Log("msg", "send failed after all attempts", "target", c.target)
	return false
}

// Stop signals the receive loop to exit, allows a grace period for it to
// drain, then force-closes the connection to unblock a pending read.
// Idempotent.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopC)
		select {
		case <-c.done:
		case <-time.After(c.stopGrace):
		}
		c.closeConnection()
	})
}
