// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"net"
	"strconv"

	"github.com/efficientgo/core/errors"
	"github.com/mdlayher/vsock"
)

// Addr identifies a vsock endpoint by its (context id, port) pair. The
// context id alone is the coarse identity used for handler routing; the
// full pair identifies one live connection.
type Addr struct {
	ContextID uint32
	Port      uint32
}

func (a Addr) Network() string { return "vsock" }

func (a Addr) String() string {
	return strconv.FormatUint(uint64(a.ContextID), 10) + ":" + strconv.FormatUint(uint64(a.Port), 10)
}

// Dialer opens a stream connection to a vsock endpoint. It exists so tests
// can substitute in-memory pipes for real sockets.
type Dialer interface {
	Dial(target Addr) (net.Conn, error)
}

// VsockDialer dials AF_VSOCK endpoints.
type VsockDialer struct{}

func (VsockDialer) Dial(target Addr) (net.Conn, error) {
	conn, err := vsock.Dial(target.ContextID, target.Port, nil)
	if err != nil {
		return nil, errors.Wrap(err, "dial vsock "+target.String())
	}
	return conn, nil
}

// Listen binds an AF_VSOCK listener on the local context id and the given
// port.
func Listen(port uint32) (net.Listener, error) {
	l, err := vsock.Listen(port, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "listen on vsock port %d", port)
	}
	return l, nil
}

// peerAddr extracts the vsock peer identity from an accepted connection.
func peerAddr(conn net.Conn) (Addr, bool) {
	switch ra := conn.RemoteAddr().(type) {
	case *vsock.Addr:
		return Addr{ContextID: ra.ContextID, Port: ra.Port}, true
	case Addr:
		return ra, true
	}
	return Addr{}, false
}
