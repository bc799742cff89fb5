// SPDX-License-Identifier: Apache-2.0

// Package channel implements the vsock transport for the USB passthrough
// protocol: the newline-delimited JSON codec, the listening server with its
// per-connection workers, and the reconnecting client.
package channel

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"

	"github.com/efficientgo/core/errors"

	"github.com/gngram/usb-passthrough-manager/protocol"
)

// Generous cap for a single message line; a registry snapshot for any sane
// number of USB devices fits with room to spare.
const maxLineBytes = 1 << 20

// Send serializes env as one line of compact JSON terminated by '\n' and
// writes it to w. The write either transfers the whole line or fails.
func Send(w io.Writer, env protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return errors.Wrap(err, "encode message")
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		return errors.Wrap(err, "write message")
	}
	return nil
}

// Receiver turns a byte stream into a sequence of decoded envelopes, one
// per non-empty line.
type Receiver struct {
	s *bufio.Scanner
}

// NewReceiver wraps r. The stream is consumed as it is scanned; a Receiver
// is not restartable once exhausted.
func NewReceiver(r io.Reader) *Receiver {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 64*1024), maxLineBytes)
	return &Receiver{s: s}
}

// Next returns the next envelope. io.EOF signals a clean end of stream. A
// malformed line terminates the sequence with an error: once framing is
// desynchronized there is no way to resynchronize, so the connection must
// be torn down.
func (r *Receiver) Next() (protocol.Envelope, error) {
	for r.s.Scan() {
		line := bytes.TrimSpace(r.s.Bytes())
		if len(line) == 0 {
			continue
		}
		var env protocol.Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			return protocol.Envelope{}, errors.Wrap(err, "malformed message line")
		}
		return env, nil
	}
	if err := r.s.Err(); err != nil {
		return protocol.Envelope{}, err
	}
	return protocol.Envelope{}, io.EOF
}
