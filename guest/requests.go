// SPDX-License-Identifier: Apache-2.0

package guest

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

const fifoFileName = "app_request.fifo"

// RequesterFunc submits one passthrough request on the UI's behalf.
type RequesterFunc func(deviceID, targetVM string)

// RequestReader accepts passthrough requests from local UI processes
// through a named pipe. Each line has the form
//
//	<device-id>-><vm-name>
//
// and is handed to the requester. Malformed lines are logged and dropped.
type RequestReader struct {
	path      string
	requester RequesterFunc
	logger    log.Logger

	stopped atomic.Bool
	fileMu  chan struct{}
	file    *os.File
}

// NewRequestReader creates the FIFO inside dir if it does not exist yet.
func NewRequestReader(dir string, requester RequesterFunc, logger log.Logger) (*RequestReader, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	path := filepath.Join(dir, fifoFileName)
	if err := syscall.Mkfifo(path, 0o644); err != nil && !os.IsExist(err) {
		return nil, errors.Wrapf(err, "creating fifo %s", path)
	}
	r := &RequestReader{
		path:      path,
		requester: requester,
		logger:    logger,
		fileMu:    make(chan struct{}, 1),
	}
	r.fileMu <- struct{}{}
	return r, nil
}

// Run reads request lines until Stop is called. Opening a FIFO for reading
// blocks until a writer appears; each writer closing its end terminates the
// current scan, after which the pipe is reopened for the next one.
func (r *RequestReader) Run() error {
	for !r.stopped.Load() {
		f, err := os.OpenFile(r.path, os.O_RDONLY, 0)
		if err != nil {
			if r.stopped.Load() {
				return nil
			}
			return errors.Wrapf(err, "opening fifo %s", r.path)
		}
		if r.stopped.Load() {
			f.Close()
			return nil
		}
		r.setFile(f)
		r.scan(f)
		r.setFile(nil)
		f.Close()
	}
	return nil
}

func (r *RequestReader) scan(f *os.File) {
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		deviceID, targetVM, ok := strings.Cut(line, "->")
		deviceID, targetVM = strings.TrimSpace(deviceID), strings.TrimSpace(targetVM)
		if !ok || deviceID == "" || targetVM == "" {
			_ = level.Warn(r.logger).Log("msg", "malformed request line", "line", line)
			continue
		}
		r.requester(deviceID, targetVM)
	}
	if err := sc.Err(); err != nil && !r.stopped.Load() {
		_ = level.Warn(r.logger).Log("msg", "fifo read error", "err", err)
	}
}

func (r *RequestReader) setFile(f *os.File) {
	<-r.fileMu
	r.file = f
	r.fileMu <- struct{}{}
}

// Stop unblocks Run. A pending open is released by briefly connecting a
// nonblocking writer to the pipe; an in-progress scan is released by
// closing the read side out from under it.
func (r *RequestReader) Stop() {
	r.stopped.Store(true)
	if w, err := os.OpenFile(r.path, os.O_WRONLY|syscall.O_NONBLOCK, 0); err == nil {
		w.Close()
	}
	<-r.fileMu
	if r.file != nil {
		r.file.Close()
		r.file = nil
	}
	r.fileMu <- struct{}{}
}

// Path returns the location of the request FIFO.
func (r *RequestReader) Path() string {
	return r.path
}
