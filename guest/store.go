// SPDX-License-Identifier: Apache-2.0

// Package guest implements the GUI VM side: a mirror registry kept in sync
// with the host, persisted to disk for the UI to read, plus the FIFO intake
// through which the UI submits passthrough requests.
package guest

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/efficientgo/core/errors"

	"github.com/gngram/usb-passthrough-manager/protocol"
)

const dbFileName = "usb_db.json"

// Store persists the mirrored device registry as pretty-printed JSON. Every
// write goes through a temp file in the same directory followed by a
// rename, so a reader never observes a torn file.
type Store struct {
	dir  string
	path string
}

// NewStore prepares the data directory and seeds an empty registry file so
// UI readers have something to open before the first sync arrives.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating data directory %s", dir)
	}
	if err := os.Chmod(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "setting permissions on %s", dir)
	}
	s := &Store{dir: dir, path: filepath.Join(dir, dbFileName)}
	if err := s.Write(map[string]protocol.DeviceInfo{}); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the location of the registry file.
func (s *Store) Path() string {
	return s.path
}

// Write atomically replaces the registry file with the given snapshot.
func (s *Store) Write(devices map[string]protocol.DeviceInfo) error {
	data, err := json.MarshalIndent(devices, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding device registry")
	}
	tmp, err := os.CreateTemp(s.dir, dbFileName+".*")
	if err != nil {
		return errors.Wrap(err, "creating temp registry file")
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return errors.Wrap(err, "writing registry file")
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return errors.Wrap(err, "setting registry file permissions")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "closing registry file")
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return errors.Wrap(err, "replacing registry file")
	}
	return nil
}

// Remove deletes the registry file, typically on shutdown so the UI does
// not act on stale data.
func (s *Store) Remove() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "removing %s", s.path)
	}
	return nil
}
