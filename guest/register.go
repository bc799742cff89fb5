// SPDX-License-Identifier: Apache-2.0

package guest

import (
	stderrors "errors"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gngram/usb-passthrough-manager/channel"
	"github.com/gngram/usb-passthrough-manager/protocol"
)

// RegisterConfig holds the collaborators of a mirror register.
type RegisterConfig struct {
	Sender   channel.Sender
	Store    *Store
	Notifier Notifier
	Logger   log.Logger
	// Registerer may be nil to skip metrics registration.
	Registerer prometheus.Registerer
}

// Register is the guest-side mirror of the host registry. It is not
// authoritative: it applies whatever the host announces, persists each
// resulting snapshot for the UI, and forwards the UI's passthrough
// requests upstream.
type Register struct {
	sender   channel.Sender
	store    *Store
	notifier Notifier
	logger   log.Logger

	mu        sync.Mutex
	devices   map[string]protocol.DeviceInfo
	connected bool

	syncsTotal prometheus.Counter
	acksTotal  *prometheus.CounterVec
}

func NewRegister(cfg RegisterConfig) *Register {
	logger := cfg.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	r := &Register{
		sender:   cfg.Sender,
		store:    cfg.Store,
		notifier: cfg.Notifier,
		logger:   logger,
		devices:  make(map[string]protocol.DeviceInfo),
		syncsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "upm_mirror_syncs_total",
			Help: "The total number of full registry snapshots applied.",
		}),
		acksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "upm_mirror_acks_total",
			Help: "The total number of passthrough acks received, by status.",
		}, []string{"status"}),
	}
	if cfg.Registerer != nil {
		cfg.Registerer.MustRegister(r.syncsTotal, r.acksTotal)
	}
	return r
}

// OnConnect requests a full snapshot so the mirror converges after any
// missed events. A failed request here is critical: without it the mirror
// would silently serve stale data until the next reconnect.
func (r *Register) OnConnect() {
	r.mu.Lock()
	r.connected = true
	r.mu.Unlock()
	_ = level.Info(r.logger).Log("msg", "connected to host")
	if !r.sender.Send(protocol.GetDevices{}.Envelope()) {
		_ = level.Error(r.logger).Log("msg", "initial device sync request failed")
	}
}

// OnDisconnect notes the lost connection. The mirror and its on-disk copy
// are kept as-is; they reflect the last known host state.
func (r *Register) OnDisconnect() {
	r.mu.Lock()
	was := r.connected
	r.connected = false
	r.mu.Unlock()
	if was {
		_ = level.Warn(r.logger).Log("msg", "disconnected from host")
	}
}

// OnMessage applies one announcement from the host.
func (r *Register) OnMessage(env protocol.Envelope) {
	msg, err := protocol.Decode(env)
	if err != nil {
		if stderrors.Is(err, protocol.ErrUnknownType) {
			_ = level.Warn(r.logger).Log("msg", "unknown message type", "type", env.Type)
		} else {
			_ = level.Warn(r.logger).Log("msg", "malformed message", "type", env.Type, "err", err)
		}
		return
	}

	switch m := msg.(type) {
	case *protocol.DeviceConnected:
		r.applyConnected(m.Device)
	case *protocol.DeviceRemoved:
		r.applyRemoved(m.DeviceID)
	case *protocol.ConnectedDevices:
		r.applySnapshot(m.Devices)
	case *protocol.PassthroughAck:
		r.applyAck(m)
	case protocol.Reset:
		r.applySnapshot(map[string]protocol.DeviceInfo{})
		_ = level.Info(r.logger).Log("msg", "registry reset by host")
	default:
		_ = level.Warn(r.logger).Log("msg", "unexpected message", "type", env.Type)
	}
}

func (r *Register) applyConnected(dev protocol.Device) {
	info := dev.Info()
	r.mu.Lock()
	r.devices[dev.DeviceID] = info
	r.mu.Unlock()

	r.persist()
	_ = level.Info(r.logger).Log("msg", "device connected", "device", dev.DeviceID, "vendor", dev.Vendor, "product", dev.Product)
	if r.notifier != nil {
		r.notifier.NotifyNewDevice(dev.DeviceID, info)
	}
}

func (r *Register) applyRemoved(deviceID string) {
	r.mu.Lock()
	_, ok := r.devices[deviceID]
	delete(r.devices, deviceID)
	r.mu.Unlock()

	if !ok {
		_ = level.Warn(r.logger).Log("msg", "removal for unknown device", "device", deviceID)
		return
	}
	r.persist()
	_ = level.Info(r.logger).Log("msg", "device removed", "device", deviceID)
}

func (r *Register) applySnapshot(devices map[string]protocol.DeviceInfo) {
	fresh := make(map[string]protocol.DeviceInfo, len(devices))
	for id, info := range devices {
		fresh[id] = info
	}
	r.mu.Lock()
	r.devices = fresh
	r.mu.Unlock()

	r.syncsTotal.Inc()
	r.persist()
	_ = level.Info(r.logger).Log("msg", "registry synced", "devices", len(fresh))
}

func (r *Register) applyAck(ack *protocol.PassthroughAck) {
	r.acksTotal.WithLabelValues(string(ack.Status)).Inc()

	if ack.Status != protocol.StatusOK {
		_ = level.Warn(r.logger).Log("msg", "passthrough rejected", "device", ack.DeviceID, "status", ack.Status, "reason", ack.Reason)
		return
	}

	r.mu.Lock()
	info, ok := r.devices[ack.DeviceID]
	if ok {
		info.CurrentVM = ack.CurrentVM
		r.devices[ack.DeviceID] = info
	}
	r.mu.Unlock()

	if !ok {
		_ = level.Warn(r.logger).Log("msg", "ack for unknown device", "device", ack.DeviceID)
		return
	}
	r.persist()
	_ = level.Info(r.logger).Log("msg", "passthrough confirmed", "device", ack.DeviceID, "vm", ack.CurrentVM)
}

// RequestPassthrough forwards a UI request to move a device. It reports
// only whether the request went out; the outcome arrives later as an ack.
func (r *Register) RequestPassthrough(deviceID, targetVM string) bool {
	req, err := protocol.NewPassthroughRequest(deviceID, targetVM)
	if err != nil {
		_ = level.Error(r.logger).Log("msg", "invalid passthrough request", "err", err)
		return false
	}
	if !r.sender.Send(req.Envelope()) {
		_ = level.Error(r.logger).Log("msg", "passthrough request send failed", "device", deviceID)
		return false
	}
	_ = level.Info(r.logger).Log("msg", "passthrough requested", "device", deviceID, "vm", targetVM)
	return true
}

// Snapshot returns a copy of the mirrored registry.
func (r *Register) Snapshot() map[string]protocol.DeviceInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := make(map[string]protocol.DeviceInfo, len(r.devices))
	for id, info := range r.devices {
		snap[id] = info
	}
	return snap
}

func (r *Register) persist() {
	if r.store == nil {
		return
	}
	if err := r.store.Write(r.Snapshot()); err != nil {
		_ = level.Error(r.logger).Log("msg", "persisting registry failed", "err", err)
	}
}
