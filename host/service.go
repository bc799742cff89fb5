// SPDX-License-Identifier: Apache-2.0

// Package host implements the authoritative device registry: it tracks which
// USB devices exist, which VMs each one may be assigned to, and where each
// one currently is, and it answers the guest's snapshot and passthrough
// requests.
package host

import (
	stderrors "errors"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gngram/usb-passthrough-manager/channel"
	"github.com/gngram/usb-passthrough-manager/protocol"
)

// PersistFunc receives the full registry snapshot after every mutation.
// The hook owns durability; the in-memory registry never waits on it.
type PersistFunc func(devices map[string]protocol.DeviceInfo)

// ServiceConfig holds the collaborators of a host service.
type ServiceConfig struct {
	// Executor performs the actual USB attach/detach. Nil means decisions
	// are recorded without moving hardware (useful on the non-authoritative
	// deployment and in tests).
	Executor   Executor
	Persist    PersistFunc
	Logger     log.Logger
	Registerer prometheus.Registerer
}

// Service is the host-side registry state machine. It implements
// channel.Handler so it can sit behind the listening server, and it can
// equally be driven through a reconnecting client via AttachSender; the
// logic is identical in both deployments.
//
// The registry lock covers in-memory mutation only; outbound sends happen
// after it is released so a slow peer cannot block concurrent mutations.
type Service struct {
	executor Executor
	persist  PersistFunc
	logger   log.Logger

	mu      sync.Mutex
	devices map[string]protocol.Device

	senderMu sync.Mutex
	sender   channel.Sender

	devicesGauge     prometheus.Gauge
	passthroughTotal *prometheus.CounterVec
}

func NewService(cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	s := &Service{
		executor: cfg.Executor,
		persist:  cfg.Persist,
		logger:   logger,
		devices:  make(map[string]protocol.Device),
		devicesGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "upm_registry_devices",
			Help: "The number of devices currently in the registry.",
		}),
		passthroughTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "upm_passthrough_requests_total",
			Help: "The total number of passthrough requests handled, by outcome.",
		}, []string{"outcome"}),
	}
	if cfg.Registerer != nil {
		cfg.Registerer.MustRegister(s.devicesGauge, s.passthroughTotal)
	}
	return s
}

// AttachSender sets the peer used for outbound notifications, for the
// deployment where the host dials the GUI VM through a reconnecting
// client. With no sender attached, notifications update the registry and
// report success without going on the wire.
func (s *Service) AttachSender(snd channel.Sender) {
	s.senderMu.Lock()
	s.sender = snd
	s.senderMu.Unlock()
}

func (s *Service) currentSender() channel.Sender {
	s.senderMu.Lock()
	defer s.senderMu.Unlock()
	return s.sender
}

func (s *Service) send(env protocol.Envelope) bool {
	snd := s.currentSender()
	if snd == nil {
		return true
	}
	return snd.Send(env)
}

// OnConnect implements channel.Handler.
func (s *Service) OnConnect(ctx *channel.ConnCtx) {
	s.AttachSender(ctx)
	_ = level.Info(s.logger).Log("msg", "GUI VM connected", "peer", ctx.Peer())
}

// OnMessage implements channel.Handler.
func (s *Service) OnMessage(env protocol.Envelope) {
	s.HandleMessage(env)
}

// OnDisconnect implements channel.Handler.
func (s *Service) OnDisconnect() {
	s.AttachSender(nil)
	_ = level.Info(s.logger).Log("msg", "GUI VM disconnected")
}

// NotifyDeviceConnected registers a newly plugged device and announces it
// to the peer. Registering an id that is already present is deliberately
// idempotent: the duplicate is logged and reported as success so a
// replayed udev event cannot cascade into an error.
func (s *Service) NotifyDeviceConnected(dev protocol.Device) bool {
	msg, err := protocol.NewDeviceConnected(dev)
	if err != nil {
		_ = level.Error(s.logger).Log("msg", "invalid device", "err", err)
		return false
	}

	s.mu.Lock()
	if _, ok := s.devices[dev.DeviceID]; ok {
		s.mu.Unlock()
		_ = level.Warn(s.logger).Log("msg", "device already in registry, connection ignored", "device", dev.DeviceID)
		return true
	}
	s.devices[dev.DeviceID] = dev
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.persistSnapshot(snap)
	_ = level.Info(s.logger).Log("msg", "device connected", "device", dev.DeviceID, "vendor", dev.Vendor, "product", dev.Product)
	return s.send(msg.Envelope())
}

// NotifyDeviceDisconnected removes a device. Removing an unknown id is a
// failure: the caller signaled a state the registry never saw.
func (s *Service) NotifyDeviceDisconnected(deviceID string) bool {
	msg, err := protocol.NewDeviceRemoved(deviceID)
	if err != nil {
		_ = level.Error(s.logger).Log("msg", "invalid device id", "err", err)
		return false
	}

	s.mu.Lock()
	if _, ok := s.devices[deviceID]; !ok {
		s.mu.Unlock()
		_ = level.Error(s.logger).Log("msg", "device not in registry, disconnection ignored", "device", deviceID)
		return false
	}
	delete(s.devices, deviceID)
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.persistSnapshot(snap)
	_ = level.Info(s.logger).Log("msg", "device removed", "device", deviceID)
	return s.send(msg.Envelope())
}

// Reset wipes the registry and tells the peer to do the same.
func (s *Service) Reset() bool {
	s.mu.Lock()
	s.devices = make(map[string]protocol.Device)
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.persistSnapshot(snap)
	_ = level.Info(s.logger).Log("msg", "registry reset")
	return s.send(protocol.Reset{}.Envelope())
}

// Snapshot returns a copy of the registry keyed by device id.
func (s *Service) Snapshot() map[string]protocol.DeviceInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Service) snapshotLocked() map[string]protocol.DeviceInfo {
	snap := make(map[string]protocol.DeviceInfo, len(s.devices))
	for id, dev := range s.devices {
		snap[id] = dev.Info()
	}
	s.devicesGauge.Set(float64(len(s.devices)))
	return snap
}

func (s *Service) persistSnapshot(snap map[string]protocol.DeviceInfo) {
	if s.persist != nil {
		s.persist(snap)
	}
}

// HandleMessage dispatches one inbound message from the peer.
func (s *Service) HandleMessage(env protocol.Envelope) {
	msg, err := protocol.Decode(env)
	if err != nil {
		if stderrors.Is(err, protocol.ErrUnknownType) {
			_ = level.Warn(s.logger).Log("msg", "unknown message type", "type", env.Type)
		} else {
			_ = level.Warn(s.logger).Log("msg", "malformed message", "type", env.Type, "err", err)
		}
		return
	}

	switch m := msg.(type) {
	case protocol.GetDevices:
		s.handleGetDevices()
	case *protocol.PassthroughRequest:
		s.handlePassthroughRequest(m)
	default:
		_ = level.Warn(s.logger).Log("msg", "unexpected message", "type", env.Type)
	}
}

func (s *Service) handleGetDevices() {
	reply, err := protocol.NewConnectedDevices(s.Snapshot())
	if err != nil {
		_ = level.Error(s.logger).Log("msg", "snapshot failed validation; service restart required", "err", err)
		return
	}
	if !s.send(reply.Envelope()) {
		_ = level.Error(s.logger).Log("msg", "snapshot send failed; service restart required")
	}
}

// handlePassthroughRequest applies the assignment rules: unknown device →
// error ack, target outside the permitted set → denied ack, target equal
// to the current assignment → ok ack without touching hardware, otherwise
// mutate, execute, and ack only once execution succeeded. Exactly one ack
// goes out per request unless execution fails after the registry was
// already updated; that is a fatal inconsistency, logged and left for the
// operator rather than rolled back.
func (s *Service) handlePassthroughRequest(req *protocol.PassthroughRequest) {
	s.mu.Lock()
	dev, ok := s.devices[req.DeviceID]
	if !ok {
		s.mu.Unlock()
		s.passthroughTotal.WithLabelValues("error").Inc()
		_ = level.Error(s.logger).Log("msg", "device not in registry, passthrough rejected", "device", req.DeviceID)
		s.sendAck(req.DeviceID, "", protocol.StatusError, "device not found")
		return
	}
	if !dev.Permits(req.TargetVM) {
		cur := dev.CurrentVM
		s.mu.Unlock()
		s.passthroughTotal.WithLabelValues("denied").Inc()
		_ = level.Warn(s.logger).Log("msg", "target VM not permitted for device", "device", req.DeviceID, "target", req.TargetVM)
		s.sendAck(req.DeviceID, cur, protocol.StatusDenied, "vm not permitted")
		return
	}
	if dev.CurrentVM == req.TargetVM {
		s.mu.Unlock()
		s.passthroughTotal.WithLabelValues("noop").Inc()
		_ = level.Info(s.logger).Log("msg", "device already on target VM", "device", req.DeviceID, "vm", req.TargetVM)
		s.sendAck(req.DeviceID, req.TargetVM, protocol.StatusOK, "")
		return
	}
	dev.CurrentVM = req.TargetVM
	s.devices[req.DeviceID] = dev
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.persistSnapshot(snap)

	if s.executor != nil {
		if err := s.executor.ExecutePassthrough(dev, req.TargetVM); err != nil {
			s.passthroughTotal.WithLabelValues("fatal").Inc()
			_ = level.Error(s.logger).Log("msg", "passthrough execution failed after registry update; service restart required", "device", req.DeviceID, "target", req.TargetVM, "err", err)
			return
		}
	}

	s.passthroughTotal.WithLabelValues("ok").Inc()
	_ = level.Info(s.logger).Log("msg", "device passed through", "device", req.DeviceID, "vm", req.TargetVM)
	if !s.sendAck(req.DeviceID, req.TargetVM, protocol.StatusOK, "") {
		_ = level.Error(s.logger).Log("msg", "ack send failed; service restart required", "device", req.DeviceID)
	}
}

func (s *Service) sendAck(deviceID, currentVM string, status protocol.Status, reason string) bool {
	ack, err := protocol.NewPassthroughAck(deviceID, currentVM, status, reason)
	if err != nil {
		_ = level.Error(s.logger).Log("msg", "building ack failed", "err", err)
		return false
	}
	return s.send(ack.Envelope())
}
