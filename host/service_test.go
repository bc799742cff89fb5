package host

import (
	"sync"
	"testing"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"

	"github.com/gngram/usb-passthrough-manager/protocol"
)

// recordingSender collects everything the service puts on the wire.
type recordingSender struct {
	mu   sync.Mutex
	envs []protocol.Envelope
	fail bool
}

func (s *recordingSender) Send(env protocol.Envelope) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return false
	}
	s.envs = append(s.envs, env)
	return true
}

func (s *recordingSender) sent() []protocol.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Envelope(nil), s.envs...)
}

func (s *recordingSender) lastMessage(t *testing.T) protocol.Message {
	t.Helper()
	envs := s.sent()
	if len(envs) == 0 {
		t.Fatal("nothing was sent")
	}
	msg, err := protocol.Decode(envs[len(envs)-1])
	if err != nil {
		t.Fatal(err)
	}
	return msg
}

// recordingExecutor notes every passthrough it is asked to perform.
type recordingExecutor struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (e *recordingExecutor) ExecutePassthrough(dev protocol.Device, targetVM string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, dev.DeviceID+"->"+targetVM)
	return e.err
}

func (e *recordingExecutor) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

func webcam() protocol.Device {
	return protocol.Device{
		DeviceID:     "1-4",
		Vendor:       "046d",
		Product:      "c31c",
		PermittedVMs: []string{"chrome-vm", "work-vm"},
		CurrentVM:    "chrome-vm",
	}
}

type serviceFixture struct {
	svc      *Service
	sender   *recordingSender
	executor *recordingExecutor

	mu       sync.Mutex
	persists []map[string]protocol.DeviceInfo
}

func newFixture() *serviceFixture {
	f := &serviceFixture{
		sender:   &recordingSender{},
		executor: &recordingExecutor{},
	}
	f.svc = NewService(ServiceConfig{
		Executor: f.executor,
		Persist: func(devices map[string]protocol.DeviceInfo) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.persists = append(f.persists, devices)
		},
		Logger: log.NewNopLogger(),
	})
	f.svc.AttachSender(f.sender)
	return f
}

func (f *serviceFixture) persistCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.persists)
}

func requestEnvelope(t *testing.T, deviceID, targetVM string) protocol.Envelope {
	t.Helper()
	req, err := protocol.NewPassthroughRequest(deviceID, targetVM)
	if err != nil {
		t.Fatal(err)
	}
	return req.Envelope()
}

func TestDeviceConnectedIdempotent(t *testing.T) {
	f := newFixture()

	if !f.svc.NotifyDeviceConnected(webcam()) {
		t.Fatal("first connect should succeed")
	}
	if !f.svc.NotifyDeviceConnected(webcam()) {
		t.Fatal("repeat connect should still report success")
	}

	snap := f.svc.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("got %d devices; want 1", len(snap))
	}
	// The duplicate must not be re-announced.
	if got := len(f.sender.sent()); got != 1 {
		t.Errorf("got %d announcements; want 1", got)
	}
	if got := f.persistCount(); got != 1 {
		t.Errorf("got %d persists; want 1", got)
	}
}

func TestDeviceDisconnected(t *testing.T) {
	f := newFixture()
	f.svc.NotifyDeviceConnected(webcam())

	if f.svc.NotifyDeviceDisconnected("0-0") {
		t.Error("removing an unknown device should fail")
	}
	if !f.svc.NotifyDeviceDisconnected("1-4") {
		t.Error("removing a known device should succeed")
	}
	if len(f.svc.Snapshot()) != 0 {
		t.Error("registry should be empty")
	}

	msg := f.sender.lastMessage(t)
	removed, ok := msg.(*protocol.DeviceRemoved)
	if !ok || removed.DeviceID != "1-4" {
		t.Errorf("got %#v; want device_removed for 1-4", msg)
	}
}

func TestReset(t *testing.T) {
	f := newFixture()
	f.svc.NotifyDeviceConnected(webcam())

	if !f.svc.Reset() {
		t.Fatal("reset should succeed")
	}
	if len(f.svc.Snapshot()) != 0 {
		t.Error("registry should be empty")
	}
	if _, ok := f.sender.lastMessage(t).(protocol.Reset); !ok {
		t.Error("reset should be announced")
	}

	f.svc.HandleMessage(protocol.GetDevices{}.Envelope())
	snap, ok := f.sender.lastMessage(t).(*protocol.ConnectedDevices)
	if !ok || len(snap.Devices) != 0 {
		t.Errorf("got %#v; want an empty snapshot after reset", f.sender.lastMessage(t))
	}
}

func TestGetDevicesReply(t *testing.T) {
	f := newFixture()
	f.svc.NotifyDeviceConnected(webcam())

	f.svc.HandleMessage(protocol.GetDevices{}.Envelope())

	msg := f.sender.lastMessage(t)
	snap, ok := msg.(*protocol.ConnectedDevices)
	if !ok {
		t.Fatalf("got %T; want *ConnectedDevices", msg)
	}
	info, ok := snap.Devices["1-4"]
	if !ok {
		t.Fatal("snapshot is missing device 1-4")
	}
	if info.CurrentVM != "chrome-vm" {
		t.Errorf("got current vm %q; want chrome-vm", info.CurrentVM)
	}
}

func TestPassthroughUnknownDevice(t *testing.T) {
	f := newFixture()

	f.svc.HandleMessage(requestEnvelope(t, "0-0", "work-vm"))

	ack, ok := f.sender.lastMessage(t).(*protocol.PassthroughAck)
	if !ok || ack.Status != protocol.StatusError {
		t.Fatalf("got %#v; want error ack", f.sender.lastMessage(t))
	}
	if f.executor.callCount() != 0 {
		t.Error("executor must not run for an unknown device")
	}
}

func TestPassthroughDenied(t *testing.T) {
	f := newFixture()
	f.svc.NotifyDeviceConnected(webcam())

	f.svc.HandleMessage(requestEnvelope(t, "1-4", "gaming-vm"))

	ack, ok := f.sender.lastMessage(t).(*protocol.PassthroughAck)
	if !ok || ack.Status != protocol.StatusDenied {
		t.Fatalf("got %#v; want denied ack", f.sender.lastMessage(t))
	}
	if ack.CurrentVM != "chrome-vm" {
		t.Errorf("got current vm %q; want chrome-vm", ack.CurrentVM)
	}
	if f.executor.callCount() != 0 {
		t.Error("executor must not run for a denied request")
	}
	if got := f.svc.Snapshot()["1-4"].CurrentVM; got != "chrome-vm" {
		t.Errorf("assignment changed to %q; want chrome-vm", got)
	}
}

func TestPassthroughNoOp(t *testing.T) {
	f := newFixture()
	f.svc.NotifyDeviceConnected(webcam())
	persistsBefore := f.persistCount()

	f.svc.HandleMessage(requestEnvelope(t, "1-4", "chrome-vm"))

	ack, ok := f.sender.lastMessage(t).(*protocol.PassthroughAck)
	if !ok || ack.Status != protocol.StatusOK {
		t.Fatalf("got %#v; want ok ack", f.sender.lastMessage(t))
	}
	if f.executor.callCount() != 0 {
		t.Error("executor must not run when the device is already in place")
	}
	if f.persistCount() != persistsBefore {
		t.Error("a no-op request must not persist")
	}
}

func TestPassthroughSuccess(t *testing.T) {
	f := newFixture()
	f.svc.NotifyDeviceConnected(webcam())

	f.svc.HandleMessage(requestEnvelope(t, "1-4", "work-vm"))

	ack, ok := f.sender.lastMessage(t).(*protocol.PassthroughAck)
	if !ok || ack.Status != protocol.StatusOK {
		t.Fatalf("got %#v; want ok ack", f.sender.lastMessage(t))
	}
	if ack.CurrentVM != "work-vm" {
		t.Errorf("got current vm %q; want work-vm", ack.CurrentVM)
	}
	if got := f.svc.Snapshot()["1-4"].CurrentVM; got != "work-vm" {
		t.Errorf("assignment is %q; want work-vm", got)
	}

	f.executor.mu.Lock()
	calls := append([]string(nil), f.executor.calls...)
	f.executor.mu.Unlock()
	if len(calls) != 1 || calls[0] != "1-4->work-vm" {
		t.Errorf("got executor calls %v; want [1-4->work-vm]", calls)
	}
}

func TestPassthroughExecutorFailure(t *testing.T) {
	f := newFixture()
	f.executor.err = errors.New("vfio bind failed")
	f.svc.NotifyDeviceConnected(webcam())
	sentBefore := len(f.sender.sent())

	f.svc.HandleMessage(requestEnvelope(t, "1-4", "work-vm"))

	// No ack: the registry and the hypervisor now disagree, and lying to
	// the peer about either state would make it worse.
	if got := len(f.sender.sent()); got != sentBefore {
		t.Errorf("got %d extra messages; want none", got-sentBefore)
	}
	if got := f.svc.Snapshot()["1-4"].CurrentVM; got != "work-vm" {
		t.Errorf("registry assignment is %q; want work-vm", got)
	}
}

func TestPassthroughWithoutExecutor(t *testing.T) {
	svc := NewService(ServiceConfig{Logger: log.NewNopLogger()})
	sender := &recordingSender{}
	svc.AttachSender(sender)
	svc.NotifyDeviceConnected(webcam())

	svc.HandleMessage(requestEnvelope(t, "1-4", "work-vm"))

	ack, ok := sender.lastMessage(t).(*protocol.PassthroughAck)
	if !ok || ack.Status != protocol.StatusOK {
		t.Fatalf("got %#v; want ok ack", sender.lastMessage(t))
	}
}

func TestHandleMessageIgnoresGarbage(t *testing.T) {
	f := newFixture()
	f.svc.NotifyDeviceConnected(webcam())
	sentBefore := len(f.sender.sent())

	f.svc.HandleMessage(protocol.Envelope{Type: "bogus"})
	f.svc.HandleMessage(protocol.Envelope{Type: protocol.TypePassthroughRequest, Payload: []byte(`{"device_id":""}`)})

	if got := len(f.sender.sent()); got != sentBefore {
		t.Errorf("got %d extra messages; want none", got-sentBefore)
	}
	if len(f.svc.Snapshot()) != 1 {
		t.Error("registry must be untouched")
	}
}

func TestConcurrentRequestsConverge(t *testing.T) {
	f := newFixture()
	f.svc.NotifyDeviceConnected(webcam())

	envs := []protocol.Envelope{
		requestEnvelope(t, "1-4", "chrome-vm"),
		requestEnvelope(t, "1-4", "work-vm"),
	}
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		env := envs[i%2]
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.svc.HandleMessage(env)
		}()
	}
	wg.Wait()

	got := f.svc.Snapshot()["1-4"].CurrentVM
	if got != "work-vm" && got != "chrome-vm" {
		t.Errorf("assignment is %q; want one of the requested VMs", got)
	}
}
