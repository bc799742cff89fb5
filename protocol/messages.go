// SPDX-License-Identifier: Apache-2.0

// Package protocol defines the messages exchanged between the host USB
// passthrough service and the guest device registry. Every message travels
// in an Envelope carrying a type tag and a kind-specific payload; values are
// constructed through validating constructors only, so a message that exists
// is a message that is well formed.
package protocol

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/efficientgo/core/errors"
)

// Message kinds carried in the envelope "type" field.
const (
	TypeGetDevices         = "get_devices"
	TypeConnectedDevices   = "connected_devices"
	TypeDeviceConnected    = "device_connected"
	TypeDeviceRemoved      = "device_removed"
	TypePassthroughRequest = "passthrough_request"
	TypePassthroughAck     = "passthrough_ack"
	TypeReset              = "reset"
)

// Envelope is the wire frame: one compact JSON object per line.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// ErrUnknownType reports an envelope whose type tag is not part of the
// protocol vocabulary. Receivers log such messages and keep the connection
// alive.
var ErrUnknownType = errors.New("unknown message type")

// Status is the outcome carried by a passthrough acknowledgment.
type Status string

const (
	StatusOK     Status = "ok"
	StatusDenied Status = "denied"
	StatusError  Status = "error"
)

func (s Status) valid() bool {
	switch s {
	case StatusOK, StatusDenied, StatusError:
		return true
	}
	return false
}

// DeviceInfo holds the attributes of one device keyed by its id in a
// snapshot. An empty CurrentVM means the device is not assigned to any VM.
type DeviceInfo struct {
	Vendor       string   `json:"vendor"`
	Product      string   `json:"product"`
	PermittedVMs []string `json:"permitted_vms"`
	CurrentVM    string   `json:"current_vm,omitempty"`
}

// UnmarshalJSON accepts the hyphenated key spellings emitted by older
// peers ("permitted-vms", "current-vm") alongside the canonical ones.
func (d *DeviceInfo) UnmarshalJSON(data []byte) error {
	var w struct {
		Vendor          string   `json:"vendor"`
		Product         string   `json:"product"`
		PermittedVMs    []string `json:"permitted_vms"`
		PermittedVMsAlt []string `json:"permitted-vms"`
		CurrentVM       *string  `json:"current_vm"`
		CurrentVMAlt    *string  `json:"current-vm"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.PermittedVMs == nil {
		w.PermittedVMs = w.PermittedVMsAlt
	}
	cur := w.CurrentVM
	if cur == nil {
		cur = w.CurrentVMAlt
	}
	d.Vendor = w.Vendor
	d.Product = w.Product
	d.PermittedVMs = w.PermittedVMs
	d.CurrentVM = ""
	if cur != nil {
		d.CurrentVM = *cur
	}
	return nil
}

func (d DeviceInfo) validate() error {
	if d.Vendor == "" {
		return errors.New("vendor must be a non-empty string")
	}
	if d.Product == "" {
		return errors.New("product must be a non-empty string")
	}
	for _, vm := range d.PermittedVMs {
		if vm == "" {
			return errors.New("permitted_vms entries must be non-empty strings")
		}
	}
	return nil
}

// Device is a DeviceInfo together with the device's identity.
type Device struct {
	DeviceID     string   `json:"device_id"`
	Vendor       string   `json:"vendor"`
	Product      string   `json:"product"`
	PermittedVMs []string `json:"permitted_vms"`
	CurrentVM    string   `json:"current_vm,omitempty"`
}

// UnmarshalJSON mirrors DeviceInfo's tolerance for hyphenated keys.
func (d *Device) UnmarshalJSON(data []byte) error {
	var info DeviceInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return err
	}
	var id struct {
		DeviceID string `json:"device_id"`
	}
	if err := json.Unmarshal(data, &id); err != nil {
		return err
	}
	*d = Device{
		DeviceID:     id.DeviceID,
		Vendor:       info.Vendor,
		Product:      info.Product,
		PermittedVMs: info.PermittedVMs,
		CurrentVM:    info.CurrentVM,
	}
	return nil
}

// Info strips the identity, yielding the snapshot value form.
func (d Device) Info() DeviceInfo {
	return DeviceInfo{
		Vendor:       d.Vendor,
		Product:      d.Product,
		PermittedVMs: slices.Clone(d.PermittedVMs),
		CurrentVM:    d.CurrentVM,
	}
}

// Permits reports whether vm is in the device's permitted set.
func (d Device) Permits(vm string) bool {
	return slices.Contains(d.PermittedVMs, vm)
}

func (d Device) validate() error {
	if d.DeviceID == "" {
		return errors.New("device_id must be a non-empty string")
	}
	return DeviceInfo{
		Vendor:       d.Vendor,
		Product:      d.Product,
		PermittedVMs: d.PermittedVMs,
		CurrentVM:    d.CurrentVM,
	}.validate()
}

// Message is one typed protocol message. Envelope never fails: messages are
// validated at construction and marshal deterministically.
type Message interface {
	Kind() string
	Envelope() Envelope
}

var emptyPayload = json.RawMessage(`{}`)

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

// GetDevices asks the authoritative side for a full registry snapshot.
type GetDevices struct{}

func (GetDevices) Kind() string { return TypeGetDevices }

func (GetDevices) Envelope() Envelope {
	return Envelope{Type: TypeGetDevices, Payload: emptyPayload}
}

// Reset tells the receiver to discard its registry wholesale.
type Reset struct{}

func (Reset) Kind() string { return TypeReset }

func (Reset) Envelope() Envelope {
	return Envelope{Type: TypeReset, Payload: emptyPayload}
}

// DeviceConnected announces a newly registered device.
type DeviceConnected struct {
	Device Device
}

func NewDeviceConnected(dev Device) (*DeviceConnected, error) {
	if err := dev.validate(); err != nil {
		return nil, errors.Wrap(err, "device_connected")
	}
	return &DeviceConnected{Device: dev}, nil
}

func (*DeviceConnected) Kind() string { return TypeDeviceConnected }

func (m *DeviceConnected) Envelope() Envelope {
	payload := struct {
		Device Device `json:"device"`
	}{Device: m.Device}
	return Envelope{Type: TypeDeviceConnected, Payload: mustMarshal(payload)}
}

// DeviceRemoved announces that a device is gone.
type DeviceRemoved struct {
	DeviceID string
}

func NewDeviceRemoved(deviceID string) (*DeviceRemoved, error) {
	if deviceID == "" {
		return nil, errors.New("device_removed: device_id must be a non-empty string")
	}
	return &DeviceRemoved{DeviceID: deviceID}, nil
}

func (*DeviceRemoved) Kind() string { return TypeDeviceRemoved }

func (m *DeviceRemoved) Envelope() Envelope {
	payload := struct {
		DeviceID string `json:"device_id"`
	}{DeviceID: m.DeviceID}
	return Envelope{Type: TypeDeviceRemoved, Payload: mustMarshal(payload)}
}

// ConnectedDevices is the full registry snapshot reply.
type ConnectedDevices struct {
	Devices map[string]DeviceInfo
}

func NewConnectedDevices(devices map[string]DeviceInfo) (*ConnectedDevices, error) {
	clean := make(map[string]DeviceInfo, len(devices))
	for id, info := range devices {
		if id == "" {
			return nil, errors.New("connected_devices: device ids must be non-empty strings")
		}
		if err := info.validate(); err != nil {
			return nil, errors.Wrapf(err, "connected_devices: device %q", id)
		}
		info.PermittedVMs = slices.Clone(info.PermittedVMs)
		clean[id] = info
	}
	return &ConnectedDevices{Devices: clean}, nil
}

func (*ConnectedDevices) Kind() string { return TypeConnectedDevices }

func (m *ConnectedDevices) Envelope() Envelope {
	payload := struct {
		Devices map[string]DeviceInfo `json:"devices"`
	}{Devices: m.Devices}
	return Envelope{Type: TypeConnectedDevices, Payload: mustMarshal(payload)}
}

// PassthroughRequest asks the host to reassign a device to a VM.
type PassthroughRequest struct {
	DeviceID string
	TargetVM string
}

func NewPassthroughRequest(deviceID, targetVM string) (*PassthroughRequest, error) {
	if deviceID == "" {
		return nil, errors.New("passthrough_request: device_id must be a non-empty string")
	}
	if targetVM == "" {
		return nil, errors.New("passthrough_request: target_vm must be a non-empty string")
	}
	return &PassthroughRequest{DeviceID: deviceID, TargetVM: targetVM}, nil
}

func (*PassthroughRequest) Kind() string { return TypePassthroughRequest }

func (m *PassthroughRequest) Envelope() Envelope {
	payload := struct {
		DeviceID string `json:"device_id"`
		TargetVM string `json:"target_vm"`
	}{DeviceID: m.DeviceID, TargetVM: m.TargetVM}
	return Envelope{Type: TypePassthroughRequest, Payload: mustMarshal(payload)}
}

// PassthroughAck reports the outcome of a passthrough request. CurrentVM is
// the device's assignment after the decision; Reason is optional context for
// denied or error outcomes.
type PassthroughAck struct {
	DeviceID  string
	CurrentVM string
	Status    Status
	Reason    string
}

func NewPassthroughAck(deviceID, currentVM string, status Status, reason string) (*PassthroughAck, error) {
	if deviceID == "" {
		return nil, errors.New("passthrough_ack: device_id must be a non-empty string")
	}
	if !status.valid() {
		return nil, fmt.Errorf("passthrough_ack: status must be ok|denied|error, got %q", status)
	}
	return &PassthroughAck{DeviceID: deviceID, CurrentVM: currentVM, Status: status, Reason: reason}, nil
}

func (*PassthroughAck) Kind() string { return TypePassthroughAck }

func (m *PassthroughAck) Envelope() Envelope {
	payload := struct {
		DeviceID  string `json:"device_id"`
		CurrentVM string `json:"current_vm,omitempty"`
		Status    Status `json:"status"`
		Reason    string `json:"reason,omitempty"`
	}{DeviceID: m.DeviceID, CurrentVM: m.CurrentVM, Status: m.Status, Reason: m.Reason}
	return Envelope{Type: TypePassthroughAck, Payload: mustMarshal(payload)}
}
