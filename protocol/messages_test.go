package protocol

import (
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"
)

func mustDecode(t *testing.T, env Envelope) Message {
	t.Helper()
	msg, err := Decode(env)
	if err != nil {
		t.Fatalf("decoding %s: %v", env.Type, err)
	}
	return msg
}

func TestRoundTrips(t *testing.T) {
	dev := Device{
		DeviceID:     "1-4",
		Vendor:       "046d",
		Product:      "c31c",
		PermittedVMs: []string{"chrome-vm", "work-vm"},
		CurrentVM:    "chrome-vm",
	}

	connected, err := NewDeviceConnected(dev)
	if err != nil {
		t.Fatal(err)
	}
	removed, err := NewDeviceRemoved("1-4")
	if err != nil {
		t.Fatal(err)
	}
	snapshot, err := NewConnectedDevices(map[string]DeviceInfo{"1-4": dev.Info()})
	if err != nil {
		t.Fatal(err)
	}
	request, err := NewPassthroughRequest("1-4", "work-vm")
	if err != nil {
		t.Fatal(err)
	}
	ack, err := NewPassthroughAck("1-4", "work-vm", StatusOK, "")
	if err != nil {
		t.Fatal(err)
	}

	for _, tc := range []struct {
		name string
		msg  Message
	}{
		{"get_devices", GetDevices{}},
		{"reset", Reset{}},
		{"device_connected", connected},
		{"device_removed", removed},
		{"connected_devices", snapshot},
		{"passthrough_request", request},
		{"passthrough_ack", ack},
	} {
		t.Run(tc.name, func(t *testing.T) {
			env := tc.msg.Envelope()
			if env.Type != tc.msg.Kind() {
				t.Errorf("envelope type %q; want %q", env.Type, tc.msg.Kind())
			}
			got := mustDecode(t, env)
			if !reflect.DeepEqual(got, tc.msg) {
				t.Errorf("got %#v; want %#v", got, tc.msg)
			}
		})
	}
}

func TestConstructorValidation(t *testing.T) {
	valid := Device{DeviceID: "1-4", Vendor: "046d", Product: "c31c"}

	if _, err := NewDeviceConnected(Device{Vendor: "046d", Product: "c31c"}); err == nil {
		t.Error("expected error for empty device_id")
	}
	if _, err := NewDeviceConnected(Device{DeviceID: "1-4", Product: "c31c"}); err == nil {
		t.Error("expected error for empty vendor")
	}
	if _, err := NewDeviceConnected(valid); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if _, err := NewDeviceRemoved(""); err == nil {
		t.Error("expected error for empty device_id")
	}
	if _, err := NewConnectedDevices(map[string]DeviceInfo{"": {Vendor: "a", Product: "b"}}); err == nil {
		t.Error("expected error for empty id key")
	}
	if _, err := NewPassthroughRequest("1-4", ""); err == nil {
		t.Error("expected error for empty target_vm")
	}
	if _, err := NewPassthroughAck("1-4", "vm", Status("maybe"), ""); err == nil {
		t.Error("expected error for bad status")
	}
}

func TestDeviceLegacyKeys(t *testing.T) {
	data := []byte(`{"device_id":"1-4","vendor":"046d","product":"c31c","permitted-vms":["chrome-vm"],"current-vm":"chrome-vm"}`)
	var dev Device
	if err := json.Unmarshal(data, &dev); err != nil {
		t.Fatal(err)
	}
	want := Device{
		DeviceID:     "1-4",
		Vendor:       "046d",
		Product:      "c31c",
		PermittedVMs: []string{"chrome-vm"},
		CurrentVM:    "chrome-vm",
	}
	if !reflect.DeepEqual(dev, want) {
		t.Errorf("got %#v; want %#v", dev, want)
	}

	// Canonical spellings win over the aliases when both appear.
	data = []byte(`{"device_id":"1-4","vendor":"046d","product":"c31c","permitted_vms":["work-vm"],"permitted-vms":["chrome-vm"]}`)
	if err := json.Unmarshal(data, &dev); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(dev.PermittedVMs, []string{"work-vm"}) {
		t.Errorf("got %v; want [work-vm]", dev.PermittedVMs)
	}
}

func TestDevicePermits(t *testing.T) {
	dev := Device{DeviceID: "1-4", Vendor: "a", Product: "b", PermittedVMs: []string{"chrome-vm"}}
	if !dev.Permits("chrome-vm") {
		t.Error("chrome-vm should be permitted")
	}
	if dev.Permits("work-vm") {
		t.Error("work-vm should not be permitted")
	}
	if (Device{DeviceID: "1-4"}).Permits("chrome-vm") {
		t.Error("nothing is permitted with an empty set")
	}
}

func TestDecodeUnknownType(t *testing.T) {
	_, err := Decode(Envelope{Type: "bogus", Payload: json.RawMessage(`{}`)})
	if !errors.Is(err, ErrUnknownType) {
		t.Errorf("got %v; want ErrUnknownType", err)
	}
}

func TestDecodeRejectsPayloadOnEmptyKinds(t *testing.T) {
	for _, kind := range []string{TypeGetDevices, TypeReset} {
		for _, payload := range []string{"", "null", "{}"} {
			env := Envelope{Type: kind, Payload: json.RawMessage(payload)}
			if payload == "" {
				env.Payload = nil
			}
			if _, err := Decode(env); err != nil {
				t.Errorf("%s with payload %q: unexpected error %v", kind, payload, err)
			}
		}
		env := Envelope{Type: kind, Payload: json.RawMessage(`{"extra":1}`)}
		if _, err := Decode(env); err == nil {
			t.Errorf("%s with extra fields: expected error", kind)
		}
	}
}

func TestDecodeMalformedPayloads(t *testing.T) {
	for _, tc := range []struct {
		name string
		env  Envelope
	}{
		{"device_connected missing id", Envelope{
			Type:    TypeDeviceConnected,
			Payload: json.RawMessage(`{"device":{"vendor":"a","product":"b"}}`),
		}},
		{"device_removed empty id", Envelope{
			Type:    TypeDeviceRemoved,
			Payload: json.RawMessage(`{"device_id":""}`),
		}},
		{"passthrough_request missing target", Envelope{
			Type:    TypePassthroughRequest,
			Payload: json.RawMessage(`{"device_id":"1-4"}`),
		}},
		{"passthrough_ack bad status", Envelope{
			Type:    TypePassthroughAck,
			Payload: json.RawMessage(`{"device_id":"1-4","status":"maybe"}`),
		}},
		{"not json", Envelope{
			Type:    TypeDeviceConnected,
			Payload: json.RawMessage(`nope`),
		}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Decode(tc.env); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestAckDefaultsAndAliases(t *testing.T) {
	env := Envelope{
		Type:    TypePassthroughAck,
		Payload: json.RawMessage(`{"device_id":"1-4","current-vm":"work-vm"}`),
	}
	msg := mustDecode(t, env)
	ack, ok := msg.(*PassthroughAck)
	if !ok {
		t.Fatalf("got %T; want *PassthroughAck", msg)
	}
	if ack.Status != StatusOK {
		t.Errorf("got status %q; want ok", ack.Status)
	}
	if ack.CurrentVM != "work-vm" {
		t.Errorf("got current vm %q; want work-vm", ack.CurrentVM)
	}
}

func TestEnvelopeWireFormat(t *testing.T) {
	req, err := NewPassthroughRequest("1-4", "work-vm")
	if err != nil {
		t.Fatal(err)
	}
	data, err := json.Marshal(req.Envelope())
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{`"type":"passthrough_request"`, `"device_id":"1-4"`, `"target_vm":"work-vm"`} {
		if !strings.Contains(string(data), want) {
			t.Errorf("wire form %s missing %s", data, want)
		}
	}
}
