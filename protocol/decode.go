// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/efficientgo/core/errors"
)

// Decode converts a received envelope into its typed message. It returns
// ErrUnknownType when the type tag is not part of the vocabulary; any other
// error means the tag was recognized but the payload is malformed. Callers
// are expected to treat both as single-message failures, not connection
// failures.
func Decode(env Envelope) (Message, error) {
	dec, ok := decoders[env.Type]
	if !ok {
		return nil, ErrUnknownType
	}
	msg, err := dec(env.Payload)
	if err != nil {
		return nil, errors.Wrapf(err, "decode %q", env.Type)
	}
	return msg, nil
}

var decoders = map[string]func(json.RawMessage) (Message, error){
	TypeGetDevices: func(pl json.RawMessage) (Message, error) {
		if err := requireEmptyPayload(pl); err != nil {
			return nil, err
		}
		return GetDevices{}, nil
	},
	TypeReset: func(pl json.RawMessage) (Message, error) {
		if err := requireEmptyPayload(pl); err != nil {
			return nil, err
		}
		return Reset{}, nil
	},
	TypeDeviceConnected: func(pl json.RawMessage) (Message, error) {
		var payload struct {
			Device *Device `json:"device"`
		}
		if err := json.Unmarshal(pl, &payload); err != nil {
			return nil, err
		}
		if payload.Device == nil {
			return nil, errors.New("payload.device must be an object")
		}
		return NewDeviceConnected(*payload.Device)
	},
	TypeDeviceRemoved: func(pl json.RawMessage) (Message, error) {
		var payload struct {
			DeviceID string `json:"device_id"`
		}
		if err := json.Unmarshal(pl, &payload); err != nil {
			return nil, err
		}
		return NewDeviceRemoved(payload.DeviceID)
	},
	TypeConnectedDevices: func(pl json.RawMessage) (Message, error) {
		var payload struct {
			Devices map[string]DeviceInfo `json:"devices"`
		}
		if err := json.Unmarshal(pl, &payload); err != nil {
			return nil, err
		}
		if payload.Devices == nil {
			return nil, errors.New("payload.devices must be an object")
		}
		return NewConnectedDevices(payload.Devices)
	},
	TypePassthroughRequest: func(pl json.RawMessage) (Message, error) {
		var payload struct {
			DeviceID string `json:"device_id"`
			TargetVM string `json:"target_vm"`
		}
		if err := json.Unmarshal(pl, &payload); err != nil {
			return nil, err
		}
		return NewPassthroughRequest(payload.DeviceID, payload.TargetVM)
	},
	TypePassthroughAck: func(pl json.RawMessage) (Message, error) {
		var payload struct {
			DeviceID     string  `json:"device_id"`
			CurrentVM    *string `json:"current_vm"`
			CurrentVMAlt *string `json:"current-vm"`
			Status       *Status `json:"status"`
			Reason       string  `json:"reason"`
		}
		if err := json.Unmarshal(pl, &payload); err != nil {
			return nil, err
		}
		cur := payload.CurrentVM
		if cur == nil {
			cur = payload.CurrentVMAlt
		}
		currentVM := ""
		if cur != nil {
			currentVM = *cur
		}
		// Absent status defaults to ok, matching historical peers.
		status := StatusOK
		if payload.Status != nil {
			status = *payload.Status
		}
		return NewPassthroughAck(payload.DeviceID, currentVM, status, payload.Reason)
	},
}

// requireEmptyPayload guards the fixed-empty message kinds: a peer that
// sends data where none belongs is malformed, not merely chatty.
func requireEmptyPayload(pl json.RawMessage) error {
	if len(pl) == 0 {
		return nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(pl, &fields); err != nil {
		return err
	}
	if len(fields) > 0 {
		return fmt.Errorf("payload must be empty, got %d fields", len(fields))
	}
	return nil
}
