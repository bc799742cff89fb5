// SPDX-License-Identifier: Apache-2.0

package guest

import (
	"os/exec"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/gngram/usb-passthrough-manager/protocol"
)

// Notifier is told about devices that newly appeared on the host, so the
// UI can prompt the user to pick a VM.
type Notifier interface {
	NotifyNewDevice(deviceID string, info protocol.DeviceInfo)
}

// LogNotifier records new devices in the log and nothing else.
type LogNotifier struct {
	Logger log.Logger
}

func (n LogNotifier) NotifyNewDevice(deviceID string, info protocol.DeviceInfo) {
	_ = level.Info(n.Logger).Log("msg", "new device available", "device", deviceID, "vendor", info.Vendor, "product", info.Product)
}

// CommandNotifier launches a helper as
//
//	<command> <device-id> <vendor-id> <product-id>
//
// without waiting for it, so a slow or hung UI helper cannot stall message
// handling.
type CommandNotifier struct {
	Command string
	Logger  log.Logger
}

func (n CommandNotifier) NotifyNewDevice(deviceID string, info protocol.DeviceInfo) {
	cmd := exec.Command(n.Command, deviceID, info.Vendor, info.Product)
	if err := cmd.Start(); err != nil {
		_ = level.Warn(n.Logger).Log("msg", "notify command failed to start", "device", deviceID, "err", err)
		return
	}
	go func() {
		if err := cmd.Wait(); err != nil {
			_ = level.Warn(n.Logger).Log("msg", "notify command failed", "device", deviceID, "err", err)
		}
	}()
}
