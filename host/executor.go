// SPDX-License-Identifier: Apache-2.0

package host

import (
	"os/exec"

	"github.com/efficientgo/core/errors"

	"github.com/gngram/usb-passthrough-manager/protocol"
)

// Executor moves a device to a VM on the hypervisor side.
type Executor interface {
	ExecutePassthrough(dev protocol.Device, targetVM string) error
}

// ExecutorFunc adapts a plain function to the Executor interface.
type ExecutorFunc func(dev protocol.Device, targetVM string) error

func (f ExecutorFunc) ExecutePassthrough(dev protocol.Device, targetVM string) error {
	return f(dev, targetVM)
}

// CommandExecutor shells out to an attach helper, invoked as
//
//	<command> <device-id> <target-vm> <vendor-id> <product-id>
//
// A non-zero exit is surfaced with the combined output as context.
type CommandExecutor struct {
	Command string
}

func (e CommandExecutor) ExecutePassthrough(dev protocol.Device, targetVM string) error {
	cmd := exec.Command(e.Command, dev.DeviceID, targetVM, dev.Vendor, dev.Product)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return errors.Wrapf(err, "attach command failed: %s", string(out))
	}
	return nil
}
