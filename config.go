// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
	"k8s.io/apimachinery/pkg/util/validation"

	"github.com/gngram/usb-passthrough-manager/protocol"
)

const (
	modeHost  = "host"
	modeGuest = "guest"

	defaultPort    = 2000
	defaultDataDir = "/tmp/usb-passthrough"
)

// initConfig defines config flags, config file, and envs
func initConfig() error {
	cfgFile := flag.String("config", "", "Path to the config file.")
	flag.String("mode", modeHost, fmt.Sprintf("Role to run as. Possible values: %s, %s", modeHost, modeGuest))
	flag.Uint32("port", defaultPort, "The VSOCK port to listen on (host) or dial (guest).")
	flag.Uint32("peer-cid", 0, "The VSOCK context id of the peer VM.")
	flag.Bool("dial", false, "In host mode, dial the GUI VM instead of listening for it.")
	flag.String("data-dir", defaultDataDir, "The directory for the device registry file and the request FIFO (guest mode).")
	flag.String("attach-command", "", "The command to run to move a device to a VM (host mode). Empty disables execution.")
	flag.String("notify-command", "", "The command to run when a new device appears (guest mode). Empty logs instead.")
	flag.String("log-level", logLevelInfo, fmt.Sprintf("Log level to use. Possible values: %s", availableLogLevels))
	flag.String("listen", ":8080", "The address at which to listen for health and metrics.")

	flag.Parse()
	if err := viper.BindPFlags(flag.CommandLine); err != nil {
		return fmt.Errorf("failed to bind config: %w", err)
	}

	if *cfgFile != "" {
		viper.SetConfigFile(*cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath("/etc/usb-passthrough-manager/")
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found; ignore error
		} else {
			// Config file was found but another error was produced
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return nil
}

// getConfiguredDevices reads the statically declared devices the host
// seeds its registry with before any hotplug events arrive.
func getConfiguredDevices() ([]protocol.Device, error) {
	deviceDefs, ok := viper.Get("devices").([]interface{})
	if !ok {
		if viper.Get("devices") == nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to decode devices: unexpected type: %T", viper.Get("devices"))
	}

	devices := make([]protocol.Device, len(deviceDefs))
	for i, def := range deviceDefs {
		decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			Result:  &devices[i],
			TagName: "json",
		})
		if err != nil {
			return nil, err
		}

		if err := decoder.Decode(def); err != nil {
			return nil, fmt.Errorf("failed to decode device data %q: %w", def, err)
		}

		if devices[i].DeviceID == "" {
			return nil, fmt.Errorf("device %d: device_id must not be empty", i)
		}
		for _, vm := range devices[i].PermittedVMs {
			if errs := validation.IsDNS1123Subdomain(vm); len(errs) > 0 {
				return nil, fmt.Errorf("failed to parse VM name %q: %s", vm, strings.Join(errs, ", "))
			}
		}
	}
	return devices, nil
}
