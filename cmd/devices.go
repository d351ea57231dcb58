// Copyright (c) Yellowbox AU
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/Yellowbox-AU/debugbridge/pkg/device"
	"github.com/spf13/cobra"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List the devices inventory",
	Long: `List the devices of the inventory file (DEBUGBRIDGE_DEVICES_FILE) with
the connectivity used to reach them. WiFi-only devices are dialed directly
on <name>.local; every other device goes through the device daemon.`,
	Args: cobra.NoArgs,
	RunE: runDevices,
}

func init() {
	rootCmd.AddCommand(devicesCmd)
}

func runDevices(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	inv := device.NewInventory(cfg.DevicesFile, setupLogger(cfg.LogLevel, cfg.LogFormat))
	if err := inv.Load(); err != nil {
		return err
	}

	devices := inv.Devices()
	if len(devices) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "no devices in %s\n", cfg.DevicesFile)
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tPLATFORM\tCONNECTIVITY\tLAN HOST")
	for _, d := range devices {
		host := "-"
		if d.Connectivity == device.WiFiOnly {
			host = d.LANHostname()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", d.Identifier, d.DisplayName, d.Platform, d.Connectivity, host)
	}
	return w.Flush()
}
