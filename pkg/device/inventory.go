// Copyright (c) Yellowbox AU
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

type inventoryFile struct {
	Devices []inventoryEntry `yaml:"devices"`
}

type inventoryEntry struct {
	ID         string   `yaml:"id"`
	Name       string   `yaml:"name"`
	Platform   string   `yaml:"platform"`
	Connection []string `yaml:"connection"`
}

// Inventory is a ModeResolver backed by a YAML devices file:
//
//	devices:
//	  - id: 00008030-001A
//	    name: Jane's iPhone
//	    platform: ios
//	    connection: [usb, wifi]
//
// A device is WiFi-only when every listed connection type is wifi.
type Inventory struct {
	path   string
	logger *slog.Logger

	mu      sync.RWMutex
	devices map[string]Device
}

var _ ModeResolver = (*Inventory)(nil)

// NewInventory returns an empty inventory for path. Call Load to read it.
func NewInventory(path string, logger *slog.Logger) *Inventory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Inventory{
		path:    path,
		logger:  logger,
		devices: make(map[string]Device),
	}
}

// Load reads the devices file and replaces the inventory contents.
// A missing file yields an empty inventory.
func (inv *Inventory) Load() error {
	data, err := os.ReadFile(inv.path)
	if os.IsNotExist(err) {
		inv.replace(map[string]Device{})
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read devices file: %w", err)
	}

	devices, err := parseInventory(data)
	if err != nil {
		return fmt.Errorf("failed to parse devices file %s: %w", inv.path, err)
	}
	inv.replace(devices)
	return nil
}

func parseInventory(data []byte) (map[string]Device, error) {
	var f inventoryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, err
	}

	devices := make(map[string]Device, len(f.Devices))
	for i, e := range f.Devices {
		if e.ID == "" {
			return nil, fmt.Errorf("device %d has no id", i)
		}
		devices[e.ID] = Device{
			Identifier:   e.ID,
			DisplayName:  e.Name,
			Platform:     e.Platform,
			Connectivity: connectivityOf(e.Connection),
		}
	}
	return devices, nil
}

func connectivityOf(types []string) Connectivity {
	if len(types) == 0 {
		return Wired
	}
	for _, t := range types {
		if !strings.EqualFold(t, "wifi") {
			return Wired
		}
	}
	return WiFiOnly
}

func (inv *Inventory) replace(devices map[string]Device) {
	inv.mu.Lock()
	inv.devices = devices
	inv.mu.Unlock()
}

// Lookup returns the device with the given identifier.
func (inv *Inventory) Lookup(id string) (Device, bool) {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	d, ok := inv.devices[id]
	return d, ok
}

// Devices returns every device sorted by identifier.
func (inv *Inventory) Devices() []Device {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	out := make([]Device, 0, len(inv.devices))
	for _, d := range inv.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identifier < out[j].Identifier })
	return out
}

// ConnectivityMode implements ModeResolver. Unknown devices are Wired.
func (inv *Inventory) ConnectivityMode(deviceID string) Connectivity {
	d, ok := inv.Lookup(deviceID)
	if !ok {
		return Wired
	}
	return d.Connectivity
}

// Watch reloads the inventory whenever the devices file changes. It blocks
// until ctx is cancelled. A file that fails to parse keeps the previous
// contents.
func (inv *Inventory) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer w.Close()

	// Editors replace files by rename, so watch the directory.
	dir := filepath.Dir(inv.path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	base := filepath.Base(inv.path)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}
			if filepath.Base(event.Name) != base || event.Op == fsnotify.Chmod {
				continue
			}
			if err := inv.Load(); err != nil {
				inv.logger.Error("devices reload failed",
					slog.String("path", inv.path),
					slog.String("error", err.Error()))
				continue
			}
			inv.logger.Info("devices reloaded",
				slog.String("path", inv.path),
				slog.String("op", event.Op.String()))

		case err, ok := <-w.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			inv.logger.Error("devices watcher error", slog.String("error", err.Error()))
		}
	}
}
