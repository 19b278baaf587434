package ble

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/godbus/dbus/v5"
)

const (
	bluezBus          = "org.bluez"
	bluezAdapterIface = "org.bluez.Adapter1"
	dbusPropsIface    = "org.freedesktop.DBus.Properties"

	// DefaultAdapterPath is the BlueZ object path of the first controller.
	DefaultAdapterPath = "/org/bluez/hci0"
)

// BlueZ is a thin D-Bus client for the adapter housekeeping tinygo does not
// cover: power state and removal of cached devices. Linux only.
type BlueZ struct {
	conn        *dbus.Conn
	adapterPath dbus.ObjectPath
}

// NewBlueZ connects to the system bus and checks that BlueZ is running.
func NewBlueZ(adapterPath string) (*BlueZ, error) {
	if adapterPath == "" {
		adapterPath = DefaultAdapterPath
	}
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("ble: connect to system bus: %w", err)
	}
	var names []string
	if err := conn.BusObject().Call("org.freedesktop.DBus.ListNames", 0).Store(&names); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ble: list bus names: %w", err)
	}
	found := false
	for _, n := range names {
		if n == bluezBus {
			found = true
			break
		}
	}
	if !found {
		conn.Close()
		return nil, errors.New("ble: org.bluez not found on system bus, is bluetooth.service running?")
	}
	return &BlueZ{conn: conn, adapterPath: dbus.ObjectPath(adapterPath)}, nil
}

// Close releases the bus connection.
func (b *BlueZ) Close() {
	b.conn.Close()
}

// Powered reports the adapter power state.
func (b *BlueZ) Powered() (bool, error) {
	var v dbus.Variant
	obj := b.conn.Object(bluezBus, b.adapterPath)
	if err := obj.Call(dbusPropsIface+".Get", 0, bluezAdapterIface, "Powered").Store(&v); err != nil {
		return false, fmt.Errorf("ble: read adapter power: %w", err)
	}
	on, ok := v.Value().(bool)
	if !ok {
		return false, fmt.Errorf("ble: adapter Powered property is %s, not bool", v.Signature())
	}
	return on, nil
}

// SetPowered switches the adapter on or off.
func (b *BlueZ) SetPowered(on bool) error {
	obj := b.conn.Object(bluezBus, b.adapterPath)
	if err := obj.Call(dbusPropsIface+".Set", 0, bluezAdapterIface, "Powered", dbus.MakeVariant(on)).Err; err != nil {
		return fmt.Errorf("ble: set adapter power: %w", err)
	}
	return nil
}

// RemoveDevice drops the cached device object for mac, so the next scan sees
// fresh advertisement data. A device BlueZ does not know is not an error.
func (b *BlueZ) RemoveDevice(mac string) error {
	obj := b.conn.Object(bluezBus, b.adapterPath)
	err := obj.Call(bluezAdapterIface+".RemoveDevice", 0, deviceObjectPath(b.adapterPath, mac)).Err
	var dbusErr dbus.Error
	if errors.As(err, &dbusErr) && dbusErr.Name == "org.bluez.Error.DoesNotExist" {
		return nil
	}
	if err != nil {
		return fmt.Errorf("ble: remove device %s: %w", mac, err)
	}
	return nil
}

// Preflight verifies that BlueZ is reachable and the adapter is powered,
// switching it on when powerOn is set.
func Preflight(adapterPath string, powerOn bool) error {
	b, err := NewBlueZ(adapterPath)
	if err != nil {
		return err
	}
	defer b.Close()

	on, err := b.Powered()
	if err != nil {
		return err
	}
	if on {
		return nil
	}
	if !powerOn {
		return fmt.Errorf("ble: adapter %s is powered off", b.adapterPath)
	}
	slog.Info("[BLE] powering on adapter", "adapter", string(b.adapterPath))
	return b.SetPowered(true)
}

// deviceObjectPath converts a MAC address like "AA:BB:CC:DD:EE:FF" to
// "<adapter>/dev_AA_BB_CC_DD_EE_FF".
func deviceObjectPath(adapterPath dbus.ObjectPath, mac string) dbus.ObjectPath {
	escaped := strings.ReplaceAll(strings.ToUpper(mac), ":", "_")
	return dbus.ObjectPath(string(adapterPath) + "/dev_" + escaped)
}
