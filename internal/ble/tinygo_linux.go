//go:build linux

package ble

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
)

// tinygoAdapterPath is the BlueZ adapter behind bluetooth.DefaultAdapter.
const tinygoAdapterPath = dbus.ObjectPath("/org/bluez/hci0")

const (
	gattCharIface    = "org.bluez.GattCharacteristic1"
	objectManagerGet = "org.freedesktop.DBus.ObjectManager.GetManagedObjects"
)

// managedObjects is the reply of ObjectManager.GetManagedObjects.
type managedObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// charWriter holds the BlueZ object of a characteristic, looked up on the
// first write. tinygo only offers write commands on Linux, and the control
// point needs acknowledged write requests.
type charWriter struct {
	once sync.Once
	obj  dbus.BusObject
	err  error
}

// Write sends a write request and waits for the device acknowledgement.
func (c *tinyGoCharacteristic) Write(data []byte) error {
	c.w.once.Do(func() {
		c.w.obj, c.w.err = lookupCharacteristic(c.address, c.uuid)
	})
	if c.w.err != nil {
		return c.w.err
	}
	return writeRequest(c.w.obj, data)
}

// writeRequest writes data with an ATT write request.
func writeRequest(obj dbus.BusObject, data []byte) error {
	return obj.Call(gattCharIface+".WriteValue", 0, data, writeRequestOptions()).Err
}

func writeRequestOptions() map[string]dbus.Variant {
	return map[string]dbus.Variant{"type": dbus.MakeVariant("request")}
}

func lookupCharacteristic(address, charUUID string) (dbus.BusObject, error) {
	// The shared system bus connection, also used by tinygo. Not closed.
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("ble: connect to system bus: %w", err)
	}
	var objects managedObjects
	if err := conn.Object(bluezBus, "/").Call(objectManagerGet, 0).Store(&objects); err != nil {
		return nil, fmt.Errorf("ble: list bluez objects: %w", err)
	}
	path, err := characteristicPath(objects, deviceObjectPath(tinygoAdapterPath, address), charUUID)
	if err != nil {
		return nil, err
	}
	return conn.Object(bluezBus, path), nil
}

// characteristicPath finds the object path of the characteristic with
// charUUID below devicePath.
func characteristicPath(objects managedObjects, devicePath dbus.ObjectPath, charUUID string) (dbus.ObjectPath, error) {
	prefix := string(devicePath) + "/"
	want := strings.ToLower(charUUID)

	var matches []string
	for path, ifaces := range objects {
		if !strings.HasPrefix(string(path), prefix) {
			continue
		}
		props, ok := ifaces[gattCharIface]
		if !ok {
			continue
		}
		uuid, _ := props["UUID"].Value().(string)
		if strings.ToLower(uuid) == want {
			matches = append(matches, string(path))
		}
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("ble: characteristic %s not found below %s", charUUID, devicePath)
	}
	sort.Strings(matches)
	return dbus.ObjectPath(matches[0]), nil
}
