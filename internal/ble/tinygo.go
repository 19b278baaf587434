package ble

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"tinygo.org/x/bluetooth"
)

// maxReadSize bounds a single characteristic read. The version
// characteristic is a few bytes; 512 is the ATT maximum attribute length.
const maxReadSize = 512

// TinyGoAdapter wraps tinygo-org/bluetooth. On Linux it talks to BlueZ and
// device addresses are MAC addresses; on macOS device addresses are
// CoreBluetooth UUIDs.
type TinyGoAdapter struct {
	adapter *bluetooth.Adapter

	// mu protects the connections map.
	mu          sync.Mutex
	connections map[string]*tinyGoConnection // keyed by lowercase address
}

// NewTinyGoAdapter creates a BLE adapter backed by the default host adapter.
func NewTinyGoAdapter() *TinyGoAdapter {
	return &TinyGoAdapter{
		adapter:     bluetooth.DefaultAdapter,
		connections: make(map[string]*tinyGoConnection),
	}
}

func (a *TinyGoAdapter) Enable() error {
	if err := a.adapter.Enable(); err != nil {
		return err
	}

	// The adapter-level handler is the only disconnect signal tinygo gives;
	// route it to the matching connection.
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		id := strings.ToLower(device.Address.String())
		a.mu.Lock()
		conn, ok := a.connections[id]
		if ok {
			delete(a.connections, id)
		}
		a.mu.Unlock()
		if ok {
			conn.fireDisconnect()
		}
	})

	return nil
}

func (a *TinyGoAdapter) Scan(ctx context.Context, serviceUUID string) ([]Device, error) {
	uuid, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return nil, fmt.Errorf("ble: parse service UUID: %w", err)
	}

	var mu sync.Mutex
	var devices []Device
	seen := make(map[string]bool)

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			a.adapter.StopScan()
		case <-done:
		}
	}()

	err = a.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		if !result.HasServiceUUID(uuid) {
			return
		}
		mac := result.Address.String()
		mu.Lock()
		defer mu.Unlock()
		if seen[mac] {
			return
		}
		seen[mac] = true

		var svcData []byte
		for _, el := range result.ServiceData() {
			if el.UUID == uuid {
				svcData = append([]byte(nil), el.Data...)
				break
			}
		}
		devices = append(devices, Device{
			Name:        result.LocalName(),
			MAC:         mac,
			RSSI:        int(result.RSSI),
			ServiceData: svcData,
		})
	})
	close(done)

	if err != nil && ctx.Err() == nil {
		return nil, fmt.Errorf("ble: scan: %w", err)
	}
	return devices, nil
}

func (a *TinyGoAdapter) Connect(ctx context.Context, address string) (Connection, error) {
	var addr bluetooth.Address
	addr.Set(address)

	// tinygo/bluetooth's Connect blocks internally with its own timeout.
	// We wrap it to also respect our ctx cancellation.
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		// The underlying Connect will eventually time out or succeed. If it
		// succeeds, drop the link so the device is free for the next attempt.
		go func() {
			if result := <-ch; result.err == nil {
				_ = result.device.Disconnect()
			}
		}()
		return nil, fmt.Errorf("ble: connect to %s: %w", address, ctx.Err())
	case result := <-ch:
		if result.err != nil {
			return nil, fmt.Errorf("ble: connect to %s: %w", address, result.err)
		}
		conn := &tinyGoConnection{device: result.device, address: address}

		a.mu.Lock()
		a.connections[strings.ToLower(address)] = conn
		a.mu.Unlock()

		return conn, nil
	}
}

// Compile-time check that TinyGoAdapter implements Adapter.
var _ Adapter = (*TinyGoAdapter)(nil)

type tinyGoConnection struct {
	device  bluetooth.Device
	address string

	mu           sync.Mutex
	services     []bluetooth.DeviceService
	disconnectCb func()
}

func (c *tinyGoConnection) DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error) {
	svcUUID, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return nil, err
	}
	charUUIDParsed, err := bluetooth.ParseUUID(charUUID)
	if err != nil {
		return nil, err
	}

	svc, err := c.service(svcUUID)
	if err != nil {
		return nil, err
	}

	chars, err := svc.DiscoverCharacteristics([]bluetooth.UUID{charUUIDParsed})
	if err != nil {
		return nil, fmt.Errorf("ble: discover characteristics: %w", err)
	}
	if len(chars) == 0 {
		return nil, fmt.Errorf("ble: characteristic %s not found", charUUID)
	}

	return &tinyGoCharacteristic{char: chars[0], address: c.address, uuid: charUUID}, nil
}

// service discovers the service once per connection; the provisioning flow
// looks up three characteristics of the same service.
func (c *tinyGoConnection) service(uuid bluetooth.UUID) (*bluetooth.DeviceService, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.services {
		if c.services[i].UUID() == uuid {
			return &c.services[i], nil
		}
	}

	svcs, err := c.device.DiscoverServices([]bluetooth.UUID{uuid})
	if err != nil {
		return nil, fmt.Errorf("ble: discover services: %w", err)
	}
	if len(svcs) == 0 {
		return nil, fmt.Errorf("ble: service %s not found", uuid)
	}
	c.services = append(c.services, svcs[0])
	return &c.services[len(c.services)-1], nil
}

func (c *tinyGoConnection) Disconnect() error {
	return c.device.Disconnect()
}

func (c *tinyGoConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

func (c *tinyGoConnection) fireDisconnect() {
	c.mu.Lock()
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// tinyGoCharacteristic reads and subscribes through tinygo. Writes are
// platform specific, see tinygo_linux.go and tinygo_other.go.
type tinyGoCharacteristic struct {
	char    bluetooth.DeviceCharacteristic
	address string
	uuid    string

	w charWriter
}

func (c *tinyGoCharacteristic) Read() ([]byte, error) {
	buf := make([]byte, maxReadSize)
	n, err := c.char.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (c *tinyGoCharacteristic) Subscribe(cb func([]byte)) error {
	return c.char.EnableNotifications(func(buf []byte) {
		cb(buf)
	})
}
