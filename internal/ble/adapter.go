// Package ble provides the BLE client for the Nordic Wi-Fi provisioning
// service on nRF7-series devices. It handles discovery, the control-point
// request/response protocol, result notifications and the provisioning flow.
package ble

import "context"

// Wi-Fi provisioning service and characteristic UUIDs.
const (
	ServiceUUID      = "14387800-130c-49e7-b877-2881c89cb258"
	VersionCharUUID  = "14387801-130c-49e7-b877-2881c89cb258"
	ControlPointUUID = "14387802-130c-49e7-b877-2881c89cb258"
	DataOutCharUUID  = "14387803-130c-49e7-b877-2881c89cb258"
)

// Characteristic represents a BLE GATT characteristic.
type Characteristic interface {
	// Read returns the current value of the characteristic.
	Read() ([]byte, error)
	// Write sends data to the characteristic and waits for the write response.
	Write(data []byte) error
	// Subscribe registers a callback for notifications on this characteristic.
	Subscribe(callback func(data []byte)) error
}

// Device represents a discovered BLE peripheral.
type Device struct {
	Name        string
	MAC         string
	RSSI        int
	ServiceData []byte // provisioning service data from the advertisement
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// DiscoverCharacteristic finds a characteristic by UUID within a service.
	DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error)
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the connection drops.
	OnDisconnect(callback func())
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Scan discovers BLE peripherals advertising the given service UUID.
	// Returns discovered devices until ctx is cancelled or timeout.
	Scan(ctx context.Context, serviceUUID string) ([]Device, error)
	// Connect establishes a connection to the device with the given address.
	Connect(ctx context.Context, address string) (Connection, error)
}
