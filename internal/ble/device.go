package ble

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// Advertised service data layout: version, flags, reserved, Wi-Fi RSSI.
const (
	advVersionIdx = 0
	advFlagsIdx   = 1
	advRSSIIdx    = 3
	advMinLen     = 4

	advFlagProvisioned   = 0x01
	advFlagWifiConnected = 0x02
)

// AdvertisedStatus is the device state carried in the advertisement, read
// without connecting.
type AdvertisedStatus struct {
	Version       uint8
	Provisioned   bool
	WifiConnected bool
	WifiRSSI      int8 // only meaningful when WifiConnected
}

// Status decodes the provisioning service data. It returns false when the
// advertisement did not carry it.
func (d Device) Status() (AdvertisedStatus, bool) {
	if len(d.ServiceData) < advMinLen {
		return AdvertisedStatus{}, false
	}
	flags := d.ServiceData[advFlagsIdx]
	return AdvertisedStatus{
		Version:       d.ServiceData[advVersionIdx],
		Provisioned:   flags&advFlagProvisioned != 0,
		WifiConnected: flags&advFlagWifiConnected != 0,
		WifiRSSI:      int8(d.ServiceData[advRSSIIdx]),
	}, true
}

// ScanForDevices scans for devices advertising the provisioning service,
// strongest signal first.
func ScanForDevices(ctx context.Context, adapter Adapter, timeout time.Duration) ([]Device, error) {
	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("ble: enable adapter: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	devices, err := adapter.Scan(ctx, ServiceUUID)
	if err != nil {
		return nil, fmt.Errorf("ble: scan: %w", err)
	}
	sort.SliceStable(devices, func(i, j int) bool {
		return devices[i].RSSI > devices[j].RSSI
	})
	return devices, nil
}
