package ble

import (
	"context"
	"testing"
	"time"
)

func TestDeviceStatus(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want AdvertisedStatus
		ok   bool
	}{
		{"absent", nil, AdvertisedStatus{}, false},
		{"short", []byte{1, 0, 0}, AdvertisedStatus{}, false},
		{"unprovisioned", []byte{1, 0x00, 0, 0}, AdvertisedStatus{Version: 1}, true},
		{"provisioned", []byte{1, 0x01, 0, 0}, AdvertisedStatus{Version: 1, Provisioned: true}, true},
		{
			"connected",
			[]byte{2, 0x03, 0, 0xc4}, // -60 dBm
			AdvertisedStatus{Version: 2, Provisioned: true, WifiConnected: true, WifiRSSI: -60},
			true,
		},
		{"extra bytes", []byte{1, 0x02, 0, 0xce, 0xff}, AdvertisedStatus{Version: 1, WifiConnected: true, WifiRSSI: -50}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Device{ServiceData: tt.data}.Status()
			if ok != tt.ok {
				t.Fatalf("Status() ok = %v, want %v", ok, tt.ok)
			}
			if got != tt.want {
				t.Errorf("Status() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestScanForDevicesSortsBySignal(t *testing.T) {
	adapter := newMockAdapter([]Device{
		{Name: "far", MAC: "00:00:00:00:00:01", RSSI: -90},
		{Name: "near", MAC: "00:00:00:00:00:02", RSSI: -40},
		{Name: "mid", MAC: "00:00:00:00:00:03", RSSI: -65},
	})

	devices, err := ScanForDevices(context.Background(), adapter, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("ScanForDevices() error = %v", err)
	}
	want := []string{"near", "mid", "far"}
	if len(devices) != len(want) {
		t.Fatalf("got %d devices, want %d", len(devices), len(want))
	}
	for i, name := range want {
		if devices[i].Name != name {
			t.Errorf("devices[%d] = %q, want %q", i, devices[i].Name, name)
		}
	}
}
