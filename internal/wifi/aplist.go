// Package wifi holds host-side helpers for Wi-Fi provisioning: aggregation of
// streamed scan records, passphrase checks and PSK derivation.
package wifi

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/chaz8081/wifiprov/internal/proto"
)

// AccessPoint is one network as seen by the device.
type AccessPoint struct {
	SSID    string
	BSSID   string // aa:bb:cc:dd:ee:ff
	Band    proto.Band
	Channel uint32
	Auth    proto.AuthMode
	RSSI    int32
	Seen    int // number of scan records merged into this entry

	info proto.WifiInfo
}

// WifiInfo returns the info to send back in a set_config request.
func (ap *AccessPoint) WifiInfo() *proto.WifiInfo {
	info := ap.info
	info.SSID = bytes.Clone(ap.info.SSID)
	info.BSSID = bytes.Clone(ap.info.BSSID)
	return &info
}

// Secured reports whether the network requires a passphrase.
func (ap *AccessPoint) Secured() bool {
	return ap.Auth != proto.AuthOpen
}

// ErrNetworkNotFound is returned when a requested network was not in the scan.
var ErrNetworkNotFound = errors.New("wifi: network not found")

type apKey struct {
	ssid  string
	bssid string
}

// AccessPointList aggregates scan records. Scan results carry no request id,
// so records are matched by SSID and BSSID. Safe for concurrent use.
type AccessPointList struct {
	mu  sync.Mutex
	aps map[apKey]*AccessPoint
}

// NewAccessPointList returns an empty list.
func NewAccessPointList() *AccessPointList {
	return &AccessPointList{aps: make(map[apKey]*AccessPoint)}
}

// Add merges a record into the list and reports whether it described a
// network not seen before. Records without Wi-Fi info are ignored.
func (l *AccessPointList) Add(rec *proto.ScanRecord) bool {
	if rec == nil || rec.Wifi == nil {
		return false
	}
	w := rec.Wifi
	key := apKey{ssid: string(w.SSID), bssid: FormatMAC(w.BSSID)}

	rssi := int32(-127)
	if rec.RSSI != nil {
		rssi = *rec.RSSI
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	ap, ok := l.aps[key]
	if !ok {
		ap = &AccessPoint{SSID: key.ssid, BSSID: key.bssid, RSSI: rssi}
		l.aps[key] = ap
	}
	ap.Seen++
	if rssi > ap.RSSI {
		ap.RSSI = rssi
	}
	ap.Channel = w.Channel
	ap.Auth = w.AuthOrOpen()
	if w.Band != nil {
		ap.Band = *w.Band
	}
	ap.info = proto.WifiInfo{
		SSID:    bytes.Clone(w.SSID),
		BSSID:   bytes.Clone(w.BSSID),
		Band:    w.Band,
		Channel: w.Channel,
		Auth:    w.Auth,
	}
	return !ok
}

// Len returns the number of distinct access points.
func (l *AccessPointList) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.aps)
}

// Sorted returns a snapshot ordered strongest first, ties broken by SSID.
func (l *AccessPointList) Sorted() []AccessPoint {
	l.mu.Lock()
	out := make([]AccessPoint, 0, len(l.aps))
	for _, ap := range l.aps {
		out = append(out, *ap)
	}
	l.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].RSSI != out[j].RSSI {
			return out[i].RSSI > out[j].RSSI
		}
		if out[i].SSID != out[j].SSID {
			return out[i].SSID < out[j].SSID
		}
		return out[i].BSSID < out[j].BSSID
	})
	return out
}

// Find returns the strongest access point with the given SSID.
func (l *AccessPointList) Find(ssid string) (AccessPoint, bool) {
	for _, ap := range l.Sorted() {
		if ap.SSID == ssid {
			return ap, true
		}
	}
	return AccessPoint{}, false
}

// FindBSSID returns the access point with the given SSID and BSSID.
func (l *AccessPointList) FindBSSID(ssid, bssid string) (AccessPoint, bool) {
	mac, err := ParseMAC(bssid)
	if err != nil {
		return AccessPoint{}, false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	ap, ok := l.aps[apKey{ssid: ssid, bssid: FormatMAC(mac)}]
	if !ok {
		return AccessPoint{}, false
	}
	return *ap, true
}

// Lookup picks the network to provision. An empty bssid selects the strongest
// access point advertising ssid.
func (l *AccessPointList) Lookup(ssid, bssid string) (AccessPoint, error) {
	var (
		ap AccessPoint
		ok bool
	)
	if bssid == "" {
		ap, ok = l.Find(ssid)
	} else {
		ap, ok = l.FindBSSID(ssid, bssid)
	}
	if !ok {
		if bssid != "" {
			return AccessPoint{}, fmt.Errorf("%w: %q (%s)", ErrNetworkNotFound, ssid, bssid)
		}
		return AccessPoint{}, fmt.Errorf("%w: %q", ErrNetworkNotFound, ssid)
	}
	return ap, nil
}
