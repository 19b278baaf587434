// Package proto implements the protobuf messages of the nRF Wi-Fi provisioning
// protocol. Messages are encoded with protowire directly; there is no
// generated code.
package proto

import (
	"fmt"
	"net"
)

// OpCode selects the control-point operation of a Request.
type OpCode uint32

const (
	OpReserved     OpCode = 0
	OpGetStatus    OpCode = 1
	OpStartScan    OpCode = 2
	OpStopScan     OpCode = 3
	OpSetConfig    OpCode = 4
	OpForgetConfig OpCode = 5
)

func (o OpCode) String() string {
	switch o {
	case OpReserved:
		return "reserved"
	case OpGetStatus:
		return "get_status"
	case OpStartScan:
		return "start_scan"
	case OpStopScan:
		return "stop_scan"
	case OpSetConfig:
		return "set_config"
	case OpForgetConfig:
		return "forget_config"
	}
	return fmt.Sprintf("opcode(%d)", uint32(o))
}

// Status is the outcome the device reports for a Request.
type Status uint32

const (
	StatusSuccess         Status = 0
	StatusInvalidArgument Status = 1
	StatusInvalidProto    Status = 2
	StatusInternalError   Status = 3
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusInvalidArgument:
		return "invalid_argument"
	case StatusInvalidProto:
		return "invalid_proto"
	case StatusInternalError:
		return "internal_error"
	}
	return fmt.Sprintf("status(%d)", uint32(s))
}

// ConnectionState is the Wi-Fi connection state of the device.
type ConnectionState uint32

const (
	StateDisconnected     ConnectionState = 0
	StateAuthentication   ConnectionState = 1
	StateAssociation      ConnectionState = 2
	StateObtainingIP      ConnectionState = 3
	StateConnected        ConnectionState = 4
	StateConnectionFailed ConnectionState = 5
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateAuthentication:
		return "authentication"
	case StateAssociation:
		return "association"
	case StateObtainingIP:
		return "obtaining_ip"
	case StateConnected:
		return "connected"
	case StateConnectionFailed:
		return "connection_failed"
	}
	return fmt.Sprintf("state(%d)", uint32(s))
}

// Terminal reports whether no further transitions follow s during a
// provisioning attempt.
func (s ConnectionState) Terminal() bool {
	return s == StateConnected || s == StateConnectionFailed
}

// FailureReason explains a StateConnectionFailed transition.
type FailureReason uint32

const (
	ReasonAuthError       FailureReason = 0
	ReasonNetworkNotFound FailureReason = 1
	ReasonTimeout         FailureReason = 2
	ReasonFailIP          FailureReason = 3
	ReasonFailConn        FailureReason = 4

	// ReasonUnknown is never sent by the device. Out-of-range values decode
	// to it, and it is used when the device never sends a reason.
	ReasonUnknown FailureReason = 0xff
)

func (r FailureReason) String() string {
	switch r {
	case ReasonAuthError:
		return "auth_error"
	case ReasonNetworkNotFound:
		return "network_not_found"
	case ReasonTimeout:
		return "timeout"
	case ReasonFailIP:
		return "fail_ip"
	case ReasonFailConn:
		return "fail_conn"
	}
	return "unknown"
}

func decodeReason(v uint64) FailureReason {
	if v > uint64(ReasonFailConn) {
		return ReasonUnknown
	}
	return FailureReason(v)
}

// Band is the Wi-Fi frequency band.
type Band uint32

const (
	BandAny Band = 0
	Band2G4 Band = 1
	Band5G  Band = 2
)

func (b Band) String() string {
	switch b {
	case BandAny:
		return "any"
	case Band2G4:
		return "2.4GHz"
	case Band5G:
		return "5GHz"
	}
	return fmt.Sprintf("band(%d)", uint32(b))
}

// ParseBand accepts the names printed by Band.String plus the short forms
// "2.4" and "5".
func ParseBand(s string) (Band, error) {
	switch s {
	case "", "any":
		return BandAny, nil
	case "2.4", "2.4GHz", "2.4ghz":
		return Band2G4, nil
	case "5", "5GHz", "5ghz":
		return Band5G, nil
	}
	return BandAny, fmt.Errorf("proto: unknown band %q", s)
}

// AuthMode is the security of a Wi-Fi network.
type AuthMode uint32

const (
	AuthOpen           AuthMode = 0
	AuthWEP            AuthMode = 1
	AuthWPAPSK         AuthMode = 2
	AuthWPA2PSK        AuthMode = 3
	AuthWPAWPA2PSK     AuthMode = 4
	AuthWPA2Enterprise AuthMode = 5
	AuthWPA3PSK        AuthMode = 6
)

func (a AuthMode) String() string {
	switch a {
	case AuthOpen:
		return "open"
	case AuthWEP:
		return "wep"
	case AuthWPAPSK:
		return "wpa_psk"
	case AuthWPA2PSK:
		return "wpa2_psk"
	case AuthWPAWPA2PSK:
		return "wpa_wpa2_psk"
	case AuthWPA2Enterprise:
		return "wpa2_enterprise"
	case AuthWPA3PSK:
		return "wpa3_psk"
	}
	return fmt.Sprintf("auth(%d)", uint32(a))
}

// Info is the payload of the read-only version characteristic.
type Info struct {
	Version uint32
}

// WifiInfo describes one access point.
type WifiInfo struct {
	SSID    []byte
	BSSID   []byte // 6 bytes
	Band    *Band
	Channel uint32
	Auth    *AuthMode
}

// MAC returns the BSSID as a hardware address.
func (w *WifiInfo) MAC() (net.HardwareAddr, error) {
	if len(w.BSSID) != 6 {
		return nil, fmt.Errorf("proto: bssid must be 6 bytes, got %d", len(w.BSSID))
	}
	return net.HardwareAddr(w.BSSID), nil
}

// AuthOrOpen returns the auth mode, treating an absent value as open.
func (w *WifiInfo) AuthOrOpen() AuthMode {
	if w.Auth == nil {
		return AuthOpen
	}
	return *w.Auth
}

// ConnectionInfo carries the address the device obtained.
type ConnectionInfo struct {
	IP4Addr []byte
}

// IP returns the IPv4 address, or nil when absent or malformed.
func (c *ConnectionInfo) IP() net.IP {
	if c == nil || len(c.IP4Addr) != 4 {
		return nil
	}
	return net.IPv4(c.IP4Addr[0], c.IP4Addr[1], c.IP4Addr[2], c.IP4Addr[3])
}

// ScanRecord is one access point seen during a scan.
type ScanRecord struct {
	Wifi *WifiInfo
	RSSI *int32
}

// ScanParams tunes a device-side scan.
type ScanParams struct {
	Band          *Band
	Passive       *bool
	PeriodMS      *uint32
	GroupChannels *uint32
}

// DeviceStatus is returned for get_status.
type DeviceStatus struct {
	State            *ConnectionState
	ProvisioningInfo *WifiInfo
	ConnectionInfo   *ConnectionInfo
	ScanInfo         *ScanParams
}

// WifiConfig is the credential set written with set_config.
type WifiConfig struct {
	Wifi       *WifiInfo
	Passphrase []byte
	Volatile   *bool
}

// Request is written to the control point.
type Request struct {
	OpCode     OpCode
	ScanParams *ScanParams
	Config     *WifiConfig
}

// Response is notified on the control point.
type Response struct {
	RequestOpCode OpCode
	Status        Status
	DeviceStatus  *DeviceStatus
}

// Result is notified on the data-out characteristic. Usually exactly one
// field is set.
type Result struct {
	ScanRecord *ScanRecord
	State      *ConnectionState
	Reason     *FailureReason
}

// ScanResults is the body of the SoftAP networks endpoint.
type ScanResults struct {
	Results []ScanRecord
}

// Ptr returns a pointer to v, for filling optional fields.
func Ptr[T any](v T) *T {
	return &v
}
