package wifi

import (
	"fmt"

	"github.com/chaz8081/wifiprov/internal/proto"
)

// Target is the network a device should join, as requested by the user.
type Target struct {
	SSID       string
	BSSID      string // empty picks the strongest AP for SSID
	Passphrase string
	Volatile   bool // keep credentials in RAM only
	DerivePSK  bool // send the derived key for WPA/WPA2-PSK networks
}

// Resolve looks the target up in a device scan and builds the credentials
// to send. The passphrase is checked against the security the device saw.
func (t Target) Resolve(list *AccessPointList) (*proto.WifiConfig, AccessPoint, error) {
	if t.SSID == "" {
		return nil, AccessPoint{}, fmt.Errorf("wifi: no ssid given")
	}
	ap, err := list.Lookup(t.SSID, t.BSSID)
	if err != nil {
		return nil, AccessPoint{}, err
	}
	if err := ValidatePassphrase(ap.Auth, t.Passphrase); err != nil {
		return nil, ap, err
	}

	pass := t.Passphrase
	if t.DerivePSK && derivable(ap.Auth) && !IsHexPSK(pass) {
		pass = DerivePSK(pass, ap.SSID)
	}

	cfg := &proto.WifiConfig{Wifi: ap.WifiInfo()}
	if pass != "" {
		cfg.Passphrase = []byte(pass)
	}
	if t.Volatile {
		cfg.Volatile = proto.Ptr(true)
	}
	return cfg, ap, nil
}

// derivable reports whether auth uses the PBKDF2 PSK. SAE does not.
func derivable(auth proto.AuthMode) bool {
	switch auth {
	case proto.AuthWPAPSK, proto.AuthWPA2PSK, proto.AuthWPAWPA2PSK:
		return true
	}
	return false
}
