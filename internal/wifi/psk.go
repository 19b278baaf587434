package wifi

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"net"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	"github.com/chaz8081/wifiprov/internal/proto"
)

const (
	minPassphraseLen = 8
	maxPassphraseLen = 63
	pskHexLen        = 64
)

// DerivePSK computes the WPA2 pre-shared key for passphrase on ssid:
// PBKDF2-HMAC-SHA1 with 4096 iterations, 32 bytes, hex-encoded. The device
// accepts the 64-character form in place of the passphrase, so the plain
// passphrase never goes over the air.
func DerivePSK(passphrase, ssid string) string {
	key := pbkdf2.Key([]byte(passphrase), []byte(ssid), 4096, 32, sha1.New)
	return hex.EncodeToString(key)
}

// IsHexPSK reports whether s is already a 64-character hex PSK.
func IsHexPSK(s string) bool {
	if len(s) != pskHexLen {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// ValidatePassphrase checks passphrase against the network security.
func ValidatePassphrase(auth proto.AuthMode, passphrase string) error {
	if auth == proto.AuthOpen {
		if passphrase != "" {
			return fmt.Errorf("wifi: open network takes no passphrase")
		}
		return nil
	}
	if auth == proto.AuthWEP {
		return validateWEPKey(passphrase)
	}
	if IsHexPSK(passphrase) {
		return nil
	}
	if n := len(passphrase); n < minPassphraseLen || n > maxPassphraseLen {
		return fmt.Errorf("wifi: passphrase must be %d..%d characters, got %d", minPassphraseLen, maxPassphraseLen, n)
	}
	for _, r := range passphrase {
		if r < 0x20 || r > 0x7e {
			return fmt.Errorf("wifi: passphrase must be printable ASCII")
		}
	}
	return nil
}

// validateWEPKey accepts 40 or 104 bit keys, as 5 or 13 ASCII characters or
// 10 or 26 hex digits.
func validateWEPKey(key string) error {
	switch len(key) {
	case 5, 13:
		return nil
	case 10, 26:
		if _, err := hex.DecodeString(key); err != nil {
			return fmt.Errorf("wifi: wep key of %d characters must be hex", len(key))
		}
		return nil
	}
	return fmt.Errorf("wifi: wep key must be 5, 13, 10 or 26 characters, got %d", len(key))
}

// ParseMAC parses a 6-byte hardware address in any form net.ParseMAC accepts.
func ParseMAC(s string) ([]byte, error) {
	mac, err := net.ParseMAC(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("wifi: parse bssid: %w", err)
	}
	if len(mac) != 6 {
		return nil, fmt.Errorf("wifi: bssid must be 6 bytes, got %d", len(mac))
	}
	return mac, nil
}

// FormatMAC renders b as lowercase colon-separated hex. Inputs that are not
// 6 bytes are still rendered, so that malformed records remain visible.
func FormatMAC(b []byte) string {
	return net.HardwareAddr(b).String()
}
