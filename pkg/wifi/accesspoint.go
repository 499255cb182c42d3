package wifi

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"strings"
)

const (
	// BSSIDLen is the length of a hardware address in bytes
	BSSIDLen = 6
	// MaxSSIDLen is the longest network name accepted
	MaxSSIDLen = 32
	// optOutSuffix marks networks whose owners opted out of location services
	optOutSuffix = "_nomap"
)

// ErrMalformedAP is returned for access points with unusable identity data
var ErrMalformedAP = errors.New("malformed access point")

// BSSID is an access point hardware address
type BSSID [BSSIDLen]byte

// ParseBSSID parses a colon or dash separated hardware address
func ParseBSSID(s string) (BSSID, error) {
	var b BSSID
	hw, err := net.ParseMAC(strings.TrimSpace(s))
	if err != nil {
		return b, fmt.Errorf("%w: bssid %q: %v", ErrMalformedAP, s, err)
	}
	return BSSIDFromBytes(hw)
}

// BSSIDFromBytes copies a raw address, rejecting anything that is not exactly six bytes
func BSSIDFromBytes(raw []byte) (BSSID, error) {
	var b BSSID
	if len(raw) != BSSIDLen {
		return b, fmt.Errorf("%w: bssid has %d bytes", ErrMalformedAP, len(raw))
	}
	copy(b[:], raw)
	return b, nil
}

func (b BSSID) String() string {
	return net.HardwareAddr(b[:]).String()
}

// Compare orders addresses byte-wise
func (b BSSID) Compare(o BSSID) int {
	return bytes.Compare(b[:], o[:])
}

// AccessPoint is a discovered wireless network endpoint
type AccessPoint struct {
	BSSID     BSSID  `json:"bssid"`
	SSID      string `json:"ssid"`
	Signal    int16  `json:"signal"` // dBm
	Channel   int    `json:"channel,omitempty"`
	Frequency int64  `json:"frequency,omitempty"` // MHz
}

// Validate rejects network names longer than MaxSSIDLen
func (ap AccessPoint) Validate() error {
	if len(ap.SSID) > MaxSSIDLen {
		return fmt.Errorf("%w: ssid is %d bytes", ErrMalformedAP, len(ap.SSID))
	}
	return nil
}

// OptedOut reports whether the network name asks to be left out of location lookups
func (ap AccessPoint) OptedOut() bool {
	return strings.HasSuffix(ap.SSID, optOutSuffix)
}
