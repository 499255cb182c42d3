package wifi

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strings"

	"github.com/markus-lassfolk/geolocd/pkg"
)

// Fingerprint is the serialized cache key for a radio environment: the
// serving tower identity followed by the sorted access point addresses.
// Equal environments always produce byte-identical fingerprints.
type Fingerprint string

// NewFingerprint builds the key from the tower (nil when omitted) and the
// access points, which are sorted here so the caller's order never matters.
func NewFingerprint(tower *pkg.Tower, aps []AccessPoint) Fingerprint {
	sorted := sortedAccessPoints(aps)

	t := pkg.Tower{Tec: pkg.TowerTecNoFix}
	if tower != nil {
		t = *tower
	}

	buf := make([]byte, 0, 4+2+len(t.OPC)+8+8+4+len(sorted)*BSSIDLen)
	buf = binary.BigEndian.AppendUint32(buf, uint32(t.Tec))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(t.OPC)))
	buf = append(buf, t.OPC...)
	buf = binary.BigEndian.AppendUint64(buf, t.LAC)
	buf = binary.BigEndian.AppendUint64(buf, t.CellID)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(sorted)))
	for _, ap := range sorted {
		buf = append(buf, ap.BSSID[:]...)
	}
	return Fingerprint(buf)
}

// SignalVector returns the signal strengths in fingerprint order
func SignalVector(aps []AccessPoint) []int16 {
	sorted := sortedAccessPoints(aps)
	signals := make([]int16, len(sorted))
	for i, ap := range sorted {
		signals[i] = ap.Signal
	}
	return signals
}

// sortedAccessPoints returns a copy ordered by BSSID bytes
func sortedAccessPoints(aps []AccessPoint) []AccessPoint {
	sorted := make([]AccessPoint, len(aps))
	copy(sorted, aps)
	sort.SliceStable(sorted, func(i, j int) bool {
		if c := sorted[i].BSSID.Compare(sorted[j].BSSID); c != 0 {
			return c < 0
		}
		return sorted[i].Signal > sorted[j].Signal
	})
	return sorted
}

// String renders the fingerprint for logs
func (f Fingerprint) String() string {
	b := []byte(f)
	if len(b) < 4+2 {
		return "(invalid)"
	}
	tec := binary.BigEndian.Uint32(b)
	opcLen := int(binary.BigEndian.Uint16(b[4:]))
	off := 6
	if len(b) < off+opcLen+8+8+4 {
		return "(invalid)"
	}
	opc := string(b[off : off+opcLen])
	off += opcLen
	lac := binary.BigEndian.Uint64(b[off:])
	cell := binary.BigEndian.Uint64(b[off+8:])
	n := int(binary.BigEndian.Uint32(b[off+16:]))
	off += 20

	bssids := make([]string, 0, n)
	for i := 0; i < n && off+BSSIDLen <= len(b); i++ {
		var id BSSID
		copy(id[:], b[off:off+BSSIDLen])
		bssids = append(bssids, id.String())
		off += BSSIDLen
	}
	return fmt.Sprintf("(%s, '%s', %d, %d, [%s])", pkg.TowerTec(tec), opc, lac, cell, strings.Join(bssids, ", "))
}
