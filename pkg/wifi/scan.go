package wifi

import (
	"time"

	"github.com/markus-lassfolk/geolocd/pkg"
)

const (
	// ScanSettleDelay lets added/removed notifications from a scan arrive before refreshing
	ScanSettleDelay = 1 * time.Second
	// ScanIntervalHighAccuracy is used at street level and above
	ScanIntervalHighAccuracy = 10 * time.Second
	// ScanIntervalLowAccuracy is used below street level
	ScanIntervalLowAccuracy = 300 * time.Second
)

type scanPhase int

const (
	scanIdle scanPhase = iota
	scanScanning
	scanSettling
)

func (p scanPhase) String() string {
	switch p {
	case scanScanning:
		return "scanning"
	case scanSettling:
		return "waiting_for_settle"
	default:
		return "idle"
	}
}

// scanner is the scan orchestrator state, owned by the event loop
type scanner struct {
	phase scanPhase
	// listening is true while scan completion events are acted upon
	listening bool
	settle    *loopTimer
	rescan    *loopTimer
}

func (s *Source) setScanPhase(phase scanPhase, reason string) {
	if s.scan.phase == phase {
		return
	}
	s.logger.LogDebugVerbose("wifi_scan_state", map[string]interface{}{
		"source": s.name,
		"from":   s.scan.phase.String(),
		"to":     phase.String(),
		"reason": reason,
	})
	s.scan.phase = phase
}

// scanInterval picks the next scan delay from the requested accuracy
func scanInterval(level pkg.AccuracyLevel) time.Duration {
	if level >= pkg.AccuracyStreet {
		return ScanIntervalHighAccuracy
	}
	return ScanIntervalLowAccuracy
}

func (s *Source) startScan() {
	s.logger.Debug("Starting WiFi scan", "source", s.name)
	s.scan.listening = true
	s.setScanPhase(scanScanning, "scan_requested")

	gen := s.watchGen
	ctx := s.watchCtx
	go func() {
		err := s.discovery.Scan(ctx)
		s.post(func() {
			if gen != s.watchGen {
				return
			}
			s.onScanCallDone(err)
		})
	}()
}

func (s *Source) onScanCallDone(err error) {
	if err == nil || isCancelled(err) {
		return
	}
	s.logger.Warn("Scanning of WiFi networks failed", "source", s.name, "error", err)
	s.recorder.ScanCompleted(s.name, false)
	s.cancelScan()
}

// cancelScan removes every scan timer and stops reacting to scan completion
func (s *Source) cancelScan() {
	s.scan.rescan.stop()
	s.scan.rescan = nil
	s.scan.settle.stop()
	s.scan.settle = nil
	s.scan.listening = false
	s.setScanPhase(scanIdle, "scan_cancelled")
}

func (s *Source) onScanDone(success bool) {
	if !s.scan.listening {
		return
	}
	if !success {
		s.logger.Warn("WiFi scan failed", "source", s.name)
		s.recorder.ScanCompleted(s.name, false)
		return
	}
	if s.discovery == nil {
		return
	}
	s.recorder.ScanCompleted(s.name, true)

	s.scan.settle.stop()
	s.scan.settle = s.after(ScanSettleDelay, s.onSettleDone)
	s.setScanPhase(scanSettling, "scan_done")

	// A completion we did not request (another client scanned) also
	// replaces the pending rescan.
	s.scan.rescan.stop()
	interval := scanInterval(s.accuracy.AccuracyLevel())
	s.scan.rescan = s.after(interval, s.onRescanTimeout)
	s.logger.Debug("WiFi scan done, next scheduled", "source", s.name, "next_in", interval.String())
}

func (s *Source) onSettleDone() {
	s.scan.settle = nil
	s.setScanPhase(scanIdle, "settled")

	if s.registry.Dirty() {
		s.registry.ClearDirty()
		s.logger.Debug("WiFi AP list changed, refreshing location", "source", s.name, "live_aps", s.registry.LiveCount())
		go s.backgroundRefresh("ap_list_changed")
	}
}

func (s *Source) onRescanTimeout() {
	s.scan.rescan = nil
	if s.discovery == nil {
		return
	}
	s.startScan()
}
