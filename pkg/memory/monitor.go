// Package memory watches system memory and raises low-memory warnings
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/procfs"

	"github.com/markus-lassfolk/geolocd/pkg/logx"
)

// Level is the severity of a low-memory warning
type Level int

const (
	LevelNone Level = iota
	// LevelModerate asks caches to drop stale data
	LevelModerate
	// LevelSevere asks caches to drop everything
	LevelSevere
)

func (l Level) String() string {
	switch l {
	case LevelModerate:
		return "moderate"
	case LevelSevere:
		return "severe"
	default:
		return "none"
	}
}

// Config controls the thresholds as fractions of MemAvailable over MemTotal
type Config struct {
	ProcPath      string        `json:"proc_path" default:"/proc"`
	Interval      time.Duration `json:"interval" default:"30s"`
	ModerateRatio float64       `json:"moderate_ratio" default:"0.15"`
	SevereRatio   float64       `json:"severe_ratio" default:"0.05"`
}

// DefaultConfig returns the default thresholds
func DefaultConfig() Config {
	return Config{
		ProcPath:      procfs.DefaultMountPoint,
		Interval:      30 * time.Second,
		ModerateRatio: 0.15,
		SevereRatio:   0.05,
	}
}

// MeminfoFunc returns total and available memory in kB
type MeminfoFunc func() (total, available uint64, err error)

// Monitor polls memory usage and notifies subscribers on level changes
type Monitor struct {
	config  Config
	logger  *logx.Logger
	meminfo MeminfoFunc

	mu       sync.Mutex
	level    Level
	nextID   int
	handlers map[int]func(Level)
}

// NewMonitor creates a monitor reading meminfo from config.ProcPath
func NewMonitor(config Config, logger *logx.Logger) (*Monitor, error) {
	fs, err := procfs.NewFS(config.ProcPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open procfs at %s: %w", config.ProcPath, err)
	}
	return NewMonitorWithReader(config, logger, func() (uint64, uint64, error) {
		info, err := fs.Meminfo()
		if err != nil {
			return 0, 0, err
		}
		if info.MemTotal == nil || info.MemAvailable == nil {
			return 0, 0, fmt.Errorf("meminfo lacks MemTotal or MemAvailable")
		}
		return *info.MemTotal, *info.MemAvailable, nil
	}), nil
}

// NewMonitorWithReader creates a monitor with a custom meminfo source
func NewMonitorWithReader(config Config, logger *logx.Logger, meminfo MeminfoFunc) *Monitor {
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}
	return &Monitor{
		config:   config,
		logger:   logger,
		meminfo:  meminfo,
		handlers: make(map[int]func(Level)),
	}
}

// Subscribe registers handler for warnings until the returned func is called
func (m *Monitor) Subscribe(handler func(Level)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.handlers[id] = handler
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.handlers, id)
	}
}

// Level returns the last computed level
func (m *Monitor) Level() Level {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.level
}

// Check reads memory once and notifies when the level changed to a warning
func (m *Monitor) Check() (Level, error) {
	total, available, err := m.meminfo()
	if err != nil {
		return LevelNone, fmt.Errorf("failed to read meminfo: %w", err)
	}
	level := m.classify(total, available)

	m.mu.Lock()
	previous := m.level
	m.level = level
	handlers := make([]func(Level), 0, len(m.handlers))
	for _, h := range m.handlers {
		handlers = append(handlers, h)
	}
	m.mu.Unlock()

	if level == previous {
		return level, nil
	}

	m.logger.Info("Memory pressure changed", "from", previous.String(), "to", level.String(),
		"mem_total_kb", total, "mem_available_kb", available)
	if level == LevelNone {
		return level, nil
	}
	for _, h := range handlers {
		h(level)
	}
	return level, nil
}

func (m *Monitor) classify(total, available uint64) Level {
	if total == 0 {
		return LevelNone
	}
	ratio := float64(available) / float64(total)
	switch {
	case ratio < m.config.SevereRatio:
		return LevelSevere
	case ratio < m.config.ModerateRatio:
		return LevelModerate
	default:
		return LevelNone
	}
}

// Run polls until ctx is done
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		if _, err := m.Check(); err != nil {
			m.logger.Warn("Memory check failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
