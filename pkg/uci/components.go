package uci

import (
	"github.com/markus-lassfolk/geolocd/pkg"
	"github.com/markus-lassfolk/geolocd/pkg/api"
	"github.com/markus-lassfolk/geolocd/pkg/geolocate"
	"github.com/markus-lassfolk/geolocd/pkg/gps"
	"github.com/markus-lassfolk/geolocd/pkg/history"
	"github.com/markus-lassfolk/geolocd/pkg/memory"
	"github.com/markus-lassfolk/geolocd/pkg/mqtt"
)

// DefaultLevel returns the parsed default accuracy. Validate guarantees the
// name is known.
func (c *Config) DefaultLevel() pkg.AccuracyLevel {
	level, err := pkg.ParseAccuracyLevel(c.Main.DefaultAccuracy)
	if err != nil {
		return pkg.AccuracyCity
	}
	return level
}

func (c *Config) MemoryMonitorConfig() memory.Config {
	cfg := memory.DefaultConfig()
	if c.Main.MemoryInterval > 0 {
		cfg.Interval = c.Main.MemoryInterval
	}
	cfg.ModerateRatio = c.Main.MemoryModerate
	cfg.SevereRatio = c.Main.MemorySevere
	return cfg
}

func (c *Config) GeolocateConfig() geolocate.Config {
	return geolocate.Config{
		APIKey:           c.Google.APIKey,
		Timeout:          c.Google.Timeout,
		MaxAccessPoints:  c.Google.MaxAccessPoints,
		AllowIPFallback:  c.Google.AllowIPFallback,
		FailureThreshold: uint32(c.Google.FailureThreshold),
		OpenTimeout:      c.Google.OpenTimeout,
	}
}

func (c *Config) GPSSourceConfig() gps.SourceConfig {
	return gps.SourceConfig{StaleAfter: c.GPS.StaleAfter, PollInterval: c.GPS.PollInterval}
}

func (c *Config) MQTTClientConfig() *mqtt.Config {
	return &mqtt.Config{
		Enabled:      c.MQTT.Enabled,
		Broker:       c.MQTT.Broker,
		Port:         c.MQTT.Port,
		ClientID:     c.MQTT.ClientID,
		Username:     c.MQTT.Username,
		Password:     c.MQTT.Password,
		TopicPrefix:  c.MQTT.TopicPrefix,
		QoS:          c.MQTT.QoS,
		Retain:       c.MQTT.Retain,
		MaxPerSecond: c.MQTT.MaxPerSecond,
	}
}

func (c *Config) APIServerConfig() api.Config {
	return api.Config{
		Enabled:         c.API.Enabled,
		Host:            c.API.Host,
		Port:            c.API.Port,
		AuthKey:         c.API.AuthKey,
		CertFile:        c.API.CertFile,
		KeyFile:         c.API.KeyFile,
		DefaultAccuracy: c.DefaultLevel(),
		MaxWait:         c.API.MaxWait,
	}
}

func (c *Config) HistoryStoreConfig() history.Config {
	return history.Config{
		DatabasePath: c.History.DatabasePath,
		MaxEntries:   c.History.MaxEntries,
		Retention:    c.History.Retention,
		MinInterval:  c.History.MinInterval,
	}
}
