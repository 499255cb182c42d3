package uci

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// DefaultPath is the daemon configuration file on OpenWrt
const DefaultPath = "/etc/config/geolocd"

// Environment variables that override secrets from the config file
const (
	EnvGoogleAPIKey = "GEOLOCD_GOOGLE_API_KEY"
	EnvMQTTPassword = "GEOLOCD_MQTT_PASSWORD"
	EnvAPIKey       = "GEOLOCD_API_KEY"
)

// Config is the complete daemon configuration
type Config struct {
	Main     MainConfig
	WiFi     WiFiConfig
	Cellular CellularConfig
	Google   GoogleConfig
	GPS      GPSConfig
	Starlink StarlinkConfig
	Compass  CompassConfig
	MQTT     MQTTConfig
	API      APIConfig
	Metrics  MetricsConfig
	History  HistoryConfig
}

// MainConfig holds daemon wide settings
type MainConfig struct {
	Enable          bool          `json:"enable"`
	LogLevel        string        `json:"log_level" validate:"oneof=trace debug info warn error"`
	DefaultAccuracy string        `json:"default_accuracy" validate:"oneof=country city neighborhood street exact"`
	EnvFile         string        `json:"env_file"`
	MemoryInterval  time.Duration `json:"memory_interval" validate:"gte=0"`
	MemoryModerate  float64       `json:"memory_moderate" validate:"gte=0,lte=1"`
	MemorySevere    float64       `json:"memory_severe" validate:"gte=0,lte=1,ltefield=MemoryModerate"`
}

// WiFiConfig selects the scanning radio
type WiFiConfig struct {
	Enabled     bool          `json:"enabled"`
	Device      string        `json:"device" validate:"required_if=Enabled true"`
	UbusTimeout time.Duration `json:"ubus_timeout" validate:"gte=0"`
}

// CellularConfig controls the serving tower source
type CellularConfig struct {
	Enabled      bool          `json:"enabled"`
	PollInterval time.Duration `json:"poll_interval" validate:"gte=0"`
	CachePath    string        `json:"cache_path"`
	CacheMaxAge  time.Duration `json:"cache_max_age" validate:"gte=0"`
}

// GoogleConfig configures the geolocation provider
type GoogleConfig struct {
	APIKey           string        `json:"-"`
	Timeout          time.Duration `json:"timeout" validate:"gte=0"`
	MaxAccessPoints  int           `json:"max_access_points" validate:"gte=0"`
	AllowIPFallback  bool          `json:"allow_ip_fallback"`
	FailureThreshold int           `json:"failure_threshold" validate:"gte=0"`
	OpenTimeout      time.Duration `json:"open_timeout" validate:"gte=0"`
}

// GPSConfig configures the gpsd source
type GPSConfig struct {
	Enabled          bool          `json:"enabled"`
	Address          string        `json:"address" validate:"omitempty,hostname_port"`
	StaleAfter       time.Duration `json:"stale_after" validate:"gte=0"`
	PollInterval     time.Duration `json:"poll_interval" validate:"gte=0"`
	StarlinkFallback bool          `json:"starlink_fallback"`
}

// StarlinkConfig locates the dish API
type StarlinkConfig struct {
	Enabled bool          `json:"enabled"`
	Host    string        `json:"host" validate:"required_if=Enabled true"`
	Port    int           `json:"port" validate:"min=1,max=65535"`
	Timeout time.Duration `json:"timeout" validate:"gte=0"`
}

// CompassConfig enables the dish heading
type CompassConfig struct {
	Enabled bool          `json:"enabled"`
	MaxAge  time.Duration `json:"max_age" validate:"gte=0"`
}

// MQTTConfig configures location notifications
type MQTTConfig struct {
	Enabled           bool          `json:"enabled"`
	Broker            string        `json:"broker" validate:"required_if=Enabled true"`
	Port              int           `json:"port" validate:"min=1,max=65535"`
	ClientID          string        `json:"client_id"`
	Username          string        `json:"username"`
	Password          string        `json:"-"`
	TopicPrefix       string        `json:"topic_prefix" validate:"required_if=Enabled true"`
	QoS               int           `json:"qos" validate:"min=0,max=2"`
	Retain            bool          `json:"retain"`
	MaxPerSecond      int           `json:"max_per_second" validate:"gte=0"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval" validate:"gte=0"`
}

// APIConfig configures the HTTP server
type APIConfig struct {
	Enabled  bool          `json:"enabled"`
	Host     string        `json:"host"`
	Port     int           `json:"port" validate:"min=1,max=65535"`
	AuthKey  string        `json:"-"`
	CertFile string        `json:"cert_file" validate:"required_with=KeyFile"`
	KeyFile  string        `json:"key_file" validate:"required_with=CertFile"`
	MaxWait  time.Duration `json:"max_wait" validate:"gte=0"`
}

// MetricsConfig toggles the /metrics endpoint
type MetricsConfig struct {
	Enabled bool `json:"enabled"`
}

// HistoryConfig configures the location history database
type HistoryConfig struct {
	Enabled       bool          `json:"enabled"`
	DatabasePath  string        `json:"database_path" validate:"required_if=Enabled true"`
	MaxEntries    int           `json:"max_entries" validate:"gte=0"`
	Retention     time.Duration `json:"retention" validate:"gte=0"`
	MinInterval   time.Duration `json:"min_interval" validate:"gte=0"`
	PurgeInterval time.Duration `json:"purge_interval" validate:"gte=0"`
}

// Default returns the configuration used when the file sets nothing
func Default() *Config {
	c := &Config{}
	c.setDefaults()
	return c
}

func (c *Config) setDefaults() {
	c.Main = MainConfig{
		Enable:          true,
		LogLevel:        "info",
		DefaultAccuracy: "city",
		EnvFile:         "/etc/geolocd.env",
		MemoryInterval:  30 * time.Second,
		MemoryModerate:  0.15,
		MemorySevere:    0.05,
	}
	c.WiFi = WiFiConfig{Enabled: true, Device: "wlan0", UbusTimeout: 10 * time.Second}
	c.Cellular = CellularConfig{
		Enabled:      true,
		PollInterval: 30 * time.Second,
		CachePath:    "/var/lib/geolocd/towers.db",
		CacheMaxAge:  7 * 24 * time.Hour,
	}
	c.Google = GoogleConfig{
		Timeout:          10 * time.Second,
		MaxAccessPoints:  20,
		AllowIPFallback:  true,
		FailureThreshold: 5,
		OpenTimeout:      2 * time.Minute,
	}
	c.GPS = GPSConfig{
		Enabled:          true,
		Address:          "127.0.0.1:2947",
		StaleAfter:       30 * time.Second,
		PollInterval:     15 * time.Second,
		StarlinkFallback: true,
	}
	c.Starlink = StarlinkConfig{Enabled: false, Host: "192.168.100.1", Port: 9200, Timeout: 10 * time.Second}
	c.Compass = CompassConfig{Enabled: true, MaxAge: 10 * time.Second}
	c.MQTT = MQTTConfig{
		Broker:            "localhost",
		Port:              1883,
		ClientID:          "geolocd",
		TopicPrefix:       "geolocd",
		QoS:               1,
		Retain:            true,
		MaxPerSecond:      5,
		HeartbeatInterval: time.Minute,
	}
	c.API = APIConfig{Enabled: true, Host: "127.0.0.1", Port: 8082, MaxWait: 30 * time.Second}
	c.Metrics = MetricsConfig{Enabled: true}
	c.History = HistoryConfig{
		Enabled:       true,
		DatabasePath:  "/var/lib/geolocd/history.db",
		MaxEntries:    10000,
		Retention:     7 * 24 * time.Hour,
		MinInterval:   10 * time.Second,
		PurgeInterval: time.Hour,
	}
}

// Load reads the configuration at path, applies secrets from the environment
// and validates the result. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	f, err := ParseFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		f = &File{}
	case err != nil:
		return nil, fmt.Errorf("failed to parse UCI config: %w", err)
	}
	if err := cfg.apply(f); err != nil {
		return nil, err
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks value ranges and required fields
func (c *Config) Validate() error {
	return validator.New().Struct(c)
}

// applyEnv overrides secrets from the env file and the process environment,
// the process environment winning
func (c *Config) applyEnv() error {
	fileVars := map[string]string{}
	if c.Main.EnvFile != "" {
		vars, err := godotenv.Read(c.Main.EnvFile)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return fmt.Errorf("failed to read env file %s: %w", c.Main.EnvFile, err)
		default:
			fileVars = vars
		}
	}
	lookup := func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := fileVars[key]
		return v, ok
	}

	if v, ok := lookup(EnvGoogleAPIKey); ok {
		c.Google.APIKey = v
	}
	if v, ok := lookup(EnvMQTTPassword); ok {
		c.MQTT.Password = v
	}
	if v, ok := lookup(EnvAPIKey); ok {
		c.API.AuthKey = v
	}
	return nil
}

func (c *Config) apply(f *File) error {
	for _, s := range f.Sections {
		for option, value := range s.Options {
			if err := c.parseOption(s.Type, option, value); err != nil {
				return fmt.Errorf("%s.%s: %w", sectionLabel(s), option, err)
			}
		}
	}
	return nil
}

func sectionLabel(s *Section) string {
	if s.Name != "" {
		return s.Name
	}
	return "@" + s.Type
}

// parseOption routes an option to the settings of its section type.
// Unknown options are ignored.
func (c *Config) parseOption(sectionType, option, value string) error {
	switch sectionType {
	case "geolocd", "main":
		return c.parseMainOption(option, value)
	case "wifi":
		return c.parseWiFiOption(option, value)
	case "cellular":
		return c.parseCellularOption(option, value)
	case "google":
		return c.parseGoogleOption(option, value)
	case "gps":
		return c.parseGPSOption(option, value)
	case "starlink":
		return c.parseStarlinkOption(option, value)
	case "compass":
		return c.parseCompassOption(option, value)
	case "mqtt":
		return c.parseMQTTOption(option, value)
	case "api":
		return c.parseAPIOption(option, value)
	case "metrics":
		if option == "enabled" {
			return setBool(&c.Metrics.Enabled, value)
		}
	case "history":
		return c.parseHistoryOption(option, value)
	}
	return nil
}

func (c *Config) parseMainOption(option, value string) error {
	switch option {
	case "enable":
		return setBool(&c.Main.Enable, value)
	case "log_level":
		c.Main.LogLevel = strings.ToLower(value)
	case "default_accuracy":
		c.Main.DefaultAccuracy = strings.ToLower(value)
	case "env_file":
		c.Main.EnvFile = value
	case "memory_interval_s":
		return setSeconds(&c.Main.MemoryInterval, value)
	case "memory_moderate_ratio":
		return setFloat(&c.Main.MemoryModerate, value)
	case "memory_severe_ratio":
		return setFloat(&c.Main.MemorySevere, value)
	}
	return nil
}

func (c *Config) parseWiFiOption(option, value string) error {
	switch option {
	case "enabled":
		return setBool(&c.WiFi.Enabled, value)
	case "device":
		c.WiFi.Device = value
	case "ubus_timeout_s":
		return setSeconds(&c.WiFi.UbusTimeout, value)
	}
	return nil
}

func (c *Config) parseCellularOption(option, value string) error {
	switch option {
	case "enabled":
		return setBool(&c.Cellular.Enabled, value)
	case "poll_interval_s":
		return setSeconds(&c.Cellular.PollInterval, value)
	case "cache_path":
		c.Cellular.CachePath = value
	case "cache_max_age_h":
		return setHours(&c.Cellular.CacheMaxAge, value)
	}
	return nil
}

func (c *Config) parseGoogleOption(option, value string) error {
	switch option {
	case "api_key":
		c.Google.APIKey = value
	case "timeout_s":
		return setSeconds(&c.Google.Timeout, value)
	case "max_access_points":
		return setInt(&c.Google.MaxAccessPoints, value)
	case "allow_ip_fallback":
		return setBool(&c.Google.AllowIPFallback, value)
	case "failure_threshold":
		return setInt(&c.Google.FailureThreshold, value)
	case "open_timeout_s":
		return setSeconds(&c.Google.OpenTimeout, value)
	}
	return nil
}

func (c *Config) parseGPSOption(option, value string) error {
	switch option {
	case "enabled":
		return setBool(&c.GPS.Enabled, value)
	case "address":
		c.GPS.Address = value
	case "stale_after_s":
		return setSeconds(&c.GPS.StaleAfter, value)
	case "poll_interval_s":
		return setSeconds(&c.GPS.PollInterval, value)
	case "starlink_fallback":
		return setBool(&c.GPS.StarlinkFallback, value)
	}
	return nil
}

func (c *Config) parseStarlinkOption(option, value string) error {
	switch option {
	case "enabled":
		return setBool(&c.Starlink.Enabled, value)
	case "host":
		c.Starlink.Host = value
	case "port":
		return setInt(&c.Starlink.Port, value)
	case "timeout_s":
		return setSeconds(&c.Starlink.Timeout, value)
	}
	return nil
}

func (c *Config) parseCompassOption(option, value string) error {
	switch option {
	case "enabled":
		return setBool(&c.Compass.Enabled, value)
	case "max_age_s":
		return setSeconds(&c.Compass.MaxAge, value)
	}
	return nil
}

func (c *Config) parseMQTTOption(option, value string) error {
	switch option {
	case "enabled":
		return setBool(&c.MQTT.Enabled, value)
	case "broker":
		c.MQTT.Broker = value
	case "port":
		return setInt(&c.MQTT.Port, value)
	case "client_id":
		c.MQTT.ClientID = value
	case "username":
		c.MQTT.Username = value
	case "password":
		c.MQTT.Password = value
	case "topic_prefix":
		c.MQTT.TopicPrefix = value
	case "qos":
		return setInt(&c.MQTT.QoS, value)
	case "retain":
		return setBool(&c.MQTT.Retain, value)
	case "max_per_second":
		return setInt(&c.MQTT.MaxPerSecond, value)
	case "heartbeat_interval_s":
		return setSeconds(&c.MQTT.HeartbeatInterval, value)
	}
	return nil
}

func (c *Config) parseAPIOption(option, value string) error {
	switch option {
	case "enabled":
		return setBool(&c.API.Enabled, value)
	case "host":
		c.API.Host = value
	case "port":
		return setInt(&c.API.Port, value)
	case "auth_key":
		c.API.AuthKey = value
	case "cert_file":
		c.API.CertFile = value
	case "key_file":
		c.API.KeyFile = value
	case "max_wait_s":
		return setSeconds(&c.API.MaxWait, value)
	}
	return nil
}

func (c *Config) parseHistoryOption(option, value string) error {
	switch option {
	case "enabled":
		return setBool(&c.History.Enabled, value)
	case "database_path":
		c.History.DatabasePath = value
	case "max_entries":
		return setInt(&c.History.MaxEntries, value)
	case "retention_h":
		return setHours(&c.History.Retention, value)
	case "min_interval_s":
		return setSeconds(&c.History.MinInterval, value)
	case "purge_interval_s":
		return setSeconds(&c.History.PurgeInterval, value)
	}
	return nil
}

func setBool(dst *bool, value string) error {
	switch strings.ToLower(value) {
	case "1", "true", "yes", "on", "enabled":
		*dst = true
	case "0", "false", "no", "off", "disabled":
		*dst = false
	default:
		return fmt.Errorf("invalid boolean %q", value)
	}
	return nil
}

func setInt(dst *int, value string) error {
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid integer %q", value)
	}
	*dst = n
	return nil
}

func setFloat(dst *float64, value string) error {
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("invalid number %q", value)
	}
	*dst = f
	return nil
}

func setSeconds(dst *time.Duration, value string) error {
	return setUnits(dst, value, time.Second)
}

func setHours(dst *time.Duration, value string) error {
	return setUnits(dst, value, time.Hour)
}

func setUnits(dst *time.Duration, value string, unit time.Duration) error {
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid integer %q", value)
	}
	*dst = time.Duration(n) * unit
	return nil
}
