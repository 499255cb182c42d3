package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron"

	"github.com/markus-lassfolk/geolocd/pkg"
	"github.com/markus-lassfolk/geolocd/pkg/api"
	"github.com/markus-lassfolk/geolocd/pkg/cellular"
	"github.com/markus-lassfolk/geolocd/pkg/compass"
	"github.com/markus-lassfolk/geolocd/pkg/geolocate"
	"github.com/markus-lassfolk/geolocd/pkg/gps"
	"github.com/markus-lassfolk/geolocd/pkg/history"
	"github.com/markus-lassfolk/geolocd/pkg/locate"
	"github.com/markus-lassfolk/geolocd/pkg/logx"
	"github.com/markus-lassfolk/geolocd/pkg/memory"
	"github.com/markus-lassfolk/geolocd/pkg/metrics"
	"github.com/markus-lassfolk/geolocd/pkg/mqtt"
	"github.com/markus-lassfolk/geolocd/pkg/starlink"
	"github.com/markus-lassfolk/geolocd/pkg/ubus"
	"github.com/markus-lassfolk/geolocd/pkg/uci"
	"github.com/markus-lassfolk/geolocd/pkg/wifi"
)

// daemon owns every long lived component
type daemon struct {
	cfg    *uci.Config
	logger *logx.Logger

	recorder  *metrics.Recorder
	provider  *geolocate.Provider
	memMon    *memory.Monitor
	cellMon   *cellular.Monitor
	towers    *cellular.Store
	hist      *history.Store
	mqtt      *mqtt.Client
	hub       *api.Hub
	registry  *locate.Registry
	coord     *locate.Coordinator
	server    *api.Server
	scheduler *gocron.Scheduler
	session   *locate.Client

	wg sync.WaitGroup
}

func newDaemon(cfg *uci.Config, logger *logx.Logger) (*daemon, error) {
	d := &daemon{cfg: cfg, logger: logger, recorder: metrics.NewRecorder(AppVersion)}

	if cfg.Google.APIKey != "" {
		provider, err := geolocate.NewProvider(cfg.GeolocateConfig(), logger.WithComponent("geolocate"))
		if err != nil {
			return nil, err
		}
		provider.OnStateChange(d.recorder.BreakerState)
		d.provider = provider
	} else {
		logger.Warn("No Google API key configured, WiFi and cellular sources disabled")
	}

	memMon, err := memory.NewMonitor(cfg.MemoryMonitorConfig(), logger.WithComponent("memory"))
	if err != nil {
		logger.Warn("Memory pressure monitoring unavailable", "error", err)
	} else {
		d.memMon = memMon
	}

	bus := ubus.NewClient(logger.WithComponent("ubus"))
	if cfg.WiFi.UbusTimeout > 0 {
		bus.SetTimeout(cfg.WiFi.UbusTimeout)
	}

	var dish *starlink.Client
	if cfg.Starlink.Enabled {
		dish = starlink.NewClient(cfg.Starlink.Host, cfg.Starlink.Port, cfg.Starlink.Timeout, logger.WithComponent("starlink"))
	}

	var providers []locate.Provider
	if d.provider != nil && cfg.Cellular.Enabled {
		d.cellMon = cellular.NewMonitor(bus, logger.WithComponent("cellular"))
		if cfg.Cellular.CachePath != "" {
			store, err := cellular.OpenStore(cfg.Cellular.CachePath, cfg.Cellular.CacheMaxAge, logger.WithComponent("cellular"))
			if err != nil {
				logger.Warn("Tower cache unavailable", "error", err, "path", cfg.Cellular.CachePath)
			} else {
				d.towers = store
			}
		}
		providers = append(providers, d.cellularProvider())
	}
	if d.provider != nil && cfg.WiFi.Enabled {
		providers = append(providers, d.wifiProvider(bus, d.provider))
	}
	if cfg.GPS.Enabled {
		providers = append(providers, d.gpsProvider(dish))
	}

	var heading compass.HeadingReader
	if cfg.Compass.Enabled && dish != nil {
		heading = dish
	}
	d.registry = locate.NewRegistry(providers, logger.WithComponent("registry"))

	sinks := []locate.Sink{d.recorder}
	if cfg.History.Enabled {
		store, err := history.Open(cfg.HistoryStoreConfig(), logger.WithComponent("history"))
		if err != nil {
			logger.Warn("Location history unavailable", "error", err, "path", cfg.History.DatabasePath)
		} else {
			d.hist = store
			sinks = append(sinks, store)
		}
	}
	if cfg.MQTT.Enabled {
		d.mqtt = mqtt.NewClient(cfg.MQTTClientConfig(), logger.WithComponent("mqtt"))
		sinks = append(sinks, d.mqtt)
	}
	d.hub = api.NewHub(logger.WithComponent("websocket"))
	sinks = append(sinks, d.hub)

	d.coord = locate.NewCoordinator(locate.Options{
		Registry: d.registry,
		Compass:  compass.New(heading, cfg.Compass.MaxAge, logger.WithComponent("compass")),
		Sinks:    sinks,
	}, logger.WithComponent("coordinator"))

	opts := api.Options{Hub: d.hub, Version: AppVersion, Online: d.online}
	if d.hist != nil {
		opts.History = d.hist
	}
	if cfg.Metrics.Enabled {
		opts.Metrics = d.recorder.Handler()
	}
	d.server = api.NewServer(cfg.APIServerConfig(), d.coord, opts, logger.WithComponent("api"))

	d.scheduler = gocron.NewScheduler(time.UTC)
	return d, nil
}

func (d *daemon) cellularProvider() locate.Provider {
	return locate.Provider{
		Name:     "cellular",
		MinLevel: pkg.AccuracyCity,
		Build: func(pkg.AccuracyLevel) (locate.Source, error) {
			return cellular.NewSource(d.cellMon, d.provider, d.towers, d.logger.WithComponent("cellular")), nil
		},
	}
}

// wifiProvider builds one WiFi source per tier so each scans and queries
// at its own accuracy. Tiers built while the radio is missing run without
// discovery.
func (d *daemon) wifiProvider(caller wifi.Caller, locator wifi.Locator) locate.Provider {
	backend := wifi.NewIwinfoBackend(caller, d.cfg.WiFi.Device, d.logger.WithComponent("iwinfo"))
	var warnOnce sync.Once
	return locate.Provider{
		Name:     "wifi",
		MinLevel: pkg.AccuracyCity,
		PerTier:  true,
		Build: func(level pkg.AccuracyLevel) (locate.Source, error) {
			opts := wifi.SourceOptions{
				Name:     "wifi-" + level.String(),
				Locator:  locator,
				Accuracy: wifi.FixedAccuracy(level),
				Recorder: d.recorder,
			}
			if err := d.radioAvailable(backend); err != nil {
				warnOnce.Do(func() {
					d.logger.Warn("WiFi radio unavailable, locating without access points",
						"device", d.cfg.WiFi.Device, "error", err)
				})
			} else {
				opts.Discovery = backend
			}
			if d.cellMon != nil {
				opts.Towers = d.cellMon
			}
			if d.memMon != nil {
				opts.Memory = d.memMon
			}
			return wifi.NewSource(opts, d.logger.WithComponent(opts.Name)), nil
		},
	}
}

func (d *daemon) radioAvailable(backend *wifi.IwinfoBackend) error {
	timeout := d.cfg.WiFi.UbusTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return backend.Available(ctx)
}

func (d *daemon) gpsProvider(dish *starlink.Client) locate.Provider {
	client := gps.NewClient(d.cfg.GPS.Address, d.logger.WithComponent("gpsd"))
	return locate.Provider{
		Name:     "gps",
		MinLevel: pkg.AccuracyExact,
		Build: func(pkg.AccuracyLevel) (locate.Source, error) {
			var fallback gps.FixProvider
			if d.cfg.GPS.StarlinkFallback && dish != nil {
				fallback = dish
			}
			return gps.NewSource(client, fallback, d.cfg.GPSSourceConfig(), d.logger.WithComponent("gps")), nil
		},
	}
}

// online reports whether network geolocation is usable
func (d *daemon) online() bool {
	return d.provider != nil && d.provider.BreakerState() != "open"
}

func (d *daemon) start(ctx context.Context) error {
	if d.memMon != nil {
		d.goRun(func() { d.memMon.Run(ctx) })
	}
	if d.cellMon != nil {
		d.goRun(func() { d.cellMon.Run(ctx, d.cfg.Cellular.PollInterval) })
	}
	if d.mqtt != nil {
		if err := d.mqtt.Connect(); err != nil {
			d.logger.Warn("MQTT connection failed, will retry", "error", err)
		}
	}
	if err := d.server.Start(); err != nil {
		return err
	}
	if err := d.scheduleJobs(); err != nil {
		return err
	}
	d.scheduler.StartAsync()

	session, err := d.coord.Connect(ctx, d.cfg.DefaultLevel(), locate.ClientOptions{})
	if err != nil {
		return fmt.Errorf("failed to start default session: %w", err)
	}
	d.session = session
	session.Subscribe(func(loc pkg.Location) {
		d.logger.Debug("Location updated", "latitude", loc.Latitude, "longitude", loc.Longitude,
			"accuracy", loc.Accuracy, "source", loc.Description)
	})
	return nil
}

func (d *daemon) goRun(fn func()) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		fn()
	}()
}

func (d *daemon) scheduleJobs() error {
	if d.hist != nil && d.cfg.History.PurgeInterval > 0 {
		if _, err := d.scheduler.Every(d.cfg.History.PurgeInterval).Do(d.purgeHistory); err != nil {
			return fmt.Errorf("failed to schedule history purge: %w", err)
		}
	}
	if d.towers != nil {
		if _, err := d.scheduler.Every(6 * time.Hour).Do(d.purgeTowers); err != nil {
			return fmt.Errorf("failed to schedule tower cache purge: %w", err)
		}
	}
	if d.mqtt != nil && d.cfg.MQTT.HeartbeatInterval > 0 {
		if _, err := d.scheduler.Every(d.cfg.MQTT.HeartbeatInterval).Do(d.heartbeat); err != nil {
			return fmt.Errorf("failed to schedule MQTT heartbeat: %w", err)
		}
	}
	_, err := d.scheduler.Every(15 * time.Second).Do(func() {
		d.recorder.SetClients(d.coord.ClientCount())
	})
	return err
}

func (d *daemon) purgeHistory() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	removed, err := d.hist.PurgeExpired(ctx)
	if err != nil {
		d.logger.Error("History purge failed", "error", err)
		return
	}
	if removed > 0 {
		d.logger.Info("Purged location history", "removed", removed)
	}
}

func (d *daemon) purgeTowers() {
	removed, err := d.towers.Prune(time.Now())
	if err != nil {
		d.logger.Error("Tower cache purge failed", "error", err)
		return
	}
	if removed > 0 {
		d.logger.Info("Purged tower cache", "removed", removed)
	}
}

func (d *daemon) heartbeat() {
	online := d.online()
	status := map[string]interface{}{
		"version":            AppVersion,
		"clients":            d.coord.ClientCount(),
		"available_accuracy": d.coord.AvailableAccuracy(online).String(),
		"network_available":  online,
		"websocket_clients":  d.hub.Count(),
	}
	if d.provider != nil {
		status["breaker_state"] = d.provider.BreakerState()
	}
	if err := d.mqtt.PublishStatus(status); err != nil {
		d.logger.Debug("MQTT heartbeat not published", "error", err)
	}
}

// shutdown stops components in reverse dependency order
func (d *daemon) shutdown() {
	d.scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.server.Stop(ctx); err != nil {
		d.logger.Warn("API server shutdown failed", "error", err)
	}

	if d.session != nil {
		d.session.Close()
	}
	d.coord.Close()
	d.registry.Close()

	if d.mqtt != nil {
		d.mqtt.Disconnect()
	}
	d.wg.Wait()

	if d.hist != nil {
		if err := d.hist.Close(); err != nil {
			d.logger.Warn("Failed to close history", "error", err)
		}
	}
	if d.towers != nil {
		if err := d.towers.Close(); err != nil {
			d.logger.Warn("Failed to close tower cache", "error", err)
		}
	}
}
