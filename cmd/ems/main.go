// Command ems switches solar surplus loads (a heater and a hydro pump) on
// and off from inverter telemetry stored in InfluxDB.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"

	"github.com/sweeney/solar-ems/internal/config"
	"github.com/sweeney/solar-ems/internal/ems"
	"github.com/sweeney/solar-ems/internal/logging"
	"github.com/sweeney/solar-ems/internal/logic"
	"github.com/sweeney/solar-ems/internal/metrics"
	"github.com/sweeney/solar-ems/internal/mqtt"
	"github.com/sweeney/solar-ems/internal/relay"
	"github.com/sweeney/solar-ems/internal/status"
	"github.com/sweeney/solar-ems/internal/store"
	"github.com/sweeney/solar-ems/internal/telemetry"
	"github.com/sweeney/solar-ems/internal/web"
)

// historyRetention is how long transitions are kept in the audit trail.
const historyRetention = 90 * 24 * time.Hour

type flags struct {
	configPath string
	logLevel   string
	syslog     bool
	printState bool

	// Overrides, applied only when given on the command line.
	poll   time.Duration
	http   string
	broker string
	set    map[string]bool
}

func main() {
	var f flags
	flag.StringVar(&f.configPath, "config", config.DefaultPath, "YAML configuration file")
	flag.StringVar(&f.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.BoolVar(&f.syslog, "syslog", false, "Also log to syslog")
	flag.BoolVar(&f.printState, "print-state", false, "Print telemetry and the decision for each load, then exit")
	flag.DurationVar(&f.poll, "poll", 0, "Polling interval (overrides poll_interval)")
	flag.StringVar(&f.http, "http", "", "HTTP status address (overrides http; \"off\" disables)")
	flag.StringVar(&f.broker, "broker", "", "MQTT broker address (overrides mqtt.broker; \"off\" disables)")

	flag.Parse()

	f.set = map[string]bool{}
	flag.Visit(func(fl *flag.Flag) { f.set[fl.Name] = true })

	if err := run(f); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}

// applyOverrides copies explicitly set flags over the file configuration.
func applyOverrides(cfg *config.Config, f flags) {
	if f.set["poll"] {
		cfg.PollInterval = f.poll
	}
	if f.set["http"] {
		cfg.HTTP = f.http
		if f.http == "off" {
			cfg.HTTP = ""
		}
	}
	if f.set["broker"] {
		cfg.MQTT.Broker = f.broker
		if f.broker == "off" {
			cfg.MQTT.Broker = ""
		}
	}
}

func run(f flags) error {
	level, err := logging.ParseLevel(f.logLevel)
	if err != nil {
		return err
	}
	tag := ""
	if f.syslog {
		tag = "ems"
	}
	logger, closer, err := logging.New(os.Stderr, level, tag)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer closer.Close()

	cfg, err := config.LoadFile(f.configPath)
	if err != nil {
		return err
	}
	applyOverrides(&cfg, f)
	if cfg.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %v", cfg.PollInterval)
	}

	bootID := uuid.NewString()
	logger = logger.With("boot_id", bootID)

	// Telemetry
	querier := telemetry.NewInfluxQuerier(cfg.Influx.InfluxURL(), cfg.Influx.AuthToken(), cfg.Influx.Org, cfg.Influx.QueryTimeout)
	defer querier.Close()
	fetcher := &telemetry.InfluxFetcher{
		Querier:     querier,
		Bucket:      cfg.Influx.BucketName(),
		Lookback:    cfg.Influx.Lookback,
		ShortWindow: cfg.Telemetry.ShortWindow,
		LongWindow:  cfg.Telemetry.LongWindow,
	}

	// State store
	db, err := store.Open(cfg.StateDB)
	if err != nil {
		return err
	}
	defer db.Close()

	if f.printState {
		return printState(os.Stdout, cfg, fetcher, db, logger)
	}

	if n, err := db.Prune(time.Now().Add(-historyRetention)); err != nil {
		logger.Warn("prune history failed", "error", err)
	} else if n > 0 {
		logger.Info("pruned history", "transitions", n)
	}

	// Initialize status tracker (before STARTUP so snapshot is available)
	m := metrics.New()
	tracker := status.NewTracker(time.Now(), status.Config{
		PollMs:      cfg.PollInterval.Milliseconds(),
		HeartbeatMs: cfg.Heartbeat.Milliseconds(),
		Broker:      cfg.MQTT.Broker,
		HTTPPort:    cfg.HTTP,
		Influx:      cfg.Influx.InfluxURL(),
		BootID:      bootID,
	})

	guarded := telemetry.NewGuarded(fetcher, telemetry.GuardOptions{
		MaxRetries:  cfg.Fetch.MaxRetries,
		MaxFailures: cfg.Fetch.MaxFailures,
		OpenTimeout: cfg.Fetch.OpenTimeout,
		OnStateChange: func(from, to string) {
			tracker.SetBreaker(to)
			m.BreakerState(to)
		},
	}, logger)

	// Relays
	var loads []ems.Load
	for _, kind := range cfg.EnabledKinds() {
		sec := cfg.Section(kind)
		r, err := relay.NewRealRelay(cfg.GPIO.Chip, sec.RelayPin, sec.ActiveHigh)
		if err != nil {
			for _, l := range loads {
				l.Relay.Close()
			}
			return fmt.Errorf("init %s relay: %w", kind, err)
		}
		loads = append(loads, ems.Load{Config: cfg.LoadConfig(kind), Relay: r})
		logger.Info("load enabled", "load", kind, "pin", sec.RelayPin, "active_high", sec.ActiveHigh)
	}
	if len(loads) == 0 {
		logger.Warn("no loads enabled, telemetry is read but nothing is switched")
	}

	// MQTT
	var publisher mqtt.Publisher = offlinePublisher{}
	var mqttStatus mqtt.ConnectionStatus = offlinePublisher{}
	if cfg.MQTT.Broker != "" {
		p, err := mqtt.NewRealPublisher(mqtt.Options{
			Broker:         cfg.MQTT.Broker,
			ClientID:       cfg.MQTT.ClientID,
			BufferSize:     cfg.MQTT.Buffer,
			ConnectRetries: 3,
			BootID:         bootID,
		}, logger)
		if err != nil {
			// Load control does not depend on the broker.
			logger.Error("mqtt unavailable, events will not be published", "broker", cfg.MQTT.Broker, "error", err)
		} else {
			publisher, mqttStatus = p, p
		}
	}
	defer publisher.Close()

	tracker.SetMQTTConnected(mqttStatus.IsConnected())
	if net := readNetworkInfo(); net != nil {
		tracker.SetNetwork(net)
	}

	ctrl := ems.New(ems.Options{
		Fetcher:     guarded,
		Loads:       loads,
		Store:       db,
		Publisher:   publisher,
		Tracker:     tracker,
		Metrics:     m,
		Logger:      logger,
		MaxFailures: cfg.Fetch.MaxFailures,
	})
	if err := ctrl.Restore(time.Now()); err != nil {
		logger.Error("restore incomplete", "error", err)
	}

	// Publish startup event with full status snapshot
	snap := tracker.Snapshot()
	startupEvent := mqtt.SystemEvent{
		Timestamp:  snap.Now,
		Event:      mqtt.EventStartup,
		BootID:     bootID,
		Retained:   true,
		RawPayload: status.FormatStatusEvent(snap, mqtt.EventStartup, ""),
	}
	if err := publisher.PublishSystem(startupEvent); err != nil {
		logger.Warn("failed to publish startup event", "error", err)
	} else {
		logger.Info("published startup event")
	}

	// Start HTTP status server
	if cfg.HTTP != "" {
		opts := web.Options{History: db, Metrics: m.Handler()}
		if cfg.AccessLog {
			opts.AccessLog = os.Stderr
		}
		srv := web.New(cfg.HTTP, tracker, opts)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http server error", "error", err)
			}
		}()
		defer srv.Shutdown(context.Background())
		logger.Info("http status server listening", "addr", cfg.HTTP)
	}

	logger.Info("started",
		"poll", cfg.PollInterval,
		"heartbeat", cfg.Heartbeat,
		"influx", cfg.Influx.InfluxURL(),
		"bucket", cfg.Influx.BucketName(),
		"broker", cfg.MQTT.Broker,
		"loads", len(loads))

	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	return runLoop(ctrl, publisher, mqttStatus, tracker, cfg.Heartbeat, logger, time.Now, ticker.C, sigCh)
}

func runLoop(ctrl *ems.Controller, publisher mqtt.Publisher, mqttStatus mqtt.ConnectionStatus, tracker *status.Tracker, heartbeat time.Duration, logger *slog.Logger, now func() time.Time, tick <-chan time.Time, sig <-chan os.Signal) error {
	// The first cycle runs at once rather than a poll interval in.
	ctrl.Cycle(context.Background(), now())

	for {
		select {
		case s := <-sig:
			logger.Info("shutting down", "signal", s)
			signalName := "UNKNOWN"
			if s == syscall.SIGINT {
				signalName = "SIGINT"
			} else if s == syscall.SIGTERM {
				signalName = "SIGTERM"
			}

			t := now()
			if err := ctrl.Shutdown(t); err != nil {
				logger.Error("shutdown incomplete", "error", err)
			}

			event := mqtt.SystemEvent{
				Timestamp: t,
				Event:     mqtt.EventShutdown,
				Reason:    signalName,
				Retained:  true,
			}
			if tracker != nil {
				if mqttStatus != nil {
					tracker.SetMQTTConnected(mqttStatus.IsConnected())
				}
				snap := tracker.Snapshot()
				event.BootID = snap.Config.BootID
				event.RawPayload = status.FormatStatusEvent(snap, mqtt.EventShutdown, signalName)
			}
			if err := publisher.PublishSystem(event); err != nil {
				logger.Warn("failed to publish shutdown event", "error", err)
			} else {
				logger.Info("published shutdown event")
			}
			return nil

		case <-tick:
			t := now()
			// Errors are logged and counted by the controller.
			ctrl.Cycle(context.Background(), t)

			if tracker == nil {
				continue
			}
			if mqttStatus != nil {
				tracker.SetMQTTConnected(mqttStatus.IsConnected())
			}

			if tracker.CheckHeartbeat(t, heartbeat) {
				// Refresh network info for heartbeat
				if net := readNetworkInfo(); net != nil {
					tracker.SetNetwork(net)
				}
				snap := tracker.Snapshot()
				logger.Info("heartbeat", "uptime", snap.Uptime().Truncate(time.Second), "ready", snap.Ready())

				hbEvent := mqtt.SystemEvent{
					Timestamp:  t,
					Event:      mqtt.EventHeartbeat,
					BootID:     snap.Config.BootID,
					RawPayload: status.FormatStatusEvent(snap, mqtt.EventHeartbeat, ""),
				}
				if err := publisher.PublishSystem(hbEvent); err != nil {
					logger.Warn("heartbeat publish error", "error", err)
				}
			}
		}
	}
}

// printState fetches telemetry once and prints what each enabled load
// would do, without touching any relay.
func printState(w io.Writer, cfg config.Config, fetcher telemetry.Fetcher, db ems.StateStore, logger *slog.Logger) error {
	var loads []ems.Load
	for _, kind := range cfg.EnabledKinds() {
		loads = append(loads, ems.Load{Config: cfg.LoadConfig(kind)})
	}
	ctrl := ems.New(ems.Options{Fetcher: fetcher, Loads: loads, Store: db, Logger: logger})

	now := time.Now()
	if err := ctrl.Restore(now); err != nil {
		return err
	}
	snap, ds, err := ctrl.Preview(context.Background(), now)
	if err != nil {
		return err
	}

	writeState(w, snap, ctrl.Loads(), ds, now)
	return nil
}

func writeState(w io.Writer, snap logic.Snapshot, views []ems.LoadView, ds []logic.Decision, now time.Time) {
	bold := color.New(color.Bold)
	on := color.New(color.FgGreen, color.Bold)
	off := color.New(color.FgHiBlack)
	warn := color.New(color.FgYellow)

	bold.Fprintln(w, "Telemetry")
	fmt.Fprintf(w, "  battery %6.2f V  short %6.2f  long %6.2f  (age %s)\n",
		snap.Last.Battery.Voltage, snap.Short.Battery.Voltage, snap.Long.Battery.Voltage, age(now, snap.BatteryAt))
	fmt.Fprintf(w, "  pv      %6.0f W  long %6.0f  (age %s)\n",
		snap.Last.PV.Power, snap.Long.PV.Power, age(now, snap.PVAt))
	fmt.Fprintf(w, "  load    %6.0f W  short %6.0f  long %6.0f  (age %s)\n",
		snap.Last.Out.LoadWatt, snap.Short.Out.LoadWatt, snap.Long.Out.LoadWatt, age(now, snap.OutAt))

	for i, v := range views {
		d := ds[i]
		fmt.Fprintln(w)
		bold.Fprintf(w, "%s", v.Name)
		fmt.Fprintf(w, "  now %s", v.State.State())
		if v.Config.Off.MaxDailyRun > 0 {
			fmt.Fprintf(w, "  runtime %v of %v", v.State.RuntimeAt(now).Truncate(time.Second), v.Config.Off.MaxDailyRun)
		}
		fmt.Fprintln(w)

		c := off
		switch {
		case d.Reason == logic.ReasonStaleTelemetry:
			c = warn
		case d.Command.On():
			c = on
		}
		fmt.Fprint(w, "  would ")
		c.Fprint(w, d.Command)
		fmt.Fprintf(w, " (%s)\n", d.Reason)
		for _, m := range d.Evidence {
			fmt.Fprintf(w, "    %-16s %10.2f  limit %10.2f\n", m.Name, m.Value, m.Limit)
		}
	}
}

func age(now, t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return now.Sub(t).Truncate(time.Second).String()
}

// offlinePublisher stands in when no broker is configured or reachable.
type offlinePublisher struct{}

func (offlinePublisher) Publish(logic.Event) error { return nil }
func (offlinePublisher) PublishSystem(mqtt.SystemEvent) error { return nil }
func (offlinePublisher) Close() error { return nil }
func (offlinePublisher) IsConnected() bool { return false }

// pi-helper env var names (written to /run/pi-helper.env).
const (
	envNetworkType       = "NETWORK_TYPE"
	envNetworkIP         = "NETWORK_IP"
	envNetworkStatus     = "NETWORK_STATUS"
	envNetworkGateway    = "NETWORK_GATEWAY"
	envNetworkWifiStatus = "NETWORK_WIFI_STATUS"
	envNetworkWifiSSID   = "NETWORK_WIFI_SSID"
)

func readNetworkInfo() *status.NetworkInfo {
	s := os.Getenv(envNetworkStatus)
	if s == "" {
		return nil
	}
	return &status.NetworkInfo{
		Type:       os.Getenv(envNetworkType),
		IP:         os.Getenv(envNetworkIP),
		Status:     s,
		Gateway:    os.Getenv(envNetworkGateway),
		WifiStatus: os.Getenv(envNetworkWifiStatus),
		SSID:       os.Getenv(envNetworkWifiSSID),
	}
}
