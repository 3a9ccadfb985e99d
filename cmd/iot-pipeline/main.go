// Command iot-pipeline runs the full sensor pipeline: the MQTT bridge,
// normalizer, device registry, aggregator, alert manager, and the
// operational HTTP gateway, wired over a NATS event bus.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/kafaat/sahool-iot-pipeline/aggregate"
	"github.com/kafaat/sahool-iot-pipeline/alert"
	"github.com/kafaat/sahool-iot-pipeline/bridge"
	"github.com/kafaat/sahool-iot-pipeline/component"
	"github.com/kafaat/sahool-iot-pipeline/config"
	"github.com/kafaat/sahool-iot-pipeline/fabric"
	"github.com/kafaat/sahool-iot-pipeline/gateway"
	"github.com/kafaat/sahool-iot-pipeline/health"
	"github.com/kafaat/sahool-iot-pipeline/metric"
	"github.com/kafaat/sahool-iot-pipeline/natsclient"
	"github.com/kafaat/sahool-iot-pipeline/registry"
)

// version is stamped at build time through -ldflags.
var version = "dev"

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "iot-pipeline:", err)
		os.Exit(1)
	}
}

func run(args []string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	flags, err := parseFlags(args)
	if err != nil {
		return err
	}
	if flags.showVersion {
		fmt.Println("iot-pipeline", version)
		return nil
	}

	// .env is optional; real deployments configure through the
	// environment directly.
	_ = godotenv.Load()

	logger := setupLogging(flags.logLevel, flags.logFormat)

	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return err
	}
	if flags.httpAddr != "" {
		cfg.HTTPAddr = flags.httpAddr
	}

	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	metrics := metric.NewRegistry()

	bus := natsclient.NewClient(cfg.Bus.URL,
		natsclient.WithLogger(logger.With("component", "bus")),
		natsclient.WithPublishTimeout(cfg.PublishTimeout()))
	if err := bus.Connect(ctx); err != nil {
		return err
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), cfg.DrainGrace())
		defer closeCancel()
		_ = bus.Close(closeCtx)
	}()

	fab := fabric.NewMQTT(fabric.MQTTConfig{
		BrokerURL:     cfg.Fabric.BrokerURL,
		ClientID:      cfg.Fabric.ClientID,
		Username:      cfg.Fabric.Username,
		Password:      cfg.Fabric.Password,
		ReconnectBase: cfg.ReconnectBase(),
		ReconnectCap:  cfg.ReconnectCap(),
	}, logger.With("component", "fabric"))

	reg := registry.New(registry.Deps{
		Name: "device-registry",
		Config: registry.Config{
			OfflineTimeout:     cfg.OfflineTimeout(),
			ScanInterval:       cfg.LivenessScanInterval(),
			BatteryLowPct:      cfg.BatteryLowPct,
			BatteryCriticalPct: cfg.BatteryCriticalPct,
		},
		Bus:             bus,
		MetricsRegistry: metrics,
		Logger:          logger.With("component", "device-registry"),
	})

	agg := aggregate.New(aggregate.Deps{
		Name: "aggregator",
		Config: aggregate.Config{
			FlushInterval:          cfg.FlushInterval(),
			RingCapacity:           cfg.RingCapacity,
			DriftWindow:            cfg.DriftWindow,
			SampleInterval:         cfg.SampleInterval(),
			OutlierFractionCeiling: cfg.OutlierFractionCeiling,
			EmitAggregates:         cfg.EmitAggregates,
			Retention:              cfg.Retention(),
			Outliers: aggregate.OutlierConfig{
				ZK:   cfg.OutlierZK,
				IQRM: cfg.OutlierIQRM,
				Enabled: []aggregate.Strategy{
					aggregate.StrategyZScore,
					aggregate.StrategyIQR,
					aggregate.StrategyThreshold,
				},
			},
		},
		Bus:             bus,
		Devices:         reg,
		MetricsRegistry: metrics,
		Logger:          logger.With("component", "aggregator"),
	})

	alerts := alert.New(alert.Deps{
		Name: "alert-manager",
		Config: alert.Config{
			CheckInterval:      time.Duration(cfg.AlertCheckIntervalS) * time.Second,
			OutboxCapacity:     cfg.OutboxCapacity,
			BatteryCriticalPct: cfg.BatteryCriticalPct,
		},
		Bus:             bus,
		MetricsRegistry: metrics,
		Logger:          logger.With("component", "alert-manager"),
	})

	// Cross-component wiring: liveness edges and aggregation findings
	// feed alerting; alerts feed health snapshots.
	reg.AddListener(alerts)
	agg.AddListener(alerts)
	agg.SetAlertSource(alerts)

	br := bridge.New(bridge.Deps{
		Name: "messaging-bridge",
		Config: bridge.Config{
			TopicRoot:   cfg.Fabric.TopicRoot,
			Passthrough: cfg.SensorTypePassthrough,
		},
		Fabric:          fab,
		Bus:             bus,
		Registry:        reg,
		MetricsRegistry: metrics,
		Logger:          logger.With("component", "messaging-bridge"),
	})

	monitor := health.NewMonitor()
	monitor.SetFabric(fab)
	monitor.SetBus(bus)
	monitor.SetRegistry(reg)
	monitor.SetAlerts(alerts)
	monitor.SetIngest(br)

	gw := gateway.New(gateway.Deps{
		Name:            "gateway",
		Addr:            cfg.HTTPAddr,
		Monitor:         monitor,
		Registry:        reg,
		Aggregator:      agg,
		Alerts:          alerts,
		MetricsRegistry: metrics,
		Logger:          logger.With("component", "gateway"),
	})

	// Start order: bus consumers before the bridge so no readings are
	// published into the void; gateway last.
	components := []component.Lifecycle{reg, agg, alerts, br, gw}
	for _, c := range components {
		monitor.Register(c)
		if err := c.Initialize(); err != nil {
			return err
		}
	}
	started := make([]component.Lifecycle, 0, len(components))
	for _, c := range components {
		if err := c.Start(ctx); err != nil {
			stopAll(started, cfg.DrainGrace(), logger)
			return err
		}
		started = append(started, c)
		logger.Info("component started", "name", c.Meta().Name)
	}

	logger.Info("pipeline running",
		"http_addr", cfg.HTTPAddr,
		"broker", cfg.Fabric.BrokerURL,
		"bus", cfg.Bus.URL)

	<-ctx.Done()
	logger.Info("shutdown requested, draining")
	stopAll(started, cfg.DrainGrace(), logger)
	return nil
}

// stopAll stops components in reverse start order: the bridge stops
// taking input before the consumers drain.
func stopAll(components []component.Lifecycle, grace time.Duration, logger *slog.Logger) {
	for i := len(components) - 1; i >= 0; i-- {
		c := components[i]
		if err := c.Stop(grace); err != nil {
			logger.Warn("component stop failed", "name", c.Meta().Name, "error", err)
		}
	}
}
