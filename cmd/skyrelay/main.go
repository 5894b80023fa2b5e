package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/skyrelay/skyrelay/internal/alpaca"
	"github.com/skyrelay/skyrelay/internal/bus"
	"github.com/skyrelay/skyrelay/internal/config"
	"github.com/skyrelay/skyrelay/internal/diagserver"
	"github.com/skyrelay/skyrelay/internal/phd2"
	"github.com/skyrelay/skyrelay/internal/task"
	"github.com/skyrelay/skyrelay/internal/telemetry"
	"github.com/skyrelay/skyrelay/internal/workflow"
	"github.com/skyrelay/skyrelay/pkg/healthcheck"
	skymqtt "github.com/skyrelay/skyrelay/pkg/mqtt"
)

var (
	version   = "dev"
	gitCommit = "unknown"
)

func main() {
	var (
		configPath   = flag.String("config-path", ".", "Directory to search for skyrelay.yaml")
		logLevel     = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
		discoverCIDR = flag.String("discover", "", "Probe the given CIDR for Alpaca endpoints at startup")
		showVersion  = flag.Bool("version", false, "Show version information and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("skyrelay %s (%s)\n", version, gitCommit)
		os.Exit(0)
	}

	logger, err := initLogger(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting skyrelay", zap.String("version", version), zap.String("git_commit", gitCommit))

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport := alpaca.NewTransport(alpaca.TransportConfig{
		UserAgent:             cfg.Alpaca.UserAgent,
		Timeout:               cfg.Alpaca.Timeout,
		KeepAlive:             cfg.Alpaca.KeepAlive,
		MaxConnections:        cfg.Alpaca.MaxConnections,
		MaxRetries:            cfg.Alpaca.MaxRetries,
		EnableCompression:     cfg.Alpaca.EnableCompression,
		EnableSSLVerification: cfg.Alpaca.EnableSSLVerification,
	}, logger)

	if *discoverCIDR != "" {
		found, err := alpaca.DiscoverDevices(ctx, *discoverCIDR, 0)
		if err != nil {
			logger.Warn("alpaca discovery probe failed", zap.String("cidr", *discoverCIDR), zap.Error(err))
		} else {
			for _, d := range found {
				logger.Info("alpaca endpoint responding", zap.String("host", d.Host), zap.Int("port", d.Port))
			}
			logger.Info("alpaca discovery probe complete", zap.Int("found", len(found)))
		}
	}

	if cfg.Telemetry.Enabled {
		recorder, err := telemetry.NewRecorder(cfg.Telemetry.ServiceName)
		if err != nil {
			logger.Warn("failed to initialize telemetry recorder, continuing without it", zap.Error(err))
		} else {
			transport.OnMetrics(recorder.Hook())
			logger.Info("alpaca transport metrics mirrored to OpenTelemetry")
		}
	}

	phd2Client := phd2.NewClient(logger)
	if err := phd2Client.Connect(ctx, cfg.PHD2.Host, cfg.PHD2.Port, cfg.PHD2.ConnectMs); err != nil {
		logger.Warn("PHD2 connect failed at startup, continuing; guiding tasks will fail until it reconnects",
			zap.String("host", cfg.PHD2.Host), zap.Int("port", cfg.PHD2.Port), zap.Error(err))
	} else {
		logger.Info("connected to PHD2", zap.String("host", cfg.PHD2.Host), zap.Int("port", cfg.PHD2.Port))
	}
	defer phd2Client.Disconnect()

	var publisher *bus.Publisher
	var mqttClient *skymqtt.Client
	if cfg.Bus.Enabled {
		mqttClient, err = skymqtt.NewClient(&skymqtt.Config{
			BrokerURL:            cfg.Bus.BrokerURL,
			ClientID:             cfg.Bus.ClientID,
			KeepAlive:            30 * time.Second,
			ConnectTimeout:       10 * time.Second,
			AutoReconnect:        true,
			MaxReconnectInterval: 5 * time.Minute,
		}, logger)
		if err != nil {
			logger.Warn("failed to construct bus client, continuing without event bus", zap.Error(err))
		} else if err := mqttClient.Connect(); err != nil {
			logger.Warn("failed to connect to bus broker, continuing without event bus", zap.Error(err))
			mqttClient = nil
		} else {
			publisher = bus.NewPublisher(mqttClient, logger)
			phd2Client.OnPublish(publisher.PHD2EventSink())
			logger.Info("event bus connected", zap.String("broker", cfg.Bus.BrokerURL))
		}
	}

	factory := task.NewFactory()
	workflow.RegisterAll(factory, phd2Client, logger)

	var onCreate diagserver.RunSink
	if publisher != nil {
		onCreate = func(t *task.Task) {
			t.OnHistory(publisher.TaskHistorySink(t.Type()))
		}
	}

	healthEngine := healthcheck.NewEngine(logger, 30*time.Second)
	healthEngine.Register(phd2ConnectivityChecker(phd2Client))
	go healthEngine.Start(ctx)

	if publisher != nil {
		reporter := healthcheck.NewReporter(healthEngine, time.Minute, func(rctx context.Context, result *healthcheck.AggregatedResult) error {
			return mqttClient.PublishEnvelope(skymqtt.ComponentHealthTopic("skyrelay"), skymqtt.MessageTypeStatus, "skyrelay", result)
		}, logger)
		go reporter.Run(ctx)
	}

	var diag *diagserver.Server
	if cfg.Diagnostics.Enabled {
		diag = diagserver.NewServer(cfg.Diagnostics.ListenAddress, factory, healthEngine, onCreate, logger)
		go func() {
			if err := diag.Start(ctx); err != nil {
				logger.Error("diagnostic server exited", zap.Error(err))
			}
		}()
		logger.Info("diagnostic server listening", zap.String("address", cfg.Diagnostics.ListenAddress))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutdown signal received", zap.String("signal", sig.String()))

	cancel()
	healthEngine.Stop()
	if diag != nil {
		diag.Stop()
	}
	if publisher != nil {
		publisher.Close()
	}
	if mqttClient != nil {
		mqttClient.Disconnect()
	}
	logger.Info("skyrelay shutdown complete")
}

// phd2ConnectivityChecker wraps the transport connection state for
// the top-level process health endpoint, distinct from the
// PHD2HealthCheck task's deeper equipment probes.
func phd2ConnectivityChecker(client *phd2.Client) healthcheck.Checker {
	return processChecker{client: client}
}

type processChecker struct {
	client *phd2.Client
}

func (c processChecker) Name() string { return "phd2_connection" }

func (c processChecker) Check(ctx context.Context) *healthcheck.Result {
	status := healthcheck.StatusHealthy
	msg := "connected"
	if !c.client.IsConnected() {
		status = healthcheck.StatusDegraded
		msg = "not connected"
	}
	return &healthcheck.Result{ComponentName: "phd2_connection", Status: status, Message: msg, Timestamp: time.Now()}
}

func initLogger(levelStr string) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(levelStr)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", levelStr, err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.Encoding = "console"
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeDuration = zapcore.StringDurationEncoder
	cfg.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	return cfg.Build()
}
