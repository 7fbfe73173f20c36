package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.bug.st/serial"
	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/rris/internal/api"
	"github.com/banshee-data/rris/internal/catalog"
	"github.com/banshee-data/rris/internal/config"
	"github.com/banshee-data/rris/internal/db"
	"github.com/banshee-data/rris/internal/devicelink"
	"github.com/banshee-data/rris/internal/events"
	"github.com/banshee-data/rris/internal/export"
	"github.com/banshee-data/rris/internal/monitoring"
	"github.com/banshee-data/rris/internal/protocol"
	"github.com/banshee-data/rris/internal/publish"
	"github.com/banshee-data/rris/internal/scheduler"
	"github.com/banshee-data/rris/internal/session"
	"github.com/banshee-data/rris/internal/timeutil"
	"github.com/banshee-data/rris/internal/upload"
	"github.com/banshee-data/rris/internal/version"
)

var (
	configPath  = flag.String("config", getEnv("RRIS_CONFIG", ""), "Path to a JSON config file")
	listen      = flag.String("listen", getEnv("RRIS_LISTEN", ":8080"), "Listen address")
	linkKind    = flag.String("link", "", "Device link: sim, mock, serial or ble (overrides config)")
	port        = flag.String("port", "", "Serial port of the BLE bridge (overrides config)")
	variant     = flag.String("variant", "", "Notification layout: full or lite (overrides config)")
	verbose     = flag.Bool("verbose", false, "Enable debug logging")
	devMode     = flag.Bool("dev", false, "Run against simulated devices")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

const shutdownTimeout = 5 * time.Second

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: rris [flags]\n       rris migrate <up|down|status|force N>\n\nFlags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	logger := monitoring.NewLogger(os.Stderr, *verbose)
	monitoring.SetLogger(logger.Infof)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		logger.WithError(err).Fatal("failed to load configuration")
	}
	if err := applyFlags(cfg); err != nil {
		logger.WithError(err).Fatal("invalid flags")
	}

	if flag.NArg() > 0 {
		if flag.Arg(0) != "migrate" {
			flag.Usage()
			os.Exit(2)
		}
		if err := db.RunMigrateCommand(os.Stdout, flag.Args()[1:], cfg.GetDBPath()); err != nil {
			logger.WithError(err).Fatal("migrate failed")
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Fatal("rris stopped with error")
	}
	logger.Info("graceful shutdown complete")
}

// loadConfig reads path, or returns an empty config so every field takes its
// default.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Empty(), nil
	}
	return config.LoadConfig(path)
}

// applyFlags lets command-line flags override the config file.
func applyFlags(cfg *config.Config) error {
	if *devMode {
		sim := config.LinkSim
		cfg.Link = &sim
	} else if *linkKind != "" {
		cfg.Link = linkKind
	}
	if *port != "" {
		cfg.SerialPort = port
	}
	if *variant != "" {
		cfg.DeviceVariant = variant
	}
	if url := getEnv("RRIS_MQTT_URL", ""); url != "" {
		cfg.MQTTURL = &url
	}
	return cfg.Validate()
}

// bridgeRunner is a link that owns a background reader.
type bridgeRunner interface {
	Run(ctx context.Context) error
	Close() error
	AttachAdminRoutes(mux *http.ServeMux)
}

// serialBridge adapts a BridgeLink so its mux admin routes are reachable.
type serialBridge struct {
	*devicelink.BridgeLink[serial.Port]
}

func (b serialBridge) AttachAdminRoutes(mux *http.ServeMux) { b.Mux().AttachAdminRoutes(mux) }

// buildLink returns the device link selected by cfg. The runner is non-nil
// only for links that need their own goroutine.
func buildLink(cfg *config.Config) (devicelink.Link, bridgeRunner, error) {
	switch cfg.GetLink() {
	case config.LinkSim:
		return devicelink.NewSimLink(cfg.GetDeviceVariant(), cfg.GetSimDevices()), nil, nil
	case config.LinkMock:
		return devicelink.NewMockLink(), nil, nil
	case config.LinkSerial:
		bridge, err := devicelink.OpenSerialBridge(cfg.GetSerialPort(), devicelink.PortOptions{BaudRate: cfg.GetBaudRate()})
		if err != nil {
			return nil, nil, err
		}
		b := serialBridge{bridge}
		return b, b, nil
	case config.LinkBLE:
		return devicelink.NewBLELink(), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown link %q", cfg.GetLink())
	}
}

// sessionOptions is the template every device session starts from.
func sessionOptions(cfg *config.Config) session.Options {
	return session.Options{
		Variant:            cfg.GetDeviceVariant(),
		RequireCalibration: cfg.GetRequireCalibration(),
		CaptureWindow:      cfg.GetCaptureDuration(),
		ConnectTimeout:     cfg.GetConnectTimeout(),
	}
}

func run(ctx context.Context, cfg *config.Config, logger *logrus.Logger) error {
	link, bridge, err := buildLink(cfg)
	if err != nil {
		return fmt.Errorf("failed to open device link: %w", err)
	}
	if bridge != nil {
		defer bridge.Close()
	}
	logger.WithFields(logrus.Fields{
		"link":    cfg.GetLink(),
		"variant": cfg.GetDeviceVariant(),
	}).Info("device link ready")

	clock := timeutil.RealClock{}
	bus := events.New()
	hub := api.NewHub(logger, api.DefaultLiveWindow)
	defer hub.Close()
	sinks := []scheduler.Sink{hub}

	var mqttSink *publish.Sink
	if mqttURL := cfg.GetMQTTURL(); mqttURL != "" {
		client, err := publish.NewClient(mqttURL, "rris-"+uuid.NewString()[:8], logger)
		if err != nil {
			return err
		}
		defer client.Disconnect(250)
		mqttSink = &publish.Sink{Prefix: cfg.GetMQTTTopic(), Pub: client, Log: logger.WithField("component", "mqtt")}
		sinks = append(sinks, mqttSink)
	}

	sched, err := scheduler.New(scheduler.Config{
		Link:     link,
		Session:  sessionOptions(cfg),
		TickRate: cfg.GetTickRateHz(),
		Clock:    clock,
		Logger:   logger,
		Bus:      bus,
		Sinks:    sinks,
	})
	if err != nil {
		return err
	}
	if hz := cfg.GetFrequencyHz(); hz > 0 {
		if err := sched.Frequency().Set(hz); err != nil {
			return err
		}
	} else {
		logger.Infof("no sampling frequency configured; choose one of %v before connecting", protocol.FrequencyChoices)
	}

	mux := http.NewServeMux()

	var archive *db.DB
	if path := cfg.GetDBPath(); path != "" {
		archive, err = db.NewDB(path)
		if err != nil {
			return fmt.Errorf("failed to open recording archive: %w", err)
		}
		defer archive.Close()
		if err := archive.AttachAdminRoutes(mux); err != nil {
			return fmt.Errorf("failed to attach database admin routes: %w", err)
		}
	}
	if bridge != nil {
		bridge.AttachAdminRoutes(mux)
	}

	apiCfg := api.Config{
		Scheduler:  sched,
		Link:       link,
		Recordings: &export.Writer{Dir: cfg.GetSaveDir()},
		Catalog:    catalog.New(cfg.GetCatalogDir(), clock),
		Archive:    archive,
		Hub:        hub,
		Clock:      clock,
		Logger:     logger,
	}
	if bucket := cfg.GetS3Bucket(); bucket != "" {
		up, err := upload.NewClient(upload.Options{
			Bucket:    bucket,
			Region:    cfg.GetS3Region(),
			Endpoint:  cfg.GetS3Endpoint(),
			AccessKey: getEnv("RRIS_S3_ACCESS_KEY", ""),
			SecretKey: getEnv("RRIS_S3_SECRET_KEY", ""),
		})
		if err != nil {
			logger.WithError(err).Warn("uploads disabled")
		} else {
			apiCfg.Uploader = up
		}
	}
	mux.Handle("/", api.NewServer(apiCfg).ServeMux())

	server := &http.Server{
		Addr:              *listen,
		Handler:           api.LoggingMiddleware(logger, mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	if bridge != nil {
		g.Go(func() error {
			if err := bridge.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("serial bridge: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error { return hub.ForwardEvents(gctx, bus) })
	if mqttSink != nil {
		g.Go(func() error { return mqttSink.ForwardEvents(gctx, bus) })
	}
	g.Go(func() error {
		logger.WithField("addr", server.Addr).Info("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down HTTP server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("HTTP server shutdown error")
		}
		return nil
	})
	return g.Wait()
}
