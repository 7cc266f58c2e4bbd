package main // Entry point package

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/iliyamo/campground-power/internal/bypass"
	"github.com/iliyamo/campground-power/internal/commissioning"
	"github.com/iliyamo/campground-power/internal/config"
	"github.com/iliyamo/campground-power/internal/database"
	"github.com/iliyamo/campground-power/internal/detector"
	"github.com/iliyamo/campground-power/internal/dispatch"
	"github.com/iliyamo/campground-power/internal/gateway"
	"github.com/iliyamo/campground-power/internal/handler"
	"github.com/iliyamo/campground-power/internal/middleware"
	"github.com/iliyamo/campground-power/internal/model"
	"github.com/iliyamo/campground-power/internal/notify"
	"github.com/iliyamo/campground-power/internal/queue"
	"github.com/iliyamo/campground-power/internal/repository"
	"github.com/iliyamo/campground-power/internal/router"
	"github.com/iliyamo/campground-power/internal/telemetry"
)

const notifyChannel = "campground:notifications"

func main() {
	_ = godotenv.Load() // .env is optional; the process environment wins
	config.SetupLogger()

	// run returns only after its deferred cleanup (coordinators, broker
	// channels, Redis and the database pool) has completed.
	if err := run(config.Load()); err != nil {
		log.WithError(err).Error("server stopped")
		os.Exit(1)
	}
	log.Info("server stopped")
}

func run(cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if err := database.Migrate(db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	rdb := config.NewRedisClient() // nil when Redis is unreachable
	if rdb != nil {
		defer rdb.Close()
	}

	g, ctx := errgroup.WithContext(ctx)

	// Operator notification channel.
	hub := notify.NewHub(64)
	if rdb != nil {
		bridge := notify.NewRedisBridge(rdb, notifyChannel, hub)
		g.Go(func() error {
			// Losing the bridge only narrows the feed to this instance.
			if err := bridge.Run(ctx); err != nil {
				log.WithField("component", "notify").WithError(err).Warn("redis bridge stopped")
			}
			return nil
		})
	}

	// Storage.
	devices := repository.NewDeviceRepo(db)
	commands := repository.NewCommandRepo(db, devices).WithReuseWindow(cfg.Detector.OffReuse)
	bypassRepo := repository.NewBypassRepo(db)
	incidents := repository.NewIncidentRepo(db)

	// Broker.  Interfaces stay nil when AMQP is off.
	var (
		cmdPub      dispatch.Publisher
		incidentPub detector.IncidentPublisher
	)
	if cfg.AMQP.Enabled {
		pub := queue.NewPublisher(cfg.AMQP.URL, cfg.AMQP.CommandQueue, cfg.AMQP.IncidentQueue)
		defer pub.Close()
		cmdPub, incidentPub = pub, pub
	}

	dispatcher := dispatch.New(commands, cmdPub)
	ledger := bypass.New(bypassRepo, hub)

	// Commissioning: one coordinator per gateway area.
	gw := gateway.NewClient(cfg.Gateway.BaseURL, cfg.Gateway.RequestTimeout)
	areas := commissioning.NewManager(gw, func(a model.Area) *commissioning.Coordinator {
		return commissioning.NewCoordinator(commissioning.Config{
			Area:        a,
			Gateway:     gw,
			Registry:    devices,
			Notifier:    hub,
			Source:      gw.Stream(a.BaseTopic, cfg.Gateway.StreamBackoffMax, cfg.Gateway.DisconnectedAfter),
			Window:      cfg.Gateway.PairingWindow,
			ClearAfter:  cfg.Gateway.SuccessClearDelay,
			CallTimeout: cfg.Gateway.RequestTimeout,
		})
	})
	defer areas.Shutdown()
	g.Go(func() error { return ignoreCanceled(areas.Run(ctx, cfg.Gateway.AreaRefreshInterval)) })

	// Anomaly detection fed by telemetry.
	samples := make(chan model.TelemetrySample, 256)
	det := detector.New(detector.Deps{
		Registry:  devices,
		Bypass:    ledger,
		Commands:  dispatcher,
		Incidents: incidents,
		Debouncer: detector.NewDebouncer(rdb, cfg.Detector.DebounceWindow),
		Notifier:  hub,
		Publisher: incidentPub,
	}, detector.Config{SweepInterval: cfg.Detector.SweepInterval, Workers: cfg.Detector.Workers})
	g.Go(func() error { return ignoreCanceled(det.Run(ctx, samples)) })

	ingest := telemetry.NewIngestor(devices, samples)
	if len(cfg.MQTT.BaseTopics) > 0 {
		sub := telemetry.NewSubscriber(telemetry.SubscriberConfig{
			BrokerURL:  cfg.MQTT.BrokerURL,
			ClientID:   cfg.MQTT.ClientID,
			Username:   cfg.MQTT.Username,
			Password:   cfg.MQTT.Password,
			BaseTopics: cfg.MQTT.BaseTopics,
		}, ingest)
		g.Go(func() error { return ignoreCanceled(sub.Run(ctx)) })
	}
	if cfg.AMQP.Enabled {
		consumer := queue.NewTelemetryConsumer(cfg.AMQP.URL, cfg.AMQP.TelemetryQueue, ingest.Ingest)
		g.Go(func() error { return ignoreCanceled(consumer.Run(ctx)) })
	}

	// HTTP.
	e := echo.New()
	e.HideBanner = true
	e.Use(echomw.Recover())
	e.Use(echomw.RequestLoggerWithConfig(echomw.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogRemoteIP: true,
		LogError:    true,
		LogValuesFunc: func(c echo.Context, v echomw.RequestLoggerValues) error {
			entry := log.WithFields(log.Fields{
				"component": "http",
				"method":    v.Method,
				"uri":       v.URI,
				"status":    v.Status,
				"latency":   v.Latency.String(),
				"remote_ip": v.RemoteIP,
			})
			if v.Error != nil {
				entry.WithError(v.Error).Warn("request")
			} else {
				entry.Info("request")
			}
			return nil
		},
	}))

	router.RegisterRoutes(e, &handler.HealthHandler{DB: db})
	router.RegisterAdmin(e, router.Admin{
		Bypass:        &handler.BypassHandler{Ledger: ledger},
		Devices:       &handler.DeviceHandler{Devices: devices},
		Commands:      &handler.CommandHandler{Commands: dispatcher, Facts: devices},
		Incidents:     &handler.IncidentHandler{Incidents: incidents},
		Commissioning: &handler.CommissioningHandler{Manager: areas},
		Notifications: &handler.NotificationHandler{Hub: hub},
		RateLimit:     middleware.NewTokenBucket(config.LoadRateLimitConfig(), rdb),
		Cache:         middleware.NewRedisCache(config.LoadCacheConfig(), rdb),
	}, cfg.JWTSecret)

	addr := ":" + cfg.Port
	g.Go(func() error {
		log.WithFields(log.Fields{"component": "http", "addr": addr, "env": cfg.Env}).Info("listening")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
