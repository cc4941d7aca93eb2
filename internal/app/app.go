package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"atlas-gateway/internal/bus"
	"atlas-gateway/internal/config"
	"atlas-gateway/internal/health"
	"atlas-gateway/internal/httpapi"
	"atlas-gateway/internal/metrics"
	"atlas-gateway/internal/mqtt"
	"atlas-gateway/internal/params"
	"atlas-gateway/internal/sampler"
	"atlas-gateway/internal/timeref"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// messageBus adapts the MQTT client to the sampler.
type messageBus struct {
	*mqtt.Client
}

func (b messageBus) Advertise(topic string, depth int) (sampler.Publisher, error) {
	ch, err := b.Client.Advertise(topic, depth)
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (b messageBus) Subscribe(topic string, handler func(payload []byte)) error {
	return b.Client.Subscribe(topic, handler)
}

// openBus returns the configured bus client and its closer.
func openBus(cfg config.Config, logger *slog.Logger) (bus.Client, io.Closer, error) {
	switch cfg.BusDriver {
	case "sim":
		logger.Warn("using simulated sensor bus")
		return bus.NewSim(uint64(time.Now().UnixNano())), nil, nil
	case "i2c":
		d, err := bus.OpenI2C(cfg.I2CBus, bus.I2COptions{
			Ports:     cfg.I2CPortMap,
			ReadDelay: cfg.I2CReadDelay,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return d, d, nil
	default:
		return nil, nil, fmt.Errorf("unknown bus driver %q", cfg.BusDriver)
	}
}

func Run(ctx context.Context, cfg config.Config, version string) (err error) {
	logger := slog.Default()
	logger.Info("config loaded",
		"appEnv", cfg.AppEnv,
		"logLevel", cfg.LogLevel.String(),
		"mqttBroker", cfg.MQTTBroker,
		"mqttPort", cfg.MQTTPort,
		"mqttClientId", cfg.MQTTClientID,
		"mqttQos", cfg.MQTTQoS,
		"paramsFile", cfg.ParamsFile,
		"busDriver", cfg.BusDriver,
		"i2cBus", cfg.I2CBus,
		"i2cPortMap", config.FormatPortMap(cfg.I2CPortMap),
		"i2cReadDelay", cfg.I2CReadDelay,
		"sourceId", cfg.DeviceSourceID,
		"timeRefStartupTimeout", cfg.TimeRefStartupTimeout,
		"timeRefMaxWait", cfg.TimeRefMaxWait,
		"httpAddr", cfg.HTTPAddr,
		"healthInterval", cfg.HealthInterval,
	)

	store := params.NewStore(cfg.ParamsFile, logger)
	if err := store.Load(cfg.ParamsRequired); err != nil {
		return err
	}

	m := metrics.New()

	sensors, closer, err := openBus(cfg, logger)
	if err != nil {
		return err
	}
	if closer != nil {
		defer func() {
			if cerr := closer.Close(); cerr != nil {
				err = multierr.Append(err, fmt.Errorf("close bus: %w", cerr))
			}
		}()
	}

	client, err := mqtt.NewClient(cfg, logger, m)
	if err != nil {
		return err
	}
	defer client.Disconnect()

	tracker := timeref.NewTracker(timeref.Options{
		StartupTimeout: cfg.TimeRefStartupTimeout,
		MaxWait:        cfg.TimeRefMaxWait,
		Logger:         logger,
		OnObserve:      m.TimeRefsObserved.Inc,
		OnStale:        m.StaleTimeRefs.Inc,
	})

	loop := sampler.New(sensors, messageBus{client}, store, tracker, sampler.Options{
		SourceID: cfg.DeviceSourceID,
		Logger:   logger,
		Metrics:  m,
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := store.Watch(gctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("params file not watched, changes need a restart", "error", err)
		}
		return nil
	})

	g.Go(func() error {
		if err := client.Connect(gctx); err != nil {
			if gctx.Err() != nil {
				return nil
			}
			return err
		}
		return nil
	})

	g.Go(func() error {
		return loop.Run(gctx)
	})

	if cfg.HealthInterval > 0 {
		hb := health.NewHeartbeat(client, loop, health.Options{
			SourceID: cfg.DeviceSourceID,
			Version:  version,
			Interval: cfg.HealthInterval,
			Logger:   logger,
		})
		g.Go(func() error {
			_ = hb.Run(gctx)
			return nil
		})
	}

	if cfg.HTTPAddr != "" {
		srv := httpapi.NewServer(cfg.HTTPAddr, httpapi.NewMux(client, loop, m, nil), logger)
		g.Go(func() error {
			logger.Info("http listening", "addr", cfg.HTTPAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			logger.Info("http shutting down")
			return srv.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	logger.Info("gateway stopping", "cycles", loop.Cycles())
	return err
}
