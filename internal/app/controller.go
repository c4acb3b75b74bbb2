// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"golang.org/x/sync/errgroup"

	"github.com/relabs-tech/tilt_controller/internal/channel"
	"github.com/relabs-tech/tilt_controller/internal/config"
	"github.com/relabs-tech/tilt_controller/internal/controller"
	"github.com/relabs-tech/tilt_controller/internal/sensors"
	"github.com/relabs-tech/tilt_controller/internal/session"
)

// NewLogger builds the process logger at the configured level.
func NewLogger(cfg *config.Config) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})), nil
}

// RunController runs one controller with its status surface, MQTT mirror
// and display until ctx ends or one of them fails.
func RunController(ctx context.Context, cfg *config.Config) error {
	logger, err := NewLogger(cfg)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	var client mqtt.Client
	if cfg.MQTTBroker != "" {
		client, err = connectMQTT(cfg.MQTTBroker, cfg.MQTTClientID)
		if err != nil {
			return err
		}
		defer client.Disconnect(250)
		log.Printf("controller: connected to MQTT broker at %s", cfg.MQTTBroker)
	}

	driver, sensorSocket, err := newDriver(cfg, client, logger)
	if err != nil {
		return err
	}
	if sensorSocket != nil && cfg.ListenAddr == "" {
		return fmt.Errorf("SENSOR_SOURCE=%s needs LISTEN_ADDR", cfg.SensorSource)
	}

	ch, err := channel.New(channel.Options{
		URL:      cfg.ServerURL,
		Attempts: cfg.ReconnectAttempts,
		Delay:    config.Millis(cfg.ReconnectDelay),
		MaxDelay: config.Millis(cfg.ReconnectDelayMax),
		Timeout:  config.Millis(cfg.ConnectTimeout),
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	ctrl, err := controller.New(sensors.NewAdapter(driver, logger), ch, controller.Options{
		Identity:          session.ResolveIdentity(cfg.PlayerID, cfg.ControllerURL),
		Filter:            cfg.Filter,
		EmitInterval:      config.Millis(cfg.EmitInterval),
		CalibrationWindow: config.Millis(cfg.CalibrationWindow),
		ServerRetryDelay:  config.Millis(cfg.ServerRetryDelay),
		Logger:            logger,
	})
	if err != nil {
		return err
	}
	log.Printf("controller: player %s, server %s, sensor %s", ctrl.Identity(), ch.URL(), cfg.SensorSource)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return ctrl.Run(ctx)
	})

	if cfg.ListenAddr != "" {
		srv := NewStatusServer(ctrl, sensorSocket, logger)
		g.Go(func() error {
			return srv.ListenAndServe(ctx, cfg.ListenAddr)
		})
	}

	if client != nil && cfg.TopicSnapshot != "" {
		g.Go(func() error {
			return RunSnapshotMirror(ctx, ctrl, client, cfg.TopicSnapshot, logger)
		})
	}

	if cfg.DisplayEnabled {
		g.Go(func() error {
			// the display is optional; losing it must not stop the controller
			if err := RunDisplay(ctx, ctrl, cfg, cfg.Filter.MaxTilt, logger); err != nil {
				logger.Warn("display: disabled", slog.Any("error", err))
			}
			return nil
		})
	}

	return g.Wait()
}

// newDriver picks the sensor driver for SENSOR_SOURCE. The browser driver
// is also returned as the handler for the sensor socket.
func newDriver(cfg *config.Config, client mqtt.Client, logger *slog.Logger) (sensors.Driver, http.Handler, error) {
	switch cfg.SensorSource {
	case config.SourceBrowser:
		d := sensors.NewBrowserDriver(logger)
		return d, d, nil
	case config.SourceMQTT:
		if client == nil {
			return nil, nil, fmt.Errorf("SENSOR_SOURCE=mqtt needs MQTT_BROKER")
		}
		return sensors.NewMQTTDriver(client, cfg.TopicSensor, logger), nil, nil
	case config.SourceSerial:
		return sensors.NewSerialDriver(sensors.SerialOptions{
			PortName: cfg.SerialPort,
			BaudRate: cfg.SerialBaudRate,
		}, logger), nil, nil
	case config.SourceMPU9250:
		return sensors.NewIMUDriver(sensors.IMUOptions{
			SPIDevice:  cfg.IMUSPIDevice,
			CSPin:      cfg.IMUCSPin,
			AccelRange: cfg.IMUAccelRange,
			Interval:   config.Millis(cfg.IMUSampleInterval),
		}, logger), nil, nil
	case config.SourceMock:
		return sensors.NewMockDriver(config.Millis(cfg.IMUSampleInterval), sensors.PermissionGranted), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown SENSOR_SOURCE %q", cfg.SensorSource)
	}
}
