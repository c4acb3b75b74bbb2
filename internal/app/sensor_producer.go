// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"fmt"
	"log/slog"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/relabs-tech/tilt_controller/internal/config"
	"github.com/relabs-tech/tilt_controller/internal/motion"
	"github.com/relabs-tech/tilt_controller/internal/sensors"
)

// RunSensorProducer reads the sensor attached to this host (serial,
// mpu9250 or mock) and publishes every sample to TOPIC_SENSOR, so a
// controller elsewhere can run with SENSOR_SOURCE=mqtt.
func RunSensorProducer(ctx context.Context, cfg *config.Config) error {
	logger, err := NewLogger(cfg)
	if err != nil {
		return err
	}
	switch cfg.SensorSource {
	case config.SourceSerial, config.SourceMPU9250, config.SourceMock:
	default:
		return fmt.Errorf("producer: SENSOR_SOURCE=%s is not a local sensor", cfg.SensorSource)
	}

	driver, _, err := newDriver(cfg, nil, logger)
	if err != nil {
		return err
	}

	client, err := connectMQTT(cfg.MQTTBroker, cfg.MQTTClientID+"-producer")
	if err != nil {
		return err
	}
	defer client.Disconnect(250)
	logger.Info("producer: connected", slog.String("broker", cfg.MQTTBroker), slog.String("source", cfg.SensorSource))

	return bridge(ctx, sensors.NewAdapter(driver, logger), client, cfg.TopicSensor, logger)
}

// bridge forwards samples from sensor to topic until ctx ends.
func bridge(ctx context.Context, sensor *sensors.Adapter, client mqtt.Client, topic string, logger *slog.Logger) error {
	if p := sensor.RequestAccess(ctx); !p.Allowed() {
		return fmt.Errorf("producer: sensor access %s", p)
	}
	err := sensor.Subscribe(func(s motion.RawSample) {
		if err := publishSample(client, topic, s); err != nil {
			logger.Warn("producer: publish failed", slog.Any("error", err))
		}
	})
	if err != nil {
		return fmt.Errorf("producer: %w", err)
	}
	defer sensor.Unsubscribe()

	<-ctx.Done()
	logger.Info("producer: stopping")
	return nil
}
