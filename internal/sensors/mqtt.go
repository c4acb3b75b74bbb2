// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package sensors

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/relabs-tech/tilt_controller/internal/motion"
)

const mqttTokenTimeout = 5 * time.Second

// MQTTDriver reads samples published on a topic (see cmd/mock_producer).
// Subscribing to the topic is the listener; unsubscribing removes it.
type MQTTDriver struct {
	client mqtt.Client
	topic  string
	qos    byte
	logger *slog.Logger
	now    func() time.Time

	listeners listenerSlot
}

// NewMQTTDriver uses an already connected client.
func NewMQTTDriver(client mqtt.Client, topic string, logger *slog.Logger) *MQTTDriver {
	if logger == nil {
		logger = slog.Default()
	}
	return &MQTTDriver{client: client, topic: topic, logger: logger, now: time.Now}
}

// RequestPermission has no consent flow; broker credentials are checked at
// connect time.
func (d *MQTTDriver) RequestPermission(ctx context.Context) (Permission, error) {
	return PermissionNotRequired, nil
}

// Listen subscribes to the sample topic.
func (d *MQTTDriver) Listen(h Handler) (func(), error) {
	uninstall := d.listeners.install(h)

	token := d.client.Subscribe(d.topic, d.qos, d.onMessage)
	if err := waitToken(token); err != nil {
		uninstall()
		return nil, fmt.Errorf("subscribe %s: %w", d.topic, err)
	}
	d.logger.Info("sensors: subscribed", slog.String("topic", d.topic))

	return func() {
		uninstall()
		if err := waitToken(d.client.Unsubscribe(d.topic)); err != nil {
			d.logger.Warn("sensors: unsubscribe failed", slog.String("topic", d.topic), slog.Any("error", err))
			return
		}
		d.logger.Info("sensors: unsubscribed", slog.String("topic", d.topic))
	}, nil
}

func (d *MQTTDriver) onMessage(_ mqtt.Client, msg mqtt.Message) {
	m, err := motion.DecodeSampleMessage(msg.Payload())
	if err != nil {
		d.logger.Debug("sensors: dropping sample", slog.String("topic", msg.Topic()), slog.Any("error", err))
		return
	}
	d.listeners.deliver(motion.Normalize(m.Event(), d.now()))
}

func waitToken(t mqtt.Token) error {
	if !t.WaitTimeout(mqttTokenTimeout) {
		return fmt.Errorf("timed out after %v", mqttTokenTimeout)
	}
	return t.Error()
}
