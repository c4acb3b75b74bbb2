// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const mqttWait = 5 * time.Second

// connectMQTT connects a client to broker.
func connectMQTT(broker, clientID string) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", broker, token.Error())
	}
	return client, nil
}

// RunSnapshotMirror publishes every snapshot change to topic as retained
// JSON until ctx ends or the source closes.
func RunSnapshotMirror(ctx context.Context, src SnapshotSource, client mqtt.Client, topic string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	id, snaps := src.Subscribe()
	defer src.Unsubscribe(id)

	logger.Info("mirror: publishing snapshots", slog.String("topic", topic))
	for {
		select {
		case <-ctx.Done():
			return nil
		case snap, ok := <-snaps:
			if !ok {
				return nil
			}
			payload, err := json.Marshal(snap)
			if err != nil {
				logger.Warn("mirror: json marshal error", slog.Any("error", err))
				continue
			}
			token := client.Publish(topic, 1, true, payload)
			if !token.WaitTimeout(mqttWait) {
				logger.Warn("mirror: publish timed out", slog.String("topic", topic))
				continue
			}
			if err := token.Error(); err != nil {
				logger.Warn("mirror: publish error", slog.Any("error", err))
			}
		}
	}
}
