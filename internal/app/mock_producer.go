// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/relabs-tech/tilt_controller/internal/config"
	"github.com/relabs-tech/tilt_controller/internal/motion"
	"github.com/relabs-tech/tilt_controller/internal/sensors"
)

// RunMockProducer publishes synthetic sensor samples to the sensor topic
// so a controller with SENSOR_SOURCE=mqtt can run without hardware.
func RunMockProducer(ctx context.Context, cfg *config.Config, interval time.Duration) error {
	client, err := connectMQTT(cfg.MQTTBroker, cfg.MQTTClientID+"-producer")
	if err != nil {
		return err
	}
	defer client.Disconnect(250)
	log.Printf("producer: connected to MQTT broker at %s", cfg.MQTTBroker)

	src := sensors.NewMockSource(time.Now())
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	published := 0
	for {
		select {
		case <-ctx.Done():
			log.Printf("producer: stopping after %d samples", published)
			return nil
		case t := <-ticker.C:
			if err := publishSample(client, cfg.TopicSensor, src.At(t)); err != nil {
				log.Printf("producer: %v", err)
				continue
			}
			published++
		}
	}
}

func publishSample(client mqtt.Client, topic string, s motion.RawSample) error {
	payload, err := json.Marshal(motion.NewSampleMessage(s))
	if err != nil {
		return fmt.Errorf("json marshal error: %w", err)
	}
	token := client.Publish(topic, 0, false, payload)
	if !token.WaitTimeout(mqttWait) {
		return fmt.Errorf("publish to %s timed out", topic)
	}
	return token.Error()
}
