package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/relabs-tech/tilt_controller/internal/config"
	"github.com/relabs-tech/tilt_controller/internal/controller"
)

// RunConsoleMQTT prints every mirrored snapshot until ctx ends.
func RunConsoleMQTT(ctx context.Context, cfg *config.Config, out io.Writer) error {
	client, err := connectMQTT(cfg.MQTTBroker, cfg.MQTTClientID+"-console")
	if err != nil {
		return err
	}
	defer client.Disconnect(250)
	log.Printf("console: connected to MQTT broker at %s", cfg.MQTTBroker)

	token := client.Subscribe(cfg.TopicSnapshot, 0, func(_ mqtt.Client, msg mqtt.Message) {
		var s controller.Snapshot
		if err := json.Unmarshal(msg.Payload(), &s); err != nil {
			log.Printf("console: snapshot unmarshal error: %v", err)
			return
		}
		fmt.Fprintln(out, formatSnapshot(s))
	})
	token.Wait()
	if token.Error() != nil {
		return token.Error()
	}
	log.Printf("console: subscribed to %s", cfg.TopicSnapshot)

	<-ctx.Done()
	log.Println("console: shutting down")
	return nil
}

func formatSnapshot(s controller.Snapshot) string {
	cal := "-"
	if s.Calibrating {
		cal = "CAL"
	}
	return fmt.Sprintf(
		"[%s] %-10s peers=%d  X=%+5.2f  Z=%+5.2f  sensor=%s %s",
		s.ShortID(), s.ConnectionState, s.PeerCount, s.Tilt.X, s.Tilt.Z, s.Permission, cal,
	)
}
