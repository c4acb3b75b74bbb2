package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/relabs-tech/tilt_controller/internal/app"
	"github.com/relabs-tech/tilt_controller/internal/config"
)

func main() {
	configPath := flag.String("config", "tilt_config.txt", "path to the KEY=VALUE config file")
	interval := flag.Duration("interval", 20*time.Millisecond, "time between samples")
	flag.Parse()

	log.Println("starting tilt MQTT producer (mock)")

	if err := config.InitGlobal(*configPath); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	cfg := config.Get()
	if cfg.MQTTBroker == "" {
		log.Fatalf("MQTT_BROKER is required for the producer")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.RunMockProducer(ctx, cfg, *interval); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}
