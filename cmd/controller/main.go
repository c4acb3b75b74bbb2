// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/relabs-tech/tilt_controller/internal/app"
	"github.com/relabs-tech/tilt_controller/internal/config"
)

func main() {
	configPath := flag.String("config", "tilt_config.txt", "path to the KEY=VALUE config file")
	playerID := flag.String("id", "", "player id (overrides PLAYER_ID)")
	controllerURL := flag.String("url", "", "controller URL carrying ?id= or ?playerId= (overrides CONTROLLER_URL)")
	flag.Parse()

	log.Println("starting tilt controller")

	// Load configuration
	if err := config.InitGlobal(*configPath); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	cfg := config.Get()
	if *playerID != "" {
		cfg.PlayerID = *playerID
	}
	if *controllerURL != "" {
		cfg.ControllerURL = *controllerURL
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.RunController(ctx, cfg); err != nil {
		log.Fatalf("fatal: %v", err)
	}
	log.Println("controller: stopped")
}
