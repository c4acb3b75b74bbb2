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
	"time"

	"github.com/relabs-tech/tilt_controller/internal/app"
	"github.com/relabs-tech/tilt_controller/internal/config"
	"github.com/relabs-tech/tilt_controller/internal/tilt"
)

func main() {
	profile := flag.String("profile", "", "YAML filter profile (default tuning when empty)")
	interval := flag.Duration("interval", 50*time.Millisecond, "time between samples")
	flag.Parse()

	log.Println("starting tilt filter console (mock sensor)")

	filter := tilt.DefaultConfig()
	if *profile != "" {
		var err error
		if filter, err = config.LoadFilterProfile(*profile); err != nil {
			log.Fatalf("failed to load filter profile: %v", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.RunMockConsole(ctx, filter, *interval, os.Stdout); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}
