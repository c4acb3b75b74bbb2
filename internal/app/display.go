// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"time"

	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/devices/v3/ssd1306"
	"periph.io/x/host/v3"

	"github.com/relabs-tech/tilt_controller/internal/config"
	"github.com/relabs-tech/tilt_controller/internal/controller"
	"github.com/relabs-tech/tilt_controller/internal/display"
)

// frameSink is the part of ssd1306.Dev the draw loop needs.
type frameSink interface {
	Bounds() image.Rectangle
	Draw(r image.Rectangle, src image.Image, sp image.Point) error
}

// RunDisplay shows the controller status on an SSD1306 OLED until ctx
// ends. maxTilt scales the tilt pad.
func RunDisplay(ctx context.Context, src SnapshotSource, cfg *config.Config, maxTilt float64, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	// Initialize periph
	if _, err := host.Init(); err != nil {
		return fmt.Errorf("failed to initialize periph: %w", err)
	}

	// Open I2C bus ("" picks the first one)
	bus, err := i2creg.Open(cfg.DisplayI2CBus)
	if err != nil {
		return fmt.Errorf("failed to open I2C bus: %w", err)
	}
	defer bus.Close()

	dev, err := ssd1306.NewI2C(bus, &ssd1306.DefaultOpts)
	if err != nil {
		return fmt.Errorf("failed to initialize display: %w", err)
	}
	defer dev.Halt()
	logger.Info("display: initialized", slog.String("bus", cfg.DisplayI2CBus), slog.String("addr", "0x3C"))

	return drawLoop(ctx, dev, src, config.Millis(cfg.DisplayUpdateInterval), maxTilt, logger)
}

// drawLoop draws the splash and then the newest snapshot at most once per
// interval, skipping redraws when nothing changed.
func drawLoop(ctx context.Context, sink frameSink, src SnapshotSource, interval time.Duration, maxTilt float64, logger *slog.Logger) error {
	if err := sink.Draw(sink.Bounds(), display.Splash(), image.Point{}); err != nil {
		logger.Warn("display: error showing splash", slog.Any("error", err))
	}

	id, snaps := src.Subscribe()
	defer src.Unsubscribe(id)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var (
		latest controller.Snapshot
		dirty  bool
	)
	for {
		select {
		case <-ctx.Done():
			return nil
		case snap, ok := <-snaps:
			if !ok {
				return nil
			}
			latest, dirty = snap, true
		case <-ticker.C:
			if !dirty {
				continue
			}
			img := display.Render(latest, maxTilt)
			if err := sink.Draw(sink.Bounds(), img, image.Point{}); err != nil {
				logger.Warn("display: draw error", slog.Any("error", err))
				continue
			}
			dirty = false
		}
	}
}
