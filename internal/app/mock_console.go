// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/relabs-tech/tilt_controller/internal/motion"
	"github.com/relabs-tech/tilt_controller/internal/sensors"
	"github.com/relabs-tech/tilt_controller/internal/tilt"
)

// RunMockConsole runs the mock sensor through the filter locally and prints
// each output, for tuning a filter profile without a game server.
func RunMockConsole(ctx context.Context, filter tilt.Config, interval time.Duration, out io.Writer) error {
	if err := filter.Validate(); err != nil {
		return err
	}
	src := sensors.NewMockSource(time.Now())
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var st tilt.State
	for {
		select {
		case <-ctx.Done():
			return nil
		case t := <-ticker.C:
			raw := src.At(t)
			st = tilt.Process(filter, st, raw, motion.Vector3{})
			fmt.Fprintf(out,
				"RAW x=%6.2f y=%6.2f z=%6.2f  TILT X=%+5.2f Z=%+5.2f\n",
				raw.X, raw.Y, raw.Z, st.Tilt.X, st.Tilt.Z,
			)
		}
	}
}
