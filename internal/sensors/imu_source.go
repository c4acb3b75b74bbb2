// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package sensors

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/devices/v3/mpu9250"
	"periph.io/x/host/v3"

	"github.com/relabs-tech/tilt_controller/internal/motion"
)

// AccelReader is the part of the MPU9250 the driver polls.
type AccelReader interface {
	GetAccelerationX() (int16, error)
	GetAccelerationY() (int16, error)
	GetAccelerationZ() (int16, error)
}

// IMUOptions selects the SPI IMU.
type IMUOptions struct {
	SPIDevice  string
	CSPin      string
	AccelRange byte // 0=±2g, 1=±4g, 2=±8g, 3=±16g
	Interval   time.Duration
}

// IMUDriver polls an MPU9250 accelerometer over SPI and reports m/s².
type IMUDriver struct {
	opts   IMUOptions
	logger *slog.Logger
	now    func() time.Time
	init   func(IMUOptions) (AccelReader, error)

	listeners listenerSlot

	mu  sync.Mutex
	imu AccelReader
}

// NewIMUDriver returns a driver; the device is initialized on the first
// permission request.
func NewIMUDriver(opts IMUOptions, logger *slog.Logger) *IMUDriver {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Millisecond
	}
	if opts.AccelRange > 3 {
		opts.AccelRange = 3
	}
	return &IMUDriver{opts: opts, logger: logger, now: time.Now, init: initMPU9250}
}

func initMPU9250(opts IMUOptions) (AccelReader, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("periph host init: %w", err)
	}

	cs := gpioreg.ByName(opts.CSPin)
	if cs == nil {
		return nil, fmt.Errorf("CS pin %q not found", opts.CSPin)
	}

	tr, err := mpu9250.NewSpiTransport(opts.SPIDevice, cs)
	if err != nil {
		return nil, fmt.Errorf("SPI transport (%s): %w", opts.SPIDevice, err)
	}

	imu, err := mpu9250.New(*tr)
	if err != nil {
		return nil, fmt.Errorf("device creation: %w", err)
	}
	if err := imu.Init(); err != nil {
		return nil, fmt.Errorf("initialization: %w", err)
	}
	if err := imu.SetAccelRange(opts.AccelRange); err != nil {
		return nil, fmt.Errorf("set accel range: %w", err)
	}
	return imu, nil
}

// RequestPermission brings the device up. The bus has no consent flow, so
// success is not-required.
func (d *IMUDriver) RequestPermission(ctx context.Context) (Permission, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.imu != nil {
		return PermissionNotRequired, nil
	}
	imu, err := d.init(d.opts)
	if err != nil {
		return PermissionUnknown, fmt.Errorf("IMU %s: %w", d.opts.SPIDevice, err)
	}
	d.imu = imu
	d.logger.Info("sensors: IMU ready",
		slog.String("spi", d.opts.SPIDevice),
		slog.Int("range_g", 2<<d.opts.AccelRange),
		slog.Duration("interval", d.opts.Interval))
	return PermissionNotRequired, nil
}

// Listen polls the accelerometer on a ticker until stopped.
func (d *IMUDriver) Listen(h Handler) (func(), error) {
	d.mu.Lock()
	imu := d.imu
	d.mu.Unlock()
	if imu == nil {
		return nil, fmt.Errorf("IMU %s not initialized", d.opts.SPIDevice)
	}

	uninstall := d.listeners.install(h)
	done := make(chan struct{})
	go d.poll(imu, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			uninstall()
			close(done)
		})
	}, nil
}

func (d *IMUDriver) poll(imu AccelReader, done <-chan struct{}) {
	ticker := time.NewTicker(d.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s, err := d.read(imu)
			if err != nil {
				d.logger.Debug("sensors: IMU read failed", slog.Any("error", err))
				continue
			}
			d.listeners.deliver(s)
		}
	}
}

func (d *IMUDriver) read(imu AccelReader) (motion.RawSample, error) {
	ax, err := imu.GetAccelerationX()
	if err != nil {
		return motion.RawSample{}, fmt.Errorf("accel X: %w", err)
	}
	ay, err := imu.GetAccelerationY()
	if err != nil {
		return motion.RawSample{}, fmt.Errorf("accel Y: %w", err)
	}
	az, err := imu.GetAccelerationZ()
	if err != nil {
		return motion.RawSample{}, fmt.Errorf("accel Z: %w", err)
	}
	r := d.opts.AccelRange
	return motion.RawSample{
		X: motion.AccelCountsToMS2(ax, r),
		Y: motion.AccelCountsToMS2(ay, r),
		Z: motion.AccelCountsToMS2(az, r),
		T: d.now(),
	}, nil
}
