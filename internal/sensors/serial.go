// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package sensors

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	nmea "github.com/adrianmo/go-nmea"
	serial "github.com/jacobsa/go-serial/serial"

	"github.com/relabs-tech/tilt_controller/internal/motion"
)

// TypeTilt is the data type of the proprietary $PTILT sentence.
const TypeTilt = "TILT"

// TiltSentence is one $PTILT,x,y,z*CS sample, acceleration in m/s².
type TiltSentence struct {
	nmea.BaseSentence
	X float64
	Y float64
	Z float64
}

var tiltParser = nmea.SentenceParser{
	CustomParsers: map[string]nmea.ParserFunc{
		TypeTilt: func(s nmea.BaseSentence) (nmea.Sentence, error) {
			p := nmea.NewParser(s)
			ts := TiltSentence{
				BaseSentence: s,
				X:            p.Float64(0, "x"),
				Y:            p.Float64(1, "y"),
				Z:            p.Float64(2, "z"),
			}
			return ts, p.Err()
		},
	},
}

// ParseTiltSentence parses and checksums one line.
func ParseTiltSentence(line string) (TiltSentence, error) {
	s, err := tiltParser.Parse(strings.TrimSpace(line))
	if err != nil {
		return TiltSentence{}, err
	}
	ts, ok := s.(TiltSentence)
	if !ok {
		return TiltSentence{}, fmt.Errorf("unexpected sentence type %q", s.DataType())
	}
	return ts, nil
}

// FormatTiltSentence renders v as a $PTILT sentence with checksum.
func FormatTiltSentence(v motion.Vector3) string {
	body := "PTILT," + formatField(v.X) + "," + formatField(v.Y) + "," + formatField(v.Z)
	return "$" + body + "*" + nmea.Checksum(body)
}

func formatField(f float64) string {
	return strconv.FormatFloat(motion.Finite(f), 'f', 3, 64)
}

// SerialOptions selects the port.
type SerialOptions struct {
	PortName string
	BaudRate uint
}

// SerialDriver reads $PTILT sentences from a serial line, one per sample.
// Opening the port stands in for the consent flow: a permission error on
// the device node means denied.
type SerialDriver struct {
	opts   SerialOptions
	logger *slog.Logger
	now    func() time.Time
	open   func(SerialOptions) (io.ReadWriteCloser, error)

	listeners listenerSlot

	mu   sync.Mutex
	port io.ReadWriteCloser
}

// NewSerialDriver returns a driver for opts. The port is opened lazily.
func NewSerialDriver(opts SerialOptions, logger *slog.Logger) *SerialDriver {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.BaudRate == 0 {
		opts.BaudRate = 115200
	}
	return &SerialDriver{opts: opts, logger: logger, now: time.Now, open: openSerial}
}

func openSerial(opts SerialOptions) (io.ReadWriteCloser, error) {
	return serial.Open(serial.OpenOptions{
		PortName:              opts.PortName,
		BaudRate:              opts.BaudRate,
		DataBits:              8,
		StopBits:              1,
		MinimumReadSize:       1,
		ParityMode:            serial.PARITY_NONE,
		InterCharacterTimeout: 0,
	})
}

// RequestPermission opens the port.
func (d *SerialDriver) RequestPermission(ctx context.Context) (Permission, error) {
	if err := d.ensureOpen(); err != nil {
		if errors.Is(err, fs.ErrPermission) {
			d.logger.Warn("sensors: serial port not accessible", slog.String("port", d.opts.PortName), slog.Any("error", err))
			return PermissionDenied, nil
		}
		return PermissionUnknown, err
	}
	return PermissionGranted, nil
}

func (d *SerialDriver) ensureOpen() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.port != nil {
		return nil
	}
	port, err := d.open(d.opts)
	if err != nil {
		return fmt.Errorf("open %s: %w", d.opts.PortName, err)
	}
	d.port = port
	d.logger.Info("sensors: serial port opened", slog.String("port", d.opts.PortName), slog.Uint64("baud", uint64(d.opts.BaudRate)))
	return nil
}

// Listen starts reading sentences. The returned stop closes the port.
func (d *SerialDriver) Listen(h Handler) (func(), error) {
	if err := d.ensureOpen(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	port := d.port
	d.mu.Unlock()

	uninstall := d.listeners.install(h)
	go d.readLoop(port)

	var once sync.Once
	return func() {
		once.Do(func() {
			uninstall()
			d.mu.Lock()
			if d.port == port {
				d.port = nil
			}
			d.mu.Unlock()
			port.Close()
		})
	}, nil
}

func (d *SerialDriver) readLoop(port io.Reader) {
	scanner := bufio.NewScanner(port)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "$") {
			continue
		}
		ts, err := ParseTiltSentence(line)
		if err != nil {
			// partial lines are common right after opening the port
			d.logger.Debug("sensors: dropping sentence", slog.String("line", line), slog.Any("error", err))
			continue
		}
		d.listeners.deliver(motion.RawSample{
			X: motion.Finite(ts.X),
			Y: motion.Finite(ts.Y),
			Z: motion.Finite(ts.Z),
			T: d.now(),
		})
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, fs.ErrClosed) {
		d.logger.Warn("sensors: serial read stopped", slog.Any("error", err))
	}
}
