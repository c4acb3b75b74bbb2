// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package config

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/relabs-tech/tilt_controller/internal/tilt"
)

// EnvPrefix is prepended to every key when reading environment overrides,
// e.g. TILT_SERVER_URL.
const EnvPrefix = "TILT_"

// Sensor sources accepted by SENSOR_SOURCE.
const (
	SourceBrowser = "browser"
	SourceMQTT    = "mqtt"
	SourceSerial  = "serial"
	SourceMPU9250 = "mpu9250"
	SourceMock    = "mock"
)

// Config holds all application configuration values.
// Intervals and delays are in milliseconds.
type Config struct {
	// Game server
	ServerURL     string `env:"SERVER_URL"`
	PlayerID      string `env:"PLAYER_ID"`
	ControllerURL string `env:"CONTROLLER_URL"`

	// Sensor
	SensorSource string `env:"SENSOR_SOURCE"`

	// Status surface (HTTP + websockets)
	ListenAddr string `env:"LISTEN_ADDR"`

	// MQTT
	MQTTBroker    string `env:"MQTT_BROKER"`
	MQTTClientID  string `env:"MQTT_CLIENT_ID"`
	TopicSensor   string `env:"TOPIC_SENSOR"`
	TopicSnapshot string `env:"TOPIC_SNAPSHOT"`

	// Serial NMEA sensor
	SerialPort     string `env:"SERIAL_PORT"`
	SerialBaudRate uint   `env:"SERIAL_BAUD_RATE"`

	// MPU9250 over SPI
	IMUSPIDevice string `env:"IMU_SPI_DEVICE"`
	IMUCSPin     string `env:"IMU_CS_PIN"`
	// Accelerometer: 0=±2g, 1=±4g, 2=±8g, 3=±16g
	IMUAccelRange     byte `env:"IMU_ACCEL_RANGE"`
	IMUSampleInterval int  `env:"IMU_SAMPLE_INTERVAL"`

	// Timing
	EmitInterval      int `env:"EMIT_INTERVAL"`
	ReconnectAttempts int `env:"RECONNECT_ATTEMPTS"`
	ReconnectDelay    int `env:"RECONNECT_DELAY"`
	ReconnectDelayMax int `env:"RECONNECT_DELAY_MAX"`
	ConnectTimeout    int `env:"CONNECT_TIMEOUT"`
	ServerRetryDelay  int `env:"SERVER_RETRY_DELAY"`
	CalibrationWindow int `env:"CALIBRATION_WINDOW"`

	// Display
	DisplayEnabled        bool   `env:"DISPLAY_ENABLED"`
	DisplayI2CBus         string `env:"DISPLAY_I2C_BUS"`
	DisplayUpdateInterval int    `env:"DISPLAY_UPDATE_INTERVAL"`

	LogLevel      string `env:"LOG_LEVEL"`
	FilterProfile string `env:"FILTER_PROFILE"`

	// Filter is the tuning loaded from FilterProfile, or the default profile.
	Filter tilt.Config `env:"-"`
}

var (
	globalConfig *Config
	configOnce   sync.Once
	configMu     sync.RWMutex
)

// Defaults returns the configuration used before the file is read.
func Defaults() *Config {
	return &Config{
		SensorSource:          SourceBrowser,
		ListenAddr:            ":8080",
		MQTTClientID:          "tilt-controller",
		TopicSensor:           "tilt/sensor",
		TopicSnapshot:         "tilt/snapshot",
		SerialBaudRate:        115200,
		IMUSampleInterval:     10,
		EmitInterval:          50,
		ReconnectAttempts:     5,
		ReconnectDelay:        1000,
		ReconnectDelayMax:     5000,
		ConnectTimeout:        20000,
		ServerRetryDelay:      2000,
		CalibrationWindow:     2000,
		DisplayUpdateInterval: 200,
		LogLevel:              "info",
		Filter:                tilt.DefaultConfig(),
	}
}

// Load reads the configuration file, applies TILT_* environment overrides
// and the filter profile, and validates the result. An empty path skips
// the file.
func Load(configPath string) (*Config, error) {
	cfg := Defaults()
	if configPath != "" {
		if err := cfg.readFile(configPath); err != nil {
			return nil, err
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if cfg.FilterProfile != "" {
		filter, err := LoadFilterProfile(cfg.FilterProfile)
		if err != nil {
			return nil, err
		}
		cfg.Filter = filter
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) readFile(configPath string) error {
	file, err := os.Open(configPath)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return fmt.Errorf("invalid config line %d: %q", lineNum, line)
		}

		if err := c.setValue(strings.TrimSpace(key), strings.TrimSpace(value)); err != nil {
			return fmt.Errorf("config line %d: %w", lineNum, err)
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}
	return nil
}

// setValue sets a config value based on the key.
func (c *Config) setValue(key, value string) error {
	var err error
	switch key {
	case "SERVER_URL":
		c.ServerURL = value
	case "PLAYER_ID":
		c.PlayerID = value
	case "CONTROLLER_URL":
		c.ControllerURL = value

	case "SENSOR_SOURCE":
		c.SensorSource = strings.ToLower(value)
	case "LISTEN_ADDR":
		c.ListenAddr = value

	// MQTT
	case "MQTT_BROKER":
		c.MQTTBroker = value
	case "MQTT_CLIENT_ID":
		c.MQTTClientID = value
	case "TOPIC_SENSOR":
		c.TopicSensor = value
	case "TOPIC_SNAPSHOT":
		c.TopicSnapshot = value

	// Serial
	case "SERIAL_PORT":
		c.SerialPort = value
	case "SERIAL_BAUD_RATE":
		rate, perr := strconv.ParseUint(value, 10, 32)
		if perr != nil {
			return fmt.Errorf("invalid SERIAL_BAUD_RATE %q: %w", value, perr)
		}
		c.SerialBaudRate = uint(rate)

	// IMU
	case "IMU_SPI_DEVICE":
		c.IMUSPIDevice = value
	case "IMU_CS_PIN":
		c.IMUCSPin = value
	case "IMU_ACCEL_RANGE":
		rangeVal, perr := strconv.Atoi(value)
		if perr != nil {
			return fmt.Errorf("invalid IMU_ACCEL_RANGE %q: %w", value, perr)
		}
		if rangeVal < 0 || rangeVal > 3 {
			return fmt.Errorf("IMU_ACCEL_RANGE must be 0-3 (0=±2g, 1=±4g, 2=±8g, 3=±16g), got %d", rangeVal)
		}
		c.IMUAccelRange = byte(rangeVal)
	case "IMU_SAMPLE_INTERVAL":
		c.IMUSampleInterval, err = parseMillis(key, value)

	// Timing
	case "EMIT_INTERVAL":
		c.EmitInterval, err = parseMillis(key, value)
	case "RECONNECT_ATTEMPTS":
		c.ReconnectAttempts, err = strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid RECONNECT_ATTEMPTS %q: %w", value, err)
		}
	case "RECONNECT_DELAY":
		c.ReconnectDelay, err = parseMillis(key, value)
	case "RECONNECT_DELAY_MAX":
		c.ReconnectDelayMax, err = parseMillis(key, value)
	case "CONNECT_TIMEOUT":
		c.ConnectTimeout, err = parseMillis(key, value)
	case "SERVER_RETRY_DELAY":
		c.ServerRetryDelay, err = parseMillis(key, value)
	case "CALIBRATION_WINDOW":
		c.CalibrationWindow, err = parseMillis(key, value)

	// Display
	case "DISPLAY_ENABLED":
		c.DisplayEnabled, err = strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid DISPLAY_ENABLED %q: %w", value, err)
		}
	case "DISPLAY_I2C_BUS":
		c.DisplayI2CBus = value
	case "DISPLAY_UPDATE_INTERVAL":
		c.DisplayUpdateInterval, err = parseMillis(key, value)

	case "LOG_LEVEL":
		c.LogLevel = strings.ToLower(value)
	case "FILTER_PROFILE":
		c.FilterProfile = value

	default:
		return fmt.Errorf("unknown config key: %q", key)
	}

	return err
}

func parseMillis(key, value string) (int, error) {
	ms, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	if ms < 0 {
		return 0, fmt.Errorf("%s must not be negative, got %d", key, ms)
	}
	return ms, nil
}

// validate checks that all required fields are set.
func (c *Config) validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("SERVER_URL is required")
	}
	switch c.SensorSource {
	case SourceBrowser, SourceMock:
	case SourceMQTT:
		if c.MQTTBroker == "" {
			return fmt.Errorf("MQTT_BROKER is required for SENSOR_SOURCE=mqtt")
		}
		if c.TopicSensor == "" {
			return fmt.Errorf("TOPIC_SENSOR is required for SENSOR_SOURCE=mqtt")
		}
	case SourceSerial:
		if c.SerialPort == "" {
			return fmt.Errorf("SERIAL_PORT is required for SENSOR_SOURCE=serial")
		}
	case SourceMPU9250:
		if c.IMUSPIDevice == "" {
			return fmt.Errorf("IMU_SPI_DEVICE is required for SENSOR_SOURCE=mpu9250")
		}
	default:
		return fmt.Errorf("unknown SENSOR_SOURCE %q", c.SensorSource)
	}
	if c.EmitInterval <= 0 {
		return fmt.Errorf("EMIT_INTERVAL must be positive")
	}
	if c.ReconnectAttempts < 0 {
		return fmt.Errorf("RECONNECT_ATTEMPTS must not be negative")
	}
	if c.ReconnectDelayMax < c.ReconnectDelay {
		return fmt.Errorf("RECONNECT_DELAY_MAX (%d) is below RECONNECT_DELAY (%d)", c.ReconnectDelayMax, c.ReconnectDelay)
	}
	if c.CalibrationWindow <= 0 {
		return fmt.Errorf("CALIBRATION_WINDOW must be positive")
	}
	if c.DisplayEnabled && c.DisplayUpdateInterval <= 0 {
		return fmt.Errorf("DISPLAY_UPDATE_INTERVAL must be positive when the display is enabled")
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	return c.Filter.Validate()
}

// SlogLevel maps LOG_LEVEL to a slog level.
func (c *Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid LOG_LEVEL %q", c.LogLevel)
	}
	return level, nil
}

// Millis converts a millisecond setting to a duration.
func Millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// InitGlobal initializes the global configuration from file.
// Only the first call has any effect.
func InitGlobal(configPath string) error {
	var err error
	configOnce.Do(func() {
		configMu.Lock()
		defer configMu.Unlock()
		globalConfig, err = Load(configPath)
	})
	return err
}

// Get returns the global configuration instance, or nil before InitGlobal.
func Get() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return globalConfig
}
