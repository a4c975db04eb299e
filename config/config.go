// Package config loads the daemon configuration from YAML and maps it onto
// the per-package option structs.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/edgecan/isotpbridge/ble"
	"github.com/edgecan/isotpbridge/bridge"
	"github.com/edgecan/isotpbridge/tp"
)

// Config holds all daemon configuration.
type Config struct {
	CAN       CANConfig       `yaml:"can"`
	BLE       BLEConfig       `yaml:"ble"`
	Bridge    BridgeConfig    `yaml:"bridge"`
	Transport TransportConfig `yaml:"transport"`
	TraceFile string          `yaml:"trace_file"`
	LogLevel  string          `yaml:"log_level"`
}

// CANConfig selects and sizes the bus attachment.
type CANConfig struct {
	Interface string `yaml:"interface"` // SocketCAN interface name, or "loopback"
	RxQueue   int    `yaml:"rx_queue"`
	TxQueue   int    `yaml:"tx_queue"`
}

// BLEConfig holds the peripheral settings.
type BLEConfig struct {
	DeviceName      string `yaml:"device_name"`
	MTU             int    `yaml:"mtu"`
	NotifyTimeoutMS int    `yaml:"notify_timeout_ms"`
}

// BridgeConfig bounds the session and periodic task tables.
type BridgeConfig struct {
	MaxSessions int `yaml:"max_sessions"`
	MaxPeriodic int `yaml:"max_periodic"`
	StagingSize int `yaml:"staging_size"`
}

// TransportConfig holds the ISO-TP session parameters. Timeouts are in
// milliseconds; st_min is the raw separation time byte.
type TransportConfig struct {
	NAsMS          int    `yaml:"n_as_ms"`
	NBsMS          int    `yaml:"n_bs_ms"`
	NArMS          int    `yaml:"n_ar_ms"`
	NBrMS          int    `yaml:"n_br_ms"`
	NCrMS          int    `yaml:"n_cr_ms"`
	BlockSize      int    `yaml:"block_size"`
	STmin          uint8  `yaml:"st_min"`
	MaxWaitFrame   int    `yaml:"max_wait_frame"`
	MaxMessageSize int    `yaml:"max_message_size"`
	Padding        *uint8 `yaml:"padding"`
}

// Default returns the configuration the daemon runs with when no file is
// given.
func Default() *Config {
	session := tp.DefaultConfig()
	service := ble.DefaultConfig()
	table := bridge.DefaultConfig()
	return &Config{
		CAN: CANConfig{
			Interface: "can0",
			RxQueue:   64,
			TxQueue:   64,
		},
		BLE: BLEConfig{
			DeviceName:      service.DeviceName,
			MTU:             service.MTU,
			NotifyTimeoutMS: int(service.NotifyTimeout / time.Millisecond),
		},
		Bridge: BridgeConfig{
			MaxSessions: table.MaxSessions,
			MaxPeriodic: table.MaxPeriodic,
			StagingSize: table.StagingSize,
		},
		Transport: TransportConfig{
			NAsMS:          int(session.TimeoutN_As / time.Millisecond),
			NBsMS:          int(session.TimeoutN_Bs / time.Millisecond),
			NArMS:          int(session.TimeoutN_Ar / time.Millisecond),
			NBrMS:          int(session.TimeoutN_Br / time.Millisecond),
			NCrMS:          int(session.TimeoutN_Cr / time.Millisecond),
			BlockSize:      session.BlockSize,
			STmin:          session.STmin,
			MaxWaitFrame:   session.MaxWaitFrame,
			MaxMessageSize: session.MaxMessageSize,
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields keep their
// defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	return cfg, nil
}

// Validate checks the config for invalid values, delegating to the option
// structs it maps onto.
func (c *Config) Validate() error {
	if c.CAN.Interface == "" {
		return fmt.Errorf("can.interface must not be empty")
	}
	if c.CAN.RxQueue <= 0 || c.CAN.TxQueue <= 0 {
		return fmt.Errorf("can queue capacities must be > 0")
	}
	if c.BLE.DeviceName == "" {
		return fmt.Errorf("ble.device_name must not be empty")
	}
	if c.BLE.MTU < ble.MinMTU {
		return fmt.Errorf("ble.mtu must be >= %d, got %d", ble.MinMTU, c.BLE.MTU)
	}
	if c.BLE.NotifyTimeoutMS <= 0 {
		return fmt.Errorf("ble.notify_timeout_ms must be > 0")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}
	options := c.BridgeOptions()
	return options.Validate()
}

// SessionConfig maps the transport section onto a tp.Config.
func (c *Config) SessionConfig() tp.Config {
	session := tp.DefaultConfig()
	session.TimeoutN_As = time.Duration(c.Transport.NAsMS) * time.Millisecond
	session.TimeoutN_Bs = time.Duration(c.Transport.NBsMS) * time.Millisecond
	session.TimeoutN_Ar = time.Duration(c.Transport.NArMS) * time.Millisecond
	session.TimeoutN_Br = time.Duration(c.Transport.NBrMS) * time.Millisecond
	session.TimeoutN_Cr = time.Duration(c.Transport.NCrMS) * time.Millisecond
	session.BlockSize = c.Transport.BlockSize
	session.STmin = c.Transport.STmin
	session.MaxWaitFrame = c.Transport.MaxWaitFrame
	session.MaxMessageSize = c.Transport.MaxMessageSize
	if c.Transport.Padding != nil {
		pad := *c.Transport.Padding
		session.Padding = &pad
	}
	return session
}

// BridgeOptions maps the bridge section onto a bridge.Config.
func (c *Config) BridgeOptions() bridge.Config {
	options := bridge.DefaultConfig()
	options.MaxSessions = c.Bridge.MaxSessions
	options.MaxPeriodic = c.Bridge.MaxPeriodic
	options.StagingSize = c.Bridge.StagingSize
	options.Session = c.SessionConfig()
	return options
}

// ServiceConfig maps the ble section onto a ble.Config.
func (c *Config) ServiceConfig() ble.Config {
	service := ble.DefaultConfig()
	service.DeviceName = c.BLE.DeviceName
	service.MTU = c.BLE.MTU
	service.NotifyTimeout = time.Duration(c.BLE.NotifyTimeoutMS) * time.Millisecond
	return service
}

// SlogLevel translates the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
