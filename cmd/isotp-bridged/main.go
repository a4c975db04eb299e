// Command isotp-bridged runs the BLE to ISO-TP bridge: it advertises the
// GATT service, attaches to a CAN interface and shuttles segmented
// messages between the two.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"tinygo.org/x/bluetooth"

	"github.com/edgecan/isotpbridge/ble"
	"github.com/edgecan/isotpbridge/bridge"
	"github.com/edgecan/isotpbridge/canbus"
	"github.com/edgecan/isotpbridge/config"
	"github.com/edgecan/isotpbridge/trace"
)

const defaultConfigPath = "/etc/isotp-bridged/config.yaml"

func main() {
	configPath := flag.String("config", "", "path to config file (default: "+defaultConfigPath+")")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "config validation:", err)
		os.Exit(1)
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("[main] exiting", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus, err := openBus(cfg)
	if err != nil {
		return err
	}
	defer bus.Close()

	channel := canbus.NewChannel(bus, cfg.CAN.RxQueue, cfg.CAN.TxQueue, log)
	if cfg.TraceFile != "" {
		f, err := os.Create(cfg.TraceFile)
		if err != nil {
			return fmt.Errorf("open trace file: %w", err)
		}
		defer f.Close()
		channel.SetTracer(trace.NewWriter(f, log))
		log.Info("[main] tracing frames", "file", cfg.TraceFile)
	}

	service, err := ble.NewService(bluetooth.DefaultAdapter, cfg.ServiceConfig(), log)
	if err != nil {
		return err
	}
	if err := service.Start(ctx); err != nil {
		return err
	}

	b, err := bridge.New(channel, service, cfg.BridgeOptions(), log)
	if err != nil {
		return err
	}

	busErr := make(chan error, 1)
	go func() { busErr <- channel.Run(ctx) }()
	go b.Run(ctx, service.Messages(), service.Events())

	log.Info("[main] bridge running", "interface", cfg.CAN.Interface, "device", cfg.BLE.DeviceName)

	select {
	case <-ctx.Done():
		log.Info("[main] shutting down")
		return nil
	case err := <-busErr:
		return err
	}
}

// openBus attaches to the configured CAN interface. The "loopback" name
// selects an in-memory bus pair, useful for running without hardware.
func openBus(cfg *config.Config) (canbus.Bus, error) {
	if cfg.CAN.Interface == "loopback" {
		local, _ := canbus.NewLoopback(cfg.CAN.RxQueue)
		return local, nil
	}
	return canbus.DialSocketCAN(cfg.CAN.Interface, cfg.CAN.RxQueue)
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	if _, err := os.Stat(defaultConfigPath); err == nil {
		return config.Load(defaultConfigPath)
	}
	return config.Default(), nil
}
