package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/agsys-iot/leader-core/internal/leader"
	"github.com/agsys-iot/leader-core/pkg/ota"
	"github.com/agsys-iot/leader-core/pkg/protocol"
	"github.com/agsys-iot/leader-core/pkg/radio"
	"github.com/google/subcommands"
)

type otaStartCommand struct {
	db         string
	device     string
	deviceType int
}

func (*otaStartCommand) Name() string     { return "ota-start" }
func (*otaStartCommand) Synopsis() string { return "start an OTA firmware update" }
func (*otaStartCommand) Usage() string {
	return "ota-start <firmware> <maj.min.patch> [--device-type N]\n"
}

func (c *otaStartCommand) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.db, "db", "agsys.json", "device/sensor store path")
	f.StringVar(&c.device, "device", "/dev/spidev0.0", "LoRa SPI device path")
	f.IntVar(&c.deviceType, "device-type", int(protocol.DeviceAll), "target device type (0xFF = all)")
}

func (c *otaStartCommand) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() < 2 {
		fmt.Println("usage: ota-start <firmware> <maj.min.patch> [--device-type N]")
		return subcommands.ExitUsageError
	}
	firmwarePath := f.Arg(0)
	version, err := parseVersion(f.Arg(1))
	if err != nil {
		fmt.Printf("invalid version: %v\n", err)
		return subcommands.ExitUsageError
	}

	firmwareData, err := os.ReadFile(firmwarePath)
	if err != nil {
		fmt.Printf("failed to read firmware: %v\n", err)
		return subcommands.ExitFailure
	}

	l, err := leader.New(leader.Config{DevicePath: c.device, DBPath: c.db, RadioConfig: radio.DefaultConfig()})
	if err != nil {
		fmt.Println("Failed to start controller")
		return subcommands.ExitFailure
	}
	defer l.Stop()
	l.Start()

	targetType := protocol.DeviceType(c.deviceType)
	target := fmt.Sprintf("Type %d", c.deviceType)
	if targetType == protocol.DeviceAll {
		target = "All devices"
	}

	fmt.Println("Starting OTA update...")
	fmt.Printf("  Firmware: %s\n", firmwarePath)
	fmt.Printf("  Version:  %d.%d.%d\n", version[0], version[1], version[2])
	fmt.Printf("  Target:   %s\n", target)

	announceID, err := l.StartOTA(firmwareData, version, targetType)
	if err != nil {
		fmt.Printf("failed to start OTA update: %v\n", err)
		return subcommands.ExitFailure
	}
	fmt.Printf("  Announce ID: %d\n\n", announceID)
	fmt.Println("OTA update started. Monitoring progress...")
	fmt.Println("Press Ctrl+C to stop.")
	fmt.Println()

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-sigCtx.Done():
			fmt.Println("\n\nStopping OTA update...")
			l.StopOTA()
			return subcommands.ExitSuccess
		case <-ticker.C:
			progress := l.Progress()
			if !progress.Active {
				fmt.Println("\nOTA session completed.")
				printFinalDeviceStatus(l)
				return subcommands.ExitSuccess
			}
			fmt.Printf("\rDevices: %d receiving, %d complete, %d errors | Elapsed: %ds",
				progress.DevicesReceiving, progress.DevicesComplete, progress.DevicesError, progress.ElapsedSec)
		}
	}
}

func printFinalDeviceStatus(l *leader.Leader) {
	fmt.Println("Final device status:")
	for _, d := range l.DeviceStatus() {
		mark := "?"
		switch d.State.String() {
		case "COMPLETE":
			mark = "✓"
		case "ERROR":
			mark = "✗"
		}
		fmt.Printf("  %s %s %d%% - %s\n", mark, shortUUID(d.UUID.String()), d.Progress, d.State)
	}
}

func shortUUID(uuid string) string {
	if len(uuid) > 16 {
		return uuid[:16] + "..."
	}
	return uuid
}

func parseVersion(s string) (ota.Version, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return ota.Version{}, fmt.Errorf("expected maj.min.patch, got %q", s)
	}
	var v ota.Version
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > 255 {
			return ota.Version{}, fmt.Errorf("invalid version component %q", p)
		}
		v[i] = uint8(n)
	}
	return v, nil
}
