package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/agsys-iot/leader-core/internal/leader"
	"github.com/agsys-iot/leader-core/pkg/radio"
	"github.com/google/subcommands"
)

type otaStatusCommand struct {
	db     string
	device string
}

func (*otaStatusCommand) Name() string     { return "ota-status" }
func (*otaStatusCommand) Synopsis() string { return "show the current OTA update status" }
func (*otaStatusCommand) Usage() string    { return "ota-status\n" }

func (c *otaStatusCommand) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.db, "db", "agsys.json", "device/sensor store path")
	f.StringVar(&c.device, "device", "/dev/spidev0.0", "LoRa SPI device path")
}

func (c *otaStatusCommand) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	l, err := leader.New(leader.Config{DevicePath: c.device, DBPath: c.db, RadioConfig: radio.DefaultConfig()})
	if err != nil {
		fmt.Println("Failed to start controller")
		return subcommands.ExitFailure
	}
	defer l.Stop()
	l.Start()

	progress := l.Progress()
	if !progress.Active {
		fmt.Println("No OTA update in progress")
		return subcommands.ExitSuccess
	}

	fmt.Println("OTA Update Status")
	fmt.Println(dashes(40))
	fmt.Printf("  Announce ID:    %d\n", progress.AnnounceID)
	fmt.Printf("  Version:        %d.%d.%d\n", progress.Version[0], progress.Version[1], progress.Version[2])
	fmt.Printf("  Firmware Size:  %d bytes\n", progress.FirmwareSize)
	fmt.Printf("  Total Chunks:   %d\n", progress.TotalChunks)
	fmt.Printf("  Elapsed:        %d seconds\n\n", progress.ElapsedSec)
	fmt.Printf("  Devices Total:     %d\n", progress.DevicesTotal)
	fmt.Printf("  Devices Receiving: %d\n", progress.DevicesReceiving)
	fmt.Printf("  Devices Complete:  %d\n", progress.DevicesComplete)
	fmt.Printf("  Devices Error:     %d\n\n", progress.DevicesError)

	fmt.Println("Device Details:")
	for _, d := range l.DeviceStatus() {
		fmt.Printf("  %s %3d%% %-12s %s\n", shortUUID(d.UUID.String()), d.Progress, d.State, d.Error)
	}
	return subcommands.ExitSuccess
}
