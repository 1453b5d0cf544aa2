package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/agsys-iot/leader-core/pkg/store"
	"github.com/google/subcommands"
)

// devicesCommand, like cli.py's cmd_devices, reads the store directly
// rather than starting the radio — listing known devices never needs
// the hardware.
type devicesCommand struct {
	db string
}

func (*devicesCommand) Name() string     { return "devices" }
func (*devicesCommand) Synopsis() string { return "list all known devices" }
func (*devicesCommand) Usage() string    { return "devices [--db path]\n" }

func (c *devicesCommand) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.db, "db", "agsys.json", "device/sensor store path")
}

func (c *devicesCommand) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	st, err := store.Open(c.db)
	if err != nil {
		fmt.Println("Failed to open store")
		return subcommands.ExitFailure
	}

	devices := st.ListDevices()
	if len(devices) == 0 {
		fmt.Println("No devices registered")
		return subcommands.ExitSuccess
	}

	fmt.Printf("%-36s %-15s %-20s %-10s %-8s\n", "UUID", "Type", "Last Seen", "Battery", "RSSI")
	fmt.Println(dashes(95))
	for _, d := range devices {
		fmt.Printf("%-36s %-15d %-20s %-10d %-8d\n",
			d.UUID, int(d.DeviceType), d.LastSeen.Format("2006-01-02T15:04:05"), d.BatteryMv, d.RSSI)
	}
	return subcommands.ExitSuccess
}

func dashes(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = '-'
	}
	return string(b)
}
