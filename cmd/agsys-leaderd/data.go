package main

import (
	"context"
	"flag"
	"fmt"
	"strings"

	"github.com/agsys-iot/leader-core/pkg/store"
	"github.com/google/subcommands"
	"github.com/google/uuid"
)

type dataCommand struct {
	db    string
	limit int
}

func (*dataCommand) Name() string     { return "data" }
func (*dataCommand) Synopsis() string { return "show sensor data for a device" }
func (*dataCommand) Usage() string    { return "data <uuid> [--limit N]\n" }

func (c *dataCommand) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.db, "db", "agsys.json", "device/sensor store path")
	f.IntVar(&c.limit, "limit", 100, "maximum rows to show")
}

func (c *dataCommand) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() < 1 {
		fmt.Println("usage: data <uuid> [--limit N]")
		return subcommands.ExitUsageError
	}
	parsed, err := uuid.Parse(f.Arg(0))
	if err != nil {
		fmt.Printf("Invalid uuid %q: %v\n", f.Arg(0), err)
		return subcommands.ExitUsageError
	}
	deviceUUID := strings.ReplaceAll(parsed.String(), "-", "")

	st, err := store.Open(c.db)
	if err != nil {
		fmt.Println("Failed to open store")
		return subcommands.ExitFailure
	}

	readings := st.SensorReadings(deviceUUID, c.limit)
	if len(readings) == 0 {
		fmt.Printf("No data for device %s\n", deviceUUID)
		return subcommands.ExitSuccess
	}

	fmt.Printf("%-20s %-10s %-10s %-8s %-8s\n", "Timestamp", "Moisture", "Battery", "Temp", "RSSI")
	fmt.Println(dashes(60))
	for _, r := range readings {
		fmt.Printf("%-20s %3d%% (%-4d) %-10d %-8.1f %-8d\n",
			r.Timestamp.Format("2006-01-02T15:04:05"),
			r.MoisturePercent, r.MoistureRaw, r.BatteryMv,
			float64(r.TemperatureDeciC)/10.0, r.RSSI)
	}
	return subcommands.ExitSuccess
}
