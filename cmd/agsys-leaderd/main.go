// Command agsys-leaderd runs the AgSys leader: LoRa receive loop, OTA
// campaign manager, HTTP API, and device store, matching
// original_source/leader/src/cli.py subcommand-for-subcommand.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"
	"go.uber.org/zap"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	subcommands.Register(&runCommand{}, "")
	subcommands.Register(&devicesCommand{}, "")
	subcommands.Register(&dataCommand{}, "")
	subcommands.Register(&otaStartCommand{}, "")
	subcommands.Register(&otaStatusCommand{}, "")

	flag.Parse()

	ctx := context.Background()
	os.Exit(int(subcommands.Execute(ctx)))
}

func newLogger() *zap.SugaredLogger {
	logger, err := zap.NewProduction()
	if err != nil {
		return zap.NewNop().Sugar()
	}
	return logger.Sugar()
}
