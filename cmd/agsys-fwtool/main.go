// Command agsys-fwtool is the offline firmware image pipeline: header
// patching, Ed25519 signing, and signing-key generation, matching
// patch_app_header.py, sign_firmware.py, and generate_signing_key.py
// one subcommand each.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	subcommands.Register(&patchHeaderCommand{}, "")
	subcommands.Register(&signCommand{}, "")
	subcommands.Register(&keygenCommand{}, "")

	flag.Parse()
	os.Exit(int(subcommands.Execute(context.Background())))
}
