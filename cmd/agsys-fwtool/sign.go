package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/agsys-iot/leader-core/pkg/firmware"
	"github.com/google/subcommands"
)

type signCommand struct{}

func (*signCommand) Name() string     { return "sign" }
func (*signCommand) Synopsis() string { return "sign a patched firmware binary with Ed25519" }
func (*signCommand) Usage() string {
	return "sign <firmware> <private_key.pem> [out_dir]\n"
}

func (*signCommand) SetFlags(f *flag.FlagSet) {}

func (c *signCommand) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() < 2 {
		fmt.Fprintln(os.Stderr, "usage: sign <firmware> <private_key.pem> [out_dir]")
		return subcommands.ExitUsageError
	}
	firmwarePath := f.Arg(0)
	keyPath := f.Arg(1)
	outDir := filepath.Join(filepath.Dir(firmwarePath), "signed")
	if f.NArg() >= 3 {
		outDir = f.Arg(2)
	}

	privateKey, err := firmware.LoadPrivateKeyPEM(keyPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading private key: %v\n", err)
		return subcommands.ExitFailure
	}

	result, err := firmware.SignFirmware(firmwarePath, privateKey, outDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error signing firmware: %v\n", err)
		return subcommands.ExitFailure
	}

	fmt.Printf("Signed firmware written to %s\n", outDir)
	fmt.Printf("  firmware:  %s (%d bytes)\n", result.Manifest.Firmware.File, result.Manifest.Firmware.Size)
	fmt.Printf("  signature: %s\n", result.Manifest.Signature.File)
	fmt.Printf("  manifest:  %s\n", result.ManifestPath)
	return subcommands.ExitSuccess
}
