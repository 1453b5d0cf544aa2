package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/agsys-iot/leader-core/pkg/firmware"
	"github.com/google/subcommands"
)

type keygenCommand struct {
	overwrite bool
}

func (*keygenCommand) Name() string     { return "keygen" }
func (*keygenCommand) Synopsis() string { return "generate a new Ed25519 signing keypair" }
func (*keygenCommand) Usage() string    { return "keygen [out_dir]\n" }

func (c *keygenCommand) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&c.overwrite, "overwrite", false, "replace an existing private key")
}

func (c *keygenCommand) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	outDir := "."
	if f.NArg() >= 1 {
		outDir = f.Arg(0)
	}

	files, err := firmware.GenerateKeyPair(outDir, c.overwrite)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return subcommands.ExitFailure
	}

	fmt.Println("Generated signing keypair:")
	fmt.Printf("  private key: %s\n", files.PrivateKeyPath)
	fmt.Printf("  public key:  %s\n", files.PublicKeyPath)
	fmt.Printf("  C header:    %s\n", files.HeaderPath)
	fmt.Printf("  public key (hex): %s\n", files.PublicKeyHex)
	return subcommands.ExitSuccess
}
