package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/agsys-iot/leader-core/pkg/firmware"
	"github.com/google/subcommands"
)

type patchHeaderCommand struct {
	quiet bool
}

func (*patchHeaderCommand) Name() string     { return "patch-header" }
func (*patchHeaderCommand) Synopsis() string { return "patch a firmware binary's application header" }
func (*patchHeaderCommand) Usage() string    { return "patch-header <input> [output]\n" }

func (c *patchHeaderCommand) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&c.quiet, "q", false, "suppress output")
	f.BoolVar(&c.quiet, "quiet", false, "suppress output")
}

func (c *patchHeaderCommand) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: patch-header <input> [output]")
		return subcommands.ExitUsageError
	}
	input := f.Arg(0)
	output := input
	if f.NArg() >= 2 {
		output = f.Arg(1)
	}

	data, err := os.ReadFile(input)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: input file not found: %s\n", input)
		return subcommands.ExitFailure
	}

	result, err := firmware.PatchHeader(data)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return subcommands.ExitFailure
	}

	if err := os.WriteFile(output, data, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing output: %v\n", err)
		return subcommands.ExitFailure
	}

	if !c.quiet {
		fmt.Printf("Patched header at offset 0x%X\n", result.HeaderOffset)
		fmt.Printf("  fw_size:     %d\n", result.FirmwareSize)
		fmt.Printf("  fw_crc32:    0x%08X\n", result.FirmwareCRC)
		fmt.Printf("  header_crc32: 0x%08X\n", result.HeaderCRC)
	}
	return subcommands.ExitSuccess
}
