package cmd

import (
	"debug/elf"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/shardexec/shardexec/fast"
)

func LoadELF(ctx *cli.Context) error {
	elfPath := ctx.Path(LoadELFPathFlag.Name)
	elfProgram, err := elf.Open(elfPath)
	if err != nil {
		return fmt.Errorf("failed to open ELF file %q: %w", elfPath, err)
	}
	defer elfProgram.Close()
	if elfProgram.Machine != elf.EM_RISCV {
		return fmt.Errorf("ELF is not RISC-V, but got %q", elfProgram.Machine.String())
	}
	policy, err := parsePolicy(ctx.String(MisalignedPolicyFlag.Name))
	if err != nil {
		return err
	}
	state, err := fast.LoadELF(elfProgram, ctx.Uint64(MemSizeFlag.Name), policy)
	if err != nil {
		return fmt.Errorf("failed to load ELF data into VM state: %w", err)
	}
	if err := fast.PatchVM(elfProgram, state); err != nil {
		return fmt.Errorf("failed to patch VM: %w", err)
	}
	return WriteJSON[*fast.VMState](ctx.Path(LoadELFOutFlag.Name), state)
}

var LoadELFCommand = &cli.Command{
	Name:        "load-elf",
	Usage:       "Load ELF file into JSON state",
	Description: "Load a RISC-V ELF file into a JSON state file, ready to run.",
	Action:      LoadELF,
	Flags: []cli.Flag{
		LoadELFPathFlag,
		LoadELFOutFlag,
		MemSizeFlag,
		MisalignedPolicyFlag,
	},
}
