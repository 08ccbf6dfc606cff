package fast

import (
	"bytes"
	"debug/elf"
	"fmt"
	"io"
	"sort"
)

// LoadELF builds the initial machine state from a RISC-V ELF binary: the
// memory image, entry PC, initial stack pointer, and heap base. Segments
// must fit inside the configured memory bounds.
func LoadELF(f *elf.File, memSize uint64, policy AlignmentPolicy) (*VMState, error) {
	s := NewVMState(memSize, policy)
	s.PC = f.Entry

	var progEnd uint64
	for i, prog := range f.Progs {
		if prog.Type == 0x70000003 {
			// .riscv.attributes metadata segment, not loaded into memory.
			continue
		}
		r := io.Reader(io.NewSectionReader(prog, 0, int64(prog.Filesz)))
		if prog.Filesz != prog.Memsz {
			if prog.Type != elf.PT_LOAD {
				return nil, fmt.Errorf("program segment %d has different file size (%d) than mem size (%d): filling for non PT_LOAD segments is not supported", i, prog.Filesz, prog.Memsz)
			}
			if prog.Filesz > prog.Memsz {
				return nil, fmt.Errorf("invalid PT_LOAD program segment %d, file size (%d) > mem size (%d)", i, prog.Filesz, prog.Memsz)
			}
			r = io.MultiReader(r, bytes.NewReader(make([]byte, prog.Memsz-prog.Filesz)))
		}
		end := prog.Vaddr + prog.Memsz
		if end < prog.Vaddr || end > memSize {
			return nil, fmt.Errorf("program segment %d [0x%x, 0x%x) exceeds memory bounds (%d bytes)", i, prog.Vaddr, end, memSize)
		}
		if err := s.Memory.SetMemoryRange(prog.Vaddr, r); err != nil {
			return nil, fmt.Errorf("failed to read program segment %d: %w", i, err)
		}
		if end > progEnd {
			progEnd = end
		}
	}

	// Anonymous mmap allocations grow upward from the first page past the
	// program image; the stack sits at the top of memory.
	s.Heap = (progEnd + 4095) &^ 4095
	if err := setupStack(s, memSize); err != nil {
		return nil, fmt.Errorf("failed to initialize stack: %w", err)
	}
	return s, nil
}

// setupStack places the initial stack frame the guest runtime expects:
// argc, argv and envp terminators, and a minimal auxv. The auxv randomness
// is fixed so identical programs execute identically.
func setupStack(s *VMState, memSize uint64) error {
	if memSize < 16*4096 {
		return fmt.Errorf("memory size %d leaves no room for a stack", memSize)
	}
	sp := (memSize - 4096) &^ 15
	s.writeRegister(2, sp)

	words := []uint64{
		0,       // argc = 0
		0,       // argv terminator
		0,       // envp terminator
		6, 4096, // AT_PAGESZ = 4 KiB
		25, sp + 8*9, // AT_RANDOM -> 16 fixed bytes below
		0,                  // auxv terminator
		0x6f727020646e6172, // randomness 8/16
		0x6164626d616c6f74, // randomness 16/16
	}
	for i, w := range words {
		if err := s.Memory.Store(sp+8*uint64(i+1), 8, w); err != nil {
			return err
		}
	}
	return nil
}

// PatchVM rewrites Go runtime entry points that this emulator cannot
// execute: the startup float-convention check and the GC machinery use the
// F/D extensions, which are not implemented. Each such function is replaced
// with a plain return and memory profiling is switched off. Binaries from
// other toolchains lack these symbols and pass through unchanged.
func PatchVM(f *elf.File, s *VMState) error {
	symbols, err := f.Symbols()
	if err != nil {
		return fmt.Errorf("failed to read symbols data, cannot patch program: %w", err)
	}
	return patchSymbols(symbols, s)
}

func patchSymbols(symbols []elf.Symbol, s *VMState) error {
	for _, sym := range symbols {
		switch sym.Name {
		case "runtime.gcenable",
			"runtime.init.5",            // forcegchelper goroutine
			"runtime.main.func1",        // sysmon thread
			"runtime.deductSweepCredit", // float math against gc pacing
			"runtime.(*gcControllerState).commit",
			"runtime.check": // float calling-convention self test
			// ret: jalr zero, ra, 0
			if err := s.Memory.SetMemoryRange(sym.Value, bytes.NewReader([]byte{0x67, 0x80, 0x00, 0x00})); err != nil {
				return fmt.Errorf("failed to patch symbol %s: %w", sym.Name, err)
			}
		case "runtime.MemProfileRate":
			if err := s.Memory.SetMemoryRange(sym.Value, bytes.NewReader(make([]byte, 8))); err != nil {
				return fmt.Errorf("failed to patch symbol %s: %w", sym.Name, err)
			}
		}
	}
	return nil
}

// SortedSymbols is an address-ordered ELF symbol table, used to name the
// current PC in progress logs.
type SortedSymbols []elf.Symbol

// FindSymbol finds the symbol that intersects with the given addr, or a
// placeholder if none exists.
func (s SortedSymbols) FindSymbol(addr uint64) elf.Symbol {
	i := sort.Search(len(s), func(i int) bool {
		return s[i].Value > addr
	})
	if i == 0 {
		return elf.Symbol{Name: "!start", Value: 0}
	}
	out := &s[i-1]
	if out.Value+out.Size < addr { // addr may be pointing to a gap between symbols
		return elf.Symbol{Name: "!gap", Value: addr}
	}
	return *out
}

func Symbols(f *elf.File) (SortedSymbols, error) {
	symbols, err := f.Symbols()
	if err != nil {
		return nil, fmt.Errorf("failed to read symbols data: %w", err)
	}
	// Not every ELF has sorted symbols; sort before binary searching.
	out := make(SortedSymbols, len(symbols))
	copy(out, symbols)
	sort.Slice(out, func(i, j int) bool {
		return out[i].Value < out[j].Value
	})
	return out, nil
}
