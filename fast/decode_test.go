package fast

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shardexec/shardexec/riscv"
)

func TestDecodeKindsAndImmediates(t *testing.T) {
	d := NewDecoder(true, true)

	cases := []struct {
		name    string
		raw     uint32
		wantOp  Op
		wantImm uint64
	}{
		{"addi x1,x2,-3", encI(riscv.OpOpImm, 1, 0, 2, -3), OpADDI, ^uint64(0) - 2},
		{"slti x1,x2,5", encI(riscv.OpOpImm, 1, 2, 2, 5), OpSLTI, 5},
		{"lw x5,8(x6)", encI(riscv.OpLoad, 5, 2, 6, 8), OpLW, 8},
		{"lbu x5,-1(x6)", encI(riscv.OpLoad, 5, 4, 6, -1), OpLBU, ^uint64(0)},
		{"sd x7,-16(x8)", encS(riscv.OpStore, 3, 8, 7, -16), OpSD, ^uint64(0) - 15},
		{"sb x7,127(x8)", encS(riscv.OpStore, 0, 8, 7, 127), OpSB, 127},
		{"beq x1,x2,+16", encB(0, 1, 2, 16), OpBEQ, 16},
		{"bge x3,x4,-8", encB(5, 3, 4, -8), OpBGE, ^uint64(0) - 7},
		{"bltu x3,x4,+4094", encB(6, 3, 4, 4094), OpBLTU, 4094},
		{"lui x9,0xfffff", encU(riscv.OpLui, 9, 0xFFFFF), OpLUI, uint64(0xFFFFFFFF_FFFFF000)},
		{"auipc x9,1", encU(riscv.OpAuipc, 9, 1), OpAUIPC, 1 << 12},
		{"jal x1,+2048", encJ(1, 2048), OpJAL, 2048},
		{"jal x0,-4", encJ(0, -4), OpJAL, ^uint64(0) - 3},
		{"jalr x1,x5,4", encI(riscv.OpJalr, 1, 0, 5, 4), OpJALR, 4},
		{"slli x1,x1,63", encI(riscv.OpOpImm, 1, 1, 1, 63), OpSLLI, 63},
		{"srai x1,x1,63", encI(riscv.OpOpImm, 1, 5, 1, 63|0x400), OpSRAI, 63 | 0x400},
		{"sraiw x1,x1,31", encI(riscv.OpOpImm32, 1, 5, 1, 31|0x400), OpSRAIW, 31 | 0x400},
		{"addw x3,x1,x2", encR(riscv.OpOp32, 3, 0, 1, 2, 0), OpADDW, 0},
		{"subw x3,x1,x2", encR(riscv.OpOp32, 3, 0, 1, 2, 0x20), OpSUBW, 0},
		{"mul x3,x1,x2", encR(riscv.OpOp, 3, 0, 1, 2, 1), OpMUL, 0},
		{"divu x3,x1,x2", encR(riscv.OpOp, 3, 5, 1, 2, 1), OpDIVU, 0},
		{"remw x3,x1,x2", encR(riscv.OpOp32, 3, 6, 1, 2, 1), OpREMW, 0},
		{"ecall", ecall(), OpECALL, 0},
		{"ebreak", encI(riscv.OpSystem, 0, 0, 0, 1), OpEBREAK, 0},
		{"fence", encI(riscv.OpMiscMem, 0, 0, 0, 0), OpFENCE, 0},
		{"lr.w x1,(x3)", encR(riscv.OpAmo, 1, 2, 3, 0, 0x02<<2), OpLR, 0},
		{"sc.d x1,x2,(x3)", encR(riscv.OpAmo, 1, 3, 3, 2, 0x03<<2), OpSC, 0},
		{"amoadd.d x4,x2,(x3)", encR(riscv.OpAmo, 4, 3, 3, 2, 0), OpAMO, 0},
		{"amomaxu.w x4,x2,(x3)", encR(riscv.OpAmo, 4, 2, 3, 2, 0x1c<<2), OpAMO, 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in, err := d.Decode(tc.raw)
			require.NoError(t, err)
			require.Equal(t, tc.wantOp, in.Op, "operation kind")
			require.Equal(t, tc.wantImm, in.Imm, "immediate")
			require.Equal(t, tc.raw, in.Raw)
			// Register and function fields are plain encoding slices.
			require.Equal(t, parseRd(tc.raw), in.Rd)
			require.Equal(t, parseRs1(tc.raw), in.Rs1)
			require.Equal(t, parseRs2(tc.raw), in.Rs2)
			require.Equal(t, parseFunct3(tc.raw), in.Funct3)
			require.Equal(t, parseFunct7(tc.raw), in.Funct7)
		})
	}
}

func TestDecodeRegisterFields(t *testing.T) {
	d := NewDecoder(true, true)
	in, err := d.Decode(encR(riscv.OpOp, 31, 0, 30, 29, 0))
	require.NoError(t, err)
	require.Equal(t, OpADD, in.Op)
	require.Equal(t, uint8(31), in.Rd)
	require.Equal(t, uint8(30), in.Rs1)
	require.Equal(t, uint8(29), in.Rs2)
}

func TestDecodeIllegal(t *testing.T) {
	d := NewDecoder(true, true)

	cases := []struct {
		name string
		raw  uint32
	}{
		{"all zero", 0x00000000},
		{"all ones", 0xFFFFFFFF},
		{"unknown major opcode", 0x0000007B},
		{"load funct3 7", encI(riscv.OpLoad, 1, 7, 2, 0)},
		{"store funct3 4", encS(riscv.OpStore, 4, 1, 2, 0)},
		{"branch funct3 2", encB(2, 1, 2, 8)},
		{"shift with bad funct6", encI(riscv.OpOpImm, 1, 5, 1, 63|0x200)},
		{"slli with nonzero funct6", encI(riscv.OpOpImm, 1, 1, 1, 63|0x100)},
		{"slliw shamt 32", encI(riscv.OpOpImm32, 1, 1, 1, 32)},
		{"srliw with imm bit 5 set", encI(riscv.OpOpImm32, 1, 5, 1, 5|0x20)},
		{"sraiw shamt 33", encI(riscv.OpOpImm32, 1, 5, 1, 33|0x400)},
		{"reg op with bad funct7", encR(riscv.OpOp, 1, 0, 2, 3, 0x11)},
		{"jalr funct3 1", encI(riscv.OpJalr, 1, 1, 5, 0)},
		{"csrrw", encI(riscv.OpSystem, 1, 1, 2, 0x305)},
		{"amo funct3 0", encR(riscv.OpAmo, 1, 0, 2, 3, 0)},
		{"lr with rs2 set", encR(riscv.OpAmo, 1, 2, 3, 4, 0x02<<2)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := d.Decode(tc.raw)
			var illegal *IllegalInstructionError
			require.ErrorAs(t, err, &illegal)
			require.Equal(t, tc.raw, illegal.Instr)
		})
	}
}

func TestDecodeExtensionGating(t *testing.T) {
	mul := encR(riscv.OpOp, 3, 0, 1, 2, 1)
	lrw := encR(riscv.OpAmo, 1, 2, 3, 0, 0x02<<2)

	t.Run("muldiv disabled", func(t *testing.T) {
		d := NewDecoder(false, true)
		_, err := d.Decode(mul)
		var illegal *IllegalInstructionError
		require.ErrorAs(t, err, &illegal)
		_, err = d.Decode(lrw)
		require.NoError(t, err)
	})
	t.Run("atomics disabled", func(t *testing.T) {
		d := NewDecoder(true, false)
		_, err := d.Decode(lrw)
		var illegal *IllegalInstructionError
		require.ErrorAs(t, err, &illegal)
		_, err = d.Decode(mul)
		require.NoError(t, err)
	})
}
