package fast

import "github.com/shardexec/shardexec/riscv"

// Op is a densely numbered operation kind, resolved once at decode so that
// the execute stage dispatches over a flat tag instead of re-inspecting
// encoding fields.
type Op uint8

const (
	OpIllegal Op = iota

	OpLB
	OpLH
	OpLW
	OpLD
	OpLBU
	OpLHU
	OpLWU

	OpSB
	OpSH
	OpSW
	OpSD

	OpBEQ
	OpBNE
	OpBLT
	OpBGE
	OpBLTU
	OpBGEU

	OpADDI
	OpSLLI
	OpSLTI
	OpSLTIU
	OpXORI
	OpSRLI
	OpSRAI
	OpORI
	OpANDI

	OpADDIW
	OpSLLIW
	OpSRLIW
	OpSRAIW

	OpADD
	OpSUB
	OpSLL
	OpSLT
	OpSLTU
	OpXOR
	OpSRL
	OpSRA
	OpOR
	OpAND

	OpMUL
	OpMULH
	OpMULHSU
	OpMULHU
	OpDIV
	OpDIVU
	OpREM
	OpREMU

	OpADDW
	OpSUBW
	OpSLLW
	OpSRLW
	OpSRAW

	OpMULW
	OpDIVW
	OpDIVUW
	OpREMW
	OpREMUW

	OpLUI
	OpAUIPC
	OpJAL
	OpJALR

	OpECALL
	OpEBREAK
	OpFENCE

	OpLR
	OpSC
	OpAMO

	numOps
)

// Instruction is the immutable decoded form of one 32-bit instruction word.
type Instruction struct {
	Op     Op
	Rd     uint8
	Rs1    uint8
	Rs2    uint8
	Funct3 uint8
	Funct7 uint8
	Imm    uint64 // sign-extended where the format is signed
	Raw    uint32
}

// Field extraction. These match the RV64 base encoding layout.

func parseRd(instr uint32) uint8     { return uint8(instr >> 7 & 0x1F) }
func parseFunct3(instr uint32) uint8 { return uint8(instr >> 12 & 0x7) }
func parseRs1(instr uint32) uint8    { return uint8(instr >> 15 & 0x1F) }
func parseRs2(instr uint32) uint8    { return uint8(instr >> 20 & 0x1F) }
func parseFunct7(instr uint32) uint8 { return uint8(instr >> 25) }

func immTypeI(instr uint32) uint64 {
	return signExtend(uint64(instr>>20), 11)
}

func immTypeS(instr uint32) uint64 {
	return signExtend(uint64(instr>>25)<<5|uint64(instr>>7&0x1F), 11)
}

func immTypeB(instr uint32) uint64 {
	v := uint64(instr>>8&0xF)<<1 |
		uint64(instr>>25&0x3F)<<5 |
		uint64(instr>>7&1)<<11 |
		uint64(instr>>31)<<12
	return signExtend(v, 12)
}

func immTypeU(instr uint32) uint64 {
	return signExtend(uint64(instr>>12)<<12, 31)
}

func immTypeJ(instr uint32) uint64 {
	v := uint64(instr>>21&0x3FF)<<1 |
		uint64(instr>>20&1)<<11 |
		uint64(instr>>12&0xFF)<<12 |
		uint64(instr>>31)<<20
	return signExtend(v, 20)
}

// funct3-indexed kind tables per major opcode. OpIllegal entries reject the
// encoding at decode time.

var loadOps = [8]Op{OpLB, OpLH, OpLW, OpLD, OpLBU, OpLHU, OpLWU, OpIllegal}

var storeOps = [8]Op{OpSB, OpSH, OpSW, OpSD, OpIllegal, OpIllegal, OpIllegal, OpIllegal}

var branchOps = [8]Op{OpBEQ, OpBNE, OpIllegal, OpIllegal, OpBLT, OpBGE, OpBLTU, OpBGEU}

var opImmOps = [8]Op{OpADDI, OpSLLI, OpSLTI, OpSLTIU, OpXORI, OpSRLI, OpORI, OpANDI}

var opImm32Ops = [8]Op{OpADDIW, OpSLLIW, OpIllegal, OpIllegal, OpIllegal, OpSRLIW, OpIllegal, OpIllegal}

var opRegOps = [8]Op{OpADD, OpSLL, OpSLT, OpSLTU, OpXOR, OpSRL, OpOR, OpAND}

var opRegAltOps = [8]Op{OpSUB, OpIllegal, OpIllegal, OpIllegal, OpIllegal, OpSRA, OpIllegal, OpIllegal}

var mulDivOps = [8]Op{OpMUL, OpMULH, OpMULHSU, OpMULHU, OpDIV, OpDIVU, OpREM, OpREMU}

var opReg32Ops = [8]Op{OpADDW, OpSLLW, OpIllegal, OpIllegal, OpIllegal, OpSRLW, OpIllegal, OpIllegal}

var opReg32AltOps = [8]Op{OpSUBW, OpIllegal, OpIllegal, OpIllegal, OpIllegal, OpSRAW, OpIllegal, OpIllegal}

var mulDiv32Ops = [8]Op{OpMULW, OpIllegal, OpIllegal, OpIllegal, OpDIVW, OpDIVUW, OpREMW, OpREMUW}

// memAccessSize gives the access width in bytes for load/store kinds, and
// memAccessSigned whether the loaded value is sign-extended.
var memAccessSize = [numOps]uint64{
	OpLB: 1, OpLH: 2, OpLW: 4, OpLD: 8,
	OpLBU: 1, OpLHU: 2, OpLWU: 4,
	OpSB: 1, OpSH: 2, OpSW: 4, OpSD: 8,
}

var memAccessSigned = [numOps]bool{
	OpLB: true, OpLH: true, OpLW: true, OpLD: true,
}

// Decoder resolves 32-bit instruction words against the supported ISA.
// Extension support is fixed at construction.
type Decoder struct {
	mulDiv  bool
	atomics bool
}

func NewDecoder(mulDiv, atomics bool) *Decoder {
	return &Decoder{mulDiv: mulDiv, atomics: atomics}
}

// Decode turns an instruction word into its flat decoded form, or fails
// with IllegalInstructionError when no opcode/function-field combination
// matches a supported instruction.
func (d *Decoder) Decode(raw uint32) (Instruction, error) {
	in := Instruction{
		Rd:     parseRd(raw),
		Rs1:    parseRs1(raw),
		Rs2:    parseRs2(raw),
		Funct3: parseFunct3(raw),
		Funct7: parseFunct7(raw),
		Raw:    raw,
	}

	switch raw & 0x7F {
	case riscv.OpLoad:
		in.Op = loadOps[in.Funct3]
		in.Imm = immTypeI(raw)
	case riscv.OpStore:
		in.Op = storeOps[in.Funct3]
		in.Imm = immTypeS(raw)
	case riscv.OpBranch:
		in.Op = branchOps[in.Funct3]
		in.Imm = immTypeB(raw)
	case riscv.OpOpImm:
		in.Op = opImmOps[in.Funct3]
		in.Imm = immTypeI(raw)
		switch in.Funct3 {
		case 1: // SLLI: top 6 bits must be zero in rv64
			if in.Imm>>6&0x3F != 0 {
				in.Op = OpIllegal
			}
		case 5: // SRLI/SRAI share funct3, top 6 bits of imm select
			switch in.Imm >> 6 & 0x3F {
			case 0x00:
				in.Op = OpSRLI
			case 0x10:
				in.Op = OpSRAI
			default:
				in.Op = OpIllegal
			}
		}
	case riscv.OpOpImm32:
		in.Op = opImm32Ops[in.Funct3]
		in.Imm = immTypeI(raw)
		switch in.Funct3 {
		case 1: // SLLIW: shamt is 5 bits, top 7 bits of imm must be zero
			if in.Imm>>5&0x7F != 0 {
				in.Op = OpIllegal
			}
		case 5: // SRLIW/SRAIW: 5-bit shamt, top 7 bits of imm select
			switch in.Imm >> 5 & 0x7F {
			case 0x00:
				in.Op = OpSRLIW
			case 0x20:
				in.Op = OpSRAIW
			default:
				in.Op = OpIllegal
			}
		}
	case riscv.OpOp:
		switch in.Funct7 {
		case 0x00:
			in.Op = opRegOps[in.Funct3]
		case 0x20:
			in.Op = opRegAltOps[in.Funct3]
		case 0x01:
			if d.mulDiv {
				in.Op = mulDivOps[in.Funct3]
			}
		}
	case riscv.OpOp32:
		switch in.Funct7 {
		case 0x00:
			in.Op = opReg32Ops[in.Funct3]
		case 0x20:
			in.Op = opReg32AltOps[in.Funct3]
		case 0x01:
			if d.mulDiv {
				in.Op = mulDiv32Ops[in.Funct3]
			}
		}
	case riscv.OpLui:
		in.Op = OpLUI
		in.Imm = immTypeU(raw)
	case riscv.OpAuipc:
		in.Op = OpAUIPC
		in.Imm = immTypeU(raw)
	case riscv.OpJal:
		in.Op = OpJAL
		in.Imm = immTypeJ(raw)
	case riscv.OpJalr:
		if in.Funct3 == 0 {
			in.Op = OpJALR
			in.Imm = immTypeI(raw)
		}
	case riscv.OpSystem:
		if in.Funct3 == 0 && in.Rd == 0 && in.Rs1 == 0 {
			switch raw >> 20 {
			case 0:
				in.Op = OpECALL
			case 1:
				in.Op = OpEBREAK
			}
		}
	case riscv.OpMiscMem:
		// FENCE / FENCE.TSO / FENCE.I: single hart, no mem-op pipeline, so
		// all fences retire as no-ops.
		in.Op = OpFENCE
	case riscv.OpAmo:
		if !d.atomics || in.Funct3 < 2 || in.Funct3 > 3 {
			break // only W and D variants exist
		}
		switch in.Funct7 >> 2 {
		case 0x02:
			if in.Rs2 == 0 {
				in.Op = OpLR
			}
		case 0x03:
			in.Op = OpSC
		case 0x00, 0x01, 0x04, 0x08, 0x0c, 0x10, 0x14, 0x18, 0x1c:
			in.Op = OpAMO
		}
	}

	if in.Op == OpIllegal {
		return Instruction{Raw: raw}, &IllegalInstructionError{Instr: raw}
	}
	return in, nil
}
