// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package bvm is a user-space loader for the BVM in-kernel virtual
// machine. It parses a relocatable object produced by a compiler
// targeting the VM, discovers the programs and maps it contains,
// patches cross-references that are only known at load time, and
// drives the kernel through the staged create/relocate/load sequence.
package bvm

// InsnSize is the width in bytes of a single VM instruction record:
// 1 byte opcode, 4 bits dst/4 bits src register, 2 bytes signed
// offset, 4 bytes signed immediate.
const InsnSize = 8

// Reserved ELF machine id for objects compiled for the VM. Older
// compilers emit EM_NONE instead; both are accepted.
const EMBvm = 0xeb9f

// Opcode classes relevant to relocation and the VM's reserved
// pseudo-register sentinels. Only the handful of fields the loader
// must inspect or patch are modeled; the VM's full instruction set is
// out of scope (see Non-goals).
const (
	classLD  = 0x00
	classJMP = 0x05

	sizeDW = 0x18

	modeIMM = 0x00

	opJMPCall = classJMP | 0x80 | 0x00 // BPF_JMP | BPF_CALL

	opLDImm64 = classLD | sizeDW | modeIMM // BPF_LD | BPF_DW | BPF_IMM
)

// PseudoMapFD is the sentinel the loader writes into a load-immediate
// instruction's source-register field once it has patched the
// immediate to carry a map descriptor.
const PseudoMapFD = 1

// PseudoCall is the sentinel a compiler writes into a call
// instruction's source-register field to mark an intra-object call
// that the loader must resolve by inlining.
const PseudoCall = 1

// Insn is the fixed-width on-the-wire instruction record. Field names
// follow the classic register-machine encoding: a single byte
// packing the 4-bit destination and source register numbers sits
// between the opcode and the offset/immediate.
type Insn struct {
	Op      uint8
	DstSrc  uint8
	Off     int16
	Imm     int32
}

func (i Insn) srcReg() uint8 { return i.DstSrc >> 4 }

func (i *Insn) setSrcReg(v uint8) { i.DstSrc = (i.DstSrc & 0x0f) | (v << 4) }

func (i Insn) isCall() bool { return i.Op == opJMPCall }

func (i Insn) isLDImm64() bool { return i.Op == opLDImm64 }

// decodeInsns reinterprets a raw byte slice as a slice of Insn
// records. The slice shares no backing storage with b so callers may
// discard b afterwards.
func decodeInsns(b []byte) []Insn {
	n := len(b) / InsnSize
	out := make([]Insn, n)
	for i := 0; i < n; i++ {
		off := i * InsnSize
		out[i] = Insn{
			Op:     b[off],
			DstSrc: b[off+1],
			Off:    int16(uint16(b[off+2]) | uint16(b[off+3])<<8),
			Imm: int32(uint32(b[off+4]) | uint32(b[off+5])<<8 |
				uint32(b[off+6])<<16 | uint32(b[off+7])<<24),
		}
	}
	return out
}
