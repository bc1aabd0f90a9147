// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package bvm

import "encoding/binary"

// relType distinguishes the two relocation shapes this loader
// resolves: a map-fd load needing its immediate patched, or a pseudo
// call into ".text" needing its callee inlined.
type relType int

const (
	relLD64 relType = iota
	relCall
)

// Reloc is one resolved relocation entry attached to the program that
// owns it. MapIdx and TextOff are mutually exclusive depending on
// Type, mirroring libbpf's union-like reloc_desc.
type Reloc struct {
	Type    relType
	InsnIdx int
	MapIdx  int    // valid when Type == relLD64
	TextOff uint64 // valid when Type == relCall: symbol value within .text
}

// relEntry is one decoded REL/RELA record, architecture-agnostic: a
// byte offset into the target section and the symbol table index it
// references.
type relEntry struct {
	offset uint64
	symIdx uint32
}

// decodeRelEntries reads entries out of the generic 64-bit relocation
// format (8-byte offset, 8-byte sym/type word, optional 8-byte
// addend). The VM's relocations never carry an addend worth
// preserving, so RELA's third field is read only to size the record
// correctly and then discarded.
func decodeRelEntries(raw []byte, order binaryByteOrder, isRela bool) []relEntry {
	entrySize := 16
	if isRela {
		entrySize = 24
	}
	n := len(raw) / entrySize
	out := make([]relEntry, 0, n)
	for i := 0; i < n; i++ {
		off := i * entrySize
		offset := order.Uint64(raw[off : off+8])
		info := order.Uint64(raw[off+8 : off+16])
		out = append(out, relEntry{offset: offset, symIdx: uint32(info >> 32)})
	}
	return out
}

// binaryByteOrder is the subset of encoding/binary.ByteOrder this
// file needs for 64-bit fields.
type binaryByteOrder interface {
	Uint64([]byte) uint64
}

var _ binaryByteOrder = binary.LittleEndian

// collectRelocations resolves every relocation section classified
// against a program section into that Program's reloc list, the Go
// analogue of bpf_program__collect_reloc. Only relocation sections
// targeting a section with executable instructions are considered
// (matching section_have_execinstr's filter in the original walk).
func (o *Object) collectRelocations() error {
	info := o.einfo
	if len(info.relocSecs) == 0 {
		return nil
	}

	progByIdx := make(map[int]*Program, len(o.Programs))
	for _, p := range o.Programs {
		progByIdx[p.Idx] = p
	}

	for _, rs := range info.relocSecs {
		prog, ok := progByIdx[rs.targetShndx]
		if !ok {
			continue // relocation for a non-instruction section, ignored
		}

		entries := decodeRelEntries(rs.raw, o.elf.ByteOrder, rs.isRela)
		for _, e := range entries {
			// debug/elf's Symbols() strips the mandatory all-zero
			// entry at raw index 0, so a raw symbol table index
			// needs shifting by one to index into info.symbols.
			if e.symIdx == 0 || int(e.symIdx) > len(info.symbols) {
				return errf("bvm.Open", KindReloc, "program %q: relocation symbol index %d out of range", prog.Name, e.symIdx)
			}
			sym := info.symbols[e.symIdx-1]

			if int(sym.Section) != info.mapsShndx && int(sym.Section) != info.textShndx {
				return errf("bvm.Open", KindReloc,
					"program %q: relocation points to unexpected section %d", prog.Name, sym.Section)
			}

			insnIdx := int(e.offset) / InsnSize
			if insnIdx < 0 || insnIdx >= len(prog.Insns) {
				return errf("bvm.Open", KindReloc, "program %q: relocation insn index %d out of range", prog.Name, insnIdx)
			}
			insn := prog.Insns[insnIdx]

			if insn.isCall() {
				if insn.srcReg() != PseudoCall {
					return errf("bvm.Open", KindReloc, "program %q: malformed call relocation at insn %d", prog.Name, insnIdx)
				}
				prog.reloc = append(prog.reloc, Reloc{Type: relCall, InsnIdx: insnIdx, TextOff: sym.Value})
				o.hasPseudoCalls = true
				continue
			}

			if !insn.isLDImm64() {
				return errf("bvm.Open", KindReloc,
					"program %q: invalid relocation target at insn %d (code 0x%x)", prog.Name, insnIdx, insn.Op)
			}

			mapIdx := -1
			for i, m := range o.Maps {
				if m.Offset == sym.Value {
					mapIdx = i
					break
				}
			}
			if mapIdx < 0 {
				return errf("bvm.Open", KindReloc, "program %q: relocation references unknown map at offset %d", prog.Name, sym.Value)
			}
			prog.reloc = append(prog.reloc, Reloc{Type: relLD64, InsnIdx: insnIdx, MapIdx: mapIdx})
		}
	}

	for _, p := range o.Programs {
		for _, r := range p.reloc {
			if r.Type == relCall {
				o.hasLocalCalls = true
			}
		}
	}
	return nil
}
