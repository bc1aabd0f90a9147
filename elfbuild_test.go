// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package bvm

import (
	"bytes"
	"encoding/binary"
)

// This file builds minimal, hand-assembled ELF64 relocatable objects
// for the test scenarios in object_test.go. There is no real BVM
// compiler in this retrieval pack to produce fixtures with, so the
// tests construct the smallest valid object that exercises each code
// path directly, the same way the upstream project's own test suite
// relies on clang-compiled .o fixtures it ships in the repo.

type testMap struct {
	name string
	def  MapDef
}

type testProg struct {
	name  string
	insns []Insn
}

type testReloc struct {
	prog    string
	insnIdx int
	sym     string
	isCall  bool
}

type testObjSpec struct {
	license string
	kver    uint32
	maps    []testMap
	progs   []testProg
	relocs  []testReloc

	// rawMapsSection lets a test supply raw bytes for the maps
	// section instead of deriving it from maps, to exercise
	// malformed-section edge cases directly.
	rawMapsSection []byte
	mapsCount      int
}

func encodeInsn(i Insn) [InsnSize]byte {
	var b [InsnSize]byte
	b[0] = i.Op
	b[1] = i.DstSrc
	binary.LittleEndian.PutUint16(b[2:4], uint16(i.Off))
	binary.LittleEndian.PutUint32(b[4:8], uint32(i.Imm))
	return b
}

func encodeInsns(insns []Insn) []byte {
	out := make([]byte, 0, len(insns)*InsnSize)
	for _, i := range insns {
		b := encodeInsn(i)
		out = append(out, b[:]...)
	}
	return out
}

func encodeMapDef(d MapDef) []byte {
	b := make([]byte, mapDefSize)
	binary.LittleEndian.PutUint32(b[0:4], uint32(d.Kind))
	binary.LittleEndian.PutUint32(b[4:8], d.KeySize)
	binary.LittleEndian.PutUint32(b[8:12], d.ValueSize)
	binary.LittleEndian.PutUint32(b[12:16], d.MaxEntries)
	binary.LittleEndian.PutUint32(b[16:20], d.Flags)
	return b
}

// elfSec is one section destined for the section header table; data
// is written verbatim, name is resolved against the shared shstrtab.
type elfSec struct {
	name    string
	shType  uint32
	flags   uint64
	link    uint32
	info    uint32
	entsize uint64
	data    []byte
}

const (
	shtNull    = 0
	shtProgbit = 1
	shtSymtab  = 2
	shtStrtab  = 3
	shtRel     = 9

	shfWrite     = 0x1
	shfAlloc     = 0x2
	shfExecinstr = 0x4
)

// buildObject assembles a minimal little-endian ELF64 ET_REL file
// with EM_NONE (0, the machine id older BVM compilers emit) carrying
// the sections spec describes.
func buildObject(spec testObjSpec) []byte {
	var strtab bytes.Buffer
	strtab.WriteByte(0)
	strOff := map[string]uint32{}
	strOffset := func(s string) uint32 {
		if s == "" {
			return 0
		}
		if off, ok := strOff[s]; ok {
			return off
		}
		off := uint32(strtab.Len())
		strtab.WriteString(s)
		strtab.WriteByte(0)
		strOff[s] = off
		return off
	}

	// Symbol table: null symbol first, then one per map (pointing
	// into "maps"), then one per prog (pointing into its own
	// section, used as a call target when the prog is ".text").
	type sym struct {
		name  string
		value uint64
		shndx uint16
		size  uint64
		typ   uint8
	}
	var syms []sym
	syms = append(syms, sym{}) // STN_UNDEF

	symIdx := map[string]int{}

	mapsData := spec.rawMapsSection
	if mapsData == nil {
		var buf bytes.Buffer
		for _, m := range spec.maps {
			buf.Write(encodeMapDef(m.def))
		}
		mapsData = buf.Bytes()
	}

	var sections []elfSec
	sections = append(sections, elfSec{}) // NULL section

	if spec.license != "" {
		sections = append(sections, elfSec{name: "license", shType: shtProgbit, data: append([]byte(spec.license), 0)})
	}
	if spec.kver != 0 {
		kv := make([]byte, 4)
		binary.LittleEndian.PutUint32(kv, spec.kver)
		sections = append(sections, elfSec{name: "version", shType: shtProgbit, data: kv})
	}

	mapsShndx := -1
	if len(mapsData) > 0 {
		mapsShndx = len(sections)
		sections = append(sections, elfSec{name: "maps", shType: shtProgbit, flags: shfAlloc | shfWrite, data: mapsData})
	}

	off := uint64(0)
	for _, m := range spec.maps {
		symIdx[m.name] = len(syms)
		syms = append(syms, sym{name: m.name, value: off, shndx: uint16(mapsShndx), size: uint64(mapDefSize), typ: 1})
		off += uint64(mapDefSize)
	}

	progShndx := map[string]int{}
	for _, p := range spec.progs {
		idx := len(sections)
		progShndx[p.name] = idx
		data := encodeInsns(p.insns)
		sections = append(sections, elfSec{
			name: p.name, shType: shtProgbit, flags: shfAlloc | shfExecinstr, data: data,
		})
		// A symbol at offset 0 of the section lets a call
		// relocation reference this program as a callee.
		symIdx[p.name] = len(syms)
		syms = append(syms, sym{name: p.name, value: 0, shndx: uint16(idx), size: uint64(len(data)), typ: 2})
	}

	symtabShndx := len(sections)
	var symtabBuf bytes.Buffer
	for _, s := range syms {
		nameOff := strOffset(s.name)
		binary.Write(&symtabBuf, binary.LittleEndian, uint32(nameOff))
		symtabBuf.WriteByte(byte((1 << 4) | s.typ)) // STB_GLOBAL<<4 | type
		symtabBuf.WriteByte(0)                      // other
		binary.Write(&symtabBuf, binary.LittleEndian, s.shndx)
		binary.Write(&symtabBuf, binary.LittleEndian, s.value)
		binary.Write(&symtabBuf, binary.LittleEndian, s.size)
	}
	strtabShndx := symtabShndx + 1
	sections = append(sections, elfSec{name: ".symtab", shType: shtSymtab, link: uint32(strtabShndx), entsize: 24, data: symtabBuf.Bytes()})
	sections = append(sections, elfSec{name: ".strtab", shType: shtStrtab, data: strtab.Bytes()})

	for _, r := range spec.relocs {
		targetShndx, ok := progShndx[r.prog]
		if !ok {
			continue
		}
		si, ok := symIdx[r.sym]
		if !ok {
			continue
		}
		var relBuf bytes.Buffer
		offset := uint64(r.insnIdx * InsnSize)
		info := (uint64(si) << 32)
		binary.Write(&relBuf, binary.LittleEndian, offset)
		binary.Write(&relBuf, binary.LittleEndian, info)
		sections = append(sections, elfSec{
			name: ".rel" + r.prog, shType: shtRel, link: uint32(symtabShndx), info: uint32(targetShndx),
			entsize: 16, data: relBuf.Bytes(),
		})
	}

	// shstrtab is built last since it must also name itself.
	var shstrtab bytes.Buffer
	shstrtab.WriteByte(0)
	shNameOff := make([]uint32, len(sections))
	for i, s := range sections {
		if s.name == "" {
			continue
		}
		shNameOff[i] = uint32(shstrtab.Len())
		shstrtab.WriteString(s.name)
		shstrtab.WriteByte(0)
	}
	shstrtabOff := uint32(shstrtab.Len())
	shstrtab.WriteString(".shstrtab")
	shstrtab.WriteByte(0)
	shstrtabShndx := len(sections)
	sections = append(sections, elfSec{name: ".shstrtab", shType: shtStrtab, data: shstrtab.Bytes()})
	shNameOff = append(shNameOff, shstrtabOff)

	return assembleELF(sections, shNameOff, shstrtabShndx)
}

const elfHeaderSize = 64
const elfShdrSize = 64

func assembleELF(sections []elfSec, shNameOff []uint32, shstrndx int) []byte {
	var buf bytes.Buffer

	// e_ident
	buf.Write([]byte{0x7f, 'E', 'L', 'F', 2, 1, 1, 0})
	buf.Write(make([]byte, 8)) // padding

	binary.Write(&buf, binary.LittleEndian, uint16(1))  // e_type = ET_REL
	binary.Write(&buf, binary.LittleEndian, uint16(0))  // e_machine = EM_NONE
	binary.Write(&buf, binary.LittleEndian, uint32(1))  // e_version
	binary.Write(&buf, binary.LittleEndian, uint64(0))  // e_entry
	binary.Write(&buf, binary.LittleEndian, uint64(0))  // e_phoff

	shoffPos := buf.Len()
	binary.Write(&buf, binary.LittleEndian, uint64(0)) // e_shoff, patched below

	binary.Write(&buf, binary.LittleEndian, uint32(0))               // e_flags
	binary.Write(&buf, binary.LittleEndian, uint16(elfHeaderSize))   // e_ehsize
	binary.Write(&buf, binary.LittleEndian, uint16(0))               // e_phentsize
	binary.Write(&buf, binary.LittleEndian, uint16(0))               // e_phnum
	binary.Write(&buf, binary.LittleEndian, uint16(elfShdrSize))     // e_shentsize
	binary.Write(&buf, binary.LittleEndian, uint16(len(sections)))   // e_shnum
	binary.Write(&buf, binary.LittleEndian, uint16(shstrndx))        // e_shstrndx

	dataOffsets := make([]uint64, len(sections))
	for i, s := range sections {
		if i == 0 {
			continue
		}
		for buf.Len()%8 != 0 {
			buf.WriteByte(0)
		}
		dataOffsets[i] = uint64(buf.Len())
		buf.Write(s.data)
	}

	for buf.Len()%8 != 0 {
		buf.WriteByte(0)
	}
	shoff := uint64(buf.Len())

	for i, s := range sections {
		binary.Write(&buf, binary.LittleEndian, shNameOff[i])
		binary.Write(&buf, binary.LittleEndian, s.shType)
		binary.Write(&buf, binary.LittleEndian, s.flags)
		binary.Write(&buf, binary.LittleEndian, uint64(0)) // sh_addr
		binary.Write(&buf, binary.LittleEndian, dataOffsets[i])
		binary.Write(&buf, binary.LittleEndian, uint64(len(s.data)))
		binary.Write(&buf, binary.LittleEndian, s.link)
		binary.Write(&buf, binary.LittleEndian, s.info)
		binary.Write(&buf, binary.LittleEndian, uint64(1)) // sh_addralign
		binary.Write(&buf, binary.LittleEndian, s.entsize)
	}

	out := buf.Bytes()
	binary.LittleEndian.PutUint64(out[shoffPos:shoffPos+8], shoff)
	return out
}
