// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package bvm

import "debug/elf"

// progSection is a SHF_EXECINSTR section discovered during
// classification, carrying just enough to build a Program from it in
// a later pass.
type progSection struct {
	idx  int
	name string
	data []byte
}

// relocSection is a SHT_REL/SHT_RELA section discovered during
// classification, paired with the index of the instruction section
// it patches (sh_info in ELF terms) the way libbpf pairs
// efile.reloc[n] with its target via section_have_execinstr.
type relocSection struct {
	targetShndx int
	name        string
	raw         []byte
	isRela      bool
}

// elfInfo holds everything classifySections gathers from a single
// walk of the section table, so later passes (buildMaps,
// buildPrograms, collectRelocations) never re-walk it themselves.
// This mirrors the bookkeeping libbpf keeps on bpf_object.efile
// (maps_shndx, text_shndx, symbols, reloc).
type elfInfo struct {
	license   string
	kver      uint32
	mapsShndx int
	textShndx int
	mapsData  []byte
	symbols   []elf.Symbol
	progSecs  []progSection
	relocSecs []relocSection
}

// classifySections walks every section exactly once and buckets it
// the way bpf_object__elf_collect does: "license" and "version" are
// consumed immediately, "maps" data is kept for buildMaps, sections
// with SHF_EXECINSTR are kept for buildPrograms, and SHT_REL(A)
// sections are kept for collectRelocations. Sections the loader has
// no use for (debug info, unrecognized custom sections) are silently
// skipped, matching libbpf's pr_debug("skip section") fallthrough.
func (o *Object) classifySections() error {
	ef := o.elf
	info := &elfInfo{mapsShndx: -1, textShndx: -1}

	symbols, err := ef.Symbols()
	if err != nil && err != elf.ErrNoSymbols {
		return wrapf("bvm.Open", KindLibelf, err, "read symbol table")
	}
	info.symbols = symbols

	for i, sec := range ef.Sections {
		switch {
		case sec.Name == "license":
			data, err := sec.Data()
			if err != nil {
				return wrapf("bvm.Open", KindLibelf, err, "read license section")
			}
			info.license = cString(data)

		case sec.Name == "version":
			data, err := sec.Data()
			if err != nil {
				return wrapf("bvm.Open", KindLibelf, err, "read version section")
			}
			if len(data) < 4 {
				return errf("bvm.Open", KindFormat, "version section too small")
			}
			info.kver = ef.ByteOrder.Uint32(data)

		case sec.Name == "maps":
			data, err := sec.Data()
			if err != nil {
				return wrapf("bvm.Open", KindLibelf, err, "read maps section")
			}
			info.mapsShndx = i
			info.mapsData = data

		case sec.Type == elf.SHT_PROGBITS && sec.Flags&elf.SHF_EXECINSTR != 0 && sec.Size > 0:
			data, err := sec.Data()
			if err != nil {
				return wrapf("bvm.Open", KindLibelf, err, "read section %s", sec.Name)
			}
			if sec.Name == ".text" {
				info.textShndx = i
			}
			info.progSecs = append(info.progSecs, progSection{idx: i, name: sec.Name, data: data})

		case sec.Type == elf.SHT_REL || sec.Type == elf.SHT_RELA:
			data, err := sec.Data()
			if err != nil {
				return wrapf("bvm.Open", KindLibelf, err, "read relocation section %s", sec.Name)
			}
			info.relocSecs = append(info.relocSecs, relocSection{
				targetShndx: int(sec.Info),
				name:        sec.Name,
				raw:         data,
				isRela:      sec.Type == elf.SHT_RELA,
			})

		default:
			// debug info and unrecognized custom sections: skipped
		}
	}

	o.License = info.license
	o.KVer = info.kver
	o.einfo = info
	return nil
}

// cString trims a NUL-terminated (or unterminated) byte slice to its
// leading run, the way the "license" section's raw bytes need to be
// trimmed to a Go string.
func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
