// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package bvm

import "debug/elf"

// mapDefSize is the size in bytes of the map definition struct this
// loader understands: kind, key size, value size, max entries, and
// flags, each a 4-byte little/big-endian field per the object's own
// byte order.
const mapDefSize = 20

// MapDef is a map's declared configuration, read out of the "maps"
// section's symbol-addressed records.
type MapDef struct {
	Kind       MapKind
	KeySize    uint32
	ValueSize  uint32
	MaxEntries uint32
	Flags      uint32
}

// Map is a single map discovered in the "maps" section of an object.
// Offset is the byte offset of its definition within that section,
// used to keep Maps ordered the same way libbpf's compare_bpf_map
// does (by declaration offset) and to match a map-fd relocation's
// symbol value to its map.
type Map struct {
	Name   string
	Offset uint64
	Def    MapDef

	// IfIndex binds the map to a network device, used by the
	// device-bound map kinds; zero means no device.
	IfIndex uint32

	keyTypeName   string
	valueTypeName string

	fd int
}

// FD returns the map's kernel descriptor, or -1 if the map has not
// been created yet.
func (m *Map) FD() int { return m.fd }

// buildMaps fills Object.Maps from the "maps" section, the Go
// analogue of bpf_object__init_maps: every symbol pointing into that
// section names one map, and the map's definition lives at the
// symbol's value (its offset within the section).
//
// Array-of-maps declarations (multiple symbols of the same name) are
// not supported, matching the TODO left in the original: only the
// first element bpf_object__init_maps would see is considered, since
// this loader keys maps by symbol rather than by array index.
func (o *Object) buildMaps() error {
	info := o.einfo
	if info.mapsShndx < 0 {
		return nil
	}
	if info.symbols == nil {
		return errf("bvm.Open", KindFormat, "maps section present with no symbol table")
	}

	var syms []elf.Symbol
	for _, sym := range info.symbols {
		if int(sym.Section) != info.mapsShndx {
			continue
		}
		if elf.ST_TYPE(sym.Info) == elf.STT_SECTION {
			continue
		}
		syms = append(syms, sym)
	}
	if len(syms) == 0 {
		return nil
	}

	sectionSize := uint64(len(info.mapsData))
	defSz := sectionSize / uint64(len(syms))
	if sectionSize == 0 || sectionSize%uint64(len(syms)) != 0 {
		return errf("bvm.Open", KindFormat,
			"unable to determine map definition size: %d maps in %d bytes", len(syms), sectionSize)
	}

	maps := make([]*Map, 0, len(syms))
	for _, sym := range syms {
		if sym.Value+defSz > sectionSize {
			return errf("bvm.Open", KindFormat, "maps section: last map %q too small", sym.Name)
		}

		def, err := decodeMapDef(info.mapsData[sym.Value:sym.Value+defSz], o.elf.ByteOrder)
		if err != nil {
			kind := KindFormat
			if derr, ok := err.(*Error); ok {
				kind = derr.Kind
			}
			return wrapf("bvm.Open", kind, err, "maps section: map %q", sym.Name)
		}

		maps = append(maps, &Map{
			Name:   sym.Name,
			Offset: sym.Value,
			Def:    def,
			fd:     -1,
		})
	}

	for i := 1; i < len(maps); i++ {
		for j := i; j > 0 && maps[j-1].Offset > maps[j].Offset; j-- {
			maps[j-1], maps[j] = maps[j], maps[j-1]
		}
	}

	o.Maps = maps
	return nil
}

// decodeMapDef reads a map definition from a record that may be
// smaller than, equal to, or larger than mapDefSize. A record smaller
// than mapDefSize is rejected outright (the declaration is missing
// fields this loader requires). A larger record is accepted only if
// every byte past mapDefSize is zero, the forward-compatibility rule
// bpf_object__init_maps applies so that objects built against a newer
// map-def layout still load against an older loader.
func decodeMapDef(b []byte, order byteOrder) (MapDef, error) {
	if len(b) < mapDefSize {
		return MapDef{}, errf("bvm.decodeMapDef", KindFormat, "map definition too small (%d bytes)", len(b))
	}
	for _, c := range b[mapDefSize:] {
		if c != 0 {
			return MapDef{}, errf("bvm.decodeMapDef", KindInvalid, "unrecognized non-zero trailing map options")
		}
	}
	return MapDef{
		Kind:       MapKind(order.Uint32(b[0:4])),
		KeySize:    order.Uint32(b[4:8]),
		ValueSize:  order.Uint32(b[8:12]),
		MaxEntries: order.Uint32(b[12:16]),
		Flags:      order.Uint32(b[16:20]),
	}, nil
}

// createMaps asks the kernel to create every map not already backed
// by a reused descriptor. On any failure, every map created so far in
// this call is closed before the error is returned, mirroring
// libbpf's bpf_object__create_maps rollback-on-failure loop.
//
// When type info is available, the loader first tries to create the
// map with its key/value type ids attached; a kernel that rejects the
// attempt (an older kernel with no type-debug-info support) gets a
// second, bare attempt without them, resolving the BTF-retry open
// question the same way bpf_object__create_maps does.
func (o *Object) createMaps() error {
	created := make([]*Map, 0, len(o.Maps))

	for _, m := range o.Maps {
		if m.fd >= 0 {
			continue // already populated via a reuse path
		}

		attr := MapCreateAttr{
			Name:       m.Name,
			Kind:       m.Def.Kind,
			KeySize:    m.Def.KeySize,
			ValueSize:  m.Def.ValueSize,
			MaxEntries: m.Def.MaxEntries,
			Flags:      m.Def.Flags,
			IfIndex:    m.IfIndex,
		}

		btfPopulated := false
		if keyID, valID, ok := o.types.Resolve(m.keyTypeName, m.valueTypeName); ok {
			attr.BTFFD = o.types.FD()
			attr.BTFKeyTypeID = keyID
			attr.BTFValueTypeID = valID
			btfPopulated = true
		}

		fd, err := o.kernel.CreateMap(attr)
		if err != nil && btfPopulated {
			o.logger.Warn("map create with type info rejected, retrying without it",
				map[string]interface{}{"map": m.Name, "err": err.Error()})
			attr.BTFFD = 0
			attr.BTFKeyTypeID = 0
			attr.BTFValueTypeID = 0
			fd, err = o.kernel.CreateMap(attr)
		}
		if err != nil {
			for _, c := range created {
				o.kernel.Close(c.fd)
				c.fd = -1
			}
			return wrapf("Object.Load", KindErrno, err, "create map %q", m.Name)
		}

		m.fd = fd
		created = append(created, m)
	}
	return nil
}

// ReuseMap rewires the named map to an already-existing kernel
// descriptor instead of letting Load create a fresh one, the Go
// analogue of bpf_map__reuse_fd (libbpf.c:1043). fd is duplicated
// close-on-exec first so the loader ends up owning an independent
// descriptor rather than the caller's; the kernel is then queried via
// ObjectInfoByFD for the map's actual name and definition, which
// replace the ones read out of the object's "maps" section, since the
// already-created map is authoritative. The caller's fd is never
// touched. On any failure -- an unknown map name, a failed dup, or a
// failed info query -- the Map is left exactly as it was and the
// duplicated descriptor, if any, is closed; only a fully successful
// reuse replaces the Map's fd and fields, and only then is any
// previous descriptor on the Map closed.
func (o *Object) ReuseMap(name string, fd int) error {
	m := o.Map(name)
	if m == nil {
		return errf("Object.ReuseMap", KindInvalid, "no such map %q", name)
	}

	dup, err := o.kernel.DupCloseOnExec(fd)
	if err != nil {
		return wrapf("Object.ReuseMap", KindErrno, err, "dup map %q descriptor", name)
	}

	info, err := o.kernel.ObjectInfoByFD(dup)
	if err != nil {
		o.kernel.Close(dup)
		return wrapf("Object.ReuseMap", KindErrno, err, "query reused map %q", name)
	}

	if m.fd >= 0 {
		o.kernel.Close(m.fd)
	}

	m.fd = dup
	m.Name = info.Name
	m.Def = MapDef{
		Kind:       info.Kind,
		KeySize:    info.KeySize,
		ValueSize:  info.ValueSize,
		MaxEntries: info.MaxEntries,
		Flags:      info.Flags,
	}
	return nil
}

// byteOrder is the subset of encoding/binary.ByteOrder this package
// needs; debug/elf.File.ByteOrder already satisfies it.
type byteOrder interface {
	Uint32([]byte) uint32
}
