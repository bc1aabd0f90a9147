// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package bvm

// TypeInfo is the external collaborator that resolves a map's key and
// value type names to the type-debug-info ids the kernel wants at map
// creation time (the BTF-like side channel libbpf consults through
// bpf_map_find_btf_info). The core treats it as optional: when it is
// nil, or when it cannot resolve a given map, the loader simply
// creates the map without type info rather than failing (see
// Object.createMaps and the BTF-retry design note).
type TypeInfo interface {
	// FD returns the descriptor of the type-debug-info blob backing
	// this collaborator, used to populate MapCreateAttr.BTFFD.
	FD() int

	// Resolve returns the type ids for the named key and value
	// types of a map, or ok=false if either could not be resolved.
	Resolve(keyTypeName, valueTypeName string) (keyID, valueID uint32, ok bool)
}

// noTypeInfo is the zero-value TypeInfo: every map created under it
// goes to the kernel with no type metadata attached.
type noTypeInfo struct{}

func (noTypeInfo) FD() int { return -1 }

func (noTypeInfo) Resolve(string, string) (uint32, uint32, bool) { return 0, 0, false }
