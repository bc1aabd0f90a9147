// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package bvm

import "testing"

func insn(op, dstSrc uint8, off int16, imm int32) Insn {
	return Insn{Op: op, DstSrc: dstSrc, Off: off, Imm: imm}
}

func ldImm64(dst uint8) Insn { return insn(opLDImm64, dst, 0, 0) }

func callInsn(imm int32) Insn { return insn(opJMPCall, PseudoCall<<4, 0, imm) }

func exitInsn() Insn { return insn(0x95, 0, 0, 0) }

// TestOpen_SingleProgramOneMap covers the simplest scenario in the
// spec's testable properties: one map, one program with a single
// map-fd relocation, clean load.
func TestOpen_SingleProgramOneMap(t *testing.T) {
	raw := buildObject(testObjSpec{
		license: "GPL",
		kver:    0x40900,
		maps:    []testMap{{name: "counters", def: MapDef{Kind: 1, KeySize: 4, ValueSize: 8, MaxEntries: 1024}}},
		progs: []testProg{
			{name: "kprobe/sys_read", insns: []Insn{ldImm64(0), exitInsn()}},
		},
		relocs: []testReloc{
			{prog: "kprobe/sys_read", insnIdx: 0, sym: "counters"},
		},
	})

	obj, err := OpenBytes("single", raw, &Options{Kernel: NewFakeKernel(), Logger: noopLogger{}})
	if err != nil {
		t.Fatalf("OpenBytes failed: %v", err)
	}
	defer obj.Close()

	if len(obj.Maps) != 1 || obj.Maps[0].Name != "counters" {
		t.Fatalf("unexpected maps: %+v", obj.Maps)
	}
	if len(obj.Programs) != 1 {
		t.Fatalf("unexpected programs: %+v", obj.Programs)
	}

	if err := obj.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	m := obj.Map("counters")
	if m.FD() < 0 {
		t.Fatalf("map not created")
	}
	p := obj.Program("kprobe/sys_read")
	if p.FD() < 0 {
		t.Fatalf("program not loaded")
	}

	patched := p.Insns[0]
	if patched.srcReg() != PseudoMapFD {
		t.Errorf("map-fd relocation did not set PSEUDO_MAP_FD sentinel: %+v", patched)
	}
	if int(patched.Imm) != m.FD() {
		t.Errorf("map-fd relocation wrote imm=%d, want fd=%d", patched.Imm, m.FD())
	}
}

// TestOpen_LocalCallInlining covers local-call inlining: a program
// calls into ".text", whose instructions must be appended once and
// the call immediate rebiased by main_prog_cnt - insn_idx.
func TestOpen_LocalCallInlining(t *testing.T) {
	textInsns := []Insn{exitInsn(), exitInsn(), exitInsn()}
	mainInsns := []Insn{callInsn(0), exitInsn()}

	raw := buildObject(testObjSpec{
		license: "GPL",
		kver:    0x40900,
		progs: []testProg{
			{name: "kprobe/entry", insns: mainInsns},
			{name: ".text", insns: textInsns},
		},
		relocs: []testReloc{
			{prog: "kprobe/entry", insnIdx: 0, sym: ".text", isCall: true},
		},
	})

	obj, err := OpenBytes("localcall", raw, &Options{Kernel: NewFakeKernel(), Logger: noopLogger{}})
	if err != nil {
		t.Fatalf("OpenBytes failed: %v", err)
	}
	defer obj.Close()

	if !obj.hasPseudoCalls {
		t.Fatalf("expected hasPseudoCalls to be set")
	}

	p := obj.Program("kprobe/entry")
	if p == nil {
		t.Fatalf("program kprobe/entry not found")
	}

	if err := obj.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	wantLen := len(mainInsns) + len(textInsns)
	if len(p.Insns) != wantLen {
		t.Fatalf("expected %d insns after inlining, got %d", wantLen, len(p.Insns))
	}

	// .text itself must never be submitted to the kernel once it has
	// been inlined as function storage.
	text := obj.Program(".text")
	if text == nil {
		t.Fatalf("program .text not found")
	}
	if text.FD() >= 0 {
		t.Errorf(".text was loaded as a standalone program, want function storage only")
	}

	wantImm := int32(p.mainInsnCnt - 0)
	if p.Insns[0].Imm != wantImm {
		t.Errorf("call immediate = %d, want %d", p.Insns[0].Imm, wantImm)
	}
}

// TestOpen_WrongProgramKind covers the kind-mismatch retry probe: a
// program submitted under the wrong kind is reclassified as
// KindProgType once a kprobe-kind probe succeeds.
func TestOpen_WrongProgramKind(t *testing.T) {
	raw := buildObject(testObjSpec{
		license: "GPL",
		progs: []testProg{
			{name: "xdp", insns: []Insn{exitInsn()}},
		},
	})

	fk := NewFakeKernel().(*fakeKernel)
	fk.failKind = ProgKindXDP

	obj, err := OpenBytes("wrongkind", raw, &Options{Kernel: fk, Logger: noopLogger{}})
	if err != nil {
		t.Fatalf("OpenBytes failed: %v", err)
	}
	defer obj.Close()

	err = obj.Load()
	if err == nil {
		t.Fatalf("expected Load to fail")
	}
	lerr, ok := err.(*Error)
	if !ok {
		t.Fatalf("expected *Error, got %T", err)
	}
	if lerr.Kind != KindProgType {
		t.Errorf("Kind = %v, want %v", lerr.Kind, KindProgType)
	}
}

// TestOpen_ProgramTooBig covers the hard instruction-count ceiling:
// a program at or above the kernel's hard maximum is classified
// KindProg2Big without a kind-mismatch probe.
func TestOpen_ProgramTooBig(t *testing.T) {
	insns := make([]Insn, hardMaxInsns)
	for i := range insns {
		insns[i] = exitInsn()
	}

	raw := buildObject(testObjSpec{
		license: "GPL",
		progs:   []testProg{{name: "socket", insns: insns}},
	})

	fk := NewFakeKernel().(*fakeKernel)
	// force the fake kernel to reject this program's socket-filter kind
	fk.failKind = ProgKindSocketFilter

	obj, err := OpenBytes("toobig", raw, &Options{Kernel: fk, Logger: noopLogger{}})
	if err != nil {
		t.Fatalf("OpenBytes failed: %v", err)
	}
	defer obj.Close()

	err = obj.Load()
	if err == nil {
		t.Fatalf("expected Load to fail")
	}
	lerr, ok := err.(*Error)
	if !ok {
		t.Fatalf("expected *Error, got %T", err)
	}
	if lerr.Kind != KindProg2Big {
		t.Errorf("Kind = %v, want %v", lerr.Kind, KindProg2Big)
	}
}

// TestOpen_MissingKernelVersion covers the kernel-version validation
// for program kinds that require one.
func TestOpen_MissingKernelVersion(t *testing.T) {
	raw := buildObject(testObjSpec{
		license: "GPL",
		progs:   []testProg{{name: "kprobe/sys_write", insns: []Insn{exitInsn()}}},
	})

	obj, err := OpenBytes("nokver", raw, &Options{Kernel: NewFakeKernel(), Logger: noopLogger{}})
	if err != nil {
		t.Fatalf("OpenBytes failed: %v", err)
	}
	defer obj.Close()

	err = obj.Load()
	if err == nil {
		t.Fatalf("expected Load to fail")
	}
	lerr, ok := err.(*Error)
	if !ok {
		t.Fatalf("expected *Error, got %T", err)
	}
	if lerr.Kind != KindKVersion {
		t.Errorf("Kind = %v, want %v", lerr.Kind, KindKVersion)
	}
}

// TestOpen_MapDefForwardCompat covers the map-definition
// forward-compatibility rule: a trailing all-zero tail past
// mapDefSize is accepted, a non-zero tail is rejected.
func TestOpen_MapDefForwardCompat(t *testing.T) {
	base := encodeMapDef(MapDef{Kind: 1, KeySize: 4, ValueSize: 4, MaxEntries: 8})

	t.Run("zero tail accepted", func(t *testing.T) {
		padded := append(append([]byte{}, base...), make([]byte, 4)...)
		raw := buildObject(testObjSpec{
			license:        "GPL",
			rawMapsSection: padded,
			maps:           []testMap{{name: "m0"}},
		})
		obj, err := OpenBytes("padded", raw, &Options{Kernel: NewFakeKernel(), Logger: noopLogger{}})
		if err != nil {
			t.Fatalf("OpenBytes failed: %v", err)
		}
		defer obj.Close()
		if len(obj.Maps) != 1 {
			t.Fatalf("expected 1 map, got %d", len(obj.Maps))
		}
	})

	t.Run("non-zero tail rejected", func(t *testing.T) {
		tail := []byte{0, 0, 0, 1}
		padded := append(append([]byte{}, base...), tail...)
		raw := buildObject(testObjSpec{
			license:        "GPL",
			rawMapsSection: padded,
			maps:           []testMap{{name: "m0"}},
		})
		_, err := OpenBytes("padded-bad", raw, &Options{Kernel: NewFakeKernel(), Logger: noopLogger{}})
		if err == nil {
			t.Fatalf("expected Open to fail on non-zero trailing map options")
		}
		lerr, ok := err.(*Error)
		if !ok {
			t.Fatalf("expected *Error, got %T", err)
		}
		if lerr.Kind != KindInvalid {
			t.Errorf("Kind = %v, want %v", lerr.Kind, KindInvalid)
		}
	})
}
