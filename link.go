// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package bvm

// isFunctionStorage reports whether p is the ".text" section kept
// around only as a library of locally-callable functions, the Go
// analogue of bpf_program__is_function_storage: it is never loaded on
// its own once at least one program has inlined calls into it.
func (o *Object) isFunctionStorage(p *Program) bool {
	return p.Idx == o.einfo.textShndx && o.hasPseudoCalls
}

// relocate patches every program's instructions in place: map-fd
// relocations get their destination instruction rewritten to carry a
// kernel map descriptor, and call relocations get the callee's
// instructions from ".text" appended (once per caller) with the call
// immediate rebiased to point at the inlined copy. This is the Go
// analogue of bpf_object__relocate.
func (o *Object) relocate() error {
	for _, p := range o.Programs {
		if err := o.relocateProgram(p); err != nil {
			return err
		}
	}
	return nil
}

func (o *Object) relocateProgram(p *Program) error {
	if len(p.reloc) == 0 {
		return nil
	}

	for _, r := range p.reloc {
		switch r.Type {
		case relLD64:
			if r.InsnIdx >= len(p.Insns) {
				return errf("Object.Load", KindReloc, "relocation out of range: %q", p.Name)
			}
			m := o.Maps[r.MapIdx]
			p.Insns[r.InsnIdx].setSrcReg(PseudoMapFD)
			p.Insns[r.InsnIdx].Imm = int32(m.fd)

		case relCall:
			if err := o.relocateCall(p, r); err != nil {
				return err
			}
		}
	}

	p.reloc = nil
	return nil
}

// relocateCall inlines ".text"'s instructions into p exactly once
// (appending only while len(p.Insns) still equals p.mainInsnCnt, the
// Go analogue of checking prog->main_prog_cnt), then rebiases the calling
// instruction's immediate by the number of instructions that were
// prepended ahead of the callee -- main_prog_cnt - insn_idx, matching
// bpf_program__reloc_text's arithmetic exactly (the callee's own
// offset within .text is not separately consulted: the whole section
// is appended as one block, so every call site reuses the same bias
// point).
func (o *Object) relocateCall(p *Program, r Reloc) error {
	if p.Idx == o.einfo.textShndx {
		return errf("Object.Load", KindReloc, "relocation inside .text at insn %d", r.InsnIdx)
	}

	if p.mainInsnCnt == len(p.Insns) {
		text := o.findProgramByIdx(o.einfo.textShndx)
		if text == nil {
			return errf("Object.Load", KindReloc, "no .text section found yet relocation into text exists")
		}
		p.Insns = append(p.Insns, text.Insns...)
	}

	insn := &p.Insns[r.InsnIdx]
	insn.Imm += int32(p.mainInsnCnt - r.InsnIdx)
	return nil
}

func (o *Object) findProgramByIdx(idx int) *Program {
	for _, p := range o.Programs {
		if p.Idx == idx {
			return p
		}
	}
	return nil
}
