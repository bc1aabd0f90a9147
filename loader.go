// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package bvm

// Preprocessor lets a caller rewrite a program into one or more
// concrete instances before submission, the Go analogue of libbpf's
// bpf_program_prep_t. Returning skip=true for an index skips loading
// that instance, leaving its descriptor at -1; returning no
// instructions without skip fails the load with KindInvalid.
type Preprocessor func(p *Program, instance int) (insns []Insn, skip bool, err error)

// loadPrograms submits every program that is not pure function
// storage to the kernel, in object order, the Go analogue of
// bpf_object__load_progs. A missing kernel-version section for a
// kind that requires one is caught before any program is submitted.
func (o *Object) loadPrograms() error {
	if err := o.validateKVer(); err != nil {
		return err
	}

	for _, p := range o.Programs {
		if o.isFunctionStorage(p) {
			continue
		}
		if err := o.loadProgram(p); err != nil {
			return err
		}
	}
	return nil
}

// loadProgram submits one program to the kernel. With no Preprocessor
// installed, it loads p.Insns as the program's single instance,
// matching bpf_program__load's common path. With a Preprocessor
// installed, it allocates an Instances()-sized, -1-filled instance
// vector and calls the Preprocessor once per index, loading whatever
// instruction stream it returns and leaving skipped indices at -1 --
// the Go analogue of bpf_program__load's prep-driven loop
// (libbpf.c:1365-1431).
func (o *Object) loadProgram(p *Program) error {
	if p.prep == nil {
		fd, err := o.loadOne(p, p.Kind, p.ExpectedAttachKind, p.Insns)
		if err != nil {
			return err
		}
		p.instanceFDs = []int{fd}
		return nil
	}

	n := p.Instances()
	fds := make([]int, n)
	for i := range fds {
		fds[i] = -1
	}
	p.instanceFDs = fds

	for i := 0; i < n; i++ {
		insns, skip, err := p.prep(p, i)
		if err != nil {
			return wrapf("Object.Load", KindInvalid, err, "preprocess %q instance %d", p.Name, i)
		}
		if skip {
			continue
		}
		fd, err := o.loadOne(p, p.Kind, p.ExpectedAttachKind, insns)
		if err != nil {
			return err
		}
		fds[i] = fd
	}
	return nil
}

// loadOne submits a single instruction stream and classifies the
// kernel's rejection, the Go analogue of load_program: no verifier
// log and an instruction count at the kernel's hard ceiling means
// KindProg2Big; a non-empty log means KindVerify; otherwise a second
// attempt is made forcing the kprobe kind (the one kind the kernel
// accepts with no further validation) purely as a probe -- if that
// attempt is accepted, the original rejection is reclassified as
// KindProgType (the declared kind was wrong), and if the probe also
// fails, KindKVer. A rejected program that was already of the kprobe
// kind is not probed and gets the generic KindLoad.
func (o *Object) loadOne(p *Program, kind ProgKind, attach AttachKind, insns []Insn) (int, error) {
	if len(insns) == 0 {
		return -1, errf("Object.Load", KindInvalid, "program %q has no instructions", p.Name)
	}

	attr := ProgLoadAttr{
		Kind:               kind,
		ExpectedAttachKind: attach,
		Name:               p.Name,
		Insns:              insns,
		License:            o.License,
		KernelVersion:      o.KVer,
		IfIndex:            p.IfIndex,
	}

	fd, log, err := o.kernel.LoadProgram(attr)
	if err == nil {
		return fd, nil
	}

	if log != "" {
		return -1, &Error{Op: "Object.Load", Kind: KindVerify, Msg: "program rejected by verifier", Log: log}
	}
	if len(insns) >= hardMaxInsns {
		return -1, errf("Object.Load", KindProg2Big, "program %q too large (%d insns)", p.Name, len(insns))
	}

	if kind != ProgKindKprobe {
		probeAttr := attr
		probeAttr.Kind = ProgKindKprobe
		probeAttr.ExpectedAttachKind = attachNone
		probeFD, _, probeErr := o.kernel.LoadProgram(probeAttr)
		if probeErr == nil {
			o.kernel.Close(probeFD)
			return -1, errf("Object.Load", KindProgType, "program %q: wrong program kind declared", p.Name)
		}
		return -1, wrapf("Object.Load", KindKVer, err, "load program %q", p.Name)
	}

	return -1, wrapf("Object.Load", KindLoad, err, "load program %q", p.Name)
}
