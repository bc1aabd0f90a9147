// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package bvm

import (
	"debug/elf"
	"strings"
)

// Program is a single program discovered in an executable section of
// an object.
type Program struct {
	Name        string
	SectionName string
	Idx         int // ELF section index, used to pair relocation sections up
	Insns       []Insn

	Kind               ProgKind
	ExpectedAttachKind AttachKind

	// IfIndex binds the program to a network device, used by the
	// device-offloaded program kinds; zero means no device.
	IfIndex uint32

	// mainInsnCnt is the instruction count before any local-call
	// inlining; relocate uses it to bias call immediates the same
	// way libbpf biases by prog->main_prog_cnt.
	mainInsnCnt int

	// instances and prep implement the preprocessor / multi-instance
	// load path (bpf_program__set_prep): when prep is set, the
	// program is submitted as `instances` separate instruction
	// streams, one per call to prep, instead of as a single load of
	// Insns.
	instances int
	prep      Preprocessor

	instanceFDs []int

	reloc []Reloc
}

// SetPreprocessor installs a Preprocessor that runs before load,
// producing n independent instances of this program. The Go analogue
// of bpf_program__set_prep. Each instance is preprocessed and loaded
// independently; an instance the Preprocessor skips keeps its
// descriptor at -1.
func (p *Program) SetPreprocessor(n int, prep Preprocessor) {
	p.instances = n
	p.prep = prep
}

// Instances reports how many independent instances this program will
// be loaded as (1 unless a Preprocessor with n > 1 was installed).
func (p *Program) Instances() int {
	if p.instances <= 0 {
		return 1
	}
	return p.instances
}

// InstanceFD returns the kernel descriptor for the i-th instance, or
// -1 if that instance hasn't been loaded or was skipped by the
// Preprocessor.
func (p *Program) InstanceFD(i int) int {
	if i < 0 || i >= len(p.instanceFDs) {
		return -1
	}
	return p.instanceFDs[i]
}

// FD returns the kernel descriptor of the program's instance 0, or -1
// if the program has not been loaded yet or that instance was
// skipped by the Preprocessor.
func (p *Program) FD() int {
	if len(p.instanceFDs) == 0 {
		return -1
	}
	return p.instanceFDs[0]
}

// secRule pairs a section-name prefix with the program kind (and,
// where relevant, expected attach kind) a program declared under it
// should be loaded as.
type secRule struct {
	prefix string
	kind   ProgKind
	attach AttachKind
}

// Attach kind values for the cgroup-sock-addr and post-bind hooks;
// these only ever pair with ProgKindCgroupSockAddr or
// ProgKindCgroupSock respectively, so a small local enum is enough.
const (
	attachNone AttachKind = iota
	attachCgroupInet4Bind
	attachCgroupInet6Bind
	attachCgroupInet4Connect
	attachCgroupInet6Connect
	attachCgroupUDP4Sendmsg
	attachCgroupUDP6Sendmsg
	attachCgroupInet4PostBind
	attachCgroupInet6PostBind
)

// programKindTable is the section-name -> kind table. Entries are
// matched top to bottom and the first prefix match wins; the
// "cgroup/bind4"-style hooks are listed ahead of the bare
// "cgroup/sock" entry.
var programKindTable = []secRule{
	{"socket", ProgKindSocketFilter, attachNone},
	{"kprobe/", ProgKindKprobe, attachNone},
	{"kretprobe/", ProgKindKprobe, attachNone},
	{"classifier", ProgKindSchedCLS, attachNone},
	{"action", ProgKindSchedACT, attachNone},
	{"tracepoint/", ProgKindTracepoint, attachNone},
	{"raw_tracepoint/", ProgKindRawTracepoint, attachNone},
	{"xdp", ProgKindXDP, attachNone},
	{"perf_event", ProgKindPerfEvent, attachNone},
	{"cgroup/skb", ProgKindCgroupSKB, attachNone},
	{"cgroup/bind4", ProgKindCgroupSockAddr, attachCgroupInet4Bind},
	{"cgroup/bind6", ProgKindCgroupSockAddr, attachCgroupInet6Bind},
	{"cgroup/connect4", ProgKindCgroupSockAddr, attachCgroupInet4Connect},
	{"cgroup/connect6", ProgKindCgroupSockAddr, attachCgroupInet6Connect},
	{"cgroup/sendmsg4", ProgKindCgroupSockAddr, attachCgroupUDP4Sendmsg},
	{"cgroup/sendmsg6", ProgKindCgroupSockAddr, attachCgroupUDP6Sendmsg},
	{"cgroup/post_bind4", ProgKindCgroupSock, attachCgroupInet4PostBind},
	{"cgroup/post_bind6", ProgKindCgroupSock, attachCgroupInet6PostBind},
	{"cgroup/sock", ProgKindCgroupSock, attachNone},
	{"cgroup/dev", ProgKindCgroupDevice, attachNone},
	{"lwt_in", ProgKindLWTIn, attachNone},
	{"lwt_out", ProgKindLWTOut, attachNone},
	{"lwt_xmit", ProgKindLWTXmit, attachNone},
	{"lwt_seg6local", ProgKindLWTSeg6Local, attachNone},
	{"sockops", ProgKindSockOps, attachNone},
	{"sk_skb", ProgKindSKSKB, attachNone},
	{"sk_msg", ProgKindSKMsg, attachNone},
	{"lirc_mode2", ProgKindLircMode2, attachNone},
}

// kindByName mirrors libbpf_prog_type_by_name: the first entry of
// programKindTable whose prefix matches the name wins, in table order
// (not the longest matching prefix).
func kindByName(name string) (ProgKind, AttachKind, bool) {
	for _, r := range programKindTable {
		if strings.HasPrefix(name, r.prefix) {
			return r.kind, r.attach, true
		}
	}
	return ProgKindUnspec, attachNone, false
}

// kverExemptKinds is the closed set of program kinds that do NOT
// require a "version" section, the inverse of the set libbpf checks
// for in bpf_object__validate (kernel-version exempt: socket filter,
// sched_cls/act, xdp, the cgroup and lwt hooks, sockops, sk_skb,
// sk_msg, cgroup_sock_addr, lirc_mode2). Everything absent from this
// set -- unspec, kprobe, tracepoint, raw_tracepoint, perf_event --
// requires one.
var kverExemptKinds = map[ProgKind]bool{
	ProgKindSocketFilter:   true,
	ProgKindSchedCLS:       true,
	ProgKindSchedACT:       true,
	ProgKindXDP:            true,
	ProgKindCgroupSKB:      true,
	ProgKindCgroupSock:     true,
	ProgKindCgroupDevice:   true,
	ProgKindLWTIn:          true,
	ProgKindLWTOut:         true,
	ProgKindLWTXmit:        true,
	ProgKindLWTSeg6Local:   true,
	ProgKindSockOps:        true,
	ProgKindSKSKB:          true,
	ProgKindSKMsg:          true,
	ProgKindCgroupSockAddr: true,
	ProgKindLircMode2:      true,
}

func kverRequired(k ProgKind) bool { return !kverExemptKinds[k] }

// resolveProgramName implements the Program Name Resolver (libbpf.c
// bpf_object__get_section_names, ~L355-396): a program's name is the
// first STB_GLOBAL symbol bound to its section, not the section's own
// name. ".text" is the sole exception, since libbpf names the
// function-storage program after the section directly; any other
// section with no global symbol pointing at it is EINVAL, since the
// kernel has no other way to name the program.
func resolveProgramName(info *elfInfo, shndx int) (string, error) {
	for _, sym := range info.symbols {
		if int(sym.Section) != shndx {
			continue
		}
		if elf.ST_BIND(sym.Info) != elf.STB_GLOBAL {
			continue
		}
		if sym.Name == "" {
			continue
		}
		return sym.Name, nil
	}
	if shndx == info.textShndx {
		return ".text", nil
	}
	return "", errf("bvm.Open", KindInvalid,
		"section %d has no global symbol to name its program", shndx)
}

// buildPrograms turns every progSection classifySections collected
// into a Program, the Go analogue of bpf_object__add_program plus
// bpf_program__identify_section. The ".text" section becomes a Program
// like any other, and einfo.textShndx records it for relocate to
// inline from; once another program calls into it, loadPrograms skips
// it as function storage, and otherwise it is loaded on its own.
func (o *Object) buildPrograms() error {
	for _, sec := range o.einfo.progSecs {
		insns := decodeInsns(sec.data)
		kind, attach, _ := kindByName(sec.name)

		name, err := resolveProgramName(o.einfo, sec.idx)
		if err != nil {
			return err
		}

		p := &Program{
			Name:               name,
			SectionName:        sec.name,
			Idx:                sec.idx,
			Insns:              insns,
			Kind:               kind,
			ExpectedAttachKind: attach,
			mainInsnCnt:        len(insns),
		}
		o.Programs = append(o.Programs, p)
	}
	return nil
}

// validateKVer enforces that every program kind requiring a kernel
// version actually has one declared on the object, returning
// KindKVersion otherwise. Called once up front by loadPrograms so a
// missing version section is reported before any program is
// submitted to the kernel.
func (o *Object) validateKVer() error {
	for _, p := range o.Programs {
		if kverRequired(p.Kind) && o.KVer == 0 {
			return errf("Object.Load", KindKVersion,
				"program %q (kind requires kernel version) has no version section", p.Name)
		}
	}
	return nil
}
