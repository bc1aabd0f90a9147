// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package bvm

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"

	mmap "github.com/edsrzf/mmap-go"
)

// MinObjectSize is the smallest an object can be and still carry an
// ELF header, matching the spirit of the teacher's TinyPESize guard.
const MinObjectSize = 64

// Object represents a single parsed relocatable object targeting the
// VM. It owns every Map and Program discovered in the object and
// every kernel descriptor created on their behalf; Close releases all
// of them.
type Object struct {
	Name    string
	License string
	KVer    uint32

	Maps     []*Map
	Programs []*Program

	hasLocalCalls  bool
	hasPseudoCalls bool

	loaded bool

	data   mmap.MMap
	f      *os.File
	elf    *elf.File
	einfo  *elfInfo
	opts   *Options
	logger Logger
	kernel KernelAPI
	types  TypeInfo
}

// Options configures how an Object is opened and loaded. The zero
// value is usable: it opens objects with no type info collaborator
// and a stderr logger, matching the teacher's Options.Fast==false
// default-permissive behavior.
type Options struct {
	// PinPath, when non-empty, pins every map and program under this
	// directory immediately after a successful Load.
	PinPath string

	// Kernel is the collaborator that actually creates maps, loads
	// programs, and pins objects. Defaults when nil to a real kernel
	// backend bound to golang.org/x/sys/unix on Linux, and to the
	// in-memory fake backend on other platforms.
	Kernel KernelAPI

	// Types resolves map key/value type names to type-debug-info
	// ids. Defaults to a no-op collaborator when nil, in which case
	// every map is created without type info.
	Types TypeInfo

	// Logger receives structured diagnostics. Defaults to a stderr
	// zerolog-backed logger when nil.
	Logger Logger
}

func (o *Options) normalize() *Options {
	if o == nil {
		o = &Options{}
	}
	cp := *o
	if cp.Logger == nil {
		cp.Logger = defaultLogger()
	}
	if cp.Kernel == nil {
		cp.Kernel = newSyscallKernel()
	}
	if cp.Types == nil {
		cp.Types = noTypeInfo{}
	}
	return &cp
}

// Open memory-maps the named file and parses it as a relocatable
// object targeting the VM.
func Open(name string, opts *Options) (*Object, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, wrapf("bvm.Open", KindNotExist, err, "open %s", name)
	}

	data, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, wrapf("bvm.Open", KindErrno, err, "mmap %s", name)
	}

	obj, parseErr := newObject(name, []byte(data), opts)
	if parseErr != nil {
		data.Unmap()
		f.Close()
		return nil, parseErr
	}
	obj.data = data
	obj.f = f
	return obj, nil
}

// OpenBytes parses an in-memory relocatable object, for callers that
// already have the bytes (embedded objects, test fixtures).
func OpenBytes(name string, raw []byte, opts *Options) (*Object, error) {
	return newObject(name, raw, opts)
}

func newObject(name string, raw []byte, opts *Options) (*Object, error) {
	if len(raw) < MinObjectSize {
		return nil, errf("bvm.Open", KindFormat, "object %s too small (%d bytes)", name, len(raw))
	}

	ef, err := elf.NewFile(bytes.NewReader(raw))
	if err != nil {
		return nil, wrapf("bvm.Open", KindLibelf, err, "read ELF %s", name)
	}

	if err := checkEndian(ef); err != nil {
		return nil, err
	}
	if err := checkMachine(ef); err != nil {
		return nil, err
	}

	o := &Object{
		Name:    name,
		opts:    opts.normalize(),
		elf:     ef,
		License: "",
	}
	o.logger = o.opts.Logger
	o.kernel = o.opts.Kernel
	o.types = o.opts.Types

	if err := o.classifySections(); err != nil {
		return nil, err
	}
	if err := o.buildMaps(); err != nil {
		return nil, err
	}
	if err := o.buildPrograms(); err != nil {
		return nil, err
	}
	if err := o.collectRelocations(); err != nil {
		return nil, err
	}

	registerObject(o)
	return o, nil
}

// Close unpins nothing, but releases every kernel descriptor this
// Object owns and releases the memory mapping, if any.
func (o *Object) Close() error {
	unregisterObject(o)
	o.unload()

	if o.data != nil {
		o.data.Unmap()
		o.data = nil
	}
	if o.f != nil {
		o.f.Close()
		o.f = nil
	}
	return nil
}

// Load runs the full relocate-create-patch-verify pipeline: it
// creates every map, patches every program's instructions (map-fd
// relocations and local-call inlining), then submits every program to
// the kernel. Load is idempotent-unsafe: calling it twice on an
// already-loaded Object returns KindInvalid.
//
// On any failure after maps start being created, every descriptor the
// object has accumulated so far -- every map and every loaded program
// instance -- is torn down via unload before the error is returned, so
// a failed Load never leaks kernel descriptors (§4.6, §5 ordering
// guarantee 3). createMaps already rolls back its own partial work on
// its own failure; unload additionally covers relocate and
// loadPrograms failing after maps were fully created. A failure while
// pinning under Options.PinPath is returned as is: the Object stays
// loaded and keeps its descriptors until Close.
func (o *Object) Load() error {
	if o.loaded {
		return errf("Object.Load", KindInvalid, "object %s already loaded", o.Name)
	}

	if err := o.createMaps(); err != nil {
		return err
	}
	if err := o.relocate(); err != nil {
		o.unload()
		return err
	}
	if err := o.loadPrograms(); err != nil {
		o.unload()
		return err
	}

	o.loaded = true

	if o.opts.PinPath != "" {
		if err := o.Pin(o.opts.PinPath); err != nil {
			return err
		}
	}
	return nil
}

// unload closes every map and program descriptor this Object has
// created so far, leaving it in the same pre-Load state Close would
// find it in. It does not unregister the Object or release the file
// mapping -- Close still owns that -- so a caller whose Load failed
// can still inspect the parsed Object before calling Close itself.
func (o *Object) unload() {
	for _, m := range o.Maps {
		if m.fd >= 0 {
			o.kernel.Close(m.fd)
			m.fd = -1
		}
	}
	for _, p := range o.Programs {
		for i, fd := range p.instanceFDs {
			if fd >= 0 {
				o.kernel.Close(fd)
				p.instanceFDs[i] = -1
			}
		}
	}
}

// Map looks up a map by its object-local name.
func (o *Object) Map(name string) *Map {
	for _, m := range o.Maps {
		if m.Name == name {
			return m
		}
	}
	return nil
}

// Program looks up a program by its object-local name.
func (o *Object) Program(name string) *Program {
	for _, p := range o.Programs {
		if p.Name == name {
			return p
		}
	}
	return nil
}

func checkEndian(ef *elf.File) error {
	if ef.ByteOrder == nil {
		return errf("bvm.Open", KindEndian, "unknown byte order")
	}
	var probe [2]byte
	binary.NativeEndian.PutUint16(probe[:], 1)
	host := binary.ByteOrder(binary.BigEndian)
	if probe[0] == 1 {
		host = binary.LittleEndian
	}
	if ef.ByteOrder != host {
		return errf("bvm.Open", KindEndian, "object byte order %v does not match host byte order %v", ef.ByteOrder, host)
	}
	return nil
}

func checkMachine(ef *elf.File) error {
	m := uint32(ef.Machine)
	if m == uint32(elf.EM_NONE) || m == EMBvm {
		return nil
	}
	return errf("bvm.Open", KindFormat, "unexpected ELF machine 0x%x", m)
}
