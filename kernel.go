// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package bvm

import (
	"fmt"
	"sync"
)

// ProgKind identifies the kind of program the kernel should load
// (socket filter, kprobe, XDP, ...). The concrete values mirror the
// loader's own section-name table (see programKindTable) rather than
// any single kernel ABI, since this package never decodes a kernel
// header on its own.
type ProgKind uint32

// AttachKind identifies the expected attach point for program kinds
// that require one (the cgroup hooks, mainly). Zero means "none".
type AttachKind uint32

const (
	ProgKindUnspec ProgKind = iota
	ProgKindSocketFilter
	ProgKindKprobe
	ProgKindSchedCLS
	ProgKindSchedACT
	ProgKindTracepoint
	ProgKindRawTracepoint
	ProgKindXDP
	ProgKindPerfEvent
	ProgKindCgroupSKB
	ProgKindCgroupSock
	ProgKindCgroupDevice
	ProgKindLWTIn
	ProgKindLWTOut
	ProgKindLWTXmit
	ProgKindLWTSeg6Local
	ProgKindSockOps
	ProgKindSKSKB
	ProgKindSKMsg
	ProgKindLircMode2
	ProgKindCgroupSockAddr
)

// MapKind identifies the kernel map implementation a Map definition
// requests (hash, array, ring buffer, ...). The core never interprets
// these values beyond passing them through to the kernel.
type MapKind uint32

// MapCreateAttr is everything the loader knows about a map at the
// point it asks the kernel to create it.
type MapCreateAttr struct {
	Name       string
	Kind       MapKind
	KeySize    uint32
	ValueSize  uint32
	MaxEntries uint32
	Flags      uint32
	IfIndex    uint32

	// BTFFD and the two type-id fields are populated only when type
	// metadata was available and resolved successfully for this
	// map; see Object.createMaps.
	BTFFD          int
	BTFKeyTypeID   uint32
	BTFValueTypeID uint32
}

// MapInfo is what the kernel reports back about an existing map,
// used by the reuse path to repopulate a Map's fields from a
// caller-supplied descriptor.
type MapInfo struct {
	Name           string
	Kind           MapKind
	KeySize        uint32
	ValueSize      uint32
	MaxEntries     uint32
	Flags          uint32
	BTFKeyTypeID   uint32
	BTFValueTypeID uint32
}

// ProgLoadAttr is everything the loader knows about a program
// instance at the point it asks the kernel to load it.
type ProgLoadAttr struct {
	Kind               ProgKind
	ExpectedAttachKind AttachKind
	Name               string
	Insns              []Insn
	License            string
	KernelVersion      uint32
	IfIndex            uint32
}

// verifierLogSize is the fixed size of the output buffer the loader
// allocates for a verifier log, mirroring libbpf's BPF_LOG_BUF_SIZE.
const verifierLogSize = 64 * 1024

// hardMaxInsns is the kernel's hard ceiling on instructions per
// program; a submission failing with this many or more instructions
// and no verifier log is classified as KindProg2Big rather than
// probed further.
const hardMaxInsns = 4096

// KernelAPI is the external collaborator this package consumes at
// its interface only (see spec's Non-goals): it never decides how
// maps or programs are actually created, only what to ask for and
// how to react to the answer.
type KernelAPI interface {
	// CreateMap asks the kernel to create a map. fd is >= 0 on
	// success.
	CreateMap(attr MapCreateAttr) (fd int, err error)

	// LoadProgram submits a program for verification and, on
	// success, installation. log is populated whenever the kernel
	// produced verifier output, success or not.
	LoadProgram(attr ProgLoadAttr) (fd int, log string, err error)

	// Pin attaches the object named by fd to path on the pinning
	// filesystem.
	Pin(fd int, path string) error

	// ObjectInfoByFD queries the kernel for a map's parameters,
	// used by the map-reuse path.
	ObjectInfoByFD(fd int) (MapInfo, error)

	// DupCloseOnExec duplicates fd with the close-on-exec flag set,
	// used by the map-reuse path so the loader owns an independent
	// descriptor.
	DupCloseOnExec(fd int) (int, error)

	// Close releases a kernel descriptor previously returned by
	// this interface.
	Close(fd int) error
}

// fakeKernel is an in-memory KernelAPI with no real kernel behind
// it, used by tests and by the CLI's dry-run mode. It never rejects
// a map, and rejects a program only when it has no instructions or
// is of failKind, which keeps the load-phase happy-path exercisable
// without root or a BVM-capable kernel.
type fakeKernel struct {
	mu       sync.Mutex
	nextFD   int
	maps     map[int]MapCreateAttr
	progs    map[int]ProgLoadAttr
	pinned   map[string]int
	failKind ProgKind // if set, LoadProgram rejects every load of this kind (never kprobe)
}

// NewFakeKernel returns a KernelAPI that accepts every map and every
// program with at least one instruction, recording them for
// inspection by tests.
func NewFakeKernel() KernelAPI {
	return &fakeKernel{
		nextFD: 3,
		maps:   make(map[int]MapCreateAttr),
		progs:  make(map[int]ProgLoadAttr),
		pinned: make(map[string]int),
	}
}

func (k *fakeKernel) alloc() int {
	fd := k.nextFD
	k.nextFD++
	return fd
}

func (k *fakeKernel) CreateMap(attr MapCreateAttr) (int, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	fd := k.alloc()
	k.maps[fd] = attr
	return fd, nil
}

func (k *fakeKernel) LoadProgram(attr ProgLoadAttr) (int, string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if len(attr.Insns) == 0 {
		return -1, "", fmt.Errorf("no instructions")
	}
	if k.failKind != 0 && attr.Kind == k.failKind && attr.Kind != ProgKindKprobe {
		return -1, "", fmt.Errorf("rejected: wrong program kind")
	}
	fd := k.alloc()
	k.progs[fd] = attr
	return fd, "", nil
}

func (k *fakeKernel) Pin(fd int, path string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.pinned[path] = fd
	return nil
}

func (k *fakeKernel) ObjectInfoByFD(fd int) (MapInfo, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	attr, ok := k.maps[fd]
	if !ok {
		return MapInfo{}, fmt.Errorf("no such map fd %d", fd)
	}
	return MapInfo{
		Name:       attr.Name,
		Kind:       attr.Kind,
		KeySize:    attr.KeySize,
		ValueSize:  attr.ValueSize,
		MaxEntries: attr.MaxEntries,
		Flags:      attr.Flags,
	}, nil
}

func (k *fakeKernel) DupCloseOnExec(fd int) (int, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.maps[fd]; !ok {
		return -1, fmt.Errorf("no such map fd %d", fd)
	}
	newFD := k.alloc()
	k.maps[newFD] = k.maps[fd]
	return newFD, nil
}

func (k *fakeKernel) Close(fd int) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.maps, fd)
	delete(k.progs, fd)
	return nil
}
