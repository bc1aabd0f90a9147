// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

//go:build linux

package bvm

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// syscallKernel is the real KernelAPI backend, issuing the bpf(2)
// syscall directly the way libbpf's bpf_create_map_xattr,
// bpf_load_program_xattr, bpf_obj_pin and bpf_obj_get_info_by_fd do.
// golang.org/x/sys/unix does not expose a bpf(2) wrapper, so this
// backend drives unix.Syscall(unix.SYS_BPF, ...) directly against the
// same attribute layout the kernel's UAPI header defines.
type syscallKernel struct{}

func newSyscallKernel() KernelAPI { return syscallKernel{} }

const (
	bpfMapCreate     = 0
	bpfProgLoad      = 5
	bpfObjPin        = 6
	bpfObjGet        = 7
	bpfObjGetInfoFD  = 15
)

type bpfMapCreateAttr struct {
	mapType     uint32
	keySize     uint32
	valueSize   uint32
	maxEntries  uint32
	mapFlags    uint32
	innerMapFD  uint32
	numaNode    uint32
	mapName     [16]byte
	mapIfIndex  uint32
	btfFD       uint32
	btfKeyID    uint32
	btfValueID  uint32
}

func (k syscallKernel) CreateMap(attr MapCreateAttr) (int, error) {
	var raw bpfMapCreateAttr
	raw.mapType = uint32(attr.Kind)
	raw.keySize = attr.KeySize
	raw.valueSize = attr.ValueSize
	raw.maxEntries = attr.MaxEntries
	raw.mapFlags = attr.Flags
	raw.mapIfIndex = attr.IfIndex
	copy(raw.mapName[:], attr.Name)
	if attr.BTFFD > 0 {
		raw.btfFD = uint32(attr.BTFFD)
		raw.btfKeyID = attr.BTFKeyTypeID
		raw.btfValueID = attr.BTFValueTypeID
	}

	fd, _, errno := unix.Syscall(unix.SYS_BPF, bpfMapCreate,
		uintptr(unsafe.Pointer(&raw)), unsafe.Sizeof(raw))
	if errno != 0 {
		return -1, errno
	}
	return int(fd), nil
}

type bpfProgLoadAttr struct {
	progType        uint32
	insnCnt         uint32
	insns           uint64
	license         uint64
	logLevel        uint32
	logSize         uint32
	logBuf          uint64
	kernVersion     uint32
	progFlags       uint32
	progName        [16]byte
	progIfIndex     uint32
	expectedAttach  uint32
}

func (k syscallKernel) LoadProgram(attr ProgLoadAttr) (int, string, error) {
	raw := make([]byte, len(attr.Insns)*InsnSize)
	for i, insn := range attr.Insns {
		off := i * InsnSize
		raw[off] = insn.Op
		raw[off+1] = insn.DstSrc
		raw[off+2] = byte(insn.Off)
		raw[off+3] = byte(insn.Off >> 8)
		raw[off+4] = byte(insn.Imm)
		raw[off+5] = byte(insn.Imm >> 8)
		raw[off+6] = byte(insn.Imm >> 16)
		raw[off+7] = byte(insn.Imm >> 24)
	}
	license := append([]byte(attr.License), 0)
	logBuf := make([]byte, verifierLogSize)

	var a bpfProgLoadAttr
	a.progType = uint32(attr.Kind)
	a.insnCnt = uint32(len(attr.Insns))
	a.insns = uint64(uintptr(unsafe.Pointer(&raw[0])))
	a.license = uint64(uintptr(unsafe.Pointer(&license[0])))
	a.logLevel = 1
	a.logSize = uint32(len(logBuf))
	a.logBuf = uint64(uintptr(unsafe.Pointer(&logBuf[0])))
	a.kernVersion = attr.KernelVersion
	a.progIfIndex = attr.IfIndex
	a.expectedAttach = uint32(attr.ExpectedAttachKind)
	copy(a.progName[:], attr.Name)

	fd, _, errno := unix.Syscall(unix.SYS_BPF, bpfProgLoad,
		uintptr(unsafe.Pointer(&a)), unsafe.Sizeof(a))

	log := cString(logBuf)
	if errno != 0 {
		return -1, log, errno
	}
	return int(fd), log, nil
}

func (k syscallKernel) Pin(fd int, path string) error {
	p := append([]byte(path), 0)
	type bpfObjAttr struct {
		pathname uint64
		bpfFD    uint32
		fileFlags uint32
	}
	a := bpfObjAttr{
		pathname: uint64(uintptr(unsafe.Pointer(&p[0]))),
		bpfFD:    uint32(fd),
	}
	_, _, errno := unix.Syscall(unix.SYS_BPF, bpfObjPin,
		uintptr(unsafe.Pointer(&a)), unsafe.Sizeof(a))
	if errno != 0 {
		return errno
	}
	return nil
}

func (k syscallKernel) ObjectInfoByFD(fd int) (MapInfo, error) {
	type bpfMapInfo struct {
		kind       uint32
		id         uint32
		keySize    uint32
		valueSize  uint32
		maxEntries uint32
		flags      uint32
		name       [16]byte
	}
	var info bpfMapInfo
	type bpfObjInfoAttr struct {
		bpfFD   uint32
		infoLen uint32
		info    uint64
	}
	a := bpfObjInfoAttr{
		bpfFD:   uint32(fd),
		infoLen: uint32(unsafe.Sizeof(info)),
		info:    uint64(uintptr(unsafe.Pointer(&info))),
	}
	_, _, errno := unix.Syscall(unix.SYS_BPF, bpfObjGetInfoFD,
		uintptr(unsafe.Pointer(&a)), unsafe.Sizeof(a))
	if errno != 0 {
		return MapInfo{}, errno
	}
	return MapInfo{
		Name:       cString(info.name[:]),
		Kind:       MapKind(info.kind),
		KeySize:    info.keySize,
		ValueSize:  info.valueSize,
		MaxEntries: info.maxEntries,
		Flags:      info.flags,
	}, nil
}

func (k syscallKernel) DupCloseOnExec(fd int) (int, error) {
	newFD, err := unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return -1, err
	}
	return newFD, nil
}

func (k syscallKernel) Close(fd int) error {
	if fd < 0 {
		return nil
	}
	return unix.Close(fd)
}
