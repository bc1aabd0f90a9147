// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package bvm

import (
	"fmt"
	"os"
	"path/filepath"
)

// bvmFSMagic is the reserved filesystem magic a pin path's parent
// directory must report, the Go analogue of libbpf's check_path
// comparing statfs's f_type against BPF_FS_MAGIC. Kept overridable
// for tests since there is no way to mount the real pinning
// filesystem inside a unit test sandbox.
var bvmFSMagic = func(dir string) (int64, error) {
	return statfsType(dir)
}

// checkPinPath validates that path's parent directory lives on the
// reserved pinning filesystem before anything is written under it.
func checkPinPath(path string) error {
	if path == "" {
		return errf("bvm.Pin", KindInvalid, "empty pin path")
	}
	dir := filepath.Dir(path)
	magic, err := bvmFSMagic(dir)
	if err != nil {
		return wrapf("bvm.Pin", KindErrno, err, "statfs %s", dir)
	}
	if magic != bvmFSMagicValue {
		return errf("bvm.Pin", KindInvalid, "%s is not on the pinning filesystem", path)
	}
	return nil
}

func makeDir(path string) error {
	if err := os.Mkdir(path, 0700); err != nil && !os.IsExist(err) {
		return wrapf("bvm.Pin", KindErrno, err, "mkdir %s", path)
	}
	return nil
}

// Pin writes every map and program in the object to the kernel's
// pinning filesystem under dir, one entry per map (named after the
// map) and one subdirectory per program (named after the program)
// holding one entry per loaded instance (named by instance index),
// the Go analogue of bpf_object__pin. The object must already be
// loaded.
func (o *Object) Pin(dir string) error {
	if !o.loaded {
		return errf("Object.Pin", KindNotExist, "object %s not yet loaded", o.Name)
	}
	if err := checkPinPath(dir); err != nil {
		return err
	}
	if err := makeDir(dir); err != nil {
		return err
	}

	for _, m := range o.Maps {
		path := filepath.Join(dir, m.Name)
		if err := o.kernel.Pin(m.fd, path); err != nil {
			return wrapf("Object.Pin", KindErrno, err, "pin map %s", m.Name)
		}
	}

	for _, p := range o.Programs {
		if o.isFunctionStorage(p) {
			continue
		}
		progDir := filepath.Join(dir, p.Name)
		if err := makeDir(progDir); err != nil {
			return err
		}
		for i, fd := range p.instanceFDs {
			if fd < 0 {
				continue
			}
			path := filepath.Join(progDir, fmt.Sprintf("%d", i))
			if err := o.kernel.Pin(fd, path); err != nil {
				return wrapf("Object.Pin", KindErrno, err, "pin program %s instance %d", p.Name, i)
			}
		}
	}
	return nil
}
