// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

//go:build linux

package bvm

import "golang.org/x/sys/unix"

// bvmFSMagicValue is the filesystem magic reported by the reserved
// pinning filesystem, analogous to BPF_FS_MAGIC (0xcafe4a11) in the
// kernel headers libbpf includes.
const bvmFSMagicValue = 0xcafe4a11

func statfsType(dir string) (int64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return 0, err
	}
	return int64(st.Type), nil
}
