// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

//go:build !linux

package bvm

import "fmt"

const bvmFSMagicValue = 0xcafe4a11

// statfsType has no real backend on non-Linux hosts; the loader's
// pinning facility is Linux-only, matching the kernel surface it
// wraps.
func statfsType(dir string) (int64, error) {
	return 0, fmt.Errorf("pinning is only supported on linux")
}
