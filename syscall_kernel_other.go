// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

//go:build !linux

package bvm

// newSyscallKernel has no real backend outside Linux; on other
// platforms it returns the in-memory fake backend, so a nil
// Options.Kernel never reaches a real kernel there.
func newSyscallKernel() KernelAPI {
	return NewFakeKernel()
}
