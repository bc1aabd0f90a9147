// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

//go:build gofuzz

package bvm

// Fuzz is the go-fuzz entrypoint: parse data as a relocatable object
// and run it through the full relocate-create-load pipeline against
// the in-memory fake kernel, so a crash anywhere in the parsing or
// linking path gets caught without a real kernel underneath it.
func Fuzz(data []byte) int {
	obj, err := OpenBytes("fuzz", data, &Options{
		Kernel: NewFakeKernel(),
		Logger: noopLogger{},
	})
	if err != nil {
		return 0
	}
	defer obj.Close()

	if err := obj.Load(); err != nil {
		return 0
	}
	return 1
}
