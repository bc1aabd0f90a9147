// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package bvm

import "sync"

// objRegistry tracks every Object currently open in this process, the
// Go equivalent of libbpf's global bpf_objects_list. libbpf itself
// never locks that list (single-threaded-per-object is a documented
// assumption, not an enforced one); this package resolves that open
// question in favor of a package-level mutex guarding the registry
// only. Nothing below ever takes this lock while touching a specific
// Object's own fields, so the single-threaded-per-Object contract
// spelled out in the design notes still holds.
var objRegistry = struct {
	mu   sync.Mutex
	objs map[*Object]struct{}
}{objs: make(map[*Object]struct{})}

func registerObject(o *Object) {
	objRegistry.mu.Lock()
	defer objRegistry.mu.Unlock()
	objRegistry.objs[o] = struct{}{}
}

func unregisterObject(o *Object) {
	objRegistry.mu.Lock()
	defer objRegistry.mu.Unlock()
	delete(objRegistry.objs, o)
}

// OpenObjects returns a snapshot of every Object currently open in
// this process. Intended for diagnostics and tests; callers must not
// assume the snapshot stays current.
func OpenObjects() []*Object {
	objRegistry.mu.Lock()
	defer objRegistry.mu.Unlock()
	out := make([]*Object, 0, len(objRegistry.objs))
	for o := range objRegistry.objs {
		out = append(out, o)
	}
	return out
}
