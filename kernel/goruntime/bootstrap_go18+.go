// +build go1.8

package goruntime

import (
	_ "unsafe" // required for go:linkname
)

// procResize grows the Go runtime's P list to the given count. It must run
// after mallocinit/alginit so that newly created Ps can allocate.
//
//go:linkname procResize runtime.procresize
func procResize(int32) uintptr
