// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package pgmalloc

import (
	"unsafe"
)

// std is the process-wide default allocator instance. The package-level
// functions below operate on it; like the methods they wrap, they are not
// goroutine safe.
var std PgMalloc

// Init initializes the default allocator instance.
func Init(mem Mem, options Options) error {
	return std.Init(mem, options)
}

// Malloc allocates size bytes from the default allocator instance.
func Malloc(size uint64) unsafe.Pointer {
	return std.Malloc(size)
}

// Free releases p back to the default allocator instance.
func Free(p unsafe.Pointer) {
	std.Free(p)
}

// Realloc resizes p in the default allocator instance.
func Realloc(p unsafe.Pointer, size uint64) unsafe.Pointer {
	return std.Realloc(p, size)
}
