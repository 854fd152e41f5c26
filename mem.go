// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package pgmalloc

import (
	"unsafe"
)

// Mem is the backing memory provider consumed by PgMalloc. SysMem is the
// mmap-backed default; tests plug in their own.
type Mem interface {
	// Pagesize returns the provider's page granularity in bytes. It is
	// queried once, by Init, and must be a power of two.
	Pagesize() uint

	// Map returns a fresh page-aligned region of exactly size bytes, or
	// nil on resource exhaustion.
	Map(size uint64) unsafe.Pointer

	// Unmap releases a region previously obtained from Map, identified
	// by the identical pointer and size pair.
	Unmap(p unsafe.Pointer, size uint64)
}
