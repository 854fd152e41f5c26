// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

//go:build !plan9 && !windows && !js

package pgmalloc

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// SysMem is the default Mem provider, backed by anonymous memory maps.
// Munmap wants the original mapping slice back, so live mappings are kept
// keyed by their base address.
type SysMem struct {
	regions map[unsafe.Pointer][]byte
}

// NewSysMem returns a ready to use mmap-backed provider.
func NewSysMem() *SysMem {
	return &SysMem{regions: make(map[unsafe.Pointer][]byte)}
}

// Pagesize returns the OS page size.
func (m *SysMem) Pagesize() uint {
	return uint(unix.Getpagesize())
}

// Map obtains an anonymous private mapping of exactly size bytes.
// It returns nil if the kernel refused the mapping.
func (m *SysMem) Map(size uint64) unsafe.Pointer {
	mem, err := unix.Mmap(-1, 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		ERR("mmap of %d bytes failed: %s\n", size, err)
		return nil
	}
	p := unsafe.Pointer(&mem[0])
	m.regions[p] = mem
	return p
}

// Unmap releases a mapping previously obtained from Map.
func (m *SysMem) Unmap(p unsafe.Pointer, size uint64) {
	mem, ok := m.regions[p]
	if !ok || uint64(len(mem)) != size {
		BUG("unmap of unknown region %p (%d bytes)\n", p, size)
		return
	}
	delete(m.regions, p)
	if err := unix.Munmap(mem); err != nil {
		ERR("munmap of %p (%d bytes) failed: %s\n", p, size, err)
	}
}
