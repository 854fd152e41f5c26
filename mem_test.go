// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package pgmalloc

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

// testMem is an in-process Mem implementation recording every call, so
// tests can assert on mapping sizes and on exact unmap pairs.
type testMem struct {
	pagesize uint
	failing  bool // refuse further mappings

	mapSizes []uint64
	unmaps   []uint64
	regions  map[unsafe.Pointer][]byte
	sizes    map[unsafe.Pointer]uint64
}

func newTestMem(pagesize uint) *testMem {
	return &testMem{
		pagesize: pagesize,
		regions:  make(map[unsafe.Pointer][]byte),
		sizes:    make(map[unsafe.Pointer]uint64),
	}
}

func (m *testMem) Pagesize() uint { return m.pagesize }

func (m *testMem) Map(size uint64) unsafe.Pointer {
	if m.failing {
		return nil
	}
	// over-allocate a little so the base can be RoundTo aligned, the way
	// a real page mapping already would be
	buf := make([]byte, int(size)+RoundTo)
	p := unsafe.Pointer(&buf[0])
	if off := uintptr(p) & (RoundTo - 1); off != 0 {
		p = unsafe.Pointer(uintptr(p) + (RoundTo - off))
	}
	m.regions[p] = buf
	m.sizes[p] = size
	m.mapSizes = append(m.mapSizes, size)
	return p
}

func (m *testMem) Unmap(p unsafe.Pointer, size uint64) {
	if _, ok := m.regions[p]; !ok {
		panic("testMem: unmap of unknown region")
	}
	if m.sizes[p] != size {
		panic("testMem: unmap size does not match the mapping")
	}
	delete(m.regions, p)
	delete(m.sizes, p)
	m.unmaps = append(m.unmaps, size)
}

func newTestAllocator(t *testing.T, pagesize uint) (*PgMalloc, *testMem) {
	t.Helper()
	mem := newTestMem(pagesize)
	pm := &PgMalloc{}
	require.NoError(t, pm.Init(mem, PgDefaultOptions))
	return pm, mem
}

// checkHeap walks every live chunk and validates the structural
// invariants: matching tags, aligned sizes and payloads, no block below
// the minimum, no two adjacent free blocks, and the free list holding
// exactly the set of free blocks.
func checkHeap(t *testing.T, pm *PgMalloc) {
	t.Helper()

	listed := map[unsafe.Pointer]bool{}
	for n := pm.freeList; n != nil; n = n.next {
		bp := unsafe.Pointer(n)
		require.False(t, listed[bp], "free list cycle or duplicate")
		listed[bp] = true
		require.False(t, hdr(bp).allocated(),
			"allocated block on the free list")
	}

	walkedFree := 0
	for _, c := range pm.chunks {
		sentinel := unsafe.Pointer(uintptr(c.base) +
			uintptr(PagePad) + uintptr(tagSizeof))
		require.Equal(t, pack(Overhead, true), *hdr(sentinel))
		require.Equal(t, *hdr(sentinel), *ftr(sentinel))

		term := (*tag)(unsafe.Pointer(uintptr(c.base) +
			uintptr(c.size) - uintptr(tagSizeof)))
		require.Equal(t, termTag, *term)

		blockBytes := uint64(PageOverhead)
		prevFree := false
		for bp := nextBlk(sentinel); *hdr(bp) != termTag; bp = nextBlk(bp) {
			h := *hdr(bp)
			require.Equal(t, h, *ftr(bp), "header/footer mismatch")
			require.Equal(t, uint64(0), h.size()%RoundTo)
			require.GreaterOrEqual(t, h.size(), MinBlockSize)
			require.Equal(t, uintptr(0), uintptr(bp)&(RoundTo-1),
				"unaligned payload")
			blockBytes += h.size()
			if h.allocated() {
				require.False(t, listed[bp],
					"allocated block on the free list")
				prevFree = false
			} else {
				require.False(t, prevFree, "adjacent free blocks")
				require.True(t, listed[bp],
					"free block missing from the free list")
				prevFree = true
				walkedFree++
			}
		}
		require.Equal(t, c.size, blockBytes,
			"chunk bytes do not add up to the mapping size")
	}
	require.Equal(t, len(listed), walkedFree,
		"free list and physical traversal disagree")
}
