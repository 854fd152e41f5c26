// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package pgmalloc

import (
	"unsafe"
)

// MaxPagesPerMap caps the doubling growth heuristic: a mapping request
// never exceeds MaxPagesPerMap pages unless a single allocation needs
// more.
const MaxPagesPerMap = 32

// pgChunk records one live mapping. The registry is bookkeeping on the
// side, used by Owns, Destroy and the status dump; reclamation detection
// itself stays purely structural, through the sentinel and terminator
// tags inside the chunk.
type pgChunk struct {
	base unsafe.Pointer
	size uint64
}

// pageAlign rounds s up to the next pagesize multiple.
func (pm *PgMalloc) pageAlign(s uint64) uint64 {
	return (s + pm.pagesize - 1) &^ (pm.pagesize - 1)
}

// extend maps a new chunk able to hold a block of bsize total bytes and
// pushes the chunk's single free block onto the free list.
//
// Chunk layout, low to high:
//
//	[pad][sentinel: hdr+ftr][free block][terminator]
//
// The sentinel is a minimal allocated block and the terminator a single
// allocated zero-size tag word; they stop coalescing and block walking at
// the chunk edges.
//
// The mapped size is the larger of the minimal requirement and the
// doubling candidate multiplier*pagesize; the multiplier doubles on every
// call up to MaxPagesPerMap. Returns the new block's payload, or nil if
// the provider refused the mapping.
func (pm *PgMalloc) extend(bsize uint64) unsafe.Pointer {
	// the smallest mapping able to serve this request
	reqsize := pm.pageAlign(bsize + PageOverhead)

	// our usual doubling candidate, take the bigger of the two
	newsize := pm.multiplier * pm.pagesize
	if newsize < reqsize {
		newsize = reqsize
	}
	if pm.multiplier < MaxPagesPerMap {
		pm.multiplier *= 2
	}

	base := pm.mem.Map(newsize)
	if base == nil {
		WARN("mapping of %d bytes refused by the provider\n", newsize)
		return nil
	}
	pm.chunks = append(pm.chunks, pgChunk{base: base, size: newsize})
	pm.mapped += newsize

	// sentinel: an allocated block of pure overhead
	sentinel := unsafe.Pointer(uintptr(base) +
		uintptr(PagePad) + uintptr(tagSizeof))
	setTags(sentinel, Overhead, true)

	// terminator word at the very top
	term := (*tag)(unsafe.Pointer(uintptr(base) +
		uintptr(newsize) - uintptr(tagSizeof)))
	*term = termTag

	// one free block spans the rest
	bp := unsafe.Pointer(uintptr(sentinel) + uintptr(Overhead))
	setTags(bp, newsize-PageOverhead, false)
	pm.addFree(bp)

	return bp
}

// tryUnmap releases the chunk containing bp when bp is its sole interior
// block: left neighbor exactly the sentinel, right neighbor exactly the
// terminator. The caller must not invoke it for the last live chunk.
func (pm *PgMalloc) tryUnmap(bp unsafe.Pointer) {
	prev := prevBlk(bp)
	next := nextBlk(bp)
	if hdr(prev).size() != Overhead || *hdr(next) != termTag {
		return
	}
	// full chunk size and base address follow from the fixed layout
	chunkSize := hdr(bp).size() + PageOverhead
	base := unsafe.Pointer(uintptr(prev) -
		uintptr(tagSizeof) - uintptr(PagePad))
	pm.delFree(bp)
	pm.mem.Unmap(base, chunkSize)
	pm.mapped -= chunkSize
	pm.dropChunk(base)
}

func (pm *PgMalloc) dropChunk(base unsafe.Pointer) {
	for i := range pm.chunks {
		if pm.chunks[i].base == base {
			pm.chunks = append(pm.chunks[:i], pm.chunks[i+1:]...)
			return
		}
	}
	BUG("unmapped chunk %p missing from the registry\n", base)
}

// Owns returns whether or not p lies inside one of the live chunks (the
// address is inside the pgmalloc "heap"). Behaviour is undefined if p was
// Free()d.
func (pm *PgMalloc) Owns(p unsafe.Pointer) bool {
	for _, c := range pm.chunks {
		lo := uintptr(c.base) + uintptr(PagePad+Overhead+tagSizeof)
		hi := uintptr(c.base) + uintptr(c.size) - uintptr(tagSizeof)
		if uintptr(p) >= lo && uintptr(p) < hi {
			return true
		}
	}
	return false
}

// Destroy unmaps every live chunk and leaves the allocator in its
// uninitialized state. All outstanding pointers become invalid.
func (pm *PgMalloc) Destroy() {
	for _, c := range pm.chunks {
		pm.mem.Unmap(c.base, c.size)
	}
	*pm = PgMalloc{}
}
