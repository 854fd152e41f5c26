// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package pgmalloc

import (
	"unsafe"
)

// tag is one boundary tag word. Every block carries two matching tags, a
// header right before the payload and a footer right after it. The block
// size (tags included, always a multiple of RoundTo) sits in the high
// bits; the low alignment bits are zero for any valid size, so bit 0
// doubles as the allocated flag.
type tag uint64

const tagSizeof = uint64(unsafe.Sizeof(tag(0)))

// size we round to, must be 2^n
const (
	RoundTo     = 16
	RoundToMask = ^(uint64(RoundTo) - 1)
)

const (
	allocBit = 0x1

	// Overhead is the per-block bookkeeping cost: header + footer tag.
	Overhead = 2 * tagSizeof

	// MinBlockSize is the smallest block that can exist: two tags plus a
	// payload big enough for the free-list node overlay.
	MinBlockSize = Overhead + RoundTo
)

const (
	// PagePad sits at the bottom of every chunk so that block payloads
	// end up RoundTo-aligned.
	PagePad = tagSizeof

	// PageOverhead is the fixed cost of an empty chunk:
	// padding + sentinel (header and footer) + terminator word.
	PageOverhead = PagePad + Overhead + tagSizeof
)

// termTag is the terminator: a single allocated tag word, no footer, no
// payload, whose masked size reads as zero. One sits at the high end of
// every chunk; comparing the raw word is enough to recognize it.
const termTag = tag(tagSizeof | allocBit)

func pack(size uint64, allocated bool) tag {
	if allocated {
		return tag(size | allocBit)
	}
	return tag(size)
}

func (t tag) size() uint64 { return uint64(t) & RoundToMask }

func (t tag) allocated() bool { return uint64(t)&allocBit != 0 }

// roundUp rounds a size up to the next RoundTo multiple.
func roundUp(s uint64) uint64 {
	return (s + (RoundTo - 1)) & RoundToMask
}

// hdr returns the header tag of the block owning the payload bp.
func hdr(bp unsafe.Pointer) *tag {
	return (*tag)(unsafe.Pointer(uintptr(bp) - uintptr(tagSizeof)))
}

// ftr returns the footer tag; the block size must already be written in
// the header.
func ftr(bp unsafe.Pointer) *tag {
	return (*tag)(unsafe.Pointer(uintptr(bp) + uintptr(hdr(bp).size()) - uintptr(Overhead)))
}

// setTags writes a matching header and footer for the payload bp.
func setTags(bp unsafe.Pointer, size uint64, allocated bool) {
	*hdr(bp) = pack(size, allocated)
	*(*tag)(unsafe.Pointer(uintptr(bp) + uintptr(size) - uintptr(Overhead))) = pack(size, allocated)
}

// nextBlk returns the payload of the physically following block.
func nextBlk(bp unsafe.Pointer) unsafe.Pointer {
	return unsafe.Pointer(uintptr(bp) + uintptr(hdr(bp).size()))
}

// prevBlk returns the payload of the physically preceding block, found
// through that block's footer (this is what the footer redundancy buys).
func prevBlk(bp unsafe.Pointer) unsafe.Pointer {
	prevFtr := (*tag)(unsafe.Pointer(uintptr(bp) - uintptr(Overhead)))
	return unsafe.Pointer(uintptr(bp) - uintptr(prevFtr.size()))
}

// freeNode is the free-list view of a block payload. It exists only while
// the block is free; allocation hands the same bytes to the caller and
// the node identity is gone.
type freeNode struct {
	next *freeNode
	prev *freeNode
}

// checkBlock does sanity checks on a block and panics on corruption.
// Only reached on the PgChecks path.
func (pm *PgMalloc) checkBlock(bp unsafe.Pointer) {
	h := *hdr(bp)
	if h.size()%RoundTo != 0 ||
		(h.size() < MinBlockSize && h.size() != Overhead) {
		pm.dumpStatus()
		PANIC("BUG: pg block %p header corrupted (0x%x)!\n",
			bp, uint64(h))
	}
	if f := *ftr(bp); f != h {
		pm.dumpStatus()
		PANIC("BUG: pg block %p header/footer mismatch (0x%x != 0x%x)!\n",
			bp, uint64(h), uint64(f))
	}
}
