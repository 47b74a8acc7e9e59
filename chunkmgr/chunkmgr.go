// Package chunkmgr is the core of the allocator: it carves a region's
// backing buffer into an alternating sequence of allocated chunks and free
// chunks, maintains the address-sorted free list threaded through the
// region itself, and implements worst-fit allocation with splitting and
// two-sided coalescing on release.
//
// Free-list nodes and allocated-chunk headers are not separate Go
// allocations; they are struct views cast directly onto addresses inside
// the region's buffer, in the same spirit as the teacher's node/page
// pointer-chasing. The garbage collector never sees these pointers as
// heap references because the backing memory comes from an anonymous
// mapping, not from Go's allocator.
package chunkmgr

import (
	"fmt"
	"io"
	"os"
	"unsafe"

	"github.com/cznic/wfmalloc/region"
)

// MagicNumber marks the header of a live allocated chunk. A header whose
// magic does not match this value indicates heap corruption or a
// use-after-free/double-free and is fatal. Kept within 32 bits so it fits
// a uintptr on every platform, including 32-bit ones.
const MagicNumber uintptr = 0x1CC0FFEE

const magicNumber = MagicNumber

// header is the leading metadata of an allocated chunk.
type header struct {
	payloadSize uintptr
	magic       uintptr
}

// node is the leading metadata of a free chunk; it doubles as the
// singly-linked free-list entry. capacity is the number of usable bytes
// following the node itself.
type node struct {
	capacity uintptr
	next     *node
}

// Overhead is the fixed number of metadata bytes at the start of every
// chunk, allocated or free. header and node are deliberately the same
// size (two words each) so that H == N and release's capacity accounting
// needs no H/N correction term.
const Overhead = unsafe.Sizeof(header{})

func init() {
	if unsafe.Sizeof(header{}) != unsafe.Sizeof(node{}) {
		panic("chunkmgr: header and node must be the same size")
	}
}

// Diagnostic is the stream caller-error diagnostics are written to. Tests
// may redirect it; production code leaves it at os.Stderr, matching the
// teacher's own trace-gated Fprintf(os.Stderr, ...) diagnostics.
var Diagnostic io.Writer = os.Stderr

// Manager carves a region into chunks and owns the free list. Its zero
// value is not usable; construct one with New.
type Manager struct {
	base     uintptr
	size     uintptr
	freeHead *node
}

// New creates a Manager over r's backing buffer, with a single free chunk
// spanning the entire region.
func New(r *region.Region) *Manager {
	base := uintptr(r.Base())
	size := r.Size()

	head := (*node)(unsafe.Pointer(base))
	head.capacity = size - Overhead
	head.next = nil

	return &Manager{base: base, size: size, freeHead: head}
}

// footprint is the total aligned number of bytes an allocated chunk
// (header + payload) consumes for a request of r bytes.
func footprint(r uintptr) uintptr {
	return region.AlignTo * ((r + Overhead + region.AlignTo - 1) / region.AlignTo)
}

// Alloc implements worst-fit allocation with splitting. It returns the
// null sentinel (nil) and writes a short diagnostic to Diagnostic for any
// of the four caller-error kinds; it never mutates the free list in that
// case.
//
// requested is declared int so that an accidental negative argument wraps
// to a very large uintptr when compared against the heap size below,
// exactly as an accidental negative size_t argument would in C.
func (m *Manager) Alloc(requested int) unsafe.Pointer {
	if m.freeHead == nil {
		fmt.Fprintln(Diagnostic, "no free chunks")
		return nil
	}

	need := uintptr(requested)
	if need > m.size {
		fmt.Fprintln(Diagnostic, "request exceeds heap")
		return nil
	}
	if requested == 0 {
		fmt.Fprintln(Diagnostic, "refusing size 0")
		return nil
	}

	best, bestPrev := m.worstFit()

	total := footprint(need)
	if total > best.capacity+Overhead {
		fmt.Fprintln(Diagnostic, "no chunk big enough")
		return nil
	}

	if total > best.capacity {
		// Consuming the whole chunk: no room left for a remainder node.
		// The header records the entire chunk, so the payload may exceed
		// the aligned footprint by up to Overhead bytes.
		total = best.capacity + Overhead
		m.unlink(best, bestPrev)
	} else {
		// Splitting: write a fresh free node into the leftover tail.
		rem := (*node)(unsafe.Pointer(uintptr(unsafe.Pointer(best)) + total))
		rem.capacity = best.capacity - total
		rem.next = best.next
		m.replace(best, bestPrev, rem)
	}

	hdr := (*header)(unsafe.Pointer(best))
	hdr.payloadSize = total - Overhead
	hdr.magic = magicNumber

	return unsafe.Pointer(uintptr(unsafe.Pointer(best)) + Overhead)
}

// worstFit scans every node in the free list on equal footing and returns
// the node with the largest capacity, tie-broken to the earliest
// (lowest-address) candidate, together with its predecessor (nil if it is
// the head).
func (m *Manager) worstFit() (best, bestPrev *node) {
	best = m.freeHead
	var prev *node
	for curr := m.freeHead; curr != nil; curr = curr.next {
		if curr.capacity > best.capacity {
			best = curr
			bestPrev = prev
		}
		prev = curr
	}
	return best, bestPrev
}

// unlink removes n entirely from the free list.
func (m *Manager) unlink(n, prev *node) {
	if prev == nil {
		m.freeHead = n.next
	} else {
		prev.next = n.next
	}
}

// replace splices newNode into the list in n's former position.
func (m *Manager) replace(n, prev, newNode *node) {
	if prev == nil {
		m.freeHead = newNode
	} else {
		prev.next = newNode
	}
}

// Release returns a payload address previously handed out by Alloc to the
// free list, reinserting it in address order and coalescing with an
// adjacent neighbor on either side. A payload whose header magic does not
// match MagicNumber is treated as heap corruption (a stale pointer, a
// double free, or a wild write) and is fatal.
func (m *Manager) Release(payload unsafe.Pointer) {
	hAddr := uintptr(payload) - Overhead
	hdr := (*header)(unsafe.Pointer(hAddr))
	if hdr.magic != magicNumber {
		panic("chunkmgr: release of corrupt or already-freed chunk (bad magic)")
	}

	f := (*node)(unsafe.Pointer(hAddr))
	// header and node are the same size, so the chunk's total footprint
	// (Overhead+payloadSize) becomes the new node's Overhead+capacity
	// with no further correction.
	f.capacity = hdr.payloadSize

	prev := m.insertSorted(f)
	m.coalesce(f, prev)
}

// insertSorted splices f into the free list in address order and returns
// f's predecessor (nil if f became the head).
func (m *Manager) insertSorted(f *node) (prev *node) {
	faddr := uintptr(unsafe.Pointer(f))

	if m.freeHead == nil {
		f.next = nil
		m.freeHead = f
		return nil
	}

	if faddr < uintptr(unsafe.Pointer(m.freeHead)) {
		f.next = m.freeHead
		m.freeHead = f
		return nil
	}

	prev = m.freeHead
	curr := m.freeHead.next
	for curr != nil && uintptr(unsafe.Pointer(curr)) < faddr {
		prev = curr
		curr = curr.next
	}
	prev.next = f
	f.next = curr
	return prev
}

// coalesce examines the two adjacencies around a freshly inserted node f
// (with predecessor prev, nil if f is the head) and merges with either or
// both physical neighbors. Right is checked before left so that a
// three-way merge completes in one call.
func (m *Manager) coalesce(f, prev *node) {
	if f.next != nil && adjacent(f, f.next) {
		absorbed := f.next
		f.capacity += Overhead + absorbed.capacity
		f.next = absorbed.next
	}

	if prev != nil && adjacent(prev, f) {
		prev.capacity += Overhead + f.capacity
		prev.next = f.next
	}
}

// adjacent reports whether b begins exactly where a's chunk ends.
func adjacent(a, b *node) bool {
	return uintptr(unsafe.Pointer(a))+Overhead+a.capacity == uintptr(unsafe.Pointer(b))
}

// Base returns the region base address this manager carves chunks from.
func (m *Manager) Base() uintptr { return m.base }

// Size returns the total size of the managed region.
func (m *Manager) Size() uintptr { return m.size }

// FreeHeadAddr returns the address of the first free-list node, or 0 if
// the free list is empty.
func (m *Manager) FreeHeadAddr() uintptr {
	if m.freeHead == nil {
		return 0
	}
	return uintptr(unsafe.Pointer(m.freeHead))
}

// ReadFreeNode returns the capacity and next-node address (0 if nil) of
// the free node at addr. Used by the inspector to walk the heap without
// reaching into chunkmgr's unexported types.
func (m *Manager) ReadFreeNode(addr uintptr) (capacity, nextAddr uintptr) {
	n := (*node)(unsafe.Pointer(addr))
	if n.next == nil {
		return n.capacity, 0
	}
	return n.capacity, uintptr(unsafe.Pointer(n.next))
}

// ReadHeader returns the payload size and magic word of the allocated
// chunk at addr.
func (m *Manager) ReadHeader(addr uintptr) (payloadSize, magic uintptr) {
	h := (*header)(unsafe.Pointer(addr))
	return h.payloadSize, h.magic
}
