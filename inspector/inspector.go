// Package inspector provides read-only traversal of a chunk manager's
// heap for diagnostics: listing free and allocated chunks, a full
// diagrammatic audit, and a "free the k-th allocated chunk" operation
// used by the interactive shell.
//
// Every walk races two cursors against each other — an address cursor
// advancing chunk by chunk, and a free-list cursor advancing node by
// node — exactly as the teacher's chunk manager lays out the heap; the
// inspector never mutates chunk layout, only reads it.
package inspector

import (
	"fmt"
	"io"
	"os"
	"unsafe"

	"github.com/cznic/wfmalloc/chunkmgr"
)

// Diagnostic is the stream caller-visible diagnostics (bad index, etc.)
// are written to.
var Diagnostic io.Writer = os.Stderr

// ChunkKind distinguishes a free chunk from an allocated one during a walk.
type ChunkKind int

const (
	KindFree ChunkKind = iota
	KindAllocated
)

// FreeEntry describes one free chunk encountered during a walk.
type FreeEntry struct {
	Addr     uintptr
	Capacity uintptr
	Next     uintptr // 0 if this is the tail of the free list
}

// AllocatedEntry describes one allocated chunk encountered during a walk.
type AllocatedEntry struct {
	Addr        uintptr
	PayloadSize uintptr
	Magic       uintptr
}

// Manager is the subset of *chunkmgr.Manager the inspector depends on.
type Manager interface {
	Base() uintptr
	Size() uintptr
	FreeHeadAddr() uintptr
	ReadFreeNode(addr uintptr) (capacity, next uintptr)
	ReadHeader(addr uintptr) (payloadSize, magic uintptr)
	Release(payload unsafe.Pointer)
}

// Inspector walks a Manager's heap without mutating it (Audit and the
// Walk* methods; ReleaseNthAllocated is the one exception, delegating the
// actual mutation to the manager's own Release).
type Inspector struct {
	m      Manager
	offset uintptr // base address, for printing heap-relative offsets
}

// New returns an Inspector over m.
func New(m Manager) *Inspector {
	return &Inspector{m: m, offset: m.Base()}
}

// visitor is called once per chunk during a walk. Returning true stops
// the walk early.
type visitor func(kind ChunkKind, addr, size, next, magic uintptr) (stop bool)

// walk races the address cursor against the free-list cursor from base to
// base+size, exactly as spec.md describes: if the address cursor equals
// the next expected free node, the current chunk is free; otherwise it is
// allocated and its magic must check out. Any termination other than
// reaching base+size exactly is a structural invariant violation and is
// fatal.
func (ins *Inspector) walk(visit visitor) {
	base := ins.m.Base()
	end := base + ins.m.Size()
	a := base
	f := ins.m.FreeHeadAddr()

	for a < end {
		if a == f {
			capacity, next := ins.m.ReadFreeNode(a)
			if visit(KindFree, a, capacity, next, 0) {
				return
			}
			a += chunkmgr.Overhead + capacity
			f = next
			continue
		}

		payloadSize, magic := ins.m.ReadHeader(a)
		if magic != chunkmgr.MagicNumber {
			panic(fmt.Sprintf("inspector: corrupt allocated chunk at offset %d (bad magic %#x)", a-ins.offset, magic))
		}
		if visit(KindAllocated, a, payloadSize, 0, magic) {
			return
		}
		a += chunkmgr.Overhead + payloadSize
	}

	if a != end {
		panic(fmt.Sprintf("inspector: heap walk overshot the region: stopped at offset %d, want %d", a-ins.offset, end-ins.offset))
	}
}

// WalkFree enumerates every free chunk in address order.
func (ins *Inspector) WalkFree() []FreeEntry {
	var out []FreeEntry
	ins.walk(func(kind ChunkKind, addr, size, next, magic uintptr) bool {
		if kind == KindFree {
			out = append(out, FreeEntry{Addr: addr - ins.offset, Capacity: size, Next: relNext(next, ins.offset)})
		}
		return false
	})
	return out
}

// WalkAllocated enumerates every allocated chunk in address order.
func (ins *Inspector) WalkAllocated() []AllocatedEntry {
	var out []AllocatedEntry
	ins.walk(func(kind ChunkKind, addr, size, next, magic uintptr) bool {
		if kind == KindAllocated {
			out = append(out, AllocatedEntry{Addr: addr - ins.offset, PayloadSize: size, Magic: magic})
		}
		return false
	})
	return out
}

func relNext(next, offset uintptr) uintptr {
	if next == 0 {
		return 0
	}
	return next - offset
}

// Audit performs a full diagrammatic walk of the heap, printing a boxed
// entry per chunk to w and verifying the partition invariant (the walk
// itself panics on any other violation). It reports the chunk counts it
// found.
func (ins *Inspector) Audit(w io.Writer) (numAllocated, numFree int) {
	fmt.Fprintln(w, "================")
	fmt.Fprintln(w, "==  AUDITING  ==")
	fmt.Fprintln(w, "================")
	fmt.Fprintf(w, "Heap start: %d\n", ins.m.Base()-ins.offset)
	fmt.Fprintf(w, "Heap size: %d\n", ins.m.Size())
	fmt.Fprintf(w, "Free list start: %d\n\n", relNext(ins.m.FreeHeadAddr(), ins.offset))

	ins.walk(func(kind ChunkKind, addr, size, next, magic uintptr) bool {
		switch kind {
		case KindFree:
			numFree++
			box(w, "FREE CHUNK",
				line("Address:", addr-ins.offset),
				line("Size:", size),
				line("Next:", relNext(next, ins.offset)))
		case KindAllocated:
			numAllocated++
			box(w, "ALLOCATED CHUNK",
				line("Address:", addr-ins.offset),
				line("Size:", size),
				line("Magic:", magic))
		}
		fmt.Fprintln(w, "        |    |        ")
		fmt.Fprintln(w, "        |    |        ")
		return false
	})

	fmt.Fprintf(w, "Accounted for %d of %d bytes in heap\n", ins.m.Size(), ins.m.Size())
	fmt.Fprintf(w, "There %s %s\n", plural(numAllocated, "is", "are"), count(numAllocated, "allocated chunk"))
	fmt.Fprintf(w, "There %s %s\n\n", plural(numFree, "is", "are"), count(numFree, "free chunk"))
	return numAllocated, numFree
}

func box(w io.Writer, title string, lines ...string) {
	const width = 21 // interior width between the '*' borders
	fmt.Fprintln(w, "***********************")
	fmt.Fprintf(w, "*%s*\n", centerPad(title, width))
	fmt.Fprintln(w, "***********************")
	for _, l := range lines {
		fmt.Fprintln(w, l)
	}
	fmt.Fprintln(w, "*                     *")
	fmt.Fprintln(w, "***********************")
}

func centerPad(s string, width int) string {
	if len(s) >= width {
		return s
	}
	left := (width - len(s)) / 2
	right := width - len(s) - left
	return fmt.Sprintf("%s%s%s", spaces(left), s, spaces(right))
}

func spaces(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = ' '
	}
	return string(b)
}

func line(prefix string, n uintptr) string {
	return fmt.Sprintf("* %-19s %d *", prefix, n)
}

func plural(n int, singular, pluralForm string) string {
	if n == 1 {
		return singular
	}
	return pluralForm
}

func count(n int, noun string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, noun)
	}
	return fmt.Sprintf("%d %ss", n, noun)
}

// ReleaseNthAllocated walks the heap and releases the k-th allocated
// chunk (1-indexed) it encounters. If k is less than 1 or greater than
// the number of allocated chunks in the heap, it writes a diagnostic and
// does nothing.
func (ins *Inspector) ReleaseNthAllocated(k int) {
	if k < 1 {
		fmt.Fprintln(Diagnostic, "index must be at least 1")
		return
	}

	count := 0
	var target uintptr
	found := false
	ins.walk(func(kind ChunkKind, addr, size, next, magic uintptr) bool {
		if kind != KindAllocated {
			return false
		}
		count++
		if count == k {
			target = addr
			found = true
			return true
		}
		return false
	})

	if !found {
		fmt.Fprintf(Diagnostic, "index %d exceeds the number of allocated chunks (there are only %d)\n", k, count)
		return
	}

	ins.m.Release(unsafe.Pointer(target + chunkmgr.Overhead))
}
