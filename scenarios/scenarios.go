// Package scenarios implements the eight numbered test bundles the CLI's
// single decimal argument selects (0 runs all seven in order, 1-7 run one
// each). Each bundle exercises one of the chunk manager's policies end to
// end — free-chunk reuse, sorted reinsertion, splitting, coalescing,
// alternation, worst fit, and bad-size rejection — grounded in
// original_source/tests.c's test_free_chunk_reuse/test_sorted_free_list/
// etc. functions.
package scenarios

import (
	"fmt"
	"io"
	"strings"
	"unsafe"

	"github.com/cznic/wfmalloc/chunkmgr"
	"github.com/cznic/wfmalloc/inspector"
	"github.com/cznic/wfmalloc/region"
)

// chunkSize is the standard allocation size these bundles use.
const chunkSize = int(region.Size / 20)

// Bundle is one numbered, standalone scenario.
type Bundle struct {
	Number int
	Title  string
	Run    func(m *chunkmgr.Manager, ins *inspector.Inspector, w io.Writer)
}

// Bundles lists the seven scenarios in the order bundle 0 runs them.
var Bundles = []Bundle{
	{1, "FREE CHUNK REUSE", freeChunkReuse},
	{2, "SORTED FREE LIST", sortedFreeList},
	{3, "SPLITTING FREE CHUNKS", splittingFreeChunks},
	{4, "COALESCING", coalescing},
	{5, "ALTERNATING SEQUENCE", alternatingSequence},
	{6, "WORST FIT ALLOCATION", worstFit},
	{7, "MALLOC BAD SIZE", mallocBadSize},
}

// RunNumber runs bundle n (1-7) on a freshly mapped heap, or all seven in
// order for n == 0.
func RunNumber(w io.Writer, n int) error {
	r, err := region.New()
	if err != nil {
		return err
	}
	m := chunkmgr.New(r)
	ins := inspector.New(m)

	if n == 0 {
		emphasis(w, "RUNNING ALL TESTS")
		for _, b := range Bundles {
			runOne(w, b, m, ins)
		}
		success(w, "ALL TESTS PASSED")
		return nil
	}

	for _, b := range Bundles {
		if b.Number == n {
			runOne(w, b, m, ins)
			return nil
		}
	}
	return fmt.Errorf("no such test bundle: %d", n)
}

func runOne(w io.Writer, b Bundle, m *chunkmgr.Manager, ins *inspector.Inspector) {
	emphasis(w, "TESTING "+b.Title)
	b.Run(m, ins, w)
	success(w, "ALL "+b.Title+" TESTS PASSED")
}

// freeAllChunks releases every currently allocated chunk, so each bundle
// (and each case within a bundle) starts from a known, fully-free heap.
func freeAllChunks(m *chunkmgr.Manager, ins *inspector.Inspector) {
	for _, a := range ins.WalkAllocated() {
		m.Release(payloadOf(m, a.Addr))
	}
}

func payloadOf(m *chunkmgr.Manager, relAddr uintptr) unsafe.Pointer {
	return unsafe.Pointer(m.Base() + relAddr + chunkmgr.Overhead)
}

func check(cond bool, msg string) {
	if !cond {
		panic("scenario check failed: " + msg)
	}
}

func verifySorted(ins *inspector.Inspector) bool {
	free := ins.WalkFree()
	for i := 1; i < len(free); i++ {
		if free[i].Addr <= free[i-1].Addr {
			return false
		}
	}
	return true
}

func verifyAlternating(ins *inspector.Inspector) bool {
	free := ins.WalkFree()
	for i := 1; i < len(free); i++ {
		if free[i-1].Addr+chunkmgr.Overhead+free[i-1].Capacity == free[i].Addr {
			return false
		}
	}
	return true
}

func emphasis(w io.Writer, msg string) {
	bar := strings.Repeat("=", len(msg))
	fmt.Fprintf(w, "\n%s\n%s\n%s\n\n", bar, msg, bar)
}

func success(w io.Writer, msg string) {
	fmt.Fprint(w, "\x1b[32m")
	emphasis(w, msg)
	fmt.Fprint(w, "\x1b[0m")
}

func freeChunkReuse(m *chunkmgr.Manager, ins *inspector.Inspector, w io.Writer) {
	freeAllChunks(m, ins)

	p0 := m.Alloc(int(region.Size) / 3)
	p1 := m.Alloc(int(region.Size)/3 + chunkSize)
	m.Release(p0)
	p0 = m.Alloc(chunkSize)
	ins.Audit(w)
	check(uintptr(p0) == m.Base()+chunkmgr.Overhead, "reused chunk should sit at the start of the heap")
	_ = p1
	freeAllChunks(m, ins)

	p0 = m.Alloc(int(region.Size) / 3)
	p1 = m.Alloc(int(region.Size) / 3)
	p2 := m.Alloc(chunkSize)
	m.Release(p0)
	m.Release(p1)
	p0 = m.Alloc(chunkSize)
	ins.Audit(w)
	check(uintptr(p0) == m.Base()+chunkmgr.Overhead, "reused chunk should sit at the start of the heap")
	_ = p2
	freeAllChunks(m, ins)
}

func sortedFreeList(m *chunkmgr.Manager, ins *inspector.Inspector, w io.Writer) {
	freeAllChunks(m, ins)

	var ps [5]unsafe.Pointer
	for i := range ps {
		ps[i] = m.Alloc(chunkSize)
	}
	m.Release(ps[0])
	m.Release(ps[2])
	m.Release(ps[4])
	ins.Audit(w)
	check(verifySorted(ins), "free list must stay address-sorted")
	freeAllChunks(m, ins)

	var qs [10]unsafe.Pointer
	for i := range qs {
		qs[i] = m.Alloc(chunkSize)
	}
	for _, i := range []int{4, 6, 2, 0, 8} {
		m.Release(qs[i])
	}
	ins.Audit(w)
	check(verifySorted(ins), "free list must stay address-sorted")
	freeAllChunks(m, ins)
}

func splittingFreeChunks(m *chunkmgr.Manager, ins *inspector.Inspector, w io.Writer) {
	freeAllChunks(m, ins)

	m.Alloc(chunkSize)
	ins.Audit(w)
	check(len(ins.WalkFree()) == 1, "splitting a chunk off the head should leave exactly one remainder")
	freeAllChunks(m, ins)

	p0 := m.Alloc(int(region.Size) / 2)
	m.Alloc(chunkSize)
	m.Release(p0)
	m.Alloc(chunkSize)
	ins.Audit(w)
	check(len(ins.WalkFree()) == 2, "expected the reused chunk's split remainder and the tail to stay free")
	freeAllChunks(m, ins)

	m.Alloc(int(region.Size) - int(chunkmgr.Overhead))
	ins.Audit(w)
	check(len(ins.WalkFree()) == 0, "a maximal allocation should consume the entire free list")
	freeAllChunks(m, ins)
}

func coalescing(m *chunkmgr.Manager, ins *inspector.Inspector, w io.Writer) {
	freeAllChunks(m, ins)

	var ps [5]unsafe.Pointer
	for i := range ps {
		ps[i] = m.Alloc(chunkSize)
	}
	freeAllChunks(m, ins)
	ins.Audit(w)
	check(len(ins.WalkFree()) == 1, "releasing every chunk should coalesce to one")

	for i := range ps {
		ps[i] = m.Alloc(chunkSize)
	}
	m.Release(ps[0])
	m.Release(ps[1])
	m.Release(ps[3])
	m.Release(ps[4])
	ins.Audit(w)
	check(len(ins.WalkFree()) == 2, "two disjoint released groups should coalesce into two chunks")
	freeAllChunks(m, ins)

	for i := range ps {
		ps[i] = m.Alloc(chunkSize)
	}
	m.Release(ps[0])
	m.Release(ps[2])
	m.Release(ps[3])
	ins.Audit(w)
	check(len(ins.WalkFree()) == 3, "released p0, merged p2+p3 and the tail should stay three separate free chunks")
	freeAllChunks(m, ins)
}

func alternatingSequence(m *chunkmgr.Manager, ins *inspector.Inspector, w io.Writer) {
	freeAllChunks(m, ins)

	p0 := m.Alloc(chunkSize)
	p1 := m.Alloc(chunkSize)
	m.Release(p1)
	ins.Audit(w)
	check(verifyAlternating(ins), "no two free chunks may be physically adjacent")
	_ = p0
	freeAllChunks(m, ins)

	var ps [7]unsafe.Pointer
	for i := range ps {
		ps[i] = m.Alloc(chunkSize)
	}
	for _, i := range []int{0, 2, 4, 6} {
		m.Release(ps[i])
	}
	ins.Audit(w)
	check(verifyAlternating(ins), "no two free chunks may be physically adjacent")
	freeAllChunks(m, ins)
}

func worstFit(m *chunkmgr.Manager, ins *inspector.Inspector, w io.Writer) {
	freeAllChunks(m, ins)

	p0 := m.Alloc(chunkSize)
	p1 := m.Alloc(chunkSize)
	m.Release(p0)
	p0 = m.Alloc(chunkSize / 2)
	ins.Audit(w)
	check(uintptr(p0) > uintptr(p1), "worst fit should prefer the larger trailing region over the freed head")
	freeAllChunks(m, ins)

	p0 = m.Alloc(chunkSize)
	p1 = m.Alloc(int(region.Size) / 2)
	p2 := m.Alloc(chunkSize)
	m.Release(p1)
	p1 = m.Alloc(chunkSize)
	ins.Audit(w)
	check(uintptr(p1) > uintptr(p0) && uintptr(p1) < uintptr(p2), "reallocation should land inside the freed middle region")
	freeAllChunks(m, ins)
}

func mallocBadSize(m *chunkmgr.Manager, ins *inspector.Inspector, w io.Writer) {
	freeAllChunks(m, ins)

	check(m.Alloc(2*int(region.Size)) == nil, "a request larger than the heap must fail")
	check(m.Alloc(0) == nil, "a zero-size request must fail")
	check(m.Alloc(-1) == nil, "a negative-size request must fail")
	check(m.Alloc(-int(region.Size)/2) == nil, "a large negative-size request must fail")
	ins.Audit(w)

	half := int(region.Size)/2 - chunkSize/2
	m.Alloc(half)
	m.Alloc(half)
	check(m.Alloc(chunkSize) == nil, "a request exceeding the remaining heap must fail")
	ins.Audit(w)
	freeAllChunks(m, ins)
}
