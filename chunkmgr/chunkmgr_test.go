package chunkmgr

import (
	"testing"
	"unsafe"

	"github.com/cznic/mathutil"
	"github.com/google/go-cmp/cmp"

	"github.com/cznic/wfmalloc/region"
)

// chunkSize is the standard allocation size used by the scenario tests
// below: HEAP_SIZE / 20, as in the fixtures this suite is modeled on.
const chunkSize = int(region.Size / 20)

func newManager(t *testing.T) *Manager {
	t.Helper()
	r, err := region.New()
	if err != nil {
		t.Fatal(err)
	}
	return New(r)
}

// auditInvariants walks the whole heap the way the inspector does
// (address cursor racing the free-list cursor) and checks every universal
// invariant in one pass: partition closure, magic integrity, sorted free
// list, alternating (non-adjacent) free chunks, and monotone byte
// accounting.
func auditInvariants(t *testing.T, m *Manager) {
	t.Helper()

	type span struct{ addr, capacity uintptr }
	var frees []span
	for faddr := m.FreeHeadAddr(); faddr != 0; {
		cap_, next := m.ReadFreeNode(faddr)
		if len(frees) > 0 {
			prevSpan := frees[len(frees)-1]
			if faddr <= prevSpan.addr {
				t.Fatalf("free list not sorted: %#x does not follow %#x", faddr, prevSpan.addr)
			}
			if prevSpan.addr+Overhead+prevSpan.capacity >= faddr {
				t.Fatalf("adjacent free chunks not coalesced: %#x and %#x", prevSpan.addr, faddr)
			}
		}
		frees = append(frees, span{faddr, cap_})
		faddr = next
	}

	a := m.Base()
	end := m.Base() + m.Size()
	fi := 0
	var freeBytes, allocBytes uintptr
	for a < end {
		if fi < len(frees) && a == frees[fi].addr {
			freeBytes += Overhead + frees[fi].capacity
			a += Overhead + frees[fi].capacity
			fi++
			continue
		}

		payloadSize, magic := m.ReadHeader(a)
		if magic != MagicNumber {
			t.Fatalf("bad magic at %#x: got %#x", a, magic)
		}
		allocBytes += Overhead + payloadSize
		a += Overhead + payloadSize
	}

	if a != end {
		t.Fatalf("partition walk overshoot: stopped at %#x, want %#x", a, end)
	}
	if fi != len(frees) {
		t.Fatalf("free list has %d nodes the walk never reached", len(frees)-fi)
	}
	if freeBytes+allocBytes != m.Size() {
		t.Fatalf("monotone accounting violated: free %d + allocated %d != heap %d", freeBytes, allocBytes, m.Size())
	}
}

func snapshotFreeList(m *Manager) []struct{ Capacity, Offset uintptr } {
	var out []struct{ Capacity, Offset uintptr }
	for faddr := m.FreeHeadAddr(); faddr != 0; {
		cap_, next := m.ReadFreeNode(faddr)
		out = append(out, struct{ Capacity, Offset uintptr }{cap_, faddr - m.Base()})
		faddr = next
	}
	return out
}

func checkAligned(t *testing.T, m *Manager, p unsafe.Pointer) {
	t.Helper()
	if p == nil {
		return
	}
	if (uintptr(p)-m.Base())%region.AlignTo != 0 {
		t.Fatalf("payload address %p is not aligned to %d relative to base", p, region.AlignTo)
	}
}

// Scenario 1: a single alloc/free round trip restores the initial free
// list exactly.
func TestSingleAllocFreeRestoresInitialState(t *testing.T) {
	m := newManager(t)
	before := snapshotFreeList(m)

	p := m.Alloc(chunkSize)
	if p == nil {
		t.Fatal("Alloc returned nil")
	}
	checkAligned(t, m, p)
	auditInvariants(t, m)

	m.Release(p)
	auditInvariants(t, m)

	after := snapshotFreeList(m)
	if diff := cmp.Diff(before, after); diff != "" {
		t.Fatalf("free list not restored after alloc/free round trip (-before +after):\n%s", diff)
	}
}

// Scenario 2: allocating and releasing five chunks, in order, coalesces
// back down to a single free chunk spanning the whole heap.
func TestCoalesceAll(t *testing.T) {
	m := newManager(t)

	var ps [5]unsafe.Pointer
	for i := range ps {
		ps[i] = m.Alloc(chunkSize)
		if ps[i] == nil {
			t.Fatalf("alloc %d returned nil", i)
		}
	}
	for i := range ps {
		m.Release(ps[i])
		auditInvariants(t, m)
	}

	free := snapshotFreeList(m)
	if len(free) != 1 {
		t.Fatalf("expected exactly one free chunk, got %d", len(free))
	}
	if free[0].Capacity != m.Size()-Overhead {
		t.Fatalf("expected capacity %d, got %d", m.Size()-Overhead, free[0].Capacity)
	}
}

// Scenario 3: releasing two disjoint groups out of five allocations
// leaves exactly two free chunks, sorted and non-adjacent.
func TestTwoGroupCoalesce(t *testing.T) {
	m := newManager(t)

	var ps [5]unsafe.Pointer
	for i := range ps {
		ps[i] = m.Alloc(chunkSize)
		if ps[i] == nil {
			t.Fatalf("alloc %d returned nil", i)
		}
	}
	for _, i := range []int{0, 1, 3, 4} {
		m.Release(ps[i])
		auditInvariants(t, m)
	}

	free := snapshotFreeList(m)
	if len(free) != 2 {
		t.Fatalf("expected exactly two free chunks, got %d", len(free))
	}
}

// Scenario 4: worst fit prefers the largest free region — the trailing
// tail, not the smaller freed head — so the new allocation lands after p2.
func TestWorstFitPreference(t *testing.T) {
	m := newManager(t)

	p1 := m.Alloc(chunkSize)
	p2 := m.Alloc(chunkSize)
	if p1 == nil || p2 == nil {
		t.Fatal("setup allocations failed")
	}
	m.Release(p1)
	auditInvariants(t, m)

	p3 := m.Alloc(chunkSize / 2)
	if p3 == nil {
		t.Fatal("Alloc returned nil")
	}
	if uintptr(p3) <= uintptr(p2) {
		t.Fatalf("expected worst-fit allocation beyond p2 (%p), got %p", p2, p3)
	}
	auditInvariants(t, m)
}

// Scenario 5: bad sizes are all rejected without mutating the free list.
func TestBadSizeRejection(t *testing.T) {
	m := newManager(t)
	before := snapshotFreeList(m)

	if p := m.Alloc(2 * int(region.Size)); p != nil {
		t.Fatal("expected nil for a request larger than the heap")
	}
	if p := m.Alloc(0); p != nil {
		t.Fatal("expected nil for a zero-size request")
	}
	if p := m.Alloc(-1); p != nil {
		t.Fatal("expected nil for a negative size request (wraps to a huge uintptr)")
	}

	after := snapshotFreeList(m)
	if diff := cmp.Diff(before, after); diff != "" {
		t.Fatalf("free list mutated by a rejected request (-before +after):\n%s", diff)
	}
}

// Scenario 6: exhausting the heap with two large allocations makes a
// third, smaller allocation fail.
func TestExhaustion(t *testing.T) {
	m := newManager(t)

	half := int(region.Size)/2 - chunkSize/2
	p1 := m.Alloc(half)
	p2 := m.Alloc(half)
	if p1 == nil || p2 == nil {
		t.Fatal("expected both large allocations to succeed")
	}
	if p1 == p2 {
		t.Fatal("expected distinct addresses")
	}

	if p3 := m.Alloc(chunkSize); p3 != nil {
		t.Fatal("expected the heap to be exhausted")
	}
	auditInvariants(t, m)
}

// Scenario 7: releasing ten allocations in a scrambled order keeps the
// free list address-sorted at every step.
func TestAddressSortedReinsertion(t *testing.T) {
	m := newManager(t)

	var ps [10]unsafe.Pointer
	for i := range ps {
		ps[i] = m.Alloc(chunkSize)
		if ps[i] == nil {
			t.Fatalf("alloc %d returned nil", i)
		}
	}
	for _, i := range []int{4, 6, 2, 0, 8} {
		m.Release(ps[i])
		auditInvariants(t, m)
	}
}

// Idempotence: once a release has coalesced every adjacency it can, an
// additional coalescing pass over the same nodes changes nothing.
func TestCoalesceIdempotent(t *testing.T) {
	m := newManager(t)

	p1 := m.Alloc(chunkSize)
	p2 := m.Alloc(chunkSize)
	m.Release(p1)
	m.Release(p2)
	auditInvariants(t, m)

	before := snapshotFreeList(m)

	var prev *node
	for curr := m.freeHead; curr != nil; {
		next := curr.next
		m.coalesce(curr, prev)
		prev = curr
		curr = next
	}

	after := snapshotFreeList(m)
	if diff := cmp.Diff(before, after); diff != "" {
		t.Fatalf("extra coalescing pass was not a no-op (-before +after):\n%s", diff)
	}
}

// Corruption: releasing a pointer whose header magic has been clobbered
// is fatal, matching spec's "abort the process" contract for structural
// violations.
func TestReleaseBadMagicPanics(t *testing.T) {
	m := newManager(t)

	p := m.Alloc(chunkSize)
	if p == nil {
		t.Fatal("Alloc returned nil")
	}

	hdr := (*header)(unsafe.Pointer(uintptr(p) - Overhead))
	hdr.magic = 0xDEAD

	defer func() {
		if recover() == nil {
			t.Fatal("expected Release to panic on a corrupt header")
		}
	}()
	m.Release(p)
}

// TestRandomSequencePreservesInvariants drives a pseudo-random sequence
// of allocations and releases through a single heap and re-checks every
// universal invariant after each operation, using the same full-cycle
// PRNG (github.com/cznic/mathutil's FC32) the teacher's own randomized
// tests use for reproducible sequences.
func TestRandomSequencePreservesInvariants(t *testing.T) {
	m := newManager(t)

	rng, err := mathutil.NewFC32(1, 300, true)
	if err != nil {
		t.Fatal(err)
	}
	rng.Seed(42)

	var live []unsafe.Pointer
	for i := 0; i < 400; i++ {
		if len(live) == 0 || rng.Next()%3 != 0 {
			p := m.Alloc(rng.Next())
			if p != nil {
				checkAligned(t, m, p)
				live = append(live, p)
			}
		} else {
			idx := rng.Next() % len(live)
			m.Release(live[idx])
			live = append(live[:idx], live[idx+1:]...)
		}
		auditInvariants(t, m)
	}
}
