// Package physmem resolves guest physical addresses to host memory.
//
// A Space is filled during hypervisor build, either by allocating pages from
// its arena or by registering caller-owned buffers at fixed addresses. After
// Seal the region list is immutable and Resolve runs without locking, so it
// can be called from every processor's exit path at once.
package physmem

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/svmcore/internal/amd64"
)

// Region is a contiguous run of guest physical memory backed by host memory.
type Region struct {
	Name string
	Base uint64
	Size uint64

	mem []byte
}

// End returns the first address after the region.
func (r Region) End() uint64 { return r.Base + r.Size }

// Bytes returns the host memory backing the region.
func (r Region) Bytes() []byte { return r.mem }

func (r Region) contains(pa uint64) bool {
	return pa >= r.Base && pa < r.End()
}

// Space tracks guest physical regions and allocates pages for control blocks
// and other per-processor structures.
type Space struct {
	mu sync.Mutex

	// next is the next guest physical address handed out by AllocPages.
	next uint64

	arena    []byte
	arenaOff int
	release  func() error

	// regions is kept sorted by Base.
	regions []Region
	sealed  atomic.Bool
}

// New creates a space whose page allocator hands out addresses starting at
// base. arenaPages pages of host memory are reserved up front.
func New(base uint64, arenaPages int) (*Space, error) {
	if base&amd64.PageMask != 0 {
		return nil, fmt.Errorf("physmem: base 0x%x is not page aligned", base)
	}
	if arenaPages < 0 {
		return nil, fmt.Errorf("physmem: negative arena size %d", arenaPages)
	}

	s := &Space{next: base}
	if arenaPages > 0 {
		arena, release, err := mapArena(arenaPages * amd64.PageSize)
		if err != nil {
			return nil, fmt.Errorf("physmem: reserve %d pages: %w", arenaPages, err)
		}
		s.arena = arena
		s.release = release
	}
	return s, nil
}

// AllocPages carves n zeroed pages out of the arena and maps them at the next
// free guest physical address.
func (s *Space) AllocPages(name string, n int) (Region, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sealed.Load() {
		return Region{}, fmt.Errorf("physmem: allocate %s: space is sealed", name)
	}
	if n <= 0 {
		return Region{}, fmt.Errorf("physmem: cannot allocate %d pages for %s", n, name)
	}

	size := n * amd64.PageSize
	if s.arenaOff+size > len(s.arena) {
		return Region{}, fmt.Errorf("physmem: arena exhausted allocating %d pages for %s", n, name)
	}

	mem := s.arena[s.arenaOff : s.arenaOff+size : s.arenaOff+size]
	clear(mem)

	region := Region{Name: name, Base: s.next, Size: uint64(size), mem: mem}
	if err := s.insertLocked(region); err != nil {
		return Region{}, err
	}
	s.arenaOff += size
	s.next += uint64(size)
	return region, nil
}

// Register maps buf at the fixed guest physical address base.
// Returns an error if the region overlaps an existing one.
func (s *Space) Register(name string, base uint64, buf []byte) (Region, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sealed.Load() {
		return Region{}, fmt.Errorf("physmem: register %s: space is sealed", name)
	}
	if len(buf) == 0 {
		return Region{}, fmt.Errorf("physmem: cannot register zero-size region %s", name)
	}
	if base&amd64.PageMask != 0 {
		return Region{}, fmt.Errorf("physmem: region %s base 0x%x is not page aligned", name, base)
	}

	region := Region{Name: name, Base: base, Size: uint64(len(buf)), mem: buf}
	if err := s.insertLocked(region); err != nil {
		return Region{}, err
	}
	return region, nil
}

func (s *Space) insertLocked(r Region) error {
	i := sort.Search(len(s.regions), func(i int) bool {
		return s.regions[i].Base >= r.Base
	})
	if i > 0 && s.regions[i-1].End() > r.Base {
		prev := s.regions[i-1]
		return fmt.Errorf("physmem: region %s [0x%x-0x%x) overlaps %s [0x%x-0x%x)",
			r.Name, r.Base, r.End(), prev.Name, prev.Base, prev.End())
	}
	if i < len(s.regions) && s.regions[i].Base < r.End() {
		next := s.regions[i]
		return fmt.Errorf("physmem: region %s [0x%x-0x%x) overlaps %s [0x%x-0x%x)",
			r.Name, r.Base, r.End(), next.Name, next.Base, next.End())
	}
	s.regions = append(s.regions, Region{})
	copy(s.regions[i+1:], s.regions[i:])
	s.regions[i] = r
	return nil
}

// Seal freezes the region list. Further allocation or registration fails.
func (s *Space) Seal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sealed.Store(true)
}

// Sealed reports whether Seal has been called.
func (s *Space) Sealed() bool { return s.sealed.Load() }

// Resolve returns the size bytes of host memory at pa. It fails if the range
// is not entirely inside one region.
func (s *Space) Resolve(pa uint64, size int) ([]byte, bool) {
	if !s.sealed.Load() {
		s.mu.Lock()
		defer s.mu.Unlock()
	}

	regions := s.regions
	i := sort.Search(len(regions), func(i int) bool {
		return regions[i].End() > pa
	})
	if i == len(regions) || !regions[i].contains(pa) {
		return nil, false
	}
	r := regions[i]
	off := pa - r.Base
	if size < 0 || off+uint64(size) > r.Size {
		return nil, false
	}
	return r.mem[off : off+uint64(size)], true
}

// Regions returns a copy of all regions in address order.
func (s *Space) Regions() []Region {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Region(nil), s.regions...)
}

// Close releases the arena. Regions from AllocPages must not be used after.
func (s *Space) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.regions = nil
	s.arena = nil
	s.arenaOff = 0
	if s.release != nil {
		release := s.release
		s.release = nil
		return release()
	}
	return nil
}
