// Package npt holds the read-only lookup structures used to choose between
// nested page table views on a nested page fault.
package npt

import (
	"fmt"
	"sort"

	"github.com/tinyrange/svmcore/internal/amd64"
)

// HookPage pairs a guest physical page with the page that backs it in the
// hooked view. Both addresses are page aligned.
type HookPage struct {
	Original uint64
	Hooked   uint64
}

// Contains reports whether pa falls inside the original page.
func (h HookPage) Contains(pa uint64) bool {
	return amd64.PageAlign(pa) == h.Original
}

// HookTable is a sorted, immutable set of hook pages.
type HookTable struct {
	pages []HookPage
}

// NewHookTable sorts pages by original address and validates them. Pages must
// be page aligned and no original page may appear twice.
func NewHookTable(pages []HookPage) (*HookTable, error) {
	sorted := append([]HookPage(nil), pages...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Original < sorted[j].Original
	})

	for i, p := range sorted {
		if p.Original&amd64.PageMask != 0 {
			return nil, fmt.Errorf("npt: hook page 0x%x is not page aligned", p.Original)
		}
		if p.Hooked&amd64.PageMask != 0 {
			return nil, fmt.Errorf("npt: hooked page 0x%x for 0x%x is not page aligned", p.Hooked, p.Original)
		}
		if i > 0 && sorted[i-1].Original == p.Original {
			return nil, fmt.Errorf("npt: duplicate hook page 0x%x", p.Original)
		}
	}

	return &HookTable{pages: sorted}, nil
}

// Len returns the number of hook pages.
func (t *HookTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.pages)
}

// Pages returns a copy of the sorted table.
func (t *HookTable) Pages() []HookPage {
	if t == nil {
		return nil
	}
	return append([]HookPage(nil), t.pages...)
}

// Lookup returns the hook page containing pa.
func (t *HookTable) Lookup(pa uint64) (HookPage, bool) {
	page, ok, _ := t.search(pa)
	return page, ok
}

// search is a binary search over the inclusive range [0, n-1]. It also
// returns the number of pages compared.
func (t *HookTable) search(pa uint64) (HookPage, bool, int) {
	if t == nil || len(t.pages) == 0 {
		return HookPage{}, false, 0
	}

	target := amd64.PageAlign(pa)
	lo, hi := 0, len(t.pages)-1
	probes := 0
	for lo <= hi {
		mid := lo + (hi-lo)/2
		page := t.pages[mid]
		probes++
		switch {
		case page.Contains(target):
			return page, true, probes
		case page.Original < target:
			lo = mid + 1
		default:
			hi = mid - 1
		}
	}
	return HookPage{}, false, probes
}

// Manager is one nested paging view. Only its root is needed at exit time.
type Manager struct {
	Name string
	NCR3 uint64
}

func (m *Manager) String() string {
	return fmt.Sprintf("%s(ncr3=0x%x)", m.Name, m.NCR3)
}
