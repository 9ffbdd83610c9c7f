package physmem

import (
	"testing"

	"github.com/tinyrange/svmcore/internal/amd64"
)

func TestAllocPages(t *testing.T) {
	s, err := New(0x10000, 4)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	a, err := s.AllocPages("a", 1)
	if err != nil {
		t.Fatalf("AllocPages: %v", err)
	}
	b, err := s.AllocPages("b", 2)
	if err != nil {
		t.Fatalf("AllocPages: %v", err)
	}
	if a.Base != 0x10000 || b.Base != 0x11000 || b.Size != 2*amd64.PageSize {
		t.Fatalf("unexpected layout a=%+v b=%+v", a, b)
	}

	if _, err := s.AllocPages("c", 2); err == nil {
		t.Fatalf("expected arena exhaustion")
	}

	a.Bytes()[0x10] = 0x5a
	buf, ok := s.Resolve(0x10010, 1)
	if !ok || buf[0] != 0x5a {
		t.Fatalf("resolve did not return the allocated page")
	}
}

func TestRegisterOverlap(t *testing.T) {
	s, err := New(0x100000, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := s.Register("low", 0x1000, make([]byte, 0x2000)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	tests := []struct {
		name string
		base uint64
		size int
		ok   bool
	}{
		{"below", 0x0, 0x1000, true},
		{"inside", 0x2000, 0x1000, false},
		{"straddle start", 0x0, 0x2000, false},
		{"after", 0x3000, 0x1000, true},
		{"unaligned", 0x5008, 0x1000, false},
		{"empty", 0x8000, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Register(tt.name, tt.base, make([]byte, tt.size))
			if (err == nil) != tt.ok {
				t.Fatalf("Register error = %v, want ok=%v", err, tt.ok)
			}
		})
	}
}

func TestResolve(t *testing.T) {
	s, _ := New(0, 0)
	if _, err := s.Register("blk", 0x4000, make([]byte, 0x1000)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	s.Seal()

	if _, err := s.Register("late", 0x8000, make([]byte, 0x1000)); err == nil {
		t.Fatalf("register after seal succeeded")
	}

	tests := []struct {
		pa   uint64
		size int
		ok   bool
	}{
		{0x4000, 0x1000, true},
		{0x4ff8, 8, true},
		{0x4ffc, 8, false},
		{0x3fff, 1, false},
		{0x5000, 1, false},
	}
	for _, tt := range tests {
		if _, ok := s.Resolve(tt.pa, tt.size); ok != tt.ok {
			t.Errorf("Resolve(0x%x, %d) ok = %v, want %v", tt.pa, tt.size, ok, tt.ok)
		}
	}
}
