//go:build amd64

package svm

import (
	"sync"
	"testing"

	"gvisor.dev/gvisor/pkg/cpuid"

	"github.com/tinyrange/svmcore/internal/config"
	"github.com/tinyrange/svmcore/internal/hv"
	"github.com/tinyrange/svmcore/internal/mshv"
	"github.com/tinyrange/svmcore/internal/vmcb"
)

const presenceBit = 1 << 31

func TestCPUIDFilters(t *testing.T) {
	leaves, err := mshv.Leaves(config.DefaultVendor, 2)
	if err != nil {
		t.Fatalf("Leaves: %v", err)
	}
	host := testHost()
	visible := &Visible{Host: host, Leaves: leaves}
	stealthy := &Stealthy{Host: host}

	tests := []struct {
		name   string
		filter CPUIDFilter
		leaf   uint32
		check  func(t *testing.T, out cpuid.Out)
	}{
		{"visible sets presence", visible, 1, func(t *testing.T, out cpuid.Out) {
			if out.Ecx&presenceBit == 0 {
				t.Errorf("presence bit clear")
			}
			if out.Eax != testFMS {
				t.Errorf("eax = 0x%x", out.Eax)
			}
		}},
		{"stealthy leaves presence clear", stealthy, 1, func(t *testing.T, out cpuid.Out) {
			if out.Ecx&presenceBit != 0 {
				t.Errorf("presence bit set")
			}
		}},
		{"visible vendor leaf", visible, 0x40000000, func(t *testing.T, out cpuid.Out) {
			if out.Eax != mshv.LeafLimits {
				t.Errorf("max leaf = 0x%x", out.Eax)
			}
			if out.Ebx != 0x796e6954 { // "Tiny"
				t.Errorf("vendor ebx = 0x%x", out.Ebx)
			}
		}},
		{"visible interface leaf", visible, 0x40000001, func(t *testing.T, out cpuid.Out) {
			if out.Eax != mshv.InterfaceSignature {
				t.Errorf("interface = 0x%x", out.Eax)
			}
		}},
		{"visible leaf past table", visible, 0x40000010, func(t *testing.T, out cpuid.Out) {
			if out != (cpuid.Out{}) {
				t.Errorf("out = %+v, want zeros", out)
			}
		}},
		{"stealthy hypervisor leaf", stealthy, 0x40000000, func(t *testing.T, out cpuid.Out) {
			if out != (cpuid.Out{}) {
				t.Errorf("out = %+v, want zeros", out)
			}
		}},
		{"visible hides svm", visible, 0x80000001, func(t *testing.T, out cpuid.Out) {
			if out.Ecx&(1<<2) != 0 {
				t.Errorf("svm bit set")
			}
			if out.Ecx != 0x75c237ff&^(1<<2) {
				t.Errorf("other bits changed: 0x%x", out.Ecx)
			}
		}},
		{"stealthy hides svm", stealthy, 0x80000001, func(t *testing.T, out cpuid.Out) {
			if out.Ecx&(1<<2) != 0 {
				t.Errorf("svm bit set")
			}
		}},
		{"svm features hidden", stealthy, 0x8000000a, func(t *testing.T, out cpuid.Out) {
			if out != (cpuid.Out{}) {
				t.Errorf("out = %+v", out)
			}
		}},
		{"memory encryption hidden", visible, 0x8000001f, func(t *testing.T, out cpuid.Out) {
			if out != (cpuid.Out{}) {
				t.Errorf("out = %+v", out)
			}
		}},
		{"other leaves pass through", stealthy, 0, func(t *testing.T, out cpuid.Out) {
			if out.Ebx != 0x68747541 {
				t.Errorf("vendor = 0x%x", out.Ebx)
			}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, tt.filter.Filter(cpuid.In{Eax: tt.leaf}))
		})
	}
}

func TestCPUIDStealthyNeverSetsPresence(t *testing.T) {
	stealthy := &Stealthy{Host: testHost()}
	for _, leaf := range []uint32{0, 1, 0x40000000, 0x40000001, 0x80000001} {
		for ecx := uint32(0); ecx < 4; ecx++ {
			out := stealthy.Filter(cpuid.In{Eax: leaf, Ecx: ecx})
			if leaf == 1 && out.Ecx&presenceBit != 0 {
				t.Fatalf("leaf %#x ecx %d: presence bit set", leaf, ecx)
			}
		}
	}
}

func TestCPUIDIntercept(t *testing.T) {
	e := newTestEnv(t, nil)
	b := e.block()

	e.setRIP(0x1000, 2)
	b.Write64(vmcb.GuestRAX, 0xffffffff_00000001)
	e.gpr.RBX = ^uint64(0)
	e.gpr.RCX = 0xdead_0000_0000
	e.gpr.RDX = ^uint64(0)

	out := e.exit(ExitCodeCPUID, 0, 0)
	if out.Action != ActionResume {
		t.Fatalf("action = %s", out.Action)
	}

	if got := b.Read64(vmcb.GuestRAX); got != testFMS {
		t.Errorf("rax = 0x%x, want 0x%x", got, testFMS)
	}
	if e.gpr.RBX != 0x00100800 {
		t.Errorf("rbx = 0x%x", e.gpr.RBX)
	}
	if e.gpr.RCX != 0x7ed8320b|presenceBit {
		t.Errorf("rcx = 0x%x", e.gpr.RCX)
	}
	if e.gpr.RDX != 0x178bfbff {
		t.Errorf("rdx = 0x%x", e.gpr.RDX)
	}
	if e.rip() != 0x1002 {
		t.Errorf("rip = 0x%x", e.rip())
	}
}

func TestSetHypervisorPresence(t *testing.T) {
	e := newTestEnv(t, func(c *config.Config) {
		off := false
		c.CPUIDPresence = &off
	})

	if e.h.Presence() || e.h.cpuidFilter().Name() != "stealthy" {
		t.Fatalf("expected stealthy filter at build")
	}

	query := func() uint64 {
		e.setRIP(0x1000, 2)
		e.block().Write64(vmcb.GuestRAX, 1)
		e.exit(ExitCodeCPUID, 0, 0)
		return e.gpr.RCX
	}

	if query()&presenceBit != 0 {
		t.Fatalf("presence bit set while hidden")
	}

	e.h.SetHypervisorPresence(true)
	if !e.h.Presence() || e.h.cpuidFilter().Name() != "visible" {
		t.Fatalf("expected visible filter")
	}
	if query()&presenceBit == 0 {
		t.Fatalf("presence bit clear while visible")
	}
}

func TestSetHypervisorPresenceConcurrent(t *testing.T) {
	e := newTestEnv(t, func(c *config.Config) { c.Processors = 2 })

	var wg sync.WaitGroup
	for _, v := range e.h.VCPUs() {
		wg.Add(1)
		go func(v *VCPU) {
			defer wg.Done()
			gpr := &hv.GPRState{}
			for i := 0; i < 500; i++ {
				v.Block.Write64(vmcb.GuestRAX, 1)
				v.Block.Write64(vmcb.ExitCode, ExitCodeCPUID)
				e.h.Dispatch(v, gpr, v.Launch.GuestVMCBPA)
			}
		}(v)
	}
	for i := 0; i < 500; i++ {
		e.h.SetHypervisorPresence(i%2 == 0)
	}
	wg.Wait()

	if got := e.h.Stats().Exits; got != 1000 {
		t.Fatalf("exits = %d, want 1000", got)
	}
}

func TestPresenceSwitchesFilterAndMSRsTogether(t *testing.T) {
	e := newTestEnv(t, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			e.h.SetHypervisorPresence(i%2 == 0)
		}
	}()
	for {
		select {
		case <-done:
			return
		default:
		}
		slot := e.h.filter.Load()
		_, visible := slot.filter.(*Visible)
		if visible != slot.presence {
			t.Fatalf("visible filter = %v with synthetic MSRs open = %v", visible, slot.presence)
		}
	}
}
