//go:build amd64

package svm

import (
	"testing"

	"github.com/tinyrange/svmcore/internal/amd64"
	"github.com/tinyrange/svmcore/internal/vmcb"
)

func TestVMMCallExitFromImage(t *testing.T) {
	e := newTestEnv(t, nil)
	b := e.block()
	phys := b.Phys()

	rip := uint64(testImageBase + 0x2340)
	e.setRIP(rip, 3)
	b.Write64(vmcb.GuestRFLAGS, 0x246)
	b.Write64(vmcb.GuestRSP, 0xffffc900_00017f48)
	b.Write64(vmcb.GuestCR3, 0x1ad000)
	b.Write64(vmcb.GuestLStar, 0xdead)
	e.gpr.RCX = VMMCallExit
	e.gpr.RBX = 0x55
	e.gpr.R15 = 0x99

	out := e.exit(ExitCodeVMMCALL, 0, 0)

	if out.Action != ActionExitToHost {
		t.Fatalf("action = %s, want exit-to-host", out.Action)
	}
	if out.Saved == nil {
		t.Fatalf("no saved registers")
	}
	if out.Saved.RAX != rip+3 || out.Saved.RCX != 0x246 || out.Saved.RDX != 0xffffc900_00017f48 {
		t.Fatalf("saved rax/rcx/rdx = 0x%x/0x%x/0x%x", out.Saved.RAX, out.Saved.RCX, out.Saved.RDX)
	}
	if out.Saved.RBX != 0x55 || out.Saved.R15 != 0x99 {
		t.Fatalf("callee registers not preserved: %+v", out.Saved)
	}
	if out.CR3 != 0x1ad000 || len(e.p.cr3) != 1 || e.p.cr3[0] != 0x1ad000 {
		t.Fatalf("cr3 = 0x%x, writes %x", out.CR3, e.p.cr3)
	}
	if got := b.Read64(vmcb.GuestLStar); got != testLStar {
		t.Fatalf("lstar = 0x%x, want 0x%x", got, testLStar)
	}
	if e.p.stgi != 1 {
		t.Fatalf("stgi = %d", e.p.stgi)
	}
	if len(e.p.vmloads) != 1 || e.p.vmloads[0] != phys {
		t.Fatalf("vmloads = %x", e.p.vmloads)
	}
	if e.v.Status != StatusTransition {
		t.Fatalf("status = %s", e.v.Status)
	}
}

func TestVMMCallExitFromOutsideImage(t *testing.T) {
	e := newTestEnv(t, nil)
	e.setRIP(0x7ff6_0000_1000, 3)
	e.gpr.RCX = VMMCallExit

	out := e.exit(ExitCodeVMMCALL, 0, 0)
	if out.Action != ActionResume {
		t.Fatalf("action = %s", out.Action)
	}
	if e.rip() != 0x7ff6_0000_1003 {
		t.Fatalf("rip = 0x%x", e.rip())
	}
	if len(e.p.cr3) != 0 || e.v.Status != StatusSubvertedHost {
		t.Fatalf("call-exit taken from outside the image")
	}
}

func TestVMMCallOtherFunctions(t *testing.T) {
	for _, fn := range []uint64{VMMCallRunCustomVCPU, 0, 7, 0xffffffff_00000001} {
		e := newTestEnv(t, nil)
		e.setRIP(testImageBase+0x10, 3)
		e.gpr.RCX = fn

		out := e.exit(ExitCodeVMMCALL, 0, 0)
		if fn == 0xffffffff_00000001 {
			// Only ECX selects the function.
			if out.Action != ActionExitToHost {
				t.Errorf("function 0x%x: action = %s", fn, out.Action)
			}
			continue
		}
		if out.Action != ActionResume {
			t.Errorf("function %d: action = %s", fn, out.Action)
		}
		if e.rip() != testImageBase+0x13 {
			t.Errorf("function %d: rip = 0x%x", fn, e.rip())
		}
	}
}

func TestVMMCallIgnoresSVME(t *testing.T) {
	e := newTestEnv(t, nil)
	b := e.block()
	b.Write64(vmcb.GuestEFER, amd64.EFERLME|amd64.EFERLMA)
	e.setRIP(0x4000, 3)
	e.gpr.RCX = VMMCallRunCustomVCPU

	e.exit(ExitCodeVMMCALL, 0, 0)

	expectNoEvent(t, b)
	if e.rip() != 0x4003 {
		t.Fatalf("rip = 0x%x, want 0x4003", e.rip())
	}
}
