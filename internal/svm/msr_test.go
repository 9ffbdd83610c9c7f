//go:build amd64

package svm

import (
	"testing"

	"github.com/tinyrange/svmcore/internal/amd64"
	"github.com/tinyrange/svmcore/internal/config"
	"github.com/tinyrange/svmcore/internal/mshv"
	"github.com/tinyrange/svmcore/internal/vmcb"
)

const (
	msrRead  = 0
	msrWrite = 1
)

// rdmsr dispatches an RDMSR intercept and returns EDX:EAX.
func (e *testEnv) rdmsr(index uint32) uint64 {
	e.setRIP(0x1000, 2)
	e.gpr.RCX = uint64(index)
	e.exit(ExitCodeMSR, msrRead, 0)
	return e.block().Read64(vmcb.GuestRAX) | e.gpr.RDX<<32
}

// wrmsr dispatches a WRMSR intercept with value in EDX:EAX.
func (e *testEnv) wrmsr(index uint32, value uint64) {
	e.setRIP(0x1000, 2)
	e.gpr.RCX = uint64(index)
	e.gpr.RDX = value >> 32
	e.block().Write64(vmcb.GuestRAX, value&0xffffffff)
	e.exit(ExitCodeMSR, msrWrite, 0)
}

func TestMSREFERHidesSVME(t *testing.T) {
	e := newTestEnv(t, func(c *config.Config) {
		off := false
		c.VMCBCaching = &off
	})
	b := e.block()

	b.Write64(vmcb.GuestEFER, amd64.EFERSVME|amd64.EFERLME|amd64.EFERLMA)
	if got := e.rdmsr(amd64.MSREFER); got != amd64.EFERLME|amd64.EFERLMA {
		t.Fatalf("efer = 0x%x, want svme hidden", got)
	}
	if e.rip() != 0x1002 {
		t.Fatalf("rip not advanced")
	}

	b.MarkAllClean()
	e.wrmsr(amd64.MSREFER, amd64.EFERSVME|amd64.EFERLME)
	if !e.v.Nested.SVME {
		t.Fatalf("guest svme not latched")
	}
	if got := b.Read64(vmcb.GuestEFER); got != amd64.EFERSVME|amd64.EFERLME {
		t.Fatalf("block efer = 0x%x", got)
	}
	if b.IsClean(vmcb.CleanCRx) {
		t.Fatalf("CRx still clean after efer write")
	}
	if got := e.rdmsr(amd64.MSREFER); got != amd64.EFERSVME|amd64.EFERLME {
		t.Fatalf("efer = 0x%x after enabling svme", got)
	}

	e.wrmsr(amd64.MSREFER, amd64.EFERLME)
	if e.v.Nested.SVME {
		t.Fatalf("guest svme still set")
	}
	if got := b.Read64(vmcb.GuestEFER); got&amd64.EFERSVME == 0 {
		t.Fatalf("real svme cleared: 0x%x", got)
	}
	if got := e.rdmsr(amd64.MSREFER); got != amd64.EFERLME {
		t.Fatalf("efer = 0x%x after disabling svme", got)
	}
}

func TestMSRCachedValues(t *testing.T) {
	e := newTestEnv(t, nil)

	if got := e.rdmsr(amd64.MSRLStar); got != testLStar {
		t.Fatalf("lstar = 0x%x, want 0x%x", got, testLStar)
	}
	e.wrmsr(amd64.MSRLStar, 0xffffffff_81000000)
	if e.v.VirtualMSR.LStar != 0xffffffff_81000000 {
		t.Fatalf("shadow lstar = 0x%x", e.v.VirtualMSR.LStar)
	}
	if got := e.block().Read64(vmcb.GuestLStar); got != testLStar {
		t.Fatalf("real lstar changed to 0x%x", got)
	}

	e.wrmsr(amd64.MSRHsavePA, 0x5000)
	if got := e.rdmsr(amd64.MSRHsavePA); got != 0x5000 {
		t.Fatalf("hsave = 0x%x", got)
	}
}

func TestMSRBlockBacked(t *testing.T) {
	e := newTestEnv(t, func(c *config.Config) {
		off := false
		c.VMCBCaching = &off
	})
	b := e.block()
	b.MarkAllClean()

	e.wrmsr(amd64.MSRStar, 0x00230010_00000000)
	if got := b.Read64(vmcb.GuestStar); got != 0x00230010_00000000 {
		t.Fatalf("star = 0x%x", got)
	}
	if got := e.rdmsr(amd64.MSRStar); got != 0x00230010_00000000 {
		t.Fatalf("read star = 0x%x", got)
	}

	e.wrmsr(amd64.MSRGsBase, 0xffff8880_00001000)
	if got := b.Read64(vmcb.GS.Base()); got != 0xffff8880_00001000 {
		t.Fatalf("gs base = 0x%x", got)
	}

	if !b.IsClean(vmcb.CleanNP) {
		t.Fatalf("NP dirty before pat write")
	}
	e.wrmsr(amd64.MSRPAT, 0x0007040600070406)
	if b.IsClean(vmcb.CleanNP) {
		t.Fatalf("NP clean after pat write")
	}
}

func TestMSRUnknownReadsZero(t *testing.T) {
	e := newTestEnv(t, nil)
	e.gpr.RDX = 0xffff
	if got := e.rdmsr(0x1b); got != 0 {
		t.Fatalf("apic base = 0x%x, want 0", got)
	}
	e.wrmsr(0x1b, 0xfee00900)
	if e.rip() != 0x1002 {
		t.Fatalf("rip not advanced after dropped write")
	}
	expectNoEvent(t, e.block())
}

func TestMSRZeroExtendsResult(t *testing.T) {
	e := newTestEnv(t, nil)
	e.block().Write64(vmcb.GuestStar, 0x11223344_55667788)
	e.gpr.RDX = ^uint64(0)
	e.setRIP(0x1000, 2)
	e.gpr.RCX = amd64.MSRStar
	e.block().Write64(vmcb.GuestRAX, ^uint64(0))
	e.exit(ExitCodeMSR, msrRead, 0)

	if got := e.block().Read64(vmcb.GuestRAX); got != 0x55667788 {
		t.Fatalf("rax = 0x%x", got)
	}
	if e.gpr.RDX != 0x11223344 {
		t.Fatalf("rdx = 0x%x", e.gpr.RDX)
	}
}

func TestSyntheticMSRHidden(t *testing.T) {
	e := newTestEnv(t, func(c *config.Config) {
		off := false
		c.CPUIDPresence = &off
	})
	b := e.block()

	for _, dir := range []uint64{msrRead, msrWrite} {
		b.ClearEvent()
		e.setRIP(0x1000, 2)
		b.Write64(vmcb.GuestRAX, 0x77)
		e.gpr.RCX = mshv.MSRGuestOSID
		e.exit(ExitCodeMSR, dir, 0)

		expectEvent(t, b, eventGP)
		if e.rip() != 0x1000 {
			t.Fatalf("dir %d: rip advanced past faulting access", dir)
		}
		if got := b.Read64(vmcb.GuestRAX); got != 0x77 {
			t.Fatalf("dir %d: rax = 0x%x", dir, got)
		}
	}
	if got, _ := e.v.Synthetic.ReadMSR(mshv.MSRGuestOSID); got != 0 {
		t.Fatalf("hidden write reached the synthetic interface: 0x%x", got)
	}
}

func TestSyntheticMSRVisible(t *testing.T) {
	e := newTestEnv(t, func(c *config.Config) { c.Processors = 2 })
	v1, _ := e.h.VCPU(1)
	e.v = v1

	e.wrmsr(mshv.MSRGuestOSID, 0x8100_0000_0000_0000)
	expectNoEvent(t, e.block())
	if got := e.rdmsr(mshv.MSRGuestOSID); got != 0x8100_0000_0000_0000 {
		t.Fatalf("guest os id = 0x%x", got)
	}
	if got := e.rdmsr(mshv.MSRVPIndex); got != 1 {
		t.Fatalf("vp index = %d, want 1", got)
	}

	e.wrmsr(mshv.MSRVPIndex, 7)
	expectEvent(t, e.block(), eventGP)
	if e.rip() != 0x1000 {
		t.Fatalf("rip advanced past read-only write")
	}
}
