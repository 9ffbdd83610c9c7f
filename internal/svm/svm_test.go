//go:build amd64

package svm

import (
	"io"
	"log/slog"
	"testing"

	"gvisor.dev/gvisor/pkg/cpuid"

	"github.com/tinyrange/svmcore/internal/config"
	"github.com/tinyrange/svmcore/internal/hv"
	"github.com/tinyrange/svmcore/internal/vmcb"
)

const (
	testImageBase     = 0xfffff800_00000000
	testImageSize     = 0x100000
	testPrimaryNCR3   = 0x10000
	testSecondaryNCR3 = 0x20000
	testFMS           = 0x00a20f10
)

const testLStar uint64 = 0xfffff800_00012340

type fakePlatform struct {
	stgi     int
	vmloads  []uint64
	cr3      []uint64
	drClears int
	breaks   []error
}

func (p *fakePlatform) STGI()                       { p.stgi++ }
func (p *fakePlatform) VMLoad(pa uint64)            { p.vmloads = append(p.vmloads, pa) }
func (p *fakePlatform) WriteCR3(cr3 uint64)         { p.cr3 = append(p.cr3, cr3) }
func (p *fakePlatform) ClearDebugAddressRegisters() { p.drClears++ }
func (p *fakePlatform) DebugBreak(reason error)     { p.breaks = append(p.breaks, reason) }

// testHost is an AMD host with SVM and without the hypervisor-present bit.
func testHost() cpuid.Static {
	host := cpuid.Static{}
	host.Set(cpuid.In{Eax: 0}, cpuid.Out{Eax: 0x10, Ebx: 0x68747541, Ecx: 0x444d4163, Edx: 0x69746e65})
	host.Set(cpuid.In{Eax: 1}, cpuid.Out{Eax: testFMS, Ebx: 0x00100800, Ecx: 0x7ed8320b, Edx: 0x178bfbff})
	host.Set(cpuid.In{Eax: 0x80000000}, cpuid.Out{Eax: 0x80000028})
	host.Set(cpuid.In{Eax: 0x80000001}, cpuid.Out{Eax: testFMS, Ecx: 0x75c237ff, Edx: 0x2fd3fbff})
	host.Set(cpuid.In{Eax: 0x8000000a}, cpuid.Out{Eax: 1, Ebx: 0x8000, Edx: 0x1ebfbcff})
	host.Set(cpuid.In{Eax: 0x8000001f}, cpuid.Out{Eax: 0x1, Ebx: 0x33})
	return host
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Image = config.ImageConfig{Base: testImageBase, Size: testImageSize}
	cfg.NestedPaging = config.NestedPagingConfig{PrimaryNCR3: testPrimaryNCR3, SecondaryNCR3: testSecondaryNCR3}
	cfg.HookPages = []config.HookPage{
		{Original: 0x7000, Hooked: 0x9000},
		{Original: 0x3000, Hooked: 0xa000},
		{Original: 0x5d000, Hooked: 0xb000},
	}
	return cfg
}

type testEnv struct {
	h   *Hypervisor
	p   *fakePlatform
	v   *VCPU
	gpr *hv.GPRState
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()

	cfg := testConfig()
	if mutate != nil {
		mutate(cfg)
	}

	p := &fakePlatform{}
	h, err := Build(cfg, Options{
		Platform:      p,
		Host:          testHost(),
		Logger:        discardLogger(),
		SyscallTarget: testLStar,
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	t.Cleanup(func() {
		if err := h.Teardown(); err != nil {
			t.Errorf("Teardown: %v", err)
		}
	})

	v, err := h.VCPU(0)
	if err != nil {
		t.Fatalf("VCPU: %v", err)
	}
	return &testEnv{h: h, p: p, v: v, gpr: &hv.GPRState{}}
}

func (e *testEnv) block() *vmcb.Block { return e.v.Block }

// setRIP places the guest at rip with an intercepted instruction of length n.
func (e *testEnv) setRIP(rip uint64, n uint64) {
	e.block().Write64(vmcb.GuestRIP, rip)
	e.block().Write64(vmcb.NextRIP, rip+n)
}

func (e *testEnv) rip() uint64 { return e.block().Read64(vmcb.GuestRIP) }

// exit records an intercept in the host block and dispatches it.
func (e *testEnv) exit(code int64, info1, info2 uint64) Outcome {
	b := e.block()
	b.Write64(vmcb.ExitCode, uint64(code))
	b.Write64(vmcb.ExitInfo1, info1)
	b.Write64(vmcb.ExitInfo2, info2)
	return e.h.Dispatch(e.v, e.gpr, e.v.Launch.GuestVMCBPA)
}

// nestedPage maps a zeroed control block at pa for VMRUN, VMLOAD and VMSAVE.
func (e *testEnv) nestedPage(t *testing.T, pa uint64) *vmcb.Block {
	t.Helper()
	buf := make([]byte, vmcb.Size)
	if _, err := e.h.Memory().Register("nested", pa, buf); err != nil {
		t.Fatalf("Register: %v", err)
	}
	b, err := vmcb.Wrap(buf, pa)
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}
	return b
}

func expectEvent(t *testing.T, b *vmcb.Block, want vmcb.Event) {
	t.Helper()
	got, ok := b.PendingEvent()
	if !ok {
		t.Fatalf("expected pending event %+v, got none", want)
	}
	if got != want {
		t.Fatalf("pending event = %+v, want %+v", got, want)
	}
}

func expectNoEvent(t *testing.T, b *vmcb.Block) {
	t.Helper()
	if ev, ok := b.PendingEvent(); ok {
		t.Fatalf("unexpected pending event %+v", ev)
	}
}

var (
	eventUD = vmcb.Event{Vector: 6, Type: vmcb.EventException}
	eventGP = vmcb.Event{Vector: 13, Type: vmcb.EventException, HasErrorCode: true}
)
