//go:build amd64

// Package svm is the VM-exit dispatch core of an AMD SVM hypervisor.
//
// A Hypervisor is built once from a configuration before any processor enters
// guest mode. Build allocates one control block per processor, fills the
// handler tables and installs the CPUID filter. From then on the only shared
// state that changes is the installed CPUID filter and the synthetic MSR gate,
// which SetHypervisorPresence swaps together in one atomic store.
//
// Each processor's exit trampoline calls Dispatch with that processor's VCPU
// and register snapshot. Dispatch never blocks, and two processors never share
// a VCPU, so the exit path takes no locks.
package svm

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"gvisor.dev/gvisor/pkg/cpuid"

	"github.com/tinyrange/svmcore/internal/amd64"
	"github.com/tinyrange/svmcore/internal/config"
	"github.com/tinyrange/svmcore/internal/mshv"
	"github.com/tinyrange/svmcore/internal/npt"
	"github.com/tinyrange/svmcore/internal/physmem"
	"github.com/tinyrange/svmcore/internal/trace"
	"github.com/tinyrange/svmcore/internal/vmcb"
)

// Options supplies the collaborators of a Hypervisor.
type Options struct {
	Platform Platform

	// Host answers CPUID for leaves the filters pass through. Defaults to
	// the native CPUID instruction.
	Host cpuid.Function

	Logger *slog.Logger
	Trace  *trace.Log

	// SyscallTarget is the host LSTAR captured before virtualization. It
	// seeds the guest's shadow LSTAR and is restored on call-exit.
	SyscallTarget uint64

	// Clock drives the synthetic reference counter. Defaults to time.Now.
	Clock func() time.Time
}

type Hypervisor struct {
	cfg      *config.Config
	log      *slog.Logger
	trace    *trace.Log
	platform Platform

	mem   *physmem.Space
	hooks *npt.HookTable

	primary   *npt.Manager
	secondary *npt.Manager

	caching bool
	hooking bool
	image   config.ImageConfig

	visible  *cpuidSlot
	stealthy *cpuidSlot
	filter   atomic.Pointer[cpuidSlot]

	tables handlerTables

	vcpus    []*VCPU
	torndown atomic.Bool
}

// Build creates a hypervisor for cfg. A nil cfg uses the defaults.
func Build(cfg *config.Config, opts Options) (*Hypervisor, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Platform == nil {
		return nil, errors.New("svm: build: no platform")
	}
	if opts.Host == nil {
		opts.Host = &cpuid.Native{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	pages := make([]npt.HookPage, 0, len(cfg.HookPages))
	for _, p := range cfg.HookPages {
		pages = append(pages, npt.HookPage{Original: p.Original, Hooked: p.Hooked})
	}
	hooks, err := npt.NewHookTable(pages)
	if err != nil {
		return nil, fmt.Errorf("svm: build: %w", err)
	}

	leaves, err := mshv.Leaves(cfg.Vendor, cfg.Processors)
	if err != nil {
		return nil, fmt.Errorf("svm: build: %w", err)
	}

	mem, err := physmem.New(cfg.Memory.Base, cfg.Memory.ArenaPages)
	if err != nil {
		return nil, fmt.Errorf("svm: build: %w", err)
	}

	h := &Hypervisor{
		cfg:       cfg,
		log:       opts.Logger,
		trace:     opts.Trace,
		platform:  opts.Platform,
		mem:       mem,
		hooks:     hooks,
		primary:   &npt.Manager{Name: "primary", NCR3: cfg.NestedPaging.PrimaryNCR3},
		secondary: &npt.Manager{Name: "secondary", NCR3: cfg.NestedPaging.SecondaryNCR3},
		caching:   cfg.Caching(),
		hooking:   cfg.Hooking(),
		image:     cfg.Image,
		visible:   &cpuidSlot{filter: &Visible{Host: opts.Host, Leaves: leaves}, presence: true},
		stealthy:  &cpuidSlot{filter: &Stealthy{Host: opts.Host}},
		tables:    newHandlerTables(),
	}
	h.SetHypervisorPresence(cfg.Presence())

	partition := mshv.NewPartition(opts.Clock)
	fms := opts.Host.Query(cpuid.In{Eax: amd64.CPUIDStdFeatures}).Eax

	for i := 0; i < cfg.Processors; i++ {
		v, err := h.newVCPU(uint32(i), partition, fms, opts.SyscallTarget)
		if err != nil {
			mem.Close()
			return nil, fmt.Errorf("svm: build processor %d: %w", i, err)
		}
		h.vcpus = append(h.vcpus, v)
	}

	h.log.Info("svm: hypervisor built",
		"processors", cfg.Processors,
		"hook_pages", hooks.Len(),
		"cpuid", h.cpuidFilter().Name(),
		"config", cfg.Hash().String())
	return h, nil
}

func (h *Hypervisor) newVCPU(id uint32, partition *mshv.Partition, fms uint32, lstar uint64) (*VCPU, error) {
	region, err := h.mem.AllocPages(fmt.Sprintf("vmcb%d", id), 1)
	if err != nil {
		return nil, err
	}
	block, err := vmcb.Wrap(region.Bytes(), region.Base)
	if err != nil {
		return nil, err
	}

	block.Write32(vmcb.GuestASID, 1)
	block.Write64(vmcb.GuestEFER, amd64.EFERSVME)
	block.Write64(vmcb.GuestLStar, lstar)
	if h.primary.NCR3 != 0 {
		block.Write64(vmcb.NestedControl, 1)
		block.Write64(vmcb.NestedCR3, h.primary.NCR3)
	}

	return &VCPU{
		ProcID:     id,
		Block:      block,
		Nested:     NestedState{SVME: h.cfg.NestedVirtualization, GIF: true},
		VirtualMSR: VirtualMSRs{LStar: lstar},
		Status:     StatusSubvertedHost,
		Primary:    h.primary,
		Secondary:  h.secondary,
		Launch:     LaunchRecord{GuestVMCBPA: block.Phys()},
		CPUIDFMS:   fms,
		Synthetic:  partition.NewVP(id),
		source:     fmt.Sprintf("cpu%d", id),
	}, nil
}

// SetHypervisorPresence installs the visible CPUID filter and opens the
// synthetic MSR range when enabled, or the stealthy filter otherwise. It is
// safe to call while processors are dispatching exits.
func (h *Hypervisor) SetHypervisorPresence(enabled bool) {
	if enabled {
		h.filter.Store(h.visible)
	} else {
		h.filter.Store(h.stealthy)
	}
}

// Presence reports whether the hypervisor is advertised to guests.
func (h *Hypervisor) Presence() bool { return h.syntheticOpen() }

// Seal freezes guest physical memory. Call it after every nested control
// block the guests may reference has been registered.
func (h *Hypervisor) Seal() { h.mem.Seal() }

// Memory is the guest physical address space used to locate control blocks.
func (h *Hypervisor) Memory() *physmem.Space { return h.mem }

func (h *Hypervisor) Config() *config.Config { return h.cfg }

// HookTable returns the sorted hook-page table.
func (h *Hypervisor) HookTable() *npt.HookTable { return h.hooks }

// VCPU returns the record of processor id.
func (h *Hypervisor) VCPU(id int) (*VCPU, error) {
	if id < 0 || id >= len(h.vcpus) {
		return nil, fmt.Errorf("svm: no processor %d", id)
	}
	return h.vcpus[id], nil
}

func (h *Hypervisor) VCPUs() []*VCPU { return h.vcpus }

// Stats sums the statistics of every processor.
func (h *Hypervisor) Stats() StatsSnapshot {
	var total StatsSnapshot
	for _, v := range h.vcpus {
		total = total.Add(v.Stats.Snapshot())
	}
	return total
}

// Teardown releases everything Build allocated. Control blocks must no
// longer be in use by any processor.
func (h *Hypervisor) Teardown() error {
	if h.torndown.Swap(true) {
		return nil
	}
	stats := h.Stats()
	h.log.Info("svm: hypervisor torn down",
		"exits", stats.Exits,
		"unhandled", stats.Unhandled,
		"injected", stats.Injected)

	h.vcpus = nil
	if err := h.mem.Close(); err != nil {
		return fmt.Errorf("svm: teardown: %w", err)
	}
	return nil
}
