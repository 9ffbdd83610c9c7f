//go:build amd64

package scenario

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/svmcore/internal/hv"
	"github.com/tinyrange/svmcore/internal/svm"
	"github.com/tinyrange/svmcore/internal/vmcb"
)

// Recorder is a simulated processor surface. It records the privileged
// operations the handlers request instead of performing them.
type Recorder struct {
	Log *slog.Logger

	mu        sync.Mutex
	stgi      int
	vmloads   int
	cr3Writes []uint64
	drClears  int
	breaks    []error
}

func (r *Recorder) STGI() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stgi++
}

func (r *Recorder) VMLoad(pa uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vmloads++
}

func (r *Recorder) WriteCR3(cr3 uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cr3Writes = append(r.cr3Writes, cr3)
}

func (r *Recorder) ClearDebugAddressRegisters() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drClears++
}

func (r *Recorder) DebugBreak(reason error) {
	r.mu.Lock()
	r.breaks = append(r.breaks, reason)
	r.mu.Unlock()
	if r.Log != nil {
		r.Log.Error("scenario: debug break", "error", reason)
	}
}

// Summary is what a Recorder saw.
type Summary struct {
	STGI      int      `json:"stgi"`
	VMLoads   int      `json:"vmloads"`
	CR3Writes []uint64 `json:"cr3_writes,omitempty"`
	DRClears  int      `json:"dr_clears"`
	Breaks    []string `json:"breaks,omitempty"`
}

func (r *Recorder) Summary() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Summary{
		STGI:      r.stgi,
		VMLoads:   r.vmloads,
		CR3Writes: append([]uint64(nil), r.cr3Writes...),
		DRClears:  r.drClears,
	}
	for _, err := range r.breaks {
		s.Breaks = append(s.Breaks, err.Error())
	}
	return s
}

// Result is the state of the processor after one dispatched exit.
type Result struct {
	Index  int
	Proc   int
	Code   int64
	Action svm.Action
	RIP    uint64
	Event  vmcb.Event
	// Injected is set when an event is pending for the next VMRUN.
	Injected bool
	Err      error
}

func (r Result) String() string {
	s := fmt.Sprintf("#%d cpu%d code=%#x action=%s rip=0x%x", r.Index, r.Proc, r.Code, r.Action, r.RIP)
	if r.Injected {
		s += fmt.Sprintf(" inject=%d", r.Event.Vector)
		if r.Event.HasErrorCode {
			s += fmt.Sprintf("/%#x", r.Event.ErrorCode)
		}
	}
	if r.Err != nil {
		s += " err=" + r.Err.Error()
	}
	return s
}

// Prepare maps the nested control blocks of s and seals guest memory.
func Prepare(h *svm.Hypervisor, s *Scenario) error {
	if err := s.Validate(len(h.VCPUs())); err != nil {
		return err
	}
	for _, nb := range s.NestedBlocks {
		buf := make([]byte, vmcb.Size)
		region, err := h.Memory().Register(fmt.Sprintf("nested-%x", nb.PA), nb.PA, buf)
		if err != nil {
			return err
		}
		b, err := vmcb.Wrap(region.Bytes(), region.Base)
		if err != nil {
			return err
		}
		b.Write32(vmcb.GuestASID, nb.ASID)
	}
	h.Seal()
	return nil
}

// Replay dispatches every exit of s in order. progress, if not nil, is called
// after each dispatched exit.
func Replay(h *svm.Hypervisor, s *Scenario, progress func()) ([]Result, error) {
	regs := make(map[int]*hv.GPRState)
	results := make([]Result, 0, s.Total())

	for i, e := range s.Exits {
		v, err := h.VCPU(e.Proc)
		if err != nil {
			return results, fmt.Errorf("exit %d: %w", i, err)
		}
		code, err := e.InsnBytes()
		if err != nil {
			return results, fmt.Errorf("exit %d: %w", i, err)
		}
		gpr, ok := regs[e.Proc]
		if !ok {
			gpr = &hv.GPRState{}
			regs[e.Proc] = gpr
		}
		if e.Presence != nil {
			h.SetHypervisorPresence(*e.Presence)
		}

		for n := 0; n < e.Repeat; n++ {
			load(v.Block, e, code)
			gpr.RCX = e.RCX
			gpr.RDX = e.RDX

			// Customized guests run from their own block; the host block
			// is never at address zero.
			exited := v.Launch.GuestVMCBPA
			if e.Custom {
				exited = 0
			}

			out := h.Dispatch(v, gpr, exited)
			ev, injected := v.Block.PendingEvent()
			results = append(results, Result{
				Index:    i,
				Proc:     e.Proc,
				Code:     e.Code,
				Action:   out.Action,
				RIP:      v.Block.Read64(vmcb.GuestRIP),
				Event:    ev,
				Injected: injected,
				Err:      out.Err,
			})
			if progress != nil {
				progress()
			}
		}
	}
	return results, nil
}

func load(b *vmcb.Block, e Exit, code []byte) {
	b.ClearEvent()
	b.Write64(vmcb.ExitCode, uint64(e.Code))
	b.Write64(vmcb.ExitInfo1, e.Info1)
	b.Write64(vmcb.ExitInfo2, e.Info2)
	if e.RIP != 0 || e.NextRIP != 0 {
		b.Write64(vmcb.GuestRIP, e.RIP)
		b.Write64(vmcb.NextRIP, e.NextRIP)
	}
	b.Write64(vmcb.GuestRAX, e.RAX)
	if e.CSAttrib != 0 {
		b.Write16(vmcb.CS.Attrib(), e.CSAttrib)
	}
	b.SetInstructionBytes(code)
}
