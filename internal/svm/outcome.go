//go:build amd64

package svm

import "github.com/tinyrange/svmcore/internal/hv"

// Action tells the exit trampoline what to do after Dispatch returns.
type Action uint8

const (
	// ActionResume loads the control block at Outcome.ResumePA and runs it.
	ActionResume Action = iota
	// ActionExitToHost abandons guest mode: the trampoline switches to
	// Outcome.CR3 and returns to host code with Outcome.Saved as the
	// register state. Dispatch never resumes the guest after this.
	ActionExitToHost
	// ActionHalt means a debug break has been raised on this processor.
	ActionHalt
	// ActionUnimplemented is returned for exits from a customized guest.
	// The block is loaded but no handling took place.
	ActionUnimplemented
)

func (a Action) String() string {
	switch a {
	case ActionResume:
		return "resume"
	case ActionExitToHost:
		return "exit-to-host"
	case ActionHalt:
		return "halt"
	case ActionUnimplemented:
		return "unimplemented"
	default:
		return "unknown"
	}
}

// Outcome is the result of handling one exit.
type Outcome struct {
	Action Action

	// ResumePA is the control block the trampoline resumes with VMRUN.
	ResumePA uint64

	// Saved and CR3 are set for ActionExitToHost.
	Saved *hv.GPRState
	CR3   uint64

	Err error
}

func resume() Outcome { return Outcome{Action: ActionResume} }
