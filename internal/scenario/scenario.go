// Package scenario describes intercept sequences in YAML and replays them
// through the exit dispatcher against simulated processors.
package scenario

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/svmcore/internal/amd64"
	"github.com/tinyrange/svmcore/internal/insn"
)

type Scenario struct {
	Name string `yaml:"name,omitempty"`

	// NestedBlocks are control blocks the guest may hand to VMRUN, VMLOAD
	// and VMSAVE. They are mapped before the first exit.
	NestedBlocks []NestedBlock `yaml:"nestedBlocks,omitempty"`

	Exits []Exit `yaml:"exits"`
}

type NestedBlock struct {
	PA   uint64 `yaml:"pa"`
	ASID uint32 `yaml:"asid,omitempty"`
}

// Exit is one intercept as the processor would report it.
type Exit struct {
	Proc int   `yaml:"proc,omitempty"`
	Code int64 `yaml:"code"`

	Info1 uint64 `yaml:"info1,omitempty"`
	Info2 uint64 `yaml:"info2,omitempty"`

	RIP     uint64 `yaml:"rip,omitempty"`
	NextRIP uint64 `yaml:"nextRip,omitempty"`

	RAX uint64 `yaml:"rax,omitempty"`
	RCX uint64 `yaml:"rcx,omitempty"`
	RDX uint64 `yaml:"rdx,omitempty"`

	// CSAttrib replaces the guest code segment attributes when set.
	CSAttrib uint16 `yaml:"csAttrib,omitempty"`
	// Insn holds the fetched instruction bytes in hex, for example
	// "48 89 05 10 00 00 00".
	Insn string `yaml:"insn,omitempty"`

	// Presence switches the CPUID filter before the exit is dispatched.
	Presence *bool `yaml:"presence,omitempty"`
	// Custom marks an exit from a customized guest instead of the host.
	Custom bool `yaml:"custom,omitempty"`

	Repeat int `yaml:"repeat,omitempty"`
}

// InsnBytes decodes Insn.
func (e Exit) InsnBytes() ([]byte, error) {
	s := strings.Join(strings.Fields(e.Insn), "")
	if s == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("instruction bytes %q: %w", e.Insn, err)
	}
	if len(b) > insn.MaxLength {
		return nil, fmt.Errorf("instruction bytes %q: %d bytes is longer than any instruction", e.Insn, len(b))
	}
	return b, nil
}

func (s *Scenario) normalize() {
	for i := range s.Exits {
		if s.Exits[i].Repeat == 0 {
			s.Exits[i].Repeat = 1
		}
	}
}

// Validate checks s against a hypervisor with the given processor count.
func (s *Scenario) Validate(processors int) error {
	for i, nb := range s.NestedBlocks {
		if nb.PA&amd64.PageMask != 0 {
			return fmt.Errorf("nested block %d: address 0x%x is not page aligned", i, nb.PA)
		}
	}
	for i, e := range s.Exits {
		if e.Proc < 0 || e.Proc >= processors {
			return fmt.Errorf("exit %d: processor %d out of range [0, %d)", i, e.Proc, processors)
		}
		if e.Repeat < 0 {
			return fmt.Errorf("exit %d: negative repeat %d", i, e.Repeat)
		}
		if _, err := e.InsnBytes(); err != nil {
			return fmt.Errorf("exit %d: %w", i, err)
		}
	}
	return nil
}

// Total is the number of exits a replay dispatches.
func (s *Scenario) Total() int {
	n := 0
	for _, e := range s.Exits {
		n += e.Repeat
	}
	return n
}

func Parse(data []byte) (*Scenario, error) {
	var s Scenario
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse scenario: %w", err)
	}
	s.normalize()
	return &s, nil
}

func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	return Parse(data)
}
