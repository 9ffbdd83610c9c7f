// Package config describes how a hypervisor instance is built.
package config

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"

	"github.com/tinyrange/svmcore/internal/amd64"
	"gopkg.in/yaml.v3"
)

const (
	DefaultProcessors = 1
	DefaultVendor     = "TinyRangeSVM"
	DefaultMemoryBase = 0x100000
	DefaultArenaPages = 64
	DefaultLogLevel   = "info"

	// VendorLength is the size of the hypervisor vendor signature returned
	// in EBX, ECX and EDX of the first hypervisor CPUID leaf.
	VendorLength = 12

	MaxProcessors = 256
)

type Config struct {
	Processors int `yaml:"processors,omitempty"`

	// CPUIDPresence advertises the hypervisor through CPUID and enables the
	// synthetic MSR range. Defaults to true.
	CPUIDPresence *bool `yaml:"cpuidPresence,omitempty"`
	// NestedVirtualization is the initial EFER.SVME view of every guest.
	NestedVirtualization bool `yaml:"nestedVirtualization,omitempty"`
	// VMCBCaching marks every clean bit valid on exit. Defaults to true.
	VMCBCaching *bool `yaml:"vmcbCaching,omitempty"`
	// NPFHooking enables the hooked nested paging view. Defaults to true.
	NPFHooking *bool `yaml:"npfHooking,omitempty"`

	Vendor string `yaml:"vendor,omitempty"`

	Image        ImageConfig        `yaml:"image"`
	Memory       MemoryConfig       `yaml:"memory"`
	NestedPaging NestedPagingConfig `yaml:"nestedPaging"`
	HookPages    []HookPage         `yaml:"hookPages,omitempty"`

	Log   LogConfig   `yaml:"log"`
	Trace TraceConfig `yaml:"trace"`
}

// ImageConfig bounds the hypervisor's own loaded image. Only code inside it
// may use the call-exit gate.
type ImageConfig struct {
	Base uint64 `yaml:"base,omitempty"`
	Size uint64 `yaml:"size,omitempty"`
}

// Contains reports whether addr lies inside the image.
func (c ImageConfig) Contains(addr uint64) bool {
	return c.Size != 0 && addr >= c.Base && addr-c.Base < c.Size
}

type MemoryConfig struct {
	// Base is the first guest physical address used for control blocks.
	Base       uint64 `yaml:"base,omitempty"`
	ArenaPages int    `yaml:"arenaPages,omitempty"`
}

type NestedPagingConfig struct {
	PrimaryNCR3   uint64 `yaml:"primaryNCR3,omitempty"`
	SecondaryNCR3 uint64 `yaml:"secondaryNCR3,omitempty"`
}

type HookPage struct {
	Original uint64 `yaml:"original"`
	Hooked   uint64 `yaml:"hooked"`
}

type LogConfig struct {
	Level string `yaml:"level,omitempty"`
}

type TraceConfig struct {
	Path string `yaml:"path,omitempty"`
}

func boolPtr(v bool) *bool { return &v }

func (c *Config) normalize() {
	if c.Processors == 0 {
		c.Processors = DefaultProcessors
	}
	if c.CPUIDPresence == nil {
		c.CPUIDPresence = boolPtr(true)
	}
	if c.VMCBCaching == nil {
		c.VMCBCaching = boolPtr(true)
	}
	if c.NPFHooking == nil {
		c.NPFHooking = boolPtr(true)
	}
	if c.Vendor == "" {
		c.Vendor = DefaultVendor
	}
	if c.Memory.Base == 0 {
		c.Memory.Base = DefaultMemoryBase
	}
	if c.Memory.ArenaPages == 0 {
		c.Memory.ArenaPages = DefaultArenaPages
	}
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
}

// Default returns a configuration with every default applied.
func Default() *Config {
	c := &Config{}
	c.normalize()
	return c
}

func (c *Config) Presence() bool { return c.CPUIDPresence == nil || *c.CPUIDPresence }
func (c *Config) Caching() bool  { return c.VMCBCaching == nil || *c.VMCBCaching }
func (c *Config) Hooking() bool  { return c.NPFHooking == nil || *c.NPFHooking }

// LogLevel parses Log.Level.
func (c *Config) LogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("config: log level %q: %w", c.Log.Level, err)
	}
	return level, nil
}

// Validate checks the normalized configuration.
func (c *Config) Validate() error {
	if c.Processors < 1 || c.Processors > MaxProcessors {
		return fmt.Errorf("config: processors must be between 1 and %d, got %d", MaxProcessors, c.Processors)
	}
	if len(c.Vendor) != VendorLength {
		return fmt.Errorf("config: vendor %q must be exactly %d bytes", c.Vendor, VendorLength)
	}
	if c.Image.Base+c.Image.Size < c.Image.Base {
		return fmt.Errorf("config: image [0x%x+0x%x) wraps the address space", c.Image.Base, c.Image.Size)
	}
	if c.Memory.Base&amd64.PageMask != 0 {
		return fmt.Errorf("config: memory base 0x%x is not page aligned", c.Memory.Base)
	}
	if c.Memory.ArenaPages < c.Processors {
		return fmt.Errorf("config: arena of %d pages cannot hold %d processors", c.Memory.ArenaPages, c.Processors)
	}
	if c.NestedPaging.PrimaryNCR3&amd64.PageMask != 0 {
		return fmt.Errorf("config: primary nested CR3 0x%x is not page aligned", c.NestedPaging.PrimaryNCR3)
	}
	if c.NestedPaging.SecondaryNCR3&amd64.PageMask != 0 {
		return fmt.Errorf("config: secondary nested CR3 0x%x is not page aligned", c.NestedPaging.SecondaryNCR3)
	}
	if _, err := c.LogLevel(); err != nil {
		return err
	}
	return nil
}

// Parse decodes, normalizes and validates a YAML document.
func Parse(data []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	c.normalize()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Load reads and parses the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Write encodes c to path with defaults filled in.
func Write(path string, c *Config) error {
	out := *c
	out.normalize()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("config: create %s: %w", path, err)
	}
	defer f.Close()

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(&out); err != nil {
		return fmt.Errorf("config: encode %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("config: close %s: %w", path, err)
	}
	return nil
}

// Hash identifies the parts of a configuration that change guest-visible
// behaviour. Trace files record it so exits can be matched to the build that
// produced them.
type Hash [32]byte

func (h Hash) String() string { return hex.EncodeToString(h[:]) }

func (c *Config) Hash() Hash {
	h := sha256.New()

	var buf [8]byte
	put := func(v uint64) {
		binary.LittleEndian.PutUint64(buf[:], v)
		h.Write(buf[:])
	}
	flag := func(b bool) {
		if b {
			put(1)
		} else {
			put(0)
		}
	}

	put(uint64(c.Processors))
	flag(c.Presence())
	flag(c.NestedVirtualization)
	flag(c.Caching())
	flag(c.Hooking())
	h.Write([]byte(c.Vendor))
	h.Write([]byte{0})
	put(c.Image.Base)
	put(c.Image.Size)
	put(c.NestedPaging.PrimaryNCR3)
	put(c.NestedPaging.SecondaryNCR3)
	for _, p := range c.HookPages {
		put(p.Original)
		put(p.Hooked)
	}

	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}
