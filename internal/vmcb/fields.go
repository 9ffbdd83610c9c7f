package vmcb

// Control area.
var (
	InterceptCRRead      = Field{"intercept_cr_read", 0x000, Width16}
	InterceptCRWrite     = Field{"intercept_cr_write", 0x002, Width16}
	InterceptDRRead      = Field{"intercept_dr_read", 0x004, Width16}
	InterceptDRWrite     = Field{"intercept_dr_write", 0x006, Width16}
	InterceptExceptions  = Field{"intercept_exceptions", 0x008, Width32}
	InterceptMisc1       = Field{"intercept_misc1", 0x00c, Width32}
	InterceptMisc2       = Field{"intercept_misc2", 0x010, Width32}
	InterceptMisc3       = Field{"intercept_misc3", 0x014, Width32}
	PauseFilterThreshold = Field{"pause_filter_threshold", 0x03c, Width16}
	PauseFilterCount     = Field{"pause_filter_count", 0x03e, Width16}
	IOPMBasePA           = Field{"iopm_base_pa", 0x040, Width64}
	MSRPMBasePA          = Field{"msrpm_base_pa", 0x048, Width64}
	TSCOffset            = Field{"tsc_offset", 0x050, Width64}
	GuestASID            = Field{"guest_asid", 0x058, Width32}
	TLBControlField      = Field{"tlb_control", 0x05c, Width8}
	VirtualInterrupt     = Field{"vintr", 0x060, Width64}
	InterruptShadow      = Field{"interrupt_shadow", 0x068, Width64}
	ExitCode             = Field{"exit_code", 0x070, Width64}
	ExitInfo1            = Field{"exit_info1", 0x078, Width64}
	ExitInfo2            = Field{"exit_info2", 0x080, Width64}
	ExitIntInfo          = Field{"exit_int_info", 0x088, Width64}
	NestedControl        = Field{"np_enable", 0x090, Width64}
	AVICAPICBar          = Field{"avic_apic_bar", 0x098, Width64}
	GHCBPA               = Field{"ghcb_pa", 0x0a0, Width64}
	EventInjection       = Field{"event_inj", 0x0a8, Width64}
	NestedCR3            = Field{"npt_cr3", 0x0b0, Width64}
	LBRVirtualization    = Field{"lbr_virtualization", 0x0b8, Width64}
	CleanBits            = Field{"vmcb_clean_bits", 0x0c0, Width32}
	NextRIP              = Field{"next_rip", 0x0c8, Width64}
	InstructionLength    = Field{"guest_instruction_length", 0x0d0, Width8}
)

const (
	instructionBytesOffset = 0x0d1
	maxInstructionBytes    = 15
)

// State-save area, excluding the segment registers which are described by
// SegmentReg.
var (
	GuestCPL          = Field{"guest_cpl", 0x4cb, Width8}
	GuestEFER         = Field{"guest_efer", 0x4d0, Width64}
	GuestCR4          = Field{"guest_cr4", 0x548, Width64}
	GuestCR3          = Field{"guest_cr3", 0x550, Width64}
	GuestCR0          = Field{"guest_cr0", 0x558, Width64}
	GuestDR7          = Field{"guest_dr7", 0x560, Width64}
	GuestDR6          = Field{"guest_dr6", 0x568, Width64}
	GuestRFLAGS       = Field{"guest_rflags", 0x570, Width64}
	GuestRIP          = Field{"guest_rip", 0x578, Width64}
	GuestRSP          = Field{"guest_rsp", 0x5d8, Width64}
	GuestRAX          = Field{"guest_rax", 0x5f8, Width64}
	GuestStar         = Field{"guest_star", 0x600, Width64}
	GuestLStar        = Field{"guest_lstar", 0x608, Width64}
	GuestCStar        = Field{"guest_cstar", 0x610, Width64}
	GuestSFMask       = Field{"guest_sfmask", 0x618, Width64}
	GuestKernelGsBase = Field{"guest_kernel_gs_base", 0x620, Width64}
	GuestSysenterCS   = Field{"guest_sysenter_cs", 0x628, Width64}
	GuestSysenterESP  = Field{"guest_sysenter_esp", 0x630, Width64}
	GuestSysenterEIP  = Field{"guest_sysenter_eip", 0x638, Width64}
	GuestCR2          = Field{"guest_cr2", 0x640, Width64}
	GuestPAT          = Field{"guest_pat", 0x668, Width64}
	GuestDebugCtl     = Field{"guest_debugctl", 0x670, Width64}
)

// SegmentReg identifies a segment register in the state-save area by the
// offset of its 16-byte descriptor.
type SegmentReg uint16

const (
	ES   SegmentReg = 0x400
	CS   SegmentReg = 0x410
	SS   SegmentReg = 0x420
	DS   SegmentReg = 0x430
	FS   SegmentReg = 0x440
	GS   SegmentReg = 0x450
	GDTR SegmentReg = 0x460
	LDTR SegmentReg = 0x470
	IDTR SegmentReg = 0x480
	TR   SegmentReg = 0x490
)

var segmentNames = map[SegmentReg]string{
	ES: "es", CS: "cs", SS: "ss", DS: "ds", FS: "fs",
	GS: "gs", GDTR: "gdtr", LDTR: "ldtr", IDTR: "idtr", TR: "tr",
}

func (r SegmentReg) String() string {
	if name, ok := segmentNames[r]; ok {
		return name
	}
	return "seg?"
}

func (r SegmentReg) Selector() Field {
	return Field{"guest_" + r.String() + "_selector", uint16(r), Width16}
}

func (r SegmentReg) Attrib() Field {
	return Field{"guest_" + r.String() + "_attrib", uint16(r) + 2, Width16}
}

func (r SegmentReg) Limit() Field {
	return Field{"guest_" + r.String() + "_limit", uint16(r) + 4, Width32}
}

func (r SegmentReg) Base() Field {
	return Field{"guest_" + r.String() + "_base", uint16(r) + 8, Width64}
}

// Fields returns the selector, attribute, limit and base fields of r.
func (r SegmentReg) Fields() []Field {
	return []Field{r.Selector(), r.Attrib(), r.Limit(), r.Base()}
}

// Segment is the unpacked form of a segment descriptor in the save area.
type Segment struct {
	Selector uint16
	Attrib   uint16
	Limit    uint32
	Base     uint64
}

func (b *Block) Segment(r SegmentReg) Segment {
	return Segment{
		Selector: b.Read16(r.Selector()),
		Attrib:   b.Read16(r.Attrib()),
		Limit:    b.Read32(r.Limit()),
		Base:     b.Read64(r.Base()),
	}
}

func (b *Block) SetSegment(r SegmentReg, s Segment) {
	b.Write16(r.Selector(), s.Selector)
	b.Write16(r.Attrib(), s.Attrib)
	b.Write32(r.Limit(), s.Limit)
	b.Write64(r.Base(), s.Base)
}

var segmentRegs = []SegmentReg{ES, CS, SS, DS, FS, GS, GDTR, LDTR, IDTR, TR}

var fieldsByName = func() map[string]Field {
	m := make(map[string]Field)
	for _, f := range []Field{
		InterceptCRRead, InterceptCRWrite, InterceptDRRead, InterceptDRWrite,
		InterceptExceptions, InterceptMisc1, InterceptMisc2, InterceptMisc3,
		PauseFilterThreshold, PauseFilterCount, IOPMBasePA, MSRPMBasePA,
		TSCOffset, GuestASID, TLBControlField, VirtualInterrupt, InterruptShadow,
		ExitCode, ExitInfo1, ExitInfo2, ExitIntInfo, NestedControl, AVICAPICBar,
		GHCBPA, EventInjection, NestedCR3, LBRVirtualization, CleanBits, NextRIP,
		InstructionLength,
		GuestCPL, GuestEFER, GuestCR4, GuestCR3, GuestCR0, GuestDR7, GuestDR6,
		GuestRFLAGS, GuestRIP, GuestRSP, GuestRAX, GuestStar, GuestLStar,
		GuestCStar, GuestSFMask, GuestKernelGsBase, GuestSysenterCS,
		GuestSysenterESP, GuestSysenterEIP, GuestCR2, GuestPAT, GuestDebugCtl,
	} {
		m[f.Name] = f
	}
	for _, r := range segmentRegs {
		for _, f := range r.Fields() {
			m[f.Name] = f
		}
	}
	return m
}()

// FieldByName looks up a field by its name, for example "guest_rip" or
// "guest_cs_attrib".
func FieldByName(name string) (Field, bool) {
	f, ok := fieldsByName[name]
	return f, ok
}
