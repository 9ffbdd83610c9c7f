package vmcb

// EventType is the class of an injected event (EVENTINJ.TYPE).
type EventType uint8

const (
	EventExternalInterrupt EventType = 0
	EventNMI               EventType = 2
	EventException         EventType = 3 // faults and traps
	EventSoftwareInterrupt EventType = 4
)

const (
	eventVectorMask = 0xff
	eventTypeShift  = 8
	eventTypeMask   = 0x7
	eventErrorValid = 1 << 11
	eventValid      = 1 << 31
	eventErrorShift = 32
)

// Event is a decoded EVENTINJ value.
type Event struct {
	Vector       uint8
	Type         EventType
	HasErrorCode bool
	ErrorCode    uint32
}

// InjectEvent makes the next VMRUN deliver the given event to the guest
// instead of resuming at the intercepted instruction. There is no queue: a
// second call before the guest runs replaces the first.
func (b *Block) InjectEvent(vector uint8, typ EventType, hasErrorCode bool, errorCode uint32) {
	v := uint64(vector) | uint64(typ&eventTypeMask)<<eventTypeShift | eventValid
	if hasErrorCode {
		v |= eventErrorValid | uint64(errorCode)<<eventErrorShift
	}
	b.Write64(EventInjection, v)
}

// PendingEvent returns the event that will be injected on the next VMRUN.
func (b *Block) PendingEvent() (Event, bool) {
	v := b.Read64(EventInjection)
	if v&eventValid == 0 {
		return Event{}, false
	}
	return Event{
		Vector:       uint8(v & eventVectorMask),
		Type:         EventType(v >> eventTypeShift & eventTypeMask),
		HasErrorCode: v&eventErrorValid != 0,
		ErrorCode:    uint32(v >> eventErrorShift),
	}, true
}

// ClearEvent drops any pending injection.
func (b *Block) ClearEvent() {
	b.Write64(EventInjection, 0)
}
