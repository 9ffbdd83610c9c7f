package trace

import (
	"encoding/binary"
	"fmt"
)

const exitSize = 41

// Exit is the compact record written for every dispatched intercept.
type Exit struct {
	Code      uint64
	RIP       uint64
	ExitInfo1 uint64
	ExitInfo2 uint64
	NextRIP   uint64
	Action    uint8
}

func (e Exit) MarshalBinary() []byte {
	buf := make([]byte, exitSize)
	binary.LittleEndian.PutUint64(buf[0:], e.Code)
	binary.LittleEndian.PutUint64(buf[8:], e.RIP)
	binary.LittleEndian.PutUint64(buf[16:], e.ExitInfo1)
	binary.LittleEndian.PutUint64(buf[24:], e.ExitInfo2)
	binary.LittleEndian.PutUint64(buf[32:], e.NextRIP)
	buf[40] = e.Action
	return buf
}

// ParseExit decodes a KindExit payload.
func ParseExit(data []byte) (Exit, error) {
	if len(data) != exitSize {
		return Exit{}, fmt.Errorf("trace: exit record is %d bytes, want %d", len(data), exitSize)
	}
	return Exit{
		Code:      binary.LittleEndian.Uint64(data[0:]),
		RIP:       binary.LittleEndian.Uint64(data[8:]),
		ExitInfo1: binary.LittleEndian.Uint64(data[16:]),
		ExitInfo2: binary.LittleEndian.Uint64(data[24:]),
		NextRIP:   binary.LittleEndian.Uint64(data[32:]),
		Action:    data[40],
	}, nil
}

func (e Exit) String() string {
	return fmt.Sprintf("code=%#x rip=0x%x info1=0x%x info2=0x%x next=0x%x action=%d",
		int64(e.Code), e.RIP, e.ExitInfo1, e.ExitInfo2, e.NextRIP, e.Action)
}
