package gateway

import "net"

// FlowTable registers: the key fields a lookup matches against, the
// result fields a match steers traffic to, and the two opcode
// registers (read to add or delete an entry keyed by whatever is
// currently staged in the key/result fields).
const (
	ftFields         = 0x0
	ftAddFlow        = 0x1
	ftDeleteFlow     = 0x2
	ftKeySAddr       = 0x10
	ftKeyDAddr       = 0x11
	ftKeySPort       = 0x12
	ftKeyDPort       = 0x13
	ftResultAction   = 0x18
	ftResultIkernel  = 0x19
	ftResultIkernID  = 0x1a
)

// Flow-table result actions.
const (
	ActionPassthrough uint32 = 0
	ActionIkernel     uint32 = 2
)

// failure sentinels a flow-table opcode register can return: either
// value means the hardware rejected the operation.
const (
	ftFailZero = 0
	ftFailAll  = 0xFFFFFFFF
)

// FlowTable programs IP/port flow-table entries that steer traffic to
// a particular ikernel.
type FlowTable struct {
	gw *Gateway
}

// NewFlowTable creates a FlowTable driver over gw.
func NewFlowTable(gw *Gateway) *FlowTable {
	return &FlowTable{gw: gw}
}

// SetMask programs which of the four key fields this table's lookups
// match on (the unmasked fields are wildcards).
func (f *FlowTable) SetMask(saddr, daddr, sport, dport bool) error {
	var mask uint32
	if saddr {
		mask |= 1 << 0
	}
	if daddr {
		mask |= 1 << 1
	}
	if sport {
		mask |= 1 << 2
	}
	if dport {
		mask |= 1 << 3
	}
	return f.gw.Write(ftFields, mask)
}

func ipToUint32(ip net.IP) uint32 {
	if ip == nil {
		return 0
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return 0
	}
	return uint32(ip4[0])<<24 | uint32(ip4[1])<<16 | uint32(ip4[2])<<8 | uint32(ip4[3])
}

func (f *FlowTable) writeKey(saddr net.IP, sport uint16, daddr net.IP, dport uint16) error {
	if err := f.gw.Write(ftKeySAddr, ipToUint32(saddr)); err != nil {
		return err
	}
	if err := f.gw.Write(ftKeySPort, uint32(sport)); err != nil {
		return err
	}
	if err := f.gw.Write(ftKeyDAddr, ipToUint32(daddr)); err != nil {
		return err
	}
	return f.gw.Write(ftKeyDPort, uint32(dport))
}

// SetFlow enters a flow-table entry matching the given key and
// steering it to ikernelID (of hardware type ikernelIndex), returning
// the hardware's raw flow id. Both 0 and 0xFFFFFFFF mean the hardware
// rejected the entry (table full); the caller decides how to react.
func (f *FlowTable) SetFlow(saddr net.IP, sport uint16, daddr net.IP, dport uint16, action, ikernelIndex, ikernelID uint32) (uint32, error) {
	if err := f.writeKey(saddr, sport, daddr, dport); err != nil {
		return 0, err
	}
	if err := f.gw.Write(ftResultAction, action); err != nil {
		return 0, err
	}
	if err := f.gw.Write(ftResultIkernel, ikernelIndex); err != nil {
		return 0, err
	}
	if err := f.gw.Write(ftResultIkernID, ikernelID); err != nil {
		return 0, err
	}
	return f.gw.Read(ftAddFlow)
}

// DeleteFlow removes the flow-table entry matching the given key,
// returning the hardware's raw result (0xFFFFFFFF means no matching
// entry was found).
func (f *FlowTable) DeleteFlow(saddr net.IP, sport uint16, daddr net.IP, dport uint16) (uint32, error) {
	if err := f.writeKey(saddr, sport, daddr, dport); err != nil {
		return 0, err
	}
	return f.gw.Read(ftDeleteFlow)
}

// AddFlowFailed reports whether an ADD_FLOW result indicates
// rejection: either sentinel means the table had no room for the
// entry.
func AddFlowFailed(result uint32) bool {
	return result == ftFailZero || result == ftFailAll
}

// DeleteFlowFailed reports whether a DELETE_FLOW result indicates no
// matching entry was found.
func DeleteFlowFailed(result uint32) bool {
	return result == ftFailAll
}
