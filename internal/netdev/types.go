// Package netdev implements the Netdev facade: the per-interface view
// of ikernel, custom ring, and flow lifecycle that both the hardware
// and paravirt backends implement identically.
package netdev

import (
	"net"

	"github.com/google/uuid"
)

// Flow is the IP/port tuple a tenant binds to an ikernel. Attaching a
// flow programs matching entries in both flow-table directions, so a
// Flow itself carries no direction — only the two-tuple the tenant
// sees.
type Flow struct {
	IP   net.IP
	Port uint16
}

// Key uniquely identifies a flow by its IP/port tuple.
func (f Flow) Key() string {
	return f.IP.String() + "/" + portString(f.Port)
}

func portString(p uint16) string {
	const digits = "0123456789"
	if p == 0 {
		return "0"
	}
	var buf [5]byte
	i := len(buf)
	for p > 0 {
		i--
		buf[i] = digits[p%10]
		p /= 10
	}
	return string(buf[i:])
}

// Ring is a hardware custom ring (RoCE send queue) bound to a VM.
type Ring struct {
	ID  uint32
	MAC net.HardwareAddr
	IP  net.IP
	QPN uint32
}

// Ikernel is a logical FPGA acceleration-kernel instance: an index
// into the shared ikernel register space, plus the set of rings and
// flows it owns.
type Ikernel struct {
	ID    uint32
	Index uint32
	UUID  uuid.UUID

	Rings map[uint32]*Ring
	Flows map[string]Flow
}

func newIkernel(id, index uint32, u uuid.UUID) *Ikernel {
	return &Ikernel{
		ID:    id,
		Index: index,
		UUID:  u,
		Rings: make(map[uint32]*Ring),
		Flows: make(map[string]Flow),
	}
}

// Netdev is the facade every RPC handler talks to: ikernel and custom
// ring lifecycle, flow attach/detach, and ikernel RPC invocation. Both
// the hardware-backed and paravirt-forwarding implementations satisfy
// it identically, so handler code never branches on which is in use.
type Netdev interface {
	Initialize() error
	Shutdown() error
	Ifname() string

	AllocateIkernel(u uuid.UUID) (*Ikernel, error)
	DeallocateIkernel(ikernID uint32) error
	GetIkernel(ikernID uint32) (*Ikernel, bool)
	GetUUIDs() []uuid.UUID
	NumRings() (uint32, error)

	// Attach programs both the h2n and n2h flow-table entries for
	// ip/port and binds them to ikernID, returning the hardware flow
	// id of each direction.
	Attach(ikernID uint32, ip net.IP, port uint16) (h2nID, n2hID uint32, err error)
	Detach(ikernID uint32, ip net.IP, port uint16) error

	// CRCreate programs a custom ring for ikernID. mac/ip may be nil,
	// meaning "use this netdev's own recorded default address" —
	// callers that must force a specific address (the hypervisor
	// binding a VM's configured identity) pass it explicitly.
	CRCreate(ikernID uint32, mac net.HardwareAddr, ip net.IP, qpn uint32) (*Ring, error)
	CRDestroy(ikernID, ringID uint32) error
	UpdateCredits(ringID uint32, maxMSN uint32) error

	InvokeIkernelRPC(ikernID uint32, addr uint32, value uint32, write bool) (uint32, error)
}
