package netdev

import (
	"net"

	"github.com/google/uuid"

	"github.com/behrlich/nica-manager/internal/idpool"
	"github.com/behrlich/nica-manager/internal/logging"
)

// flowBinding is the netdev-wide record of a programmed flow: which
// ikernel owns it and the two hardware flow ids (h2n, n2h) the
// attach produced. Keyed across every ikernel on this netdev, not
// per-ikernel, so a duplicate attach is rejected regardless of which
// ikernel already holds the address.
type flowBinding struct {
	ikernID uint32
	h2nID   uint32
	n2hID   uint32
}

// base holds the bookkeeping shared by both the hardware and paravirt
// Netdev implementations: id pools, the ikernel table, and local
// identity. Concrete backends embed it and implement the hardware- or
// channel-specific operations.
type base struct {
	ifname string
	ip     net.IP
	mac    net.HardwareAddr

	ikernIDs *idpool.Pool
	ringIDs  *idpool.Pool

	ikernels map[uint32]*Ikernel
	uuids    []uuid.UUID
	numRings uint32

	flows map[string]flowBinding

	log *logging.Logger
}

func newBase(ifname string, ip net.IP, mac net.HardwareAddr, log *logging.Logger) base {
	if log == nil {
		log = logging.Default()
	}
	return base{
		ifname:   ifname,
		ip:       ip,
		mac:      mac,
		ikernIDs: idpool.New(0, 1024),
		ikernels: make(map[uint32]*Ikernel),
		flows:    make(map[string]flowBinding),
		log:      log,
	}
}

// Ifname returns the interface name this netdev presents to tenants.
func (b *base) Ifname() string { return b.ifname }

// GetIkernel implements the read-only lookup shared by both backends.
func (b *base) GetIkernel(ikernID uint32) (*Ikernel, bool) {
	ik, ok := b.ikernels[ikernID]
	return ik, ok
}

// GetUUIDs returns the shell build identifiers this netdev discovered.
func (b *base) GetUUIDs() []uuid.UUID {
	return append([]uuid.UUID(nil), b.uuids...)
}

// NumRings returns the custom-ring context count discovered at
// Initialize.
func (b *base) NumRings() (uint32, error) {
	return b.numRings, nil
}

// findUUIDIndex returns the position of u in this netdev's UUID list,
// the hardware type index an ikernel of that UUID addresses.
func (b *base) findUUIDIndex(u uuid.UUID) (int, bool) {
	for i, known := range b.uuids {
		if known == u {
			return i, true
		}
	}
	return 0, false
}
