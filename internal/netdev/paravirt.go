package netdev

import (
	"encoding/binary"
	"net"
	"syscall"

	"github.com/google/uuid"

	"github.com/behrlich/nica-manager/internal/logging"
	"github.com/behrlich/nica-manager/internal/nicaerr"
)

// HypervisorOpcodes, matching the wire contract of the manager running
// in the hypervisor that this paravirt Netdev talks to.
const (
	OpConfigCustomRing  uint16 = 1
	OpNumRings          uint16 = 2
	OpGetUUIDs          uint16 = 3
	OpAllocateIkernel   uint16 = 4
	OpDeallocateIkernel uint16 = 5
	OpAttach            uint16 = 6
	OpDetach            uint16 = 7
	OpCRCreate          uint16 = 8
	OpCRDestroy         uint16 = 9
	OpUpdateCredits     uint16 = 10
	OpRPC               uint16 = 11
)

// Channel is the transport a Paravirt Netdev talks the hypervisor
// protocol over, such as a virtio-serial character device.
type Channel interface {
	Invoke(opcode uint16, body []byte) (respBody []byte, status uint16, err error)
}

// Paravirt is the Netdev implementation used by a guest VM: every
// operation is forwarded over Channel as a HypervisorOpcodes RPC
// instead of touching hardware directly. Only the per-ikernel set of
// flows and rings is tracked locally; everything else (hardware
// programming, address enforcement) lives hypervisor-side.
type Paravirt struct {
	base
	ch Channel
}

// NewParavirt creates a paravirt Netdev forwarding over ch.
func NewParavirt(ifname string, ip net.IP, mac net.HardwareAddr, ch Channel, log *logging.Logger) *Paravirt {
	return &Paravirt{base: newBase(ifname, ip, mac, log), ch: ch}
}

func (p *Paravirt) invoke(opcode uint16, body []byte) ([]byte, error) {
	resp, status, err := p.ch.Invoke(opcode, body)
	if err != nil {
		return nil, nicaerr.Wrap("netdev.paravirt.invoke", err)
	}
	if status != 0 {
		return nil, nicaerr.WithErrno("netdev.paravirt.invoke", nicaerr.CategoryIO, syscall.Errno(status))
	}
	return resp, nil
}

// Initialize configures the custom ring to the local MAC/IP over the
// hypervisor channel, records the hypervisor's reported ring context
// count (ring ids are allocated hypervisor-side, so no local ring id
// pool is created), and fetches the UUID it's allowed to allocate
// ikernels of.
func (p *Paravirt) Initialize() error {
	body := make([]byte, 6+4)
	copy(body[0:6], p.mac)
	copy(body[6:10], p.ip.To4())
	if _, err := p.invoke(OpConfigCustomRing, body); err != nil {
		return err
	}

	resp, err := p.invoke(OpNumRings, nil)
	if err != nil {
		return err
	}
	if len(resp) < 4 {
		return nicaerr.New("netdev.paravirt.Initialize", nicaerr.CategoryIO, "short response")
	}
	p.numRings = binary.LittleEndian.Uint32(resp[0:4])

	resp, err = p.invoke(OpGetUUIDs, nil)
	if err != nil {
		return err
	}
	for i := 0; i+16 <= len(resp); i += 16 {
		u, uerr := uuid.FromBytes(resp[i : i+16])
		if uerr != nil {
			continue
		}
		p.uuids = append(p.uuids, u)
	}
	return nil
}

// Shutdown is a no-op for the paravirt backend: the hypervisor owns
// hardware teardown and tears down every ikernel this VM owns when the
// channel closes.
func (p *Paravirt) Shutdown() error { return nil }

func (p *Paravirt) AllocateIkernel(u uuid.UUID) (*Ikernel, error) {
	index, ok := p.findUUIDIndex(u)
	if !ok {
		return nil, nicaerr.New("netdev.paravirt.AllocateIkernel", nicaerr.CategoryNotFound, "unknown ikernel uuid")
	}
	resp, err := p.invoke(OpAllocateIkernel, u[:])
	if err != nil {
		return nil, err
	}
	if len(resp) < 4 {
		return nil, nicaerr.New("netdev.paravirt.AllocateIkernel", nicaerr.CategoryIO, "short response")
	}
	id := binary.LittleEndian.Uint32(resp[0:4])
	ik := newIkernel(id, uint32(index), u)
	p.ikernels[id] = ik
	return ik, nil
}

func (p *Paravirt) DeallocateIkernel(ikernID uint32) error {
	body := make([]byte, 4)
	binary.LittleEndian.PutUint32(body, ikernID)
	if _, err := p.invoke(OpDeallocateIkernel, body); err != nil {
		return err
	}
	delete(p.ikernels, ikernID)
	return nil
}

func (p *Paravirt) Attach(ikernID uint32, ip net.IP, port uint16) (uint32, uint32, error) {
	ik, err := p.checkIkernel(ikernID)
	if err != nil {
		return 0, 0, err
	}
	body := make([]byte, 4+2+4)
	copy(body[0:4], ip.To4())
	binary.LittleEndian.PutUint16(body[4:6], port)
	binary.LittleEndian.PutUint32(body[6:10], ikernID)
	resp, err := p.invoke(OpAttach, body)
	if err != nil {
		return 0, 0, err
	}
	if len(resp) < 8 {
		return 0, 0, nicaerr.New("netdev.paravirt.Attach", nicaerr.CategoryIO, "short response")
	}
	h2nID := binary.LittleEndian.Uint32(resp[0:4])
	n2hID := binary.LittleEndian.Uint32(resp[4:8])
	ik.Flows[(Flow{IP: ip, Port: port}).Key()] = Flow{IP: ip, Port: port}
	return h2nID, n2hID, nil
}

func (p *Paravirt) Detach(ikernID uint32, ip net.IP, port uint16) error {
	ik, err := p.checkIkernel(ikernID)
	if err != nil {
		return err
	}
	body := make([]byte, 4+2+4)
	copy(body[0:4], ip.To4())
	binary.LittleEndian.PutUint16(body[4:6], port)
	binary.LittleEndian.PutUint32(body[6:10], ikernID)
	if _, err := p.invoke(OpDetach, body); err != nil {
		return err
	}
	delete(ik.Flows, (Flow{IP: ip, Port: port}).Key())
	return nil
}

// CRCreate forwards a ring create request; mac/ip are ignored — the
// hypervisor always binds the ring to this VM's configured address,
// never trusting the guest to name its own.
func (p *Paravirt) CRCreate(ikernID uint32, mac net.HardwareAddr, ip net.IP, qpn uint32) (*Ring, error) {
	ik, err := p.checkIkernel(ikernID)
	if err != nil {
		return nil, err
	}
	body := make([]byte, 8)
	binary.LittleEndian.PutUint32(body[0:4], ikernID)
	binary.LittleEndian.PutUint32(body[4:8], qpn)
	resp, err := p.invoke(OpCRCreate, body)
	if err != nil {
		return nil, err
	}
	if len(resp) < 4 {
		return nil, nicaerr.New("netdev.paravirt.CRCreate", nicaerr.CategoryIO, "short response")
	}
	id := binary.LittleEndian.Uint32(resp[0:4])
	r := &Ring{ID: id, QPN: qpn}
	ik.Rings[id] = r
	return r, nil
}

func (p *Paravirt) CRDestroy(ikernID, ringID uint32) error {
	ik, err := p.checkIkernel(ikernID)
	if err != nil {
		return err
	}
	body := make([]byte, 4)
	binary.LittleEndian.PutUint32(body, ringID)
	if _, err := p.invoke(OpCRDestroy, body); err != nil {
		return err
	}
	delete(ik.Rings, ringID)
	return nil
}

func (p *Paravirt) UpdateCredits(ringID uint32, maxMSN uint32) error {
	body := make([]byte, 8)
	binary.LittleEndian.PutUint32(body[0:4], ringID)
	binary.LittleEndian.PutUint32(body[4:8], maxMSN)
	_, err := p.invoke(OpUpdateCredits, body)
	return err
}

func (p *Paravirt) InvokeIkernelRPC(ikernID uint32, addr uint32, value uint32, write bool) (uint32, error) {
	body := make([]byte, 16)
	binary.LittleEndian.PutUint32(body[0:4], ikernID)
	binary.LittleEndian.PutUint32(body[4:8], addr)
	binary.LittleEndian.PutUint32(body[8:12], value)
	if write {
		binary.LittleEndian.PutUint32(body[12:16], 1)
	}
	resp, err := p.invoke(OpRPC, body)
	if err != nil {
		return 0, err
	}
	if len(resp) < 4 {
		return 0, nicaerr.New("netdev.paravirt.InvokeIkernelRPC", nicaerr.CategoryIO, "short response")
	}
	return binary.LittleEndian.Uint32(resp[0:4]), nil
}

var _ Netdev = (*Paravirt)(nil)
