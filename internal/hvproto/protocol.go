// Package hvproto implements the hypervisor-side service: the
// HypervisorOpcodes 1-11 a guest VM's paravirt Netdev forwards its
// operations through, with address validation binding every operation
// to the VM's configured MAC/IP.
package hvproto

import (
	"bytes"
	"encoding/binary"
	"net"
	"syscall"

	"github.com/google/uuid"

	"github.com/behrlich/nica-manager/internal/logging"
	"github.com/behrlich/nica-manager/internal/netdev"
	"github.com/behrlich/nica-manager/internal/nicaerr"
	"github.com/behrlich/nica-manager/internal/wire"
)

// HypervisorOpcodes 1-11.
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

// Handler mirrors clientproto.Handler but for the hypervisor-side
// connection type.
type Handler func(c *Conn, body []byte) ([]byte, error)

// Conn is one hypervisor-channel connection: exactly one VM, identified
// by the MAC/IP it configures in OpConfigCustomRing. Attach and detach
// are validated against that configured IP, and every custom ring the
// VM creates is bound to that MAC/IP.
type Conn struct {
	netdev    netdev.Netdev
	ownedIk   map[uint32]struct{}
	ringIkern map[uint32]uint32 // ring id -> owning ikernel id
	vmMAC     net.HardwareAddr
	vmIP      net.IP
	log       *logging.Logger
	parser    *wire.Parser
	writeFn   func([]byte) error
}

// NewConn creates a hypervisor Conn bound to nd, writing responses
// through write.
func NewConn(nd netdev.Netdev, write func([]byte) error, log *logging.Logger) *Conn {
	if log == nil {
		log = logging.Default()
	}
	c := &Conn{
		netdev:    nd,
		ownedIk:   make(map[uint32]struct{}),
		ringIkern: make(map[uint32]uint32),
		log:       log,
		writeFn:   write,
	}
	c.parser = wire.NewParser(c.onFrame)
	return c
}

// Feed delivers newly read bytes into the connection's parser.
func (c *Conn) Feed(chunk []byte) error {
	return c.parser.Feed(chunk)
}

var dispatch = map[uint16]Handler{
	OpConfigCustomRing:  handleConfigCustomRing,
	OpNumRings:          handleNumRings,
	OpGetUUIDs:          handleGetUUIDs,
	OpAllocateIkernel:   handleAllocateIkernel,
	OpDeallocateIkernel: handleDeallocateIkernel,
	OpAttach:            handleAttach,
	OpDetach:            handleDetach,
	OpCRCreate:          handleCRCreate,
	OpCRDestroy:         handleCRDestroy,
	OpUpdateCredits:     handleUpdateCredits,
	OpRPC:               handleRPC,
}

func (c *Conn) onFrame(h wire.Header, body []byte) error {
	handler, ok := dispatch[h.Opcode]
	if !ok {
		return c.reply(h.Opcode, uint16(syscall.ENOSYS), nil)
	}
	resp, err := handler(c, body)
	if err != nil {
		return c.reply(h.Opcode, uint16(nicaerr.WireErrno(err)), nil)
	}
	if resp == nil {
		resp = make([]byte, 4) // EMPTY_STRUCT padding: no zero-length response bodies
	}
	return c.reply(h.Opcode, 0, resp)
}

func (c *Conn) reply(opcode, status uint16, body []byte) error {
	return c.writeFn(wire.EncodeFrame(opcode, status, body))
}

// Close destroys every ikernel this VM owns, mirroring
// NICAManagerProtocolBase.connection_lost.
func (c *Conn) Close() {
	for id := range c.ownedIk {
		if err := c.netdev.DeallocateIkernel(id); err != nil {
			c.log.Warn("failed to destroy VM-owned ikernel on channel close", "ikernel", id, "err", err)
		}
	}
	c.ownedIk = nil
}

func handleConfigCustomRing(c *Conn, body []byte) ([]byte, error) {
	if len(body) < 10 {
		return nil, nicaerr.New("hvproto.config_custom_ring", nicaerr.CategoryInvalid, "short body")
	}
	c.vmMAC = net.HardwareAddr(append([]byte(nil), body[0:6]...))
	c.vmIP = net.IPv4(body[6], body[7], body[8], body[9])
	return nil, nil
}

// checkVMAddress enforces that an operation's IP matches the VM's
// configured address, returning EPERM on mismatch.
func (c *Conn) checkVMAddress(ip net.IP) error {
	if c.vmIP == nil || !bytes.Equal(c.vmIP.To4(), ip.To4()) {
		return nicaerr.WithErrno("hvproto.checkVMAddress", nicaerr.CategoryPermission, syscall.EPERM)
	}
	return nil
}

func handleNumRings(c *Conn, body []byte) ([]byte, error) {
	n, err := c.netdev.NumRings()
	if err != nil {
		return nil, err
	}
	resp := make([]byte, 4)
	binary.LittleEndian.PutUint32(resp, n)
	return resp, nil
}

func handleGetUUIDs(c *Conn, body []byte) ([]byte, error) {
	uuids := c.netdev.GetUUIDs()
	if len(uuids) == 0 {
		return nil, nicaerr.New("hvproto.get_uuids", nicaerr.CategoryNotFound, "no ikernel uuids discovered")
	}
	u := uuids[0]
	return u[:], nil
}

func handleAllocateIkernel(c *Conn, body []byte) ([]byte, error) {
	if len(body) < 16 {
		return nil, nicaerr.New("hvproto.allocate_ikernel", nicaerr.CategoryInvalid, "short body")
	}
	u, err := uuid.FromBytes(body[0:16])
	if err != nil {
		return nil, nicaerr.New("hvproto.allocate_ikernel", nicaerr.CategoryInvalid, "malformed uuid")
	}
	ik, err := c.netdev.AllocateIkernel(u)
	if err != nil {
		return nil, err
	}
	c.ownedIk[ik.ID] = struct{}{}
	resp := make([]byte, 4)
	binary.LittleEndian.PutUint32(resp, ik.ID)
	return resp, nil
}

func (c *Conn) checkOwned(ikernID uint32) error {
	if _, ok := c.ownedIk[ikernID]; !ok {
		return nicaerr.New("hvproto.checkOwned", nicaerr.CategoryNotFound, "ikernel not owned by this VM")
	}
	return nil
}

func handleDeallocateIkernel(c *Conn, body []byte) ([]byte, error) {
	if len(body) < 4 {
		return nil, nicaerr.New("hvproto.deallocate_ikernel", nicaerr.CategoryInvalid, "short body")
	}
	id := binary.LittleEndian.Uint32(body[0:4])
	if err := c.checkOwned(id); err != nil {
		return nil, err
	}
	if err := c.netdev.DeallocateIkernel(id); err != nil {
		return nil, err
	}
	delete(c.ownedIk, id)
	for ring, owner := range c.ringIkern {
		if owner == id {
			delete(c.ringIkern, ring)
		}
	}
	return nil, nil
}

func handleRPC(c *Conn, body []byte) ([]byte, error) {
	if len(body) < 13 {
		return nil, nicaerr.New("hvproto.rpc", nicaerr.CategoryInvalid, "short body")
	}
	id := binary.LittleEndian.Uint32(body[0:4])
	if err := c.checkOwned(id); err != nil {
		return nil, err
	}
	addr := binary.LittleEndian.Uint32(body[4:8])
	value := binary.LittleEndian.Uint32(body[8:12])
	write := body[12] != 0
	result, err := c.netdev.InvokeIkernelRPC(id, addr, value, write)
	if err != nil {
		return nil, err
	}
	resp := make([]byte, 4)
	binary.LittleEndian.PutUint32(resp, result)
	return resp, nil
}

func handleAttach(c *Conn, body []byte) ([]byte, error) {
	if len(body) < 10 {
		return nil, nicaerr.New("hvproto.attach", nicaerr.CategoryInvalid, "short body")
	}
	ip := net.IPv4(body[0], body[1], body[2], body[3])
	port := binary.LittleEndian.Uint16(body[4:6])
	id := binary.LittleEndian.Uint32(body[6:10])
	if err := c.checkOwned(id); err != nil {
		return nil, err
	}
	if err := c.checkVMAddress(ip); err != nil {
		return nil, err
	}
	h2nID, n2hID, err := c.netdev.Attach(id, ip, port)
	if err != nil {
		return nil, err
	}
	resp := make([]byte, 8)
	binary.LittleEndian.PutUint32(resp[0:4], h2nID)
	binary.LittleEndian.PutUint32(resp[4:8], n2hID)
	return resp, nil
}

func handleDetach(c *Conn, body []byte) ([]byte, error) {
	if len(body) < 10 {
		return nil, nicaerr.New("hvproto.detach", nicaerr.CategoryInvalid, "short body")
	}
	ip := net.IPv4(body[0], body[1], body[2], body[3])
	port := binary.LittleEndian.Uint16(body[4:6])
	id := binary.LittleEndian.Uint32(body[6:10])
	if err := c.checkOwned(id); err != nil {
		return nil, err
	}
	if err := c.checkVMAddress(ip); err != nil {
		return nil, err
	}
	return nil, c.netdev.Detach(id, ip, port)
}

func handleCRCreate(c *Conn, body []byte) ([]byte, error) {
	if len(body) < 8 {
		return nil, nicaerr.New("hvproto.cr_create", nicaerr.CategoryInvalid, "short body")
	}
	id := binary.LittleEndian.Uint32(body[0:4])
	qpn := binary.LittleEndian.Uint32(body[4:8])
	if err := c.checkOwned(id); err != nil {
		return nil, err
	}
	// The hypervisor always forces the ring's MAC/IP to the VM's
	// configured address, ignoring whatever the guest requested.
	ring, err := c.netdev.CRCreate(id, c.vmMAC, c.vmIP, qpn)
	if err != nil {
		return nil, err
	}
	c.ringIkern[ring.ID] = id
	resp := make([]byte, 4)
	binary.LittleEndian.PutUint32(resp, ring.ID)
	return resp, nil
}

func (c *Conn) checkRingOwned(ringID uint32) (uint32, error) {
	ikernID, ok := c.ringIkern[ringID]
	if !ok {
		return 0, nicaerr.New("hvproto.checkRingOwned", nicaerr.CategoryNotFound, "ring not owned by this VM")
	}
	return ikernID, nil
}

func handleCRDestroy(c *Conn, body []byte) ([]byte, error) {
	if len(body) < 4 {
		return nil, nicaerr.New("hvproto.cr_destroy", nicaerr.CategoryInvalid, "short body")
	}
	ringID := binary.LittleEndian.Uint32(body[0:4])
	ikernID, err := c.checkRingOwned(ringID)
	if err != nil {
		return nil, err
	}
	if err := c.netdev.CRDestroy(ikernID, ringID); err != nil {
		return nil, err
	}
	delete(c.ringIkern, ringID)
	return nil, nil
}

func handleUpdateCredits(c *Conn, body []byte) ([]byte, error) {
	if len(body) < 8 {
		return nil, nicaerr.New("hvproto.update_credits", nicaerr.CategoryInvalid, "short body")
	}
	ringID := binary.LittleEndian.Uint32(body[0:4])
	maxMSN := binary.LittleEndian.Uint32(body[4:8])
	if _, err := c.checkRingOwned(ringID); err != nil {
		return nil, err
	}
	return nil, c.netdev.UpdateCredits(ringID, maxMSN)
}
