// Package clientproto implements the local client-socket service: the
// eight opcodes a host-side tenant process uses to create and drive an
// ikernel, including SCM_RIGHTS fd-passing for flow discovery.
package clientproto

import (
	"bytes"
	"encoding/binary"
	"errors"
	"net"
	"syscall"

	"github.com/google/uuid"

	"github.com/behrlich/nica-manager/internal/logging"
	"github.com/behrlich/nica-manager/internal/netdev"
	"github.com/behrlich/nica-manager/internal/nicaerr"
	"github.com/behrlich/nica-manager/internal/wire"
)

// Opcodes 1-8 of the client-socket protocol.
const (
	OpIkCreate        uint16 = 1
	OpIkDestroy       uint16 = 2
	OpIkRPC           uint16 = 3
	OpIkAttach        uint16 = 4
	OpIkDetach        uint16 = 5
	OpCRCreate        uint16 = 6
	OpCRDestroy       uint16 = 7
	OpCRUpdateCredits uint16 = 8
)

// FDExtractor pulls the IP/port a passed socket fd is bound to, via
// SCM_RIGHTS + getsockname, so a flow can be attached on the client's
// behalf without the client needing to state the tuple itself.
type FDExtractor func(fd int) (ip net.IP, port uint16, err error)

// Handler is a single opcode's request handler: decode body, perform
// the operation against conn's owned ikernel set, return a response
// body (nil means EMPTY_STRUCT-style padding).
type Handler func(c *Conn, body []byte, fds []int) ([]byte, error)

// errAwaitingFD is returned by handleIkAttach/handleIkDetach to tell
// onFrame they already sent their own ack reply and the real response
// is still pending an out-of-band fd delivery.
var errAwaitingFD = errors.New("clientproto: awaiting fd")

// pendingOp tracks an in-flight ik_attach/ik_detach between the ack
// reply and the fd datagram that completes it.
type pendingOp struct {
	opcode  uint16
	ikernID uint32
	attach  bool
}

// Conn is one accepted client connection: the ikernels it created
// (destroyed automatically on connection close) and the parser state.
type Conn struct {
	netdev     netdev.Netdev
	ifname     string
	ownedIkern map[uint32]struct{}
	ringOwner  map[uint32]uint32 // ring id -> owning ikernel id
	extractFD  FDExtractor
	log        *logging.Logger
	parser     *wire.Parser
	writeFn    func([]byte) error
	pendingFDs []int
	pending    *pendingOp
}

// NewConn creates a Conn bound to nd, presenting ifname as the only
// netdev name this connection's clients may open, writing responses
// through write.
func NewConn(nd netdev.Netdev, ifname string, extractFD FDExtractor, write func([]byte) error, log *logging.Logger) *Conn {
	if log == nil {
		log = logging.Default()
	}
	c := &Conn{
		netdev:     nd,
		ifname:     ifname,
		ownedIkern: make(map[uint32]struct{}),
		ringOwner:  make(map[uint32]uint32),
		extractFD:  extractFD,
		log:        log,
		writeFn:    write,
	}
	c.parser = wire.NewParser(c.onFrame)
	return c
}

// Feed delivers newly read bytes (and any fds received alongside them
// via SCM_RIGHTS on this read) into the connection's parser. While an
// ik_attach/ik_detach is awaiting its fd, the chunk is not a framed
// RPC at all — it's the 1-byte datagram carrying the fd — so it's
// consumed directly instead of being handed to the wire parser.
func (c *Conn) Feed(chunk []byte, fds []int) error {
	if c.pending != nil {
		if len(fds) == 0 {
			// The client hasn't sent the fd yet (or the kernel split the
			// ancillary data across reads); keep waiting.
			return nil
		}
		return c.completePending(fds[0])
	}
	c.pendingFDs = append(c.pendingFDs, fds...)
	return c.parser.Feed(chunk)
}

var dispatch = map[uint16]Handler{
	OpIkCreate:        handleIkCreate,
	OpIkDestroy:       handleIkDestroy,
	OpIkRPC:           handleIkRPC,
	OpIkAttach:        handleIkAttach,
	OpIkDetach:        handleIkDetach,
	OpCRCreate:        handleCRCreate,
	OpCRDestroy:       handleCRDestroy,
	OpCRUpdateCredits: handleCRUpdateCredits,
}

func (c *Conn) onFrame(h wire.Header, body []byte) error {
	fds := c.pendingFDs
	c.pendingFDs = nil

	handler, ok := dispatch[h.Opcode]
	if !ok {
		return c.reply(h.Opcode, uint16(syscall.ENOSYS), nil) // unknown opcode, re-synchronizes on next header
	}

	resp, err := handler(c, body, fds)
	if err == errAwaitingFD {
		return nil
	}
	if err != nil {
		return c.reply(h.Opcode, uint16(nicaerr.WireErrno(err)), nil)
	}
	if resp == nil {
		resp = make([]byte, 4) // EMPTY_STRUCT padding: no zero-length response bodies
	}
	return c.reply(h.Opcode, 0, resp)
}

func (c *Conn) reply(opcode uint16, status uint16, body []byte) error {
	frame := wire.EncodeFrame(opcode, status, body)
	return c.writeFn(frame)
}

// Close destroys every ikernel this connection created, mirroring
// connection_lost's cleanup in the original asyncio protocol.
func (c *Conn) Close() {
	for id := range c.ownedIkern {
		if err := c.netdev.DeallocateIkernel(id); err != nil {
			c.log.Warn("failed to destroy owned ikernel on connection close", "ikernel", id, "err", err)
		}
	}
	c.ownedIkern = nil
	c.ringOwner = nil
	c.pending = nil
}

// completePending finishes an ik_attach/ik_detach once its fd has
// arrived: extract the bound IP/port via getsockname, then perform the
// real operation and send the real reply.
func (c *Conn) completePending(fd int) error {
	op := c.pending
	c.pending = nil

	ip, port, err := c.extractFD(fd)
	if err != nil {
		return c.reply(op.opcode, uint16(nicaerr.WireErrno(err)), nil)
	}

	if op.attach {
		h2nID, n2hID, aerr := c.netdev.Attach(op.ikernID, ip, port)
		if aerr != nil {
			return c.reply(op.opcode, uint16(nicaerr.WireErrno(aerr)), nil)
		}
		resp := make([]byte, 8)
		binary.LittleEndian.PutUint32(resp[0:4], h2nID)
		binary.LittleEndian.PutUint32(resp[4:8], n2hID)
		return c.reply(op.opcode, 0, resp)
	}

	if derr := c.netdev.Detach(op.ikernID, ip, port); derr != nil {
		return c.reply(op.opcode, uint16(nicaerr.WireErrno(derr)), nil)
	}
	return c.reply(op.opcode, 0, make([]byte, 4))
}

func handleIkCreate(c *Conn, body []byte, fds []int) ([]byte, error) {
	if len(body) < 32 {
		return nil, nicaerr.New("clientproto.ik_create", nicaerr.CategoryInvalid, "short body")
	}
	nameField := body[0:16]
	if i := bytes.IndexByte(nameField, 0); i >= 0 {
		nameField = nameField[:i]
	}
	if string(nameField) != c.ifname {
		return nil, nicaerr.WithErrno("clientproto.ik_create", nicaerr.CategoryNotFound, syscall.ENODEV)
	}
	u, err := uuid.FromBytes(body[16:32])
	if err != nil {
		return nil, nicaerr.New("clientproto.ik_create", nicaerr.CategoryInvalid, "malformed uuid")
	}
	ik, err := c.netdev.AllocateIkernel(u)
	if err != nil {
		return nil, err
	}
	c.ownedIkern[ik.ID] = struct{}{}
	resp := make([]byte, 4)
	binary.LittleEndian.PutUint32(resp, ik.ID)
	return resp, nil
}

func (c *Conn) checkOwned(ikernID uint32) error {
	if _, ok := c.ownedIkern[ikernID]; !ok {
		return nicaerr.New("clientproto.checkOwned", nicaerr.CategoryNotFound, "ikernel not owned by this connection")
	}
	return nil
}

func handleIkDestroy(c *Conn, body []byte, fds []int) ([]byte, error) {
	if len(body) < 4 {
		return nil, nicaerr.New("clientproto.ik_destroy", nicaerr.CategoryInvalid, "short body")
	}
	id := binary.LittleEndian.Uint32(body[0:4])
	if err := c.checkOwned(id); err != nil {
		return nil, err
	}
	if err := c.netdev.DeallocateIkernel(id); err != nil {
		return nil, err
	}
	delete(c.ownedIkern, id)
	for ring, owner := range c.ringOwner {
		if owner == id {
			delete(c.ringOwner, ring)
		}
	}
	return nil, nil
}

func handleIkRPC(c *Conn, body []byte, fds []int) ([]byte, error) {
	if len(body) < 13 {
		return nil, nicaerr.New("clientproto.ik_rpc", nicaerr.CategoryInvalid, "short body")
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

// handleIkAttach begins the two-step fd-passing attach: it replies
// with an empty ack immediately, then suspends until the client's
// SCM_RIGHTS-bearing datagram arrives.
func handleIkAttach(c *Conn, body []byte, fds []int) ([]byte, error) {
	if len(body) < 4 {
		return nil, nicaerr.New("clientproto.ik_attach", nicaerr.CategoryInvalid, "short body")
	}
	id := binary.LittleEndian.Uint32(body[0:4])
	if err := c.checkOwned(id); err != nil {
		return nil, err
	}
	if err := c.reply(OpIkAttach, 0, nil); err != nil {
		return nil, err
	}
	c.pending = &pendingOp{opcode: OpIkAttach, ikernID: id, attach: true}
	return nil, errAwaitingFD
}

// handleIkDetach mirrors handleIkAttach for the detach direction.
func handleIkDetach(c *Conn, body []byte, fds []int) ([]byte, error) {
	if len(body) < 4 {
		return nil, nicaerr.New("clientproto.ik_detach", nicaerr.CategoryInvalid, "short body")
	}
	id := binary.LittleEndian.Uint32(body[0:4])
	if err := c.checkOwned(id); err != nil {
		return nil, err
	}
	if err := c.reply(OpIkDetach, 0, nil); err != nil {
		return nil, err
	}
	c.pending = &pendingOp{opcode: OpIkDetach, ikernID: id, attach: false}
	return nil, errAwaitingFD
}

func handleCRCreate(c *Conn, body []byte, fds []int) ([]byte, error) {
	if len(body) < 8 {
		return nil, nicaerr.New("clientproto.cr_create", nicaerr.CategoryInvalid, "short body")
	}
	id := binary.LittleEndian.Uint32(body[0:4])
	qpn := binary.LittleEndian.Uint32(body[4:8])
	if err := c.checkOwned(id); err != nil {
		return nil, err
	}
	ring, err := c.netdev.CRCreate(id, nil, nil, qpn)
	if err != nil {
		return nil, err
	}
	c.ringOwner[ring.ID] = id
	resp := make([]byte, 4)
	binary.LittleEndian.PutUint32(resp, ring.ID)
	return resp, nil
}

func (c *Conn) checkRingOwned(ringID uint32) (uint32, error) {
	ikernID, ok := c.ringOwner[ringID]
	if !ok {
		return 0, nicaerr.New("clientproto.checkRingOwned", nicaerr.CategoryNotFound, "ring not owned by this connection")
	}
	return ikernID, nil
}

func handleCRDestroy(c *Conn, body []byte, fds []int) ([]byte, error) {
	if len(body) < 4 {
		return nil, nicaerr.New("clientproto.cr_destroy", nicaerr.CategoryInvalid, "short body")
	}
	ringID := binary.LittleEndian.Uint32(body[0:4])
	ikernID, err := c.checkRingOwned(ringID)
	if err != nil {
		return nil, err
	}
	if err := c.netdev.CRDestroy(ikernID, ringID); err != nil {
		return nil, err
	}
	delete(c.ringOwner, ringID)
	return nil, nil
}

func handleCRUpdateCredits(c *Conn, body []byte, fds []int) ([]byte, error) {
	if len(body) < 8 {
		return nil, nicaerr.New("clientproto.cr_update_credits", nicaerr.CategoryInvalid, "short body")
	}
	ringID := binary.LittleEndian.Uint32(body[0:4])
	maxMSN := binary.LittleEndian.Uint32(body[4:8])
	if _, err := c.checkRingOwned(ringID); err != nil {
		return nil, err
	}
	return nil, c.netdev.UpdateCredits(ringID, maxMSN)
}
