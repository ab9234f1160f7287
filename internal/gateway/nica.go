package gateway

import (
	"sync"

	"github.com/behrlich/nica-manager/internal/hwio"
	"github.com/google/uuid"
)

// Fixed top-level NICA register addresses, one set per direction
// (network-to-host, host-to-network).
const (
	n2hFlowTableBase = 0x18
	h2nFlowTableBase = 0x418
	ikernel0GatewayBase = 0x1014
	n2hArbiterBase   = 0x58
	h2nArbiterBase   = 0x458
	customRingBase   = 0x78
	n2hEnableReg     = 0x010
	h2nEnableReg     = 0x410
	updateCreditsReg = 0x1050
)

// NICA aggregates the sub-block drivers behind the fixed top-level
// register map: flow tables, arbiters, custom ring, and MMU, each
// addressed through its own Gateway.
type NICA struct {
	t  hwio.Transport
	mu sync.Mutex

	N2HFlowTable *FlowTable
	H2NFlowTable *FlowTable
	N2HArbiter   *Arbiter
	H2NArbiter   *Arbiter
	CustomRing   *CustomRing
	MMU          *MMU

	axiCache map[uint32]uint32
}

// NewNICA wires up every sub-block driver over t.
func NewNICA(t hwio.Transport) *NICA {
	return &NICA{
		t:            t,
		N2HFlowTable: NewFlowTable(New(t, n2hFlowTableBase, 0)),
		H2NFlowTable: NewFlowTable(New(t, h2nFlowTableBase, 0)),
		N2HArbiter:   NewArbiter(New(t, n2hArbiterBase, 0)),
		H2NArbiter:   NewArbiter(New(t, h2nArbiterBase, 0)),
		CustomRing:   NewCustomRing(New(t, customRingBase, 0)),
		MMU:          NewMMU(New(t, 0, 0)),
		axiCache:     make(map[uint32]uint32),
	}
}

// AxiRead reads a raw register directly (bypassing the Gateway
// handshake), caching the value the way the original driver's axi_cache
// dict did for registers known not to change across a session.
func (n *NICA) AxiRead(addr uint32, cached bool) (uint32, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if cached {
		if v, ok := n.axiCache[addr]; ok {
			return v, nil
		}
	}
	v, err := n.t.Read32(addr)
	if err != nil {
		return 0, err
	}
	if cached {
		n.axiCache[addr] = v
	}
	return v, nil
}

// AxiWrite writes a raw register directly, invalidating any cached read.
func (n *NICA) AxiWrite(addr uint32, value uint32) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.axiCache, addr)
	return n.t.Write32(addr, value)
}

// uuidWordRegs are the four fixed registers holding the shell build
// identifier, one 32-bit little-endian word apiece, concatenated in
// order into a 128-bit UUID.
var uuidWordRegs = [4]uint32{0x1000, 0x1004, 0x1008, 0x100c}

// GetUUID reads the per-shell build identifier, exposed to ikernel
// discovery.
func (n *NICA) GetUUID() (uuid.UUID, error) {
	var u uuid.UUID
	for i, reg := range uuidWordRegs {
		word, err := n.AxiRead(reg, true)
		if err != nil {
			return uuid.UUID{}, err
		}
		u[4*i+0] = byte(word)
		u[4*i+1] = byte(word >> 8)
		u[4*i+2] = byte(word >> 16)
		u[4*i+3] = byte(word >> 24)
	}
	return u, nil
}

// EnableAllFlows enables both the n2h and h2n flow-table directions.
func (n *NICA) EnableAllFlows() error {
	if err := n.AxiWrite(n2hEnableReg, 1); err != nil {
		return err
	}
	return n.AxiWrite(h2nEnableReg, 1)
}

// Enable turns on the given direction (n2h=false, h2n=true).
func (n *NICA) Enable(h2n bool) error {
	reg := n2hEnableReg
	if h2n {
		reg = h2nEnableReg
	}
	return n.AxiWrite(uint32(reg), 1)
}

// Disable turns off the given direction.
func (n *NICA) Disable(h2n bool) error {
	reg := n2hEnableReg
	if h2n {
		reg = h2nEnableReg
	}
	return n.AxiWrite(uint32(reg), 0)
}

// UpdateCredits programs the per-ring max outstanding message count
// (MSN), optionally resetting the ring's credit state.
func (n *NICA) UpdateCredits(ring uint32, maxMSN uint32, reset bool) error {
	resetBit := uint32(0)
	if reset {
		resetBit = 1
	}
	value := ring | maxMSN<<7 | resetBit<<23
	return n.AxiWrite(updateCreditsReg, value)
}

// IkernelGateway returns a Gateway scoped to the given ikernel id,
// addressing the shared ikernel RPC register block.
func (n *NICA) IkernelGateway(ikernID uint32) *Gateway {
	return New(n.t, ikernel0GatewayBase, ikernID)
}
