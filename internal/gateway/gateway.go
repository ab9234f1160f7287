// Package gateway implements the indirect AXI-Lite register protocol
// ("Gateway") that every NICA sub-block driver issues its commands
// through, plus the sub-block drivers themselves: FlowTable, Arbiter,
// CustomRing, MMU, and the top-level fixed NICA register map.
package gateway

import (
	"time"

	"github.com/behrlich/nica-manager/internal/hwio"
	"github.com/behrlich/nica-manager/internal/nicaerr"
)

// Gateway register offsets, relative to a sub-block's base address.
const (
	offCmd      = 0x0
	offDataI    = 0x8
	offDataO    = 0x10
	offDone     = 0x18
	offIkernID  = 0x20
	cmdWrite    = 1 << 30
	cmdGo       = 1 << 31
	pollTimeout = 5 * time.Second
	pollStep    = 50 * time.Microsecond
)

// Gateway is the indirect command/data/done handshake shared by every
// sub-block driver. Access is synchronous and busy-waits for hardware
// to raise "done"; callers must serialize use of a Gateway themselves —
// the manager's single-threaded event loop provides that serialization.
type Gateway struct {
	t       hwio.Transport
	base    uint32
	ikernID uint32
}

// New creates a Gateway addressing the sub-block at base, scoped to the
// given ikernel id (0 for the default/global ikernel).
func New(t hwio.Transport, base uint32, ikernID uint32) *Gateway {
	return &Gateway{t: t, base: base, ikernID: ikernID}
}

// Write performs an indirect register write through the gateway handshake.
func (g *Gateway) Write(addr uint32, value uint32) error {
	return g.transact(addr, value, cmdWrite|cmdGo)
}

// Read performs an indirect register read through the gateway handshake.
func (g *Gateway) Read(addr uint32) (uint32, error) {
	return g.roundTrip(addr, 0, cmdGo)
}

func (g *Gateway) transact(addr, value, cmd uint32) error {
	_, err := g.roundTrip(addr, value, cmd)
	return err
}

func (g *Gateway) roundTrip(addr, value, cmd uint32) (uint32, error) {
	if err := g.t.Write32(g.base+offIkernID, g.ikernID); err != nil {
		return 0, nicaerr.Wrap("gateway.roundTrip", err)
	}
	if err := g.t.Write32(g.base+offDataI, value); err != nil {
		return 0, nicaerr.Wrap("gateway.roundTrip", err)
	}
	if err := g.t.Write32(g.base+offCmd, addr|cmd); err != nil {
		return 0, nicaerr.Wrap("gateway.roundTrip", err)
	}

	deadline := time.Now().Add(pollTimeout)
	for {
		done, err := g.t.Read32(g.base + offDone)
		if err != nil {
			return 0, nicaerr.Wrap("gateway.roundTrip", err)
		}
		if done != 0 {
			break
		}
		if time.Now().After(deadline) {
			return 0, nicaerr.ErrGatewayTimeout
		}
		time.Sleep(pollStep)
	}

	out, err := g.t.Read32(g.base + offDataO)
	if err != nil {
		return 0, nicaerr.Wrap("gateway.roundTrip", err)
	}

	// Two-phase handshake: clear the command so "done" drops before the
	// next transaction begins.
	if err := g.t.Write32(g.base+offCmd, 0); err != nil {
		return 0, nicaerr.Wrap("gateway.roundTrip", err)
	}
	deadline = time.Now().Add(pollTimeout)
	for {
		done, err := g.t.Read32(g.base + offDone)
		if err != nil {
			return 0, nicaerr.Wrap("gateway.roundTrip", err)
		}
		if done == 0 {
			break
		}
		if time.Now().After(deadline) {
			return 0, nicaerr.ErrGatewayTimeout
		}
		time.Sleep(pollStep)
	}

	return out, nil
}
