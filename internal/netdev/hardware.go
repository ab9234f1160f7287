package netdev

import (
	"net"
	"syscall"

	"github.com/google/uuid"

	"github.com/behrlich/nica-manager/internal/gateway"
	"github.com/behrlich/nica-manager/internal/idpool"
	"github.com/behrlich/nica-manager/internal/logging"
	"github.com/behrlich/nica-manager/internal/nicaerr"
)

const (
	fpgaMAC = "00:00:00:00:00:01"
	fpgaIP  = "10.0.0.1"
)

// Hardware is the Netdev implementation that drives the FPGA directly
// through its register map.
type Hardware struct {
	base
	nica *gateway.NICA

	// customRingMAC/customRingIP are this interface's own address,
	// used as a custom ring's destination when a caller doesn't force
	// one explicitly.
	customRingMAC net.HardwareAddr
	customRingIP  net.IP
}

// NewHardware creates a hardware-backed Netdev over an already-wired
// NICA register map.
func NewHardware(ifname string, ip net.IP, mac net.HardwareAddr, nica *gateway.NICA, log *logging.Logger) *Hardware {
	return &Hardware{base: newBase(ifname, ip, mac, log), nica: nica}
}

// Initialize programs the flow-table match masks, the FPGA's own
// fabric identity, sizes the ring id pool off the hardware's reported
// context count, and fetches the shell UUID — mirroring
// Netdev.initialize() in the original.
func (h *Hardware) Initialize() error {
	if err := h.nica.N2HFlowTable.SetMask(false, true, false, true); err != nil {
		return nicaerr.Wrap("netdev.Initialize", err)
	}
	if err := h.nica.H2NFlowTable.SetMask(true, false, true, false); err != nil {
		return nicaerr.Wrap("netdev.Initialize", err)
	}

	fpgaMACAddr, _ := net.ParseMAC(fpgaMAC)
	fpgaIPAddr := net.ParseIP(fpgaIP)
	if err := h.nica.CustomRing.SetSourceAddress(fpgaMACAddr, fpgaIPAddr); err != nil {
		return nicaerr.Wrap("netdev.Initialize", err)
	}
	h.customRingMAC = h.mac
	h.customRingIP = h.ip

	numRings, err := h.nica.CustomRing.NumRings()
	if err != nil {
		return nicaerr.Wrap("netdev.Initialize", err)
	}
	h.numRings = numRings
	h.ringIDs = idpool.New(0, int(numRings))

	u, err := h.nica.GetUUID()
	if err != nil {
		return nicaerr.Wrap("netdev.Initialize", err)
	}
	h.uuids = []uuid.UUID{u}

	if err := h.nica.EnableAllFlows(); err != nil {
		return nicaerr.Wrap("netdev.Initialize", err)
	}
	return nil
}

// Shutdown disables both flow directions.
func (h *Hardware) Shutdown() error {
	if err := h.nica.Disable(false); err != nil {
		return nicaerr.Wrap("netdev.Shutdown", err)
	}
	return h.nica.Disable(true)
}

// AllocateIkernel allocates a new ikernel bound to u, resolving its
// hardware type index as u's position in this netdev's UUID list.
func (h *Hardware) AllocateIkernel(u uuid.UUID) (*Ikernel, error) {
	index, ok := h.findUUIDIndex(u)
	if !ok {
		return nil, nicaerr.New("netdev.AllocateIkernel", nicaerr.CategoryNotFound, "unknown ikernel uuid")
	}
	id, err := h.ikernIDs.GetID()
	if err != nil {
		return nil, nicaerr.Wrap("netdev.AllocateIkernel", err)
	}
	ik := newIkernel(uint32(id), uint32(index), u)
	h.ikernels[uint32(id)] = ik
	return ik, nil
}

// DeallocateIkernel drains flows then rings then releases the id,
// mirroring Ikernel.destroy()'s best-effort teardown order.
func (h *Hardware) DeallocateIkernel(ikernID uint32) error {
	ik, err := h.checkIkernel(ikernID)
	if err != nil {
		return err
	}
	h.drainFlows(ik, func(f Flow) error {
		return h.Detach(ikernID, f.IP, f.Port)
	})
	h.drainRings(ik, func(ringID uint32) error {
		return h.CRDestroy(ikernID, ringID)
	})
	delete(h.ikernels, ikernID)
	h.ikernIDs.ReleaseID(int(ikernID))
	return nil
}

// Attach programs both flow-table directions for ip/port and binds
// them to ikernID: h2n matches traffic sourced from ip/port, n2h
// matches traffic destined to it. If n2h is rejected after h2n
// succeeded, the h2n entry is best-effort rolled back before EINVAL is
// returned — the resolution of the attach partial-failure open
// question from SPEC_FULL.md.
func (h *Hardware) Attach(ikernID uint32, ip net.IP, port uint16) (uint32, uint32, error) {
	ik, err := h.checkIkernel(ikernID)
	if err != nil {
		return 0, 0, err
	}
	key := (Flow{IP: ip, Port: port}).Key()
	if _, exists := h.flows[key]; exists {
		return 0, 0, nicaerr.WithErrno("netdev.Attach", nicaerr.CategoryAddrInUse, syscall.EADDRINUSE)
	}

	h2nID, err := h.nica.H2NFlowTable.SetFlow(ip, port, nil, 0, gateway.ActionIkernel, ik.Index, ik.ID)
	if err != nil {
		return 0, 0, nicaerr.Wrap("netdev.Attach", err)
	}
	if gateway.AddFlowFailed(h2nID) {
		return 0, 0, nicaerr.WithErrno("netdev.Attach", nicaerr.CategoryInvalid, syscall.EINVAL)
	}

	n2hID, err := h.nica.N2HFlowTable.SetFlow(nil, 0, ip, port, gateway.ActionIkernel, ik.Index, ik.ID)
	if err != nil || gateway.AddFlowFailed(n2hID) {
		if _, delErr := h.nica.H2NFlowTable.DeleteFlow(ip, port, nil, 0); delErr != nil {
			h.log.Warn("attach rollback failed", "ikernel", ikernID, "flow", key, "err", delErr)
		}
		if err != nil {
			return 0, 0, nicaerr.Wrap("netdev.Attach", err)
		}
		return 0, 0, nicaerr.WithErrno("netdev.Attach", nicaerr.CategoryInvalid, syscall.EINVAL)
	}

	h.flows[key] = flowBinding{ikernID: ikernID, h2nID: h2nID, n2hID: n2hID}
	ik.Flows[key] = Flow{IP: ip, Port: port}
	return h2nID, n2hID, nil
}

// Detach removes both flow-table directions for ip/port.
func (h *Hardware) Detach(ikernID uint32, ip net.IP, port uint16) error {
	ik, err := h.checkIkernel(ikernID)
	if err != nil {
		return err
	}
	key := (Flow{IP: ip, Port: port}).Key()
	if _, ok := h.flows[key]; !ok {
		return nicaerr.New("netdev.Detach", nicaerr.CategoryNotFound, "no such flow")
	}

	h2nResult, h2nErr := h.nica.H2NFlowTable.DeleteFlow(ip, port, nil, 0)
	n2hResult, n2hErr := h.nica.N2HFlowTable.DeleteFlow(nil, 0, ip, port)
	delete(h.flows, key)
	delete(ik.Flows, key)

	if h2nErr != nil {
		return nicaerr.Wrap("netdev.Detach", h2nErr)
	}
	if n2hErr != nil {
		return nicaerr.Wrap("netdev.Detach", n2hErr)
	}
	if gateway.DeleteFlowFailed(h2nResult) || gateway.DeleteFlowFailed(n2hResult) {
		return nicaerr.New("netdev.Detach", nicaerr.CategoryNotFound, "flow table had no matching entry")
	}
	return nil
}

// CRCreate allocates and programs a custom ring for an ikernel. A nil
// mac/ip means "use this netdev's own recorded address".
func (h *Hardware) CRCreate(ikernID uint32, mac net.HardwareAddr, ip net.IP, qpn uint32) (*Ring, error) {
	ik, err := h.checkIkernel(ikernID)
	if err != nil {
		return nil, err
	}
	if mac == nil {
		mac = h.customRingMAC
	}
	if ip == nil {
		ip = h.customRingIP
	}
	id, err := h.ringIDs.GetID()
	if err != nil {
		return nil, nicaerr.Wrap("netdev.CRCreate", err)
	}
	if err := h.nica.CustomRing.SetCustomRing(uint32(id), mac, ip, qpn); err != nil {
		h.ringIDs.ReleaseID(id)
		return nil, nicaerr.Wrap("netdev.CRCreate", err)
	}
	if err := h.nica.UpdateCredits(uint32(id), 0, true); err != nil {
		h.ringIDs.ReleaseID(id)
		return nil, nicaerr.Wrap("netdev.CRCreate", err)
	}
	r := &Ring{ID: uint32(id), MAC: mac, IP: ip, QPN: qpn}
	ik.Rings[r.ID] = r
	return r, nil
}

// CRDestroy releases a custom ring, resetting its hardware context.
func (h *Hardware) CRDestroy(ikernID, ringID uint32) error {
	ik, err := h.checkIkernel(ikernID)
	if err != nil {
		return err
	}
	if _, ok := ik.Rings[ringID]; !ok {
		return nicaerr.New("netdev.CRDestroy", nicaerr.CategoryNotFound, "no such ring")
	}
	zeroMAC := make(net.HardwareAddr, 6)
	if err := h.nica.CustomRing.SetCustomRing(ringID, zeroMAC, net.IPv4zero, 0); err != nil {
		return nicaerr.Wrap("netdev.CRDestroy", err)
	}
	delete(ik.Rings, ringID)
	h.ringIDs.ReleaseID(int(ringID))
	return nil
}

// UpdateCredits programs the ring's credit window.
func (h *Hardware) UpdateCredits(ringID uint32, maxMSN uint32) error {
	return h.nica.UpdateCredits(ringID, maxMSN, false)
}

// InvokeIkernelRPC issues a single register read or write against the
// ikernel's register-mapped command interface.
func (h *Hardware) InvokeIkernelRPC(ikernID uint32, addr uint32, value uint32, write bool) (uint32, error) {
	ik, err := h.checkIkernel(ikernID)
	if err != nil {
		return 0, err
	}
	gw := h.nica.IkernelGateway(ik.ID)
	if write {
		if err := gw.Write(addr, value); err != nil {
			return 0, nicaerr.Wrap("netdev.InvokeIkernelRPC", err)
		}
		return value, nil
	}
	out, err := gw.Read(addr)
	if err != nil {
		return 0, nicaerr.Wrap("netdev.InvokeIkernelRPC", err)
	}
	return out, nil
}

var _ Netdev = (*Hardware)(nil)
