package netdev

import (
	"net"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/behrlich/nica-manager/internal/gateway"
	"github.com/behrlich/nica-manager/internal/hwio"
)

func newTestHardware(t *testing.T) (*Hardware, uuid.UUID) {
	t.Helper()
	sim := hwio.NewSimulation(nil)
	// Unwritten simulated registers read back 0, and an ADD_FLOW result
	// of 0 means the entry was rejected. Seed each flow table's Gateway
	// DATA_OUT register (base + 0x10) with a nonzero flow id.
	require.NoError(t, sim.Write32(0x18+0x10, 7))  // n2h flow table
	require.NoError(t, sim.Write32(0x418+0x10, 8)) // h2n flow table
	n := gateway.NewNICA(sim)
	mac, err := net.ParseMAC("02:00:00:00:00:01")
	require.NoError(t, err)
	hw := NewHardware("eth0", net.ParseIP("10.0.0.2"), mac, n, nil)
	require.NoError(t, hw.Initialize())
	u, err := n.GetUUID()
	require.NoError(t, err)
	return hw, u
}

func TestAllocateAndAttachFlow(t *testing.T) {
	hw, u := newTestHardware(t)

	ik, err := hw.AllocateIkernel(u)
	require.NoError(t, err)
	require.NotZero(t, ik.ID)

	ip := net.ParseIP("192.168.1.5")
	h2nID, n2hID, err := hw.Attach(ik.ID, ip, 5000)
	require.NoError(t, err)
	require.NotZero(t, h2nID)
	require.NotZero(t, n2hID)

	_, exists := ik.Flows[(Flow{IP: ip, Port: 5000}).Key()]
	require.True(t, exists)

	require.NoError(t, hw.Detach(ik.ID, ip, 5000))
	_, exists = ik.Flows[(Flow{IP: ip, Port: 5000}).Key()]
	require.False(t, exists)
}

func TestAllocateIkernelWithUnknownUUIDFails(t *testing.T) {
	hw, _ := newTestHardware(t)
	_, err := hw.AllocateIkernel(uuid.New())
	require.Error(t, err)
}

func TestAttachDuplicateFlowIsRejected(t *testing.T) {
	hw, u := newTestHardware(t)
	ik, err := hw.AllocateIkernel(u)
	require.NoError(t, err)

	ip := net.ParseIP("192.168.1.5")
	_, _, err = hw.Attach(ik.ID, ip, 5000)
	require.NoError(t, err)
	_, _, err = hw.Attach(ik.ID, ip, 5000)
	require.Error(t, err)
}

func TestDeallocateIkernelDrainsFlowsAndRings(t *testing.T) {
	hw, u := newTestHardware(t)
	ik, err := hw.AllocateIkernel(u)
	require.NoError(t, err)

	ip := net.ParseIP("192.168.1.6")
	_, _, err = hw.Attach(ik.ID, ip, 6000)
	require.NoError(t, err)

	mac, _ := net.ParseMAC("02:00:00:00:00:02")
	ring, err := hw.CRCreate(ik.ID, mac, ip, 7)
	require.NoError(t, err)
	require.NotNil(t, ring)

	require.NoError(t, hw.DeallocateIkernel(ik.ID))

	_, ok := hw.GetIkernel(ik.ID)
	require.False(t, ok)
	require.Empty(t, ik.Flows)
	require.Empty(t, ik.Rings)
	require.Empty(t, hw.flows)
}

func TestAttachUnknownIkernelReturnsNotFound(t *testing.T) {
	hw, _ := newTestHardware(t)
	_, _, err := hw.Attach(999, net.ParseIP("10.0.0.9"), 1234)
	require.Error(t, err)
}
