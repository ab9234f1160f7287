package hvproto

import (
	"encoding/binary"
	"net"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/behrlich/nica-manager/internal/netdev"
	"github.com/behrlich/nica-manager/internal/nicaerr"
	"github.com/behrlich/nica-manager/internal/wire"
)

// fakeNetdev is a minimal in-memory Netdev double for the hypervisor
// protocol's handler tests.
type fakeNetdev struct {
	nextID   uint32
	ikernels map[uint32]*netdev.Ikernel
	uuids    []uuid.UUID

	lastRingMAC net.HardwareAddr
	lastRingIP  net.IP
}

func newFakeNetdev() *fakeNetdev {
	u := uuid.New()
	return &fakeNetdev{ikernels: make(map[uint32]*netdev.Ikernel), uuids: []uuid.UUID{u}}
}

func (f *fakeNetdev) Initialize() error         { return nil }
func (f *fakeNetdev) Shutdown() error           { return nil }
func (f *fakeNetdev) Ifname() string            { return "nica0" }
func (f *fakeNetdev) GetUUIDs() []uuid.UUID     { return f.uuids }
func (f *fakeNetdev) NumRings() (uint32, error) { return 8, nil }

func (f *fakeNetdev) AllocateIkernel(u uuid.UUID) (*netdev.Ikernel, error) {
	if u != f.uuids[0] {
		return nil, nicaerr.New("fakeNetdev.AllocateIkernel", nicaerr.CategoryNotFound, "unknown uuid")
	}
	f.nextID++
	ik := &netdev.Ikernel{ID: f.nextID, UUID: u, Flows: make(map[string]netdev.Flow), Rings: make(map[uint32]*netdev.Ring)}
	f.ikernels[ik.ID] = ik
	return ik, nil
}

func (f *fakeNetdev) DeallocateIkernel(id uint32) error {
	delete(f.ikernels, id)
	return nil
}

func (f *fakeNetdev) GetIkernel(id uint32) (*netdev.Ikernel, bool) {
	ik, ok := f.ikernels[id]
	return ik, ok
}

func (f *fakeNetdev) Attach(id uint32, ip net.IP, port uint16) (uint32, uint32, error) {
	return 11, 22, nil
}

func (f *fakeNetdev) Detach(id uint32, ip net.IP, port uint16) error {
	return nil
}

func (f *fakeNetdev) CRCreate(id uint32, mac net.HardwareAddr, ip net.IP, qpn uint32) (*netdev.Ring, error) {
	f.lastRingMAC, f.lastRingIP = mac, ip
	return &netdev.Ring{ID: 1, MAC: mac, IP: ip, QPN: qpn}, nil
}

func (f *fakeNetdev) CRDestroy(id, ring uint32) error { return nil }

func (f *fakeNetdev) UpdateCredits(ring uint32, maxMSN uint32) error { return nil }

func (f *fakeNetdev) InvokeIkernelRPC(id uint32, addr uint32, value uint32, write bool) (uint32, error) {
	return value, nil
}

func configCustomRingBody(mac net.HardwareAddr, ip net.IP) []byte {
	body := make([]byte, 10)
	copy(body[0:6], mac)
	copy(body[6:10], ip.To4())
	return body
}

func newTestConn() (*Conn, *fakeNetdev, *[][]byte) {
	nd := newFakeNetdev()
	var responses [][]byte
	c := NewConn(nd, func(b []byte) error {
		responses = append(responses, append([]byte(nil), b...))
		return nil
	}, nil)
	return c, nd, &responses
}

func configureVM(t *testing.T, c *Conn, mac net.HardwareAddr, ip net.IP) {
	t.Helper()
	require.NoError(t, c.Feed(wire.EncodeFrame(OpConfigCustomRing, 0, configCustomRingBody(mac, ip))))
}

func lastStatus(t *testing.T, responses [][]byte) uint16 {
	t.Helper()
	h, err := wire.UnmarshalHeader(responses[len(responses)-1][:wire.HeaderSize])
	require.NoError(t, err)
	return h.Status
}

func lastBody(responses [][]byte) []byte {
	return responses[len(responses)-1][wire.HeaderSize:]
}

func TestNumRingsAndGetUUIDs(t *testing.T) {
	c, nd, responses := newTestConn()

	require.NoError(t, c.Feed(wire.EncodeFrame(OpNumRings, 0, nil)))
	require.Equal(t, uint16(0), lastStatus(t, *responses))
	require.Equal(t, uint32(8), binary.LittleEndian.Uint32(lastBody(*responses)))

	require.NoError(t, c.Feed(wire.EncodeFrame(OpGetUUIDs, 0, nil)))
	require.Equal(t, uint16(0), lastStatus(t, *responses))
	gotUUID, err := uuid.FromBytes(lastBody(*responses))
	require.NoError(t, err)
	require.Equal(t, nd.uuids[0], gotUUID)
}

func TestAllocateIkernelThenDeallocate(t *testing.T) {
	c, nd, responses := newTestConn()

	require.NoError(t, c.Feed(wire.EncodeFrame(OpAllocateIkernel, 0, nd.uuids[0][:])))
	require.Equal(t, uint16(0), lastStatus(t, *responses))
	id := binary.LittleEndian.Uint32(lastBody(*responses))
	require.Equal(t, uint32(1), id)

	destroyBody := make([]byte, 4)
	binary.LittleEndian.PutUint32(destroyBody, id)
	require.NoError(t, c.Feed(wire.EncodeFrame(OpDeallocateIkernel, 0, destroyBody)))
	require.Equal(t, uint16(0), lastStatus(t, *responses))
}

func TestAllocateIkernelWithUnknownUUIDIsRejected(t *testing.T) {
	c, _, responses := newTestConn()

	foreign := uuid.New()
	require.NoError(t, c.Feed(wire.EncodeFrame(OpAllocateIkernel, 0, foreign[:])))
	require.NotZero(t, lastStatus(t, *responses))
}

func attachBody(ip net.IP, port uint16, id uint32) []byte {
	body := make([]byte, 10)
	copy(body[0:4], ip.To4())
	binary.LittleEndian.PutUint16(body[4:6], port)
	binary.LittleEndian.PutUint32(body[6:10], id)
	return body
}

func TestAttachWithMatchingAddressSucceeds(t *testing.T) {
	c, nd, responses := newTestConn()
	mac, _ := net.ParseMAC("02:00:00:00:00:03")
	vmIP := net.ParseIP("10.1.1.5")
	configureVM(t, c, mac, vmIP)

	require.NoError(t, c.Feed(wire.EncodeFrame(OpAllocateIkernel, 0, nd.uuids[0][:])))
	id := binary.LittleEndian.Uint32(lastBody(*responses))

	require.NoError(t, c.Feed(wire.EncodeFrame(OpAttach, 0, attachBody(vmIP, 4000, id))))
	require.Equal(t, uint16(0), lastStatus(t, *responses))
	resp := lastBody(*responses)
	h2n := binary.LittleEndian.Uint32(resp[0:4])
	n2h := binary.LittleEndian.Uint32(resp[4:8])
	require.Equal(t, uint32(11), h2n)
	require.Equal(t, uint32(22), n2h)
}

func TestAttachWithMismatchedAddressIsRejected(t *testing.T) {
	c, nd, responses := newTestConn()
	mac, _ := net.ParseMAC("02:00:00:00:00:03")
	configureVM(t, c, mac, net.ParseIP("10.1.1.5"))

	require.NoError(t, c.Feed(wire.EncodeFrame(OpAllocateIkernel, 0, nd.uuids[0][:])))
	id := binary.LittleEndian.Uint32(lastBody(*responses))

	other := net.ParseIP("10.1.1.9")
	require.NoError(t, c.Feed(wire.EncodeFrame(OpAttach, 0, attachBody(other, 4000, id))))
	require.NotZero(t, lastStatus(t, *responses))
}

func TestDetachAlsoValidatesVMAddress(t *testing.T) {
	c, nd, responses := newTestConn()
	mac, _ := net.ParseMAC("02:00:00:00:00:03")
	vmIP := net.ParseIP("10.1.1.5")
	configureVM(t, c, mac, vmIP)

	require.NoError(t, c.Feed(wire.EncodeFrame(OpAllocateIkernel, 0, nd.uuids[0][:])))
	id := binary.LittleEndian.Uint32(lastBody(*responses))

	other := net.ParseIP("10.1.1.9")
	require.NoError(t, c.Feed(wire.EncodeFrame(OpDetach, 0, attachBody(other, 4000, id))))
	require.NotZero(t, lastStatus(t, *responses))
}

func TestRPCSingleRegisterReadOrWrite(t *testing.T) {
	c, nd, responses := newTestConn()
	require.NoError(t, c.Feed(wire.EncodeFrame(OpAllocateIkernel, 0, nd.uuids[0][:])))
	id := binary.LittleEndian.Uint32(lastBody(*responses))

	body := make([]byte, 13)
	binary.LittleEndian.PutUint32(body[0:4], id)
	binary.LittleEndian.PutUint32(body[4:8], 0x40)
	binary.LittleEndian.PutUint32(body[8:12], 0xCAFE)
	body[12] = 1 // write
	require.NoError(t, c.Feed(wire.EncodeFrame(OpRPC, 0, body)))
	require.Equal(t, uint16(0), lastStatus(t, *responses))
	require.Equal(t, uint32(0xCAFE), binary.LittleEndian.Uint32(lastBody(*responses)))
}

func TestCRCreateForcesVMAddress(t *testing.T) {
	c, nd, responses := newTestConn()
	mac, _ := net.ParseMAC("02:00:00:00:00:04")
	vmIP := net.ParseIP("10.1.1.6")
	configureVM(t, c, mac, vmIP)

	require.NoError(t, c.Feed(wire.EncodeFrame(OpAllocateIkernel, 0, nd.uuids[0][:])))
	id := binary.LittleEndian.Uint32(lastBody(*responses))

	body := make([]byte, 8)
	binary.LittleEndian.PutUint32(body[0:4], id)
	binary.LittleEndian.PutUint32(body[4:8], 77)
	require.NoError(t, c.Feed(wire.EncodeFrame(OpCRCreate, 0, body)))
	require.Equal(t, uint16(0), lastStatus(t, *responses))
	require.Equal(t, mac, nd.lastRingMAC)
	require.True(t, vmIP.Equal(nd.lastRingIP))
}

func TestCloseDestroysVMOwnedIkernels(t *testing.T) {
	c, nd, _ := newTestConn()
	require.NoError(t, c.Feed(wire.EncodeFrame(OpAllocateIkernel, 0, nd.uuids[0][:])))
	require.Len(t, nd.ikernels, 1)

	c.Close()
	require.Empty(t, nd.ikernels)
}

func TestUnknownOpcodeReturnsENOSYS(t *testing.T) {
	c, _, responses := newTestConn()
	require.NoError(t, c.Feed(wire.EncodeFrame(99, 0, nil)))
	require.NotZero(t, lastStatus(t, *responses))
}
