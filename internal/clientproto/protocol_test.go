package clientproto

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

// fakeNetdev is a minimal in-memory Netdev double, grounded on the
// hand-rolled mock backends the teacher used for control-plane tests.
type fakeNetdev struct {
	nextID   uint32
	ikernels map[uint32]*netdev.Ikernel
	uuids    []uuid.UUID
}

func newFakeNetdev() *fakeNetdev {
	u := uuid.New()
	return &fakeNetdev{ikernels: make(map[uint32]*netdev.Ikernel), uuids: []uuid.UUID{u}}
}

func (f *fakeNetdev) Initialize() error { return nil }
func (f *fakeNetdev) Shutdown() error   { return nil }
func (f *fakeNetdev) Ifname() string    { return "nica0" }
func (f *fakeNetdev) GetUUIDs() []uuid.UUID { return f.uuids }
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
	return 1, 2, nil
}

func (f *fakeNetdev) Detach(id uint32, ip net.IP, port uint16) error {
	return nil
}

func (f *fakeNetdev) CRCreate(id uint32, mac net.HardwareAddr, ip net.IP, qpn uint32) (*netdev.Ring, error) {
	return &netdev.Ring{ID: 1, MAC: mac, IP: ip, QPN: qpn}, nil
}

func (f *fakeNetdev) CRDestroy(id, ring uint32) error { return nil }

func (f *fakeNetdev) UpdateCredits(ring uint32, maxMSN uint32) error { return nil }

func (f *fakeNetdev) InvokeIkernelRPC(id uint32, addr uint32, value uint32, write bool) (uint32, error) {
	return value, nil
}

func ikCreateBody(ifname string, u uuid.UUID) []byte {
	body := make([]byte, 32)
	copy(body[0:16], ifname)
	copy(body[16:32], u[:])
	return body
}

func TestIkCreateThenDestroy(t *testing.T) {
	nd := newFakeNetdev()
	var responses [][]byte
	c := NewConn(nd, "nica0", nil, func(b []byte) error {
		responses = append(responses, append([]byte(nil), b...))
		return nil
	}, nil)

	require.NoError(t, c.Feed(wire.EncodeFrame(OpIkCreate, 0, ikCreateBody("nica0", nd.uuids[0])), nil))
	require.Len(t, responses, 1)
	h, err := wire.UnmarshalHeader(responses[0][:wire.HeaderSize])
	require.NoError(t, err)
	require.Equal(t, uint16(0), h.Status)
	id := binary.LittleEndian.Uint32(responses[0][wire.HeaderSize:])
	require.Equal(t, uint32(1), id)

	destroyBody := make([]byte, 4)
	binary.LittleEndian.PutUint32(destroyBody, id)
	require.NoError(t, c.Feed(wire.EncodeFrame(OpIkDestroy, 0, destroyBody), nil))
	require.Len(t, responses, 2)
	h2, err := wire.UnmarshalHeader(responses[1][:wire.HeaderSize])
	require.NoError(t, err)
	require.Equal(t, uint16(0), h2.Status)
}

func TestIkCreateWithWrongNetdevNameIsRejected(t *testing.T) {
	nd := newFakeNetdev()
	var responses [][]byte
	c := NewConn(nd, "nica0", nil, func(b []byte) error {
		responses = append(responses, append([]byte(nil), b...))
		return nil
	}, nil)

	require.NoError(t, c.Feed(wire.EncodeFrame(OpIkCreate, 0, ikCreateBody("eth7", nd.uuids[0])), nil))
	h, err := wire.UnmarshalHeader(responses[0][:wire.HeaderSize])
	require.NoError(t, err)
	require.NotZero(t, h.Status)
}

func TestUnknownOpcodeReturnsENOSYS(t *testing.T) {
	nd := newFakeNetdev()
	var responses [][]byte
	c := NewConn(nd, "nica0", nil, func(b []byte) error {
		responses = append(responses, append([]byte(nil), b...))
		return nil
	}, nil)

	require.NoError(t, c.Feed(wire.EncodeFrame(99, 0, nil), nil))
	require.Len(t, responses, 1)
	h, err := wire.UnmarshalHeader(responses[0][:wire.HeaderSize])
	require.NoError(t, err)
	require.NotZero(t, h.Status)
}

func TestOperatingOnUnownedIkernelFails(t *testing.T) {
	nd := newFakeNetdev()
	var responses [][]byte
	c := NewConn(nd, "nica0", nil, func(b []byte) error {
		responses = append(responses, append([]byte(nil), b...))
		return nil
	}, nil)

	body := make([]byte, 4)
	binary.LittleEndian.PutUint32(body, 42)
	require.NoError(t, c.Feed(wire.EncodeFrame(OpIkDestroy, 0, body), nil))
	h, err := wire.UnmarshalHeader(responses[0][:wire.HeaderSize])
	require.NoError(t, err)
	require.NotZero(t, h.Status)
}

func TestCloseDestroysOwnedIkernels(t *testing.T) {
	nd := newFakeNetdev()
	c := NewConn(nd, "nica0", nil, func(b []byte) error { return nil }, nil)

	require.NoError(t, c.Feed(wire.EncodeFrame(OpIkCreate, 0, ikCreateBody("nica0", nd.uuids[0])), nil))
	require.Len(t, nd.ikernels, 1)

	c.Close()
	require.Empty(t, nd.ikernels)
}

func TestIkAttachSendsAckThenCompletesOnFD(t *testing.T) {
	nd := newFakeNetdev()
	var responses [][]byte
	extract := func(fd int) (net.IP, uint16, error) {
		return net.ParseIP("192.168.1.9"), 9000, nil
	}
	c := NewConn(nd, "nica0", extract, func(b []byte) error {
		responses = append(responses, append([]byte(nil), b...))
		return nil
	}, nil)

	require.NoError(t, c.Feed(wire.EncodeFrame(OpIkCreate, 0, ikCreateBody("nica0", nd.uuids[0])), nil))
	id := binary.LittleEndian.Uint32(responses[0][wire.HeaderSize:])

	attachBody := make([]byte, 4)
	binary.LittleEndian.PutUint32(attachBody, id)
	require.NoError(t, c.Feed(wire.EncodeFrame(OpIkAttach, 0, attachBody), nil))
	require.Len(t, responses, 2)
	ackHdr, err := wire.UnmarshalHeader(responses[1][:wire.HeaderSize])
	require.NoError(t, err)
	require.Zero(t, ackHdr.Status)
	require.Zero(t, ackHdr.Length)

	// No fd yet: stays pending, doesn't double-reply.
	require.NoError(t, c.Feed([]byte{0}, nil))
	require.Len(t, responses, 2)

	require.NoError(t, c.Feed([]byte{0}, []int{7}))
	require.Len(t, responses, 3)
	finalHdr, err := wire.UnmarshalHeader(responses[2][:wire.HeaderSize])
	require.NoError(t, err)
	require.Zero(t, finalHdr.Status)
	h2n := binary.LittleEndian.Uint32(responses[2][wire.HeaderSize:])
	n2h := binary.LittleEndian.Uint32(responses[2][wire.HeaderSize+4:])
	require.Equal(t, uint32(1), h2n)
	require.Equal(t, uint32(2), n2h)
}
