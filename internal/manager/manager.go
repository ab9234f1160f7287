// Package manager wires the NICA register map, the Netdev facade, and
// the client-socket/hypervisor protocol handlers onto a single
// epoll-backed event loop, and owns the daemon's startup and shutdown
// sequence.
package manager

import (
	"net"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/behrlich/nica-manager/internal/clientproto"
	"github.com/behrlich/nica-manager/internal/eventloop"
	"github.com/behrlich/nica-manager/internal/gateway"
	"github.com/behrlich/nica-manager/internal/hvproto"
	"github.com/behrlich/nica-manager/internal/hwio"
	"github.com/behrlich/nica-manager/internal/logging"
	"github.com/behrlich/nica-manager/internal/netdev"
	"github.com/behrlich/nica-manager/internal/nicaerr"
)

const (
	// SocketPath is the local client-socket endpoint, mode 0777 so any
	// tenant process can dial it.
	SocketPath = "/var/run/nica-manager.socket"

	hypervisorChannelGlob = "/dev/virtio-ports/nica.hv.*"
)

// Config configures a Manager's startup.
type Config struct {
	MSTDevice  string // empty selects the default MST glob
	Simulate   bool   // use the in-memory simulation transport instead of hardware
	SocketPath string // empty selects SocketPath
	Logger     *logging.Logger
}

// Manager is the single-threaded NICA control-plane daemon.
type Manager struct {
	cfg      Config
	log      *logging.Logger
	reactor  *eventloop.Reactor
	transport hwio.Transport
	nica     *gateway.NICA
	netdev   netdev.Netdev

	listenFD int
	conns    map[int]*clientproto.Conn
	hvConns  map[int]*hvproto.Conn
	stop     chan struct{}
}

// New builds a Manager, opening the hardware (or simulation) transport
// and wiring every sub-block driver, but does not yet listen or start
// the event loop — call Start to listen, then Run.
func New(cfg Config) (*Manager, error) {
	log := cfg.Logger
	if log == nil {
		log = logging.Default()
	}
	if cfg.SocketPath == "" {
		cfg.SocketPath = SocketPath
	}

	var t hwio.Transport
	if cfg.Simulate {
		t = hwio.NewSimulation(log)
	} else {
		dev := cfg.MSTDevice
		if dev == "" {
			var err error
			dev, err = hwio.DefaultMSTDevice()
			if err != nil {
				return nil, err
			}
		}
		hw, err := hwio.OpenHardware(dev, log)
		if err != nil {
			return nil, err
		}
		t = hw
	}

	n := gateway.NewNICA(t)

	ifaceMAC, ifaceIP := localIdentity(log)
	nd := netdev.NewHardware("nica0", ifaceIP, ifaceMAC, n, log)

	reactor, err := eventloop.New(log)
	if err != nil {
		return nil, err
	}

	return &Manager{
		cfg:       cfg,
		log:       log,
		reactor:   reactor,
		transport: t,
		nica:      n,
		netdev:    nd,
		conns:     make(map[int]*clientproto.Conn),
		hvConns:   make(map[int]*hvproto.Conn),
		stop:      make(chan struct{}),
	}, nil
}

// localIdentity discovers this host's first non-loopback interface
// MAC/IP, used to program the local custom ring.
func localIdentity(log *logging.Logger) (net.HardwareAddr, net.IP) {
	ifaces, err := net.Interfaces()
	if err != nil {
		log.Warn("failed to enumerate interfaces", "err", err)
		return nil, net.ParseIP("0.0.0.0")
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil || len(addrs) == 0 {
			continue
		}
		if ipNet, ok := addrs[0].(*net.IPNet); ok {
			return iface.HardwareAddr, ipNet.IP
		}
	}
	return nil, net.ParseIP("0.0.0.0")
}

// Start initializes the netdev facade, binds the client socket, opens
// every hypervisor channel, and registers all fds with the reactor.
func (m *Manager) Start() error {
	if err := m.netdev.Initialize(); err != nil {
		return err
	}

	if err := os.Remove(m.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return nicaerr.Wrap("manager.Start", err)
	}

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nicaerr.Wrap("manager.Start", err)
	}
	addr := &unix.SockaddrUnix{Name: m.cfg.SocketPath}
	if err := unix.Bind(fd, addr); err != nil {
		return nicaerr.Wrap("manager.Start", err)
	}
	if err := unix.Listen(fd, 16); err != nil {
		return nicaerr.Wrap("manager.Start", err)
	}
	if err := os.Chmod(m.cfg.SocketPath, 0777); err != nil {
		return nicaerr.Wrap("manager.Start", err)
	}
	m.listenFD = fd

	if err := m.reactor.Register(fd, eventloop.EventRead, m.onListenerReady); err != nil {
		return err
	}

	channels, _ := filepath.Glob(hypervisorChannelGlob)
	for _, ch := range channels {
		if err := m.openHypervisorChannel(ch); err != nil {
			m.log.Warn("failed to open hypervisor channel", "path", ch, "err", err)
		}
	}

	m.log.Info("nica-manager started", "socket", m.cfg.SocketPath, "hv_channels", len(channels))
	return nil
}

func (m *Manager) openHypervisorChannel(path string) error {
	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return nicaerr.Wrap("manager.openHypervisorChannel", err)
	}
	conn := hvproto.NewConn(m.netdev, func(b []byte) error {
		_, werr := unix.Write(fd, b)
		return werr
	}, m.log)
	m.hvConns[fd] = conn
	return m.reactor.Register(fd, eventloop.EventRead, func(fd int, events eventloop.FDEventType) {
		m.onHypervisorReady(fd, conn)
	})
}

func (m *Manager) onListenerReady(fd int, events eventloop.FDEventType) {
	nfd, _, err := unix.Accept(m.listenFD)
	if err != nil {
		m.log.Warn("accept failed", "err", err)
		return
	}
	conn := clientproto.NewConn(m.netdev, m.netdev.Ifname(), m.extractFD, func(b []byte) error {
		_, werr := unix.Write(nfd, b)
		return werr
	}, m.log)
	m.conns[nfd] = conn
	if err := m.reactor.Register(nfd, eventloop.EventRead, func(fd int, events eventloop.FDEventType) {
		m.onClientReady(fd, conn)
	}); err != nil {
		m.log.Warn("failed to register client fd", "err", err)
	}
}

func (m *Manager) onClientReady(fd int, conn *clientproto.Conn) {
	buf := make([]byte, 4096)
	oob := make([]byte, 64)
	n, oobn, _, _, err := unix.Recvmsg(fd, buf, oob, 0)
	if err != nil || n == 0 {
		m.closeClient(fd, conn)
		return
	}
	var fds []int
	if oobn > 0 {
		scms, perr := unix.ParseSocketControlMessage(oob[:oobn])
		if perr == nil {
			for _, scm := range scms {
				if rights, rerr := unix.ParseUnixRights(&scm); rerr == nil {
					fds = append(fds, rights...)
				}
			}
		}
	}
	if err := conn.Feed(buf[:n], fds); err != nil {
		m.log.Warn("client protocol error", "err", err)
		m.closeClient(fd, conn)
	}
}

func (m *Manager) closeClient(fd int, conn *clientproto.Conn) {
	conn.Close()
	delete(m.conns, fd)
	_ = m.reactor.Unregister(fd)
	_ = unix.Close(fd)
}

func (m *Manager) onHypervisorReady(fd int, conn *hvproto.Conn) {
	buf := make([]byte, 4096)
	n, err := unix.Read(fd, buf)
	if err != nil || n == 0 {
		conn.Close()
		delete(m.hvConns, fd)
		_ = m.reactor.Unregister(fd)
		_ = unix.Close(fd)
		return
	}
	if err := conn.Feed(buf[:n]); err != nil {
		m.log.Warn("hypervisor protocol error", "err", err)
	}
}

// extractFD retrieves the IP/port a passed socket fd is bound to, for
// the client protocol's receive_fd operation.
func (m *Manager) extractFD(fd int) (net.IP, uint16, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return nil, 0, nicaerr.Wrap("manager.extractFD", err)
	}
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return net.IP(a.Addr[:]), uint16(a.Port), nil
	default:
		return nil, 0, nicaerr.New("manager.extractFD", nicaerr.CategoryInvalid, "unsupported socket family")
	}
}

// RequestStop asks the running event loop to exit after its current
// Poll iteration. Safe to call from a signal-handling goroutine.
func (m *Manager) RequestStop() {
	select {
	case <-m.stop:
	default:
		close(m.stop)
	}
}

// Run drives the event loop until RequestStop (or Shutdown) closes the
// stop channel, checked between Poll calls, or until Poll fails.
func (m *Manager) Run() error {
	for {
		select {
		case <-m.stop:
			return nil
		default:
		}
		if err := m.reactor.Poll(1000); err != nil {
			return err
		}
	}
}

// Shutdown disables the hardware, closes every connection, and removes
// the socket file, per the manager's documented shutdown sequence.
func (m *Manager) Shutdown() error {
	select {
	case <-m.stop:
	default:
		close(m.stop)
	}
	for fd, conn := range m.conns {
		conn.Close()
		_ = unix.Close(fd)
	}
	for fd, conn := range m.hvConns {
		conn.Close()
		_ = unix.Close(fd)
	}
	if err := m.netdev.Shutdown(); err != nil {
		m.log.Warn("netdev shutdown reported an error", "err", err)
	}
	if err := m.transport.Close(); err != nil {
		m.log.Warn("transport close reported an error", "err", err)
	}
	_ = m.reactor.Close()
	_ = unix.Close(m.listenFD)
	if err := os.Remove(m.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return nicaerr.Wrap("manager.Shutdown", err)
	}
	return nil
}
