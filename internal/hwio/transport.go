// Package hwio implements the AXI-Lite register transport that every
// NICA sub-block driver issues its reads and writes through: a hardware
// variant backed by the MST character device, and a simulation variant
// backed by an in-memory shadow map for tests and dry runs.
package hwio

import (
	"fmt"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/behrlich/nica-manager/internal/logging"
	"github.com/behrlich/nica-manager/internal/nicaerr"
)

// Transport is the low-level AXI-Lite register access surface that the
// Gateway and sub-block drivers are built on.
type Transport interface {
	Read32(addr uint32) (uint32, error)
	Write32(addr uint32, value uint32) error
	ShellVersion() uint32
	Close() error
}

const (
	shellVersionAddr = 0x900000
	rdmaAccessType   = 1
	i2cAccessType    = 2

	mstIoctlMagic = 'N'

	iocWrite   = 1
	iocNrBits  = 8
	iocTypeBits = 8
	iocSizeBits = 14
	iocNrShift  = 0
	iocTypeShift = iocNrShift + iocNrBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits
)

// ioctlIOW mirrors the Linux _IOW() macro and the original driver's
// ioctl_iow() helper for computing the MST access-type ioctl number.
func ioctlIOW(magic, nr, size uint32) uint {
	return uint(iocWrite<<iocDirShift | magic<<iocTypeShift | nr<<iocNrShift | size<<iocSizeShift)
}

func ioctlSetAccessType() uint {
	return ioctlIOW(mstIoctlMagic, 1, 4)
}

// Hardware is the AXI-Lite transport backed by a real MST character
// device, e.g. /dev/mst/mt4125_pciconf0_fpga_rdma.
type Hardware struct {
	fd           int
	bigEndian    bool
	shellVersion uint32
	log          *logging.Logger
}

// DefaultMSTDevice globs for the first *_fpga_rdma device node, mirroring
// the original's default_mst_device() discovery.
func DefaultMSTDevice() (string, error) {
	matches, err := filepath.Glob("/dev/mst/*_fpga_rdma")
	if err != nil {
		return "", nicaerr.Wrap("hwio.DefaultMSTDevice", err)
	}
	if len(matches) == 0 {
		return "", nicaerr.New("hwio.DefaultMSTDevice", nicaerr.CategoryNoDevice, "no MST fpga_rdma device found")
	}
	return matches[0], nil
}

// OpenHardware opens the MST device at path, negotiates RDMA access
// (falling back to I2C when RDMA ioctl is unavailable), and reads the
// shell-version register to auto-detect byte order.
func OpenHardware(path string, log *logging.Logger) (*Hardware, error) {
	if log == nil {
		log = logging.Default()
	}
	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return nil, nicaerr.Wrap("hwio.OpenHardware", err)
	}

	h := &Hardware{fd: fd, log: log}

	if ierr := unix.IoctlSetInt(fd, ioctlSetAccessType(), rdmaAccessType); ierr != nil {
		log.Warn("RDMA access type unavailable, falling back to I2C", "device", path, "err", ierr)
		if ierr2 := unix.IoctlSetInt(fd, ioctlSetAccessType(), i2cAccessType); ierr2 != nil {
			unix.Close(fd)
			return nil, nicaerr.Wrap("hwio.OpenHardware", ierr2)
		}
	}

	raw, err := h.pread32(shellVersionAddr, false)
	if err != nil {
		unix.Close(fd)
		return nil, nicaerr.Wrap("hwio.OpenHardware", err)
	}
	// Big-endian shells report a version >= 0x10000, or report exactly
	// zero when the register hasn't been programmed yet.
	h.bigEndian = raw >= 0x10000 || raw == 0
	h.shellVersion, err = h.Read32(shellVersionAddr)
	if err != nil {
		unix.Close(fd)
		return nil, nicaerr.Wrap("hwio.OpenHardware", err)
	}
	log.Info("opened MST device", "path", path, "big_endian", h.bigEndian, "shell_version", h.shellVersion)
	return h, nil
}

func (h *Hardware) pread32(addr uint32, swap bool) (uint32, error) {
	var buf [4]byte
	n, err := unix.Pread(h.fd, buf[:], int64(addr))
	if err != nil {
		return 0, nicaerr.Wrap("hwio.Read32", err)
	}
	if n != 4 {
		return 0, nicaerr.New("hwio.Read32", nicaerr.CategoryIO, fmt.Sprintf("short read: %d bytes", n))
	}
	v := byteOrderDecode(buf[:], swap)
	return v, nil
}

// Read32 reads a 32-bit register, applying the negotiated byte order.
func (h *Hardware) Read32(addr uint32) (uint32, error) {
	return h.pread32(addr, h.bigEndian)
}

// Write32 writes a 32-bit register, applying the negotiated byte order.
func (h *Hardware) Write32(addr uint32, value uint32) error {
	buf := byteOrderEncode(value, h.bigEndian)
	n, err := unix.Pwrite(h.fd, buf[:], int64(addr))
	if err != nil {
		return nicaerr.Wrap("hwio.Write32", err)
	}
	if n != 4 {
		return nicaerr.New("hwio.Write32", nicaerr.CategoryIO, fmt.Sprintf("short write: %d bytes", n))
	}
	return nil
}

// ShellVersion returns the negotiated shell-version register value.
func (h *Hardware) ShellVersion() uint32 { return h.shellVersion }

// Close releases the underlying device fd.
func (h *Hardware) Close() error {
	return unix.Close(h.fd)
}

func byteOrderDecode(b []byte, bigEndian bool) uint32 {
	if bigEndian {
		return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	}
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func byteOrderEncode(v uint32, bigEndian bool) [4]byte {
	var b [4]byte
	if bigEndian {
		b[0], b[1], b[2], b[3] = byte(v>>24), byte(v>>16), byte(v>>8), byte(v)
	} else {
		b[0], b[1], b[2], b[3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
	}
	return b
}
