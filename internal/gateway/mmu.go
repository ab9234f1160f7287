package gateway

import "github.com/behrlich/nica-manager/internal/nicaerr"

const (
	mmuBase      = 0x9000
	pageShift    = 12
	pageSizeMask = (1 << pageShift) - 1
)

// MMU programs ikernel page-table mappings used for DMA buffer access.
type MMU struct {
	gw *Gateway
}

// NewMMU creates an MMU driver over gw.
func NewMMU(gw *Gateway) *MMU {
	return &MMU{gw: gw}
}

// SetMapping programs a page-aligned virtual-to-physical mapping.
func (m *MMU) SetMapping(page uint32, physAddr uint32) error {
	if physAddr&pageSizeMask != 0 {
		return nicaerr.New("mmu.SetMapping", nicaerr.CategoryInvalid, "physical address is not page-aligned")
	}
	if err := m.gw.Write(mmuBase+page*4, physAddr); err != nil {
		return err
	}
	return nil
}
