package netdev

import (
	"syscall"

	"github.com/behrlich/nica-manager/internal/nicaerr"
)

// drainFlows releases every flow an ikernel owns, tolerating individual
// failures so destruction makes best-effort forward progress — mirrors
// the original's destroy() draining flows before rings before dealloc.
func (b *base) drainFlows(ik *Ikernel, detach func(f Flow) error) {
	for key, f := range ik.Flows {
		if err := detach(f); err != nil {
			b.log.Warn("failed to drain flow during ikernel destroy", "ikernel", ik.ID, "flow", key, "err", err)
		}
		delete(ik.Flows, key)
	}
}

// drainRings releases every ring an ikernel owns.
func (b *base) drainRings(ik *Ikernel, destroy func(ringID uint32) error) {
	for id := range ik.Rings {
		if err := destroy(id); err != nil {
			b.log.Warn("failed to drain ring during ikernel destroy", "ikernel", ik.ID, "ring", id, "err", err)
		}
		delete(ik.Rings, id)
	}
}

// checkIkernel looks up an ikernel by id, returning ENOENT if absent.
func (b *base) checkIkernel(ikernID uint32) (*Ikernel, error) {
	ik, ok := b.ikernels[ikernID]
	if !ok {
		return nil, nicaerr.WithErrno("netdev.checkIkernel", nicaerr.CategoryNotFound, syscall.ENOENT)
	}
	return ik, nil
}
