package gateway

// Arbiter drives the DRR-style scheduler sub-block: per traffic-class
// quantum registers controlling relative bandwidth share.
type Arbiter struct {
	gw            *Gateway
	quantumAddr   uint32
}

const (
	arbiterScheduler = 0x10
	arbiterStride    = 0x2
)

// NewArbiter creates an Arbiter at the given base address.
func NewArbiter(gw *Gateway) *Arbiter {
	return &Arbiter{gw: gw, quantumAddr: arbiterScheduler}
}

func (a *Arbiter) quantumAddrFor(tc uint32) uint32 {
	return a.quantumAddr + tc*arbiterStride
}

// SetQuantum programs the DRR quantum for traffic class tc.
func (a *Arbiter) SetQuantum(tc uint32, quantum uint32) error {
	return a.gw.Write(a.quantumAddrFor(tc), quantum)
}

// GetQuantum reads back the DRR quantum for traffic class tc.
func (a *Arbiter) GetQuantum(tc uint32) (uint32, error) {
	return a.gw.Read(a.quantumAddrFor(tc))
}

// RateShare computes tc's share of total bandwidth against the other
// numTC-1 traffic classes, per the quantum[tc]/Σquantum[i] round-trip law.
func (a *Arbiter) RateShare(tc uint32, numTC uint32) (float64, error) {
	target, err := a.GetQuantum(tc)
	if err != nil {
		return 0, err
	}
	var total float64
	for i := uint32(0); i < numTC; i++ {
		q, err := a.GetQuantum(i)
		if err != nil {
			return 0, err
		}
		total += float64(q)
	}
	if total == 0 {
		return 0, nil
	}
	return float64(target) / total, nil
}
