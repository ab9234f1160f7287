package hwio

import (
	"fmt"
	"time"

	"github.com/behrlich/nica-manager/internal/logging"
)

// Every Gateway sub-block lays its "done" flag simOffDoneFromCmd bytes
// past its command register (internal/gateway's offCmd/offDone), and
// signals a command by setting the top "go" bit. Real hardware reacts
// to a command write effectively instantly; the simulation mirrors that
// by flipping the done flag synchronously with the command write
// instead of requiring a caller to drive it, so a Gateway round-trip
// against this transport never busy-waits out its poll deadline.
const (
	simCmdGoBit       uint32 = 1 << 31
	simOffDoneFromCmd uint32 = 0x18
)

// Simulation is an in-memory shadow-map Transport for tests and dry
// runs. Every access is traced in the same "<delay>: <rw> <addr>
// [value]" shape the original simulation backend produced.
type Simulation struct {
	start   time.Time
	mem     map[uint32]uint32
	cmdAddr map[uint32]bool // addresses ever written with the "go" bit set
	trace   []string
	log     *logging.Logger
}

// NewSimulation creates an empty simulated register file.
func NewSimulation(log *logging.Logger) *Simulation {
	if log == nil {
		log = logging.Default()
	}
	return &Simulation{
		start:   timeNow(),
		mem:     make(map[uint32]uint32),
		cmdAddr: make(map[uint32]bool),
		log:     log,
	}
}

// timeNow is a seam so tests can avoid depending on wall-clock deltas in
// the trace output; production always uses the real clock.
var timeNow = time.Now

func (s *Simulation) Read32(addr uint32) (uint32, error) {
	v := s.mem[addr]
	s.record(fmt.Sprintf("%d: r %x", s.elapsedMs(), addr))
	return v, nil
}

func (s *Simulation) Write32(addr uint32, value uint32) error {
	s.mem[addr] = value
	s.record(fmt.Sprintf("%d: w %x %x", s.elapsedMs(), addr, value))
	if value&simCmdGoBit != 0 {
		s.cmdAddr[addr] = true
		s.mem[addr+simOffDoneFromCmd] = 1
	} else if s.cmdAddr[addr] {
		s.mem[addr+simOffDoneFromCmd] = 0
	}
	return nil
}

func (s *Simulation) ShellVersion() uint32 { return 1 }

func (s *Simulation) Close() error { return nil }

func (s *Simulation) elapsedMs() int64 {
	return timeNow().Sub(s.start).Milliseconds()
}

func (s *Simulation) record(line string) {
	s.trace = append(s.trace, line)
	s.log.Debug("sim register access", "trace", line)
}

// Trace returns every access recorded so far, in order.
func (s *Simulation) Trace() []string {
	out := make([]string, len(s.trace))
	copy(out, s.trace)
	return out
}

var _ Transport = (*Simulation)(nil)
var _ Transport = (*Hardware)(nil)
