// Package wire implements the RPC framing shared by both the
// client-socket and hypervisor protocols: an 8-byte header followed by
// a fixed-width, opcode-specific body, plus the chunked streaming
// parser that reassembles frames out of arbitrary read boundaries.
package wire

import (
	"encoding/binary"
	"fmt"
)

// HeaderSize is the fixed size of every RPC frame header.
const HeaderSize = 8

// maxBodySize bounds how large a declared body length the parser will
// buffer. No real opcode body in this protocol comes close to it; a
// frame claiming more is treated as malformed framing (a corrupt or
// hostile peer) rather than risking an unbounded allocation, and its
// body is drained and discarded instead.
const maxBodySize = 4096

// Header is the 8-byte frame header: opcode, body length, flags, status.
type Header struct {
	Opcode uint16
	Length uint16
	Flags  uint16
	Status uint16
}

// Marshal encodes h into its 8-byte wire form.
func (h Header) Marshal() []byte {
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint16(buf[0:2], h.Opcode)
	binary.LittleEndian.PutUint16(buf[2:4], h.Length)
	binary.LittleEndian.PutUint16(buf[4:6], h.Flags)
	binary.LittleEndian.PutUint16(buf[6:8], h.Status)
	return buf
}

// UnmarshalHeader decodes an 8-byte header.
func UnmarshalHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("wire: short header: %d bytes", len(buf))
	}
	return Header{
		Opcode: binary.LittleEndian.Uint16(buf[0:2]),
		Length: binary.LittleEndian.Uint16(buf[2:4]),
		Flags:  binary.LittleEndian.Uint16(buf[4:6]),
		Status: binary.LittleEndian.Uint16(buf[6:8]),
	}, nil
}

// EncodeFrame builds a complete wire frame: header followed by body.
func EncodeFrame(opcode uint16, status uint16, body []byte) []byte {
	h := Header{Opcode: opcode, Length: uint16(len(body)), Status: status}
	return append(h.Marshal(), body...)
}

// state is the chunked parser's current phase.
type state int

const (
	stateHeader state = iota
	stateBody
	stateDrain
)

// FrameHandler is invoked once per fully reassembled frame.
type FrameHandler func(h Header, body []byte) error

// Parser reassembles RPC frames out of a byte stream delivered in
// arbitrary-sized chunks (as arrives from a non-blocking socket read),
// mirroring the original's unpack_chunk rolling-buffer state machine.
type Parser struct {
	buf     []byte
	state   state
	hdr     Header
	remain  int
	onFrame FrameHandler
}

// NewParser creates a Parser that invokes onFrame for each reassembled
// frame.
func NewParser(onFrame FrameHandler) *Parser {
	return &Parser{onFrame: onFrame, state: stateHeader}
}

// Feed appends newly read bytes and drives the state machine, invoking
// onFrame for every frame that becomes complete. A malformed or
// too-long body is drained up to its declared length before the parser
// resynchronizes on the next header.
func (p *Parser) Feed(chunk []byte) error {
	p.buf = append(p.buf, chunk...)
	for {
		switch p.state {
		case stateHeader:
			if len(p.buf) < HeaderSize {
				return nil
			}
			hdr, err := UnmarshalHeader(p.buf[:HeaderSize])
			if err != nil {
				return err
			}
			p.buf = p.buf[HeaderSize:]
			p.hdr = hdr
			p.remain = int(hdr.Length)
			if p.remain > maxBodySize {
				p.state = stateDrain
			} else {
				p.state = stateBody
			}
		case stateBody:
			if len(p.buf) < p.remain {
				return nil
			}
			body := p.buf[:p.remain]
			p.buf = p.buf[p.remain:]
			p.state = stateHeader
			if p.onFrame != nil {
				if err := p.onFrame(p.hdr, body); err != nil {
					return err
				}
			}
		case stateDrain:
			if len(p.buf) < p.remain {
				p.remain -= len(p.buf)
				p.buf = nil
				return nil
			}
			p.buf = p.buf[p.remain:]
			p.remain = 0
			p.state = stateHeader
		}
	}
}
