package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParserReassemblesSplitFrame(t *testing.T) {
	var got []Header
	var bodies [][]byte
	p := NewParser(func(h Header, body []byte) error {
		got = append(got, h)
		cp := make([]byte, len(body))
		copy(cp, body)
		bodies = append(bodies, cp)
		return nil
	})

	frame := EncodeFrame(3, 0, []byte{1, 2, 3, 4})

	// feed byte by byte to exercise arbitrary chunk boundaries
	for _, b := range frame {
		require.NoError(t, p.Feed([]byte{b}))
	}

	require.Len(t, got, 1)
	require.Equal(t, uint16(3), got[0].Opcode)
	require.Equal(t, []byte{1, 2, 3, 4}, bodies[0])
}

func TestParserHandlesMultipleFramesInOneChunk(t *testing.T) {
	var opcodes []uint16
	p := NewParser(func(h Header, body []byte) error {
		opcodes = append(opcodes, h.Opcode)
		return nil
	})

	buf := append(EncodeFrame(1, 0, nil), EncodeFrame(2, 0, []byte{9})...)
	require.NoError(t, p.Feed(buf))
	require.Equal(t, []uint16{1, 2}, opcodes)
}

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{Opcode: 7, Length: 42, Flags: 1, Status: 5}
	decoded, err := UnmarshalHeader(h.Marshal())
	require.NoError(t, err)
	require.Equal(t, h, decoded)
}

func TestOversizedFrameIsDrainedAndParserResyncs(t *testing.T) {
	var opcodes []uint16
	p := NewParser(func(h Header, body []byte) error {
		opcodes = append(opcodes, h.Opcode)
		return nil
	})

	oversized := Header{Opcode: 1, Length: maxBodySize + 1}.Marshal()
	oversized = append(oversized, make([]byte, maxBodySize+1)...)
	valid := EncodeFrame(2, 0, []byte{9})

	require.NoError(t, p.Feed(append(oversized, valid...)))
	require.Equal(t, []uint16{2}, opcodes)
}
