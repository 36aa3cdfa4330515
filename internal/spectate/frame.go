// Package spectate follows live match broadcasts over the fragment
// protocol: a sync handshake, one full snapshot fragment, then numbered
// delta fragments until the broadcast signals its end.
package spectate

import (
	"encoding/binary"

	"github.com/rotisserie/eris"
)

// Frame types carried inside fragments.
const (
	FrameSnapshot uint8 = 1
	FrameDelta    uint8 = 2
	FrameMessage  uint8 = 3
	// FrameStop is the broadcast end command.
	FrameStop uint8 = 4
)

// frameHeaderSize is type byte + tick + payload length.
const frameHeaderSize = 1 + 4 + 4

// maxFramePayload rejects corrupt length prefixes before allocating.
const maxFramePayload = 16 << 20

// Frame is one length-prefixed message inside a fragment.
type Frame struct {
	Type    uint8
	Tick    uint32
	Payload []byte
}

// Parser splits fragment bytes into frames. Fragments can cut a frame in
// half at any byte; the tail is buffered until the next Feed completes it.
type Parser struct {
	buf []byte
}

// Feed appends data and returns every complete frame now available.
func (p *Parser) Feed(data []byte) ([]Frame, error) {
	p.buf = append(p.buf, data...)

	var frames []Frame
	for {
		if len(p.buf) < frameHeaderSize {
			return frames, nil
		}
		size := binary.LittleEndian.Uint32(p.buf[5:9])
		if size > maxFramePayload {
			return frames, eris.Errorf("spectate: frame payload %d exceeds limit", size)
		}
		total := frameHeaderSize + int(size)
		if len(p.buf) < total {
			return frames, nil
		}

		payload := make([]byte, size)
		copy(payload, p.buf[frameHeaderSize:total])
		frames = append(frames, Frame{
			Type:    p.buf[0],
			Tick:    binary.LittleEndian.Uint32(p.buf[1:5]),
			Payload: payload,
		})
		p.buf = p.buf[total:]
	}
}

// Pending returns how many bytes of an incomplete frame are buffered.
func (p *Parser) Pending() int {
	return len(p.buf)
}

// AppendFrame encodes f onto dst in wire format, for tests and replay
// tooling.
func AppendFrame(dst []byte, f Frame) []byte {
	dst = append(dst, f.Type)
	dst = binary.LittleEndian.AppendUint32(dst, f.Tick)
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(f.Payload)))
	return append(dst, f.Payload...)
}
