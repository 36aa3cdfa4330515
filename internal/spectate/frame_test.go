package spectate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParser_SplitsCompleteFrames(t *testing.T) {
	var wire []byte
	wire = AppendFrame(wire, Frame{Type: FrameSnapshot, Tick: 100, Payload: []byte("snapshot")})
	wire = AppendFrame(wire, Frame{Type: FrameDelta, Tick: 130, Payload: []byte("delta")})

	p := &Parser{}
	frames, err := p.Feed(wire)
	require.NoError(t, err)

	require.Len(t, frames, 2)
	assert.Equal(t, FrameSnapshot, frames[0].Type)
	assert.Equal(t, uint32(100), frames[0].Tick)
	assert.Equal(t, []byte("snapshot"), frames[0].Payload)
	assert.Equal(t, FrameDelta, frames[1].Type)
	assert.Zero(t, p.Pending())
}

func TestParser_BuffersPartialFrameAcrossFeeds(t *testing.T) {
	wire := AppendFrame(nil, Frame{Type: FrameDelta, Tick: 42, Payload: []byte("split across fragments")})
	cut := len(wire) / 2

	p := &Parser{}
	frames, err := p.Feed(wire[:cut])
	require.NoError(t, err)
	assert.Empty(t, frames)
	assert.Equal(t, cut, p.Pending())

	frames, err = p.Feed(wire[cut:])
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, []byte("split across fragments"), frames[0].Payload)
	assert.Zero(t, p.Pending())
}

func TestParser_EmptyPayloadFrame(t *testing.T) {
	wire := AppendFrame(nil, Frame{Type: FrameStop, Tick: 9000})

	p := &Parser{}
	frames, err := p.Feed(wire)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, FrameStop, frames[0].Type)
	assert.Empty(t, frames[0].Payload)
}

func TestParser_RejectsOversizedLengthPrefix(t *testing.T) {
	wire := []byte{FrameDelta, 0, 0, 0, 0, 0xFF, 0xFF, 0xFF, 0xFF}

	p := &Parser{}
	_, err := p.Feed(wire)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds limit")
}

func TestParser_ByteAtATime(t *testing.T) {
	wire := AppendFrame(nil, Frame{Type: FrameMessage, Tick: 7, Payload: []byte("ok")})

	p := &Parser{}
	var got []Frame
	for _, b := range wire {
		frames, err := p.Feed([]byte{b})
		require.NoError(t, err)
		got = append(got, frames...)
	}
	require.Len(t, got, 1)
	assert.Equal(t, uint32(7), got[0].Tick)
}
