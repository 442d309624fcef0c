package hmcodec

import (
	"testing"

	"github.com/anshulthakur/hwmanager/internal/hmtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodePeerReplay_ZeroFillsUnusedSlots(t *testing.T) {
	m := hmtypes.PeerReplayMsg{
		Hdr: hmtypes.PeerHeader{HWID: 9},
		TLVs: []hmtypes.PeerReplayTLV{
			{UpdateType: hmtypes.ReplayUpdateNode, NodeID: 1, Group: 2, Role: hmtypes.RoleActive, Running: hmtypes.StatusActive},
			{UpdateType: hmtypes.ReplayUpdateProc, NodeID: 1, Pid: 100, Running: hmtypes.StatusActive},
		},
	}
	frame := EncodePeerReplay(m)

	frameLen, err := PeekPeerFrameLen(frame)
	require.NoError(t, err)
	assert.Equal(t, len(frame), frameLen)

	got, err := DecodePeerReplay(frame)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), got.NumTLVs)
	require.Len(t, got.TLVs, 2)
	assert.Equal(t, m.TLVs[0], got.TLVs[0])
	assert.Equal(t, m.TLVs[1], got.TLVs[1])
	assert.False(t, got.Last)
}

func TestEncodeDecodePeerReplay_LastFlagTerminator(t *testing.T) {
	m := hmtypes.PeerReplayMsg{Hdr: hmtypes.PeerHeader{HWID: 9}, Last: true}
	frame := EncodePeerReplay(m)
	got, err := DecodePeerReplay(frame)
	require.NoError(t, err)
	assert.True(t, got.Last)
	assert.Equal(t, uint32(0), got.NumTLVs)
	assert.Empty(t, got.TLVs)
}

func TestEncodeDecodePeerNodeUpdate_RoundTrips(t *testing.T) {
	m := hmtypes.PeerNodeUpdateMsg{
		Hdr:       hmtypes.PeerHeader{HWID: 5},
		Status:    hmtypes.StatusActive,
		NodeID:    11,
		NodeGroup: 3,
		NodeRole:  hmtypes.RolePassive,
	}
	frame := EncodePeerNodeUpdate(m)
	got, err := DecodePeerNodeUpdate(frame)
	require.NoError(t, err)
	assert.Equal(t, m.NodeID, got.NodeID)
	assert.Equal(t, m.NodeRole, got.NodeRole)
	assert.Equal(t, uint32(5), got.Hdr.HWID)
}

func TestPeekPeerFrameLen_UnknownMsgType(t *testing.T) {
	buf := make([]byte, hmtypes.PeerHeaderSize)
	peerByteOrder.PutUint32(buf[0:4], 9999)
	_, err := PeekPeerFrameLen(buf)
	assert.ErrorIs(t, err, ErrMalformed)
}
