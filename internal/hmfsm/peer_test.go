package hmfsm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeerFSM_HappyPath(t *testing.T) {
	f := NewPeerFSM(3)
	act, err := f.Step(PSigConnect)
	require.NoError(t, err)
	assert.Equal(t, PActionA_SendInit, act)
	assert.Equal(t, PeerInit, f.State)

	act, err = f.Step(PSigInitRcvd)
	require.NoError(t, err)
	assert.Equal(t, PActionB_StartReplay, act)
	assert.Equal(t, PeerActive, f.State)

	act, err = f.Step(PSigLoop)
	require.NoError(t, err)
	assert.Equal(t, PActionC_ResetPeerTimer, act)
	assert.Equal(t, PeerActive, f.State)
}

func TestPeerFSM_IllegalSignalRejected(t *testing.T) {
	f := NewPeerFSM(3)
	_, err := f.Step(PSigLoop)
	require.Error(t, err)
	var target *ErrIllegalPeerTransition
	assert.ErrorAs(t, err, &target)
	assert.Equal(t, PeerNull, f.State, "state must not change on a rejected signal")
}

func TestPeerFSM_KickoutGoesDirectlyToFailed(t *testing.T) {
	f := NewPeerFSM(3)
	_, _ = f.Step(PSigConnect)
	_, _ = f.Step(PSigInitRcvd)

	act, err := f.Step(PSigTimerPop)
	require.NoError(t, err)
	assert.Equal(t, PNoAction, act)
	assert.Equal(t, PeerActive, f.State, "one missed keepalive must not fail the peer")

	_, _ = f.Step(PSigTimerPop)
	act, err = f.Step(PSigTimerPop)
	require.NoError(t, err)
	assert.Equal(t, PActionD_MarkFailedReplay, act)
	assert.Equal(t, PeerFailed, f.State, "unlike NodeFSM there is no intermediate failing state")
}

func TestPeerFSM_LoopResetsMissCounter(t *testing.T) {
	f := NewPeerFSM(3)
	_, _ = f.Step(PSigConnect)
	_, _ = f.Step(PSigInitRcvd)
	_, _ = f.Step(PSigTimerPop)
	_, _ = f.Step(PSigLoop)
	assert.Equal(t, uint32(0), f.MissedKicks)
}

// TestPeerFSM_CloseDuringHandshakeFails covers a local decision to tear
// down a peer connection before the handshake completed -- distinct
// from the transport reporting the socket already closed.
func TestPeerFSM_CloseDuringHandshakeFails(t *testing.T) {
	f := NewPeerFSM(3)
	_, _ = f.Step(PSigConnect)

	act, err := f.Step(PSigClose)
	require.NoError(t, err)
	assert.Equal(t, PActionD_MarkFailedReplay, act)
	assert.Equal(t, PeerFailed, f.State)
}

// TestPeerFSM_ActiveDropViaTransportClose covers the common real-world
// disconnect path: the transport reports the peer socket closed (a TCP
// reset or FIN), not a local keepalive timeout.
func TestPeerFSM_ActiveDropViaTransportClose(t *testing.T) {
	f := NewPeerFSM(3)
	_, _ = f.Step(PSigConnect)
	_, _ = f.Step(PSigInitRcvd)

	act, err := f.Step(PSigClosed)
	require.NoError(t, err)
	assert.Equal(t, PActionD_MarkFailedReplay, act)
	assert.Equal(t, PeerFailed, f.State)
}

func TestPeerFSM_ReconnectFromFailed(t *testing.T) {
	f := NewPeerFSM(1)
	_, _ = f.Step(PSigConnect)
	_, _ = f.Step(PSigInitRcvd)
	_, err := f.Step(PSigTimerPop)
	require.NoError(t, err)
	require.Equal(t, PeerFailed, f.State)

	act, err := f.Step(PSigConnect)
	require.NoError(t, err)
	assert.Equal(t, PActionA_SendInit, act)
	assert.Equal(t, PeerInit, f.State)
}
