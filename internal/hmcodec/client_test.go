package hmcodec

import (
	"testing"

	"github.com/anshulthakur/hwmanager/internal/hmtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeNodeInit_RoundTrips(t *testing.T) {
	m := hmtypes.NodeInitMsg{
		Hdr:               hmtypes.ClientHeader{MsgID: 7, Request: 1},
		Index:             3,
		ServiceGroupIndex: 2,
		HardwareNum:       1,
		KeepalivePeriod:   1500,
	}
	frame := EncodeNodeInit(m)

	frameLen, err := PeekClientFrameLen(frame)
	require.NoError(t, err)
	assert.Equal(t, len(frame), frameLen)

	got, err := DecodeNodeInit(frame)
	require.NoError(t, err)
	assert.Equal(t, m.Index, got.Index)
	assert.Equal(t, m.ServiceGroupIndex, got.ServiceGroupIndex)
	assert.Equal(t, m.KeepalivePeriod, got.KeepalivePeriod)
	assert.Equal(t, hmtypes.ClientMsgInit, got.Hdr.MsgType)
}

func TestEncodeDecodeProcessUpdate_RoundTripsWithInterfaces(t *testing.T) {
	m := hmtypes.ProcessUpdateMsg{
		ProcType: 0x75010001,
		Pid:      42,
		Name:     "routerd",
		Ifaces:   []uint32{1, 2, 3},
	}
	frame := EncodeProcessUpdate(true, m)
	got, err := DecodeProcessUpdate(frame)
	require.NoError(t, err)
	assert.Equal(t, m.ProcType, got.ProcType)
	assert.Equal(t, m.Pid, got.Pid)
	assert.Equal(t, m.Name, got.Name)
	assert.Equal(t, m.Ifaces, got.Ifaces)
	assert.Equal(t, hmtypes.ClientMsgProcessCreate, got.Hdr.MsgType)
}

func TestEncodeDecodeRegister_RoundTrips(t *testing.T) {
	m := hmtypes.RegisterMsg{
		SubscriberPID: 99,
		Type:          hmtypes.SubGroup,
		IDs:           []uint32{1, 2},
	}
	frame := EncodeRegister(true, m)
	got, err := DecodeRegister(frame)
	require.NoError(t, err)
	assert.Equal(t, m.SubscriberPID, got.SubscriberPID)
	assert.Equal(t, m.Type, got.Type)
	assert.Equal(t, m.IDs, got.IDs)
}

func TestEncodeDecodeHAStatusUpdate_RoundTrips(t *testing.T) {
	m := hmtypes.HAStatusUpdateMsg{
		NodeRole:         hmtypes.RoleActive,
		NodeInfoProvided: true,
		Target:           hmtypes.AddressInfo{Addr: "10.0.0.1", Port: 5000, NodeID: 4},
	}
	frame := EncodeHAStatusUpdate(m)
	got, err := DecodeHAStatusUpdate(frame)
	require.NoError(t, err)
	assert.Equal(t, m.NodeRole, got.NodeRole)
	assert.True(t, got.NodeInfoProvided)
	assert.Equal(t, m.Target.Addr, got.Target.Addr)
	assert.Equal(t, m.Target.Port, got.Target.Port)
}

func TestPeekClientFrameLen_IncompleteHeader(t *testing.T) {
	_, err := PeekClientFrameLen(make([]byte, 4))
	assert.ErrorIs(t, err, ErrIncomplete)
}

func TestPeekClientFrameLen_RejectsAbsurdLength(t *testing.T) {
	hdr := hmtypes.ClientHeader{MsgLen: 1 << 30}
	var buf [hmtypes.ClientHeaderSize]byte
	encodeClientHeaderInto(buf[:], hdr)
	_, err := PeekClientFrameLen(buf[:])
	assert.ErrorIs(t, err, ErrMalformed)
}

func encodeClientHeaderInto(dst []byte, h hmtypes.ClientHeader) {
	ClientByteOrder.PutUint32(dst[0:4], uint32(h.MsgType))
	ClientByteOrder.PutUint32(dst[4:8], h.MsgLen)
	ClientByteOrder.PutUint32(dst[8:12], h.MsgID)
	ClientByteOrder.PutUint32(dst[12:16], h.Request)
	ClientByteOrder.PutUint32(dst[16:20], h.ResponseOK)
}

func TestMsgTypeOf_RejectsUnknownType(t *testing.T) {
	hdr := hmtypes.ClientHeader{MsgType: 255, MsgLen: hmtypes.ClientHeaderSize}
	var buf [hmtypes.ClientHeaderSize]byte
	encodeClientHeaderInto(buf[:], hdr)
	_, err := MsgTypeOf(buf[:])
	assert.ErrorIs(t, err, ErrMalformed)
}
