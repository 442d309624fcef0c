// Package hmcodec encodes and decodes the two wire formats the hardware
// manager speaks: the client (node->HM) protocol in the configured host
// byte order, and the peer (HM->HM) protocol always in network byte
// order. Every Encode/Decode pair round-trips exactly.
package hmcodec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/anshulthakur/hwmanager/internal/hmtypes"
)

// ErrIncomplete signals the buffer does not yet hold a full frame; the
// caller should keep accumulating bytes.
var ErrIncomplete = errors.New("hmcodec: incomplete frame")

// ErrMalformed signals a frame whose declared length or field values
// cannot be a valid message; the caller treats this as a protocol
// violation and closes the transport.
var ErrMalformed = errors.New("hmcodec: malformed frame")

// ClientByteOrder is the byte order used for client (node<->HM) traffic.
// The source's HM_PUT_LONG/HM_GET_LONG macros are conditionally
// compiled for BIG_ENDIAN or "native", and the non-BIG_ENDIAN branch is
// marked FIXME in the source itself. This implementation resolves the
// ambiguity by treating client traffic as a single configured host
// order, defaulting to little-endian (the common case for the target
// deployment architecture); see DESIGN.md for the full reasoning.
var ClientByteOrder binary.ByteOrder = binary.LittleEndian

// PeekClientFrameLen inspects the header of a (possibly partial) client
// buffer and returns the total frame length (header+body) once at least
// ClientHeaderSize bytes are available. Returns ErrIncomplete if fewer
// bytes are buffered, ErrMalformed if msg_len is absurd.
func PeekClientFrameLen(buf []byte) (int, error) {
	if len(buf) < hmtypes.ClientHeaderSize {
		return 0, ErrIncomplete
	}
	msgLen := ClientByteOrder.Uint32(buf[4:8])
	if msgLen < hmtypes.ClientHeaderSize || msgLen > 1<<20 {
		return 0, ErrMalformed
	}
	return int(msgLen), nil
}

func decodeClientHeader(buf []byte) hmtypes.ClientHeader {
	return hmtypes.ClientHeader{
		MsgType:    hmtypes.ClientMsgType(ClientByteOrder.Uint32(buf[0:4])),
		MsgLen:     ClientByteOrder.Uint32(buf[4:8]),
		MsgID:      ClientByteOrder.Uint32(buf[8:12]),
		Request:    ClientByteOrder.Uint32(buf[12:16]),
		ResponseOK: ClientByteOrder.Uint32(buf[16:20]),
	}
}

func encodeClientHeader(w *bytes.Buffer, h hmtypes.ClientHeader) {
	var tmp [4]byte
	put := func(v uint32) {
		ClientByteOrder.PutUint32(tmp[:], v)
		w.Write(tmp[:])
	}
	put(uint32(h.MsgType))
	put(h.MsgLen)
	put(h.MsgID)
	put(h.Request)
	put(h.ResponseOK)
}

// DecodeClientHeader peeks the msg_type of a full or partial frame
// without consuming it, used by the transport layer to route bytes
// before the full body has arrived in some call paths (e.g. logging).
func DecodeClientHeader(buf []byte) (hmtypes.ClientHeader, error) {
	if len(buf) < hmtypes.ClientHeaderSize {
		return hmtypes.ClientHeader{}, ErrIncomplete
	}
	return decodeClientHeader(buf), nil
}

// EncodeNodeInit encodes an INIT request or response.
func EncodeNodeInit(m hmtypes.NodeInitMsg) []byte {
	var buf bytes.Buffer
	m.Hdr.MsgType = hmtypes.ClientMsgInit
	m.Hdr.MsgLen = uint32(hmtypes.ClientHeaderSize + 5*4)
	encodeClientHeader(&buf, m.Hdr)
	writeU32(&buf, m.Index)
	writeU32(&buf, m.ServiceGroupIndex)
	writeU32(&buf, m.HardwareNum)
	writeU32(&buf, m.KeepalivePeriod)
	writeU32(&buf, m.LocationStatus)
	return buf.Bytes()
}

func DecodeNodeInit(buf []byte) (hmtypes.NodeInitMsg, error) {
	hdr, err := DecodeClientHeader(buf)
	if err != nil {
		return hmtypes.NodeInitMsg{}, err
	}
	body := buf[hmtypes.ClientHeaderSize:]
	if len(body) < 5*4 {
		return hmtypes.NodeInitMsg{}, ErrMalformed
	}
	return hmtypes.NodeInitMsg{
		Hdr:               hdr,
		Index:             ClientByteOrder.Uint32(body[0:4]),
		ServiceGroupIndex: ClientByteOrder.Uint32(body[4:8]),
		HardwareNum:       ClientByteOrder.Uint32(body[8:12]),
		KeepalivePeriod:   ClientByteOrder.Uint32(body[12:16]),
		LocationStatus:    ClientByteOrder.Uint32(body[16:20]),
	}, nil
}

// EncodeKeepalive encodes a header-only KEEPALIVE.
func EncodeKeepalive(hdr hmtypes.ClientHeader) []byte {
	var buf bytes.Buffer
	hdr.MsgType = hmtypes.ClientMsgKeepalive
	hdr.MsgLen = hmtypes.ClientHeaderSize
	encodeClientHeader(&buf, hdr)
	return buf.Bytes()
}

// EncodeProcessUpdate encodes PROCESS_CREATE/PROCESS_DESTROY.
func EncodeProcessUpdate(create bool, m hmtypes.ProcessUpdateMsg) []byte {
	var buf bytes.Buffer
	if create {
		m.Hdr.MsgType = hmtypes.ClientMsgProcessCreate
	} else {
		m.Hdr.MsgType = hmtypes.ClientMsgProcessDestroy
	}
	nameBuf := make([]byte, hmtypes.MaxProcessName+1)
	copy(nameBuf, m.Name)
	fixed := 4 + 4 + len(nameBuf) + 4 + 4
	bodyLen := fixed + 4*len(m.Ifaces)
	m.Hdr.MsgLen = uint32(hmtypes.ClientHeaderSize + bodyLen)
	m.IfOffset = uint32(hmtypes.ClientHeaderSize + fixed)
	encodeClientHeader(&buf, m.Hdr)
	writeU32(&buf, m.ProcType)
	writeU32(&buf, m.Pid)
	buf.Write(nameBuf)
	writeU32(&buf, uint32(len(m.Ifaces)))
	writeU32(&buf, m.IfOffset)
	for _, i := range m.Ifaces {
		writeU32(&buf, i)
	}
	return buf.Bytes()
}

func DecodeProcessUpdate(buf []byte) (hmtypes.ProcessUpdateMsg, error) {
	hdr, err := DecodeClientHeader(buf)
	if err != nil {
		return hmtypes.ProcessUpdateMsg{}, err
	}
	body := buf[hmtypes.ClientHeaderSize:]
	nameSz := hmtypes.MaxProcessName + 1
	fixed := 4 + 4 + nameSz + 4 + 4
	if len(body) < fixed {
		return hmtypes.ProcessUpdateMsg{}, ErrMalformed
	}
	procType := ClientByteOrder.Uint32(body[0:4])
	pid := ClientByteOrder.Uint32(body[4:8])
	name := cString(body[8 : 8+nameSz])
	numIf := ClientByteOrder.Uint32(body[8+nameSz : 12+nameSz])
	ifOffset := ClientByteOrder.Uint32(body[12+nameSz : 16+nameSz])
	ifs := make([]uint32, 0, numIf)
	off := fixed
	for i := uint32(0); i < numIf; i++ {
		if off+4 > len(body) {
			return hmtypes.ProcessUpdateMsg{}, ErrMalformed
		}
		ifs = append(ifs, ClientByteOrder.Uint32(body[off:off+4]))
		off += 4
	}
	return hmtypes.ProcessUpdateMsg{
		Hdr:      hdr,
		ProcType: procType,
		Pid:      pid,
		Name:     name,
		NumIf:    numIf,
		IfOffset: ifOffset,
		Ifaces:   ifs,
	}, nil
}

// EncodeRegister encodes REGISTER/UNREGISTER.
func EncodeRegister(register bool, m hmtypes.RegisterMsg) []byte {
	var buf bytes.Buffer
	if register {
		m.Hdr.MsgType = hmtypes.ClientMsgRegister
	} else {
		m.Hdr.MsgType = hmtypes.ClientMsgUnregister
	}
	m.Hdr.MsgLen = uint32(hmtypes.ClientHeaderSize + 4 + 4 + 4 + 4*len(m.IDs))
	encodeClientHeader(&buf, m.Hdr)
	writeU32(&buf, m.SubscriberPID)
	writeU32(&buf, uint32(m.Type))
	writeU32(&buf, uint32(len(m.IDs)))
	for _, id := range m.IDs {
		writeU32(&buf, id)
	}
	return buf.Bytes()
}

func DecodeRegister(buf []byte) (hmtypes.RegisterMsg, error) {
	hdr, err := DecodeClientHeader(buf)
	if err != nil {
		return hmtypes.RegisterMsg{}, err
	}
	body := buf[hmtypes.ClientHeaderSize:]
	if len(body) < 12 {
		return hmtypes.RegisterMsg{}, ErrMalformed
	}
	pid := ClientByteOrder.Uint32(body[0:4])
	typ := hmtypes.SubscriptionType(ClientByteOrder.Uint32(body[4:8]))
	num := ClientByteOrder.Uint32(body[8:12])
	ids := make([]uint32, 0, num)
	off := 12
	for i := uint32(0); i < num; i++ {
		if off+4 > len(body) {
			return hmtypes.RegisterMsg{}, ErrMalformed
		}
		ids = append(ids, ClientByteOrder.Uint32(body[off:off+4]))
		off += 4
	}
	return hmtypes.RegisterMsg{Hdr: hdr, SubscriberPID: pid, Type: typ, NumRegister: num, IDs: ids}, nil
}

// EncodeNotification encodes HM_NOTIFICATION_MSG.
func EncodeNotification(m hmtypes.NotificationMsg) []byte {
	var buf bytes.Buffer
	m.Hdr.MsgType = hmtypes.ClientMsgHANotify
	addrBuf := make([]byte, 128)
	copy(addrBuf, m.Addr.Addr)
	bodyLen := 4*5 + 4 + len(addrBuf) + 4*4
	m.Hdr.MsgLen = uint32(hmtypes.ClientHeaderSize + bodyLen)
	encodeClientHeader(&buf, m.Hdr)
	writeU32(&buf, uint32(m.Type))
	writeU32(&buf, m.ProcType)
	writeU32(&buf, m.SubsPID)
	writeU32(&buf, m.ID)
	writeU32(&buf, m.IfID)
	writeU32(&buf, m.Addr.AddrType)
	buf.Write(addrBuf)
	writeU32(&buf, m.Addr.Port)
	writeU32(&buf, m.Addr.NodeID)
	writeU32(&buf, m.Addr.Group)
	writeU32(&buf, m.Addr.HWIndex)
	return buf.Bytes()
}

func DecodeNotification(buf []byte) (hmtypes.NotificationMsg, error) {
	hdr, err := DecodeClientHeader(buf)
	if err != nil {
		return hmtypes.NotificationMsg{}, err
	}
	body := buf[hmtypes.ClientHeaderSize:]
	if len(body) < 4*5+4+128+4*4 {
		return hmtypes.NotificationMsg{}, ErrMalformed
	}
	off := 0
	readU32 := func() uint32 {
		v := ClientByteOrder.Uint32(body[off : off+4])
		off += 4
		return v
	}
	typ := hmtypes.NotificationType(readU32())
	procType := readU32()
	subsPid := readU32()
	id := readU32()
	ifID := readU32()
	addrType := readU32()
	addr := cString(body[off : off+128])
	off += 128
	port := readU32()
	nodeID := readU32()
	group := readU32()
	hwIndex := readU32()
	return hmtypes.NotificationMsg{
		Hdr:      hdr,
		Type:     typ,
		ProcType: procType,
		SubsPID:  subsPid,
		ID:       id,
		IfID:     ifID,
		Addr: hmtypes.AddressInfo{
			AddrType: addrType,
			Addr:     addr,
			Port:     port,
			NodeID:   nodeID,
			Group:    group,
			HWIndex:  hwIndex,
		},
	}, nil
}

// EncodeHAStatusUpdate encodes HM_HA_STATUS_UPDATE_MSG, client -> HM.
func EncodeHAStatusUpdate(m hmtypes.HAStatusUpdateMsg) []byte {
	var buf bytes.Buffer
	m.Hdr.MsgType = hmtypes.ClientMsgHAUpdate
	addrBuf := make([]byte, 128)
	copy(addrBuf, m.Target.Addr)
	bodyLen := 4 + 4 + len(addrBuf) + 4*4
	m.Hdr.MsgLen = uint32(hmtypes.ClientHeaderSize + bodyLen)
	encodeClientHeader(&buf, m.Hdr)
	writeU32(&buf, uint32(m.NodeRole))
	writeU32(&buf, boolToU32(m.NodeInfoProvided))
	writeU32(&buf, m.Target.AddrType)
	buf.Write(addrBuf)
	writeU32(&buf, m.Target.Port)
	writeU32(&buf, m.Target.NodeID)
	writeU32(&buf, m.Target.Group)
	writeU32(&buf, m.Target.HWIndex)
	return buf.Bytes()
}

func DecodeHAStatusUpdate(buf []byte) (hmtypes.HAStatusUpdateMsg, error) {
	hdr, err := DecodeClientHeader(buf)
	if err != nil {
		return hmtypes.HAStatusUpdateMsg{}, err
	}
	body := buf[hmtypes.ClientHeaderSize:]
	if len(body) < 4+4+4+128+4*4 {
		return hmtypes.HAStatusUpdateMsg{}, ErrMalformed
	}
	off := 0
	readU32 := func() uint32 {
		v := ClientByteOrder.Uint32(body[off : off+4])
		off += 4
		return v
	}
	role := hmtypes.Role(readU32())
	infoProvided := readU32() != 0
	addrType := readU32()
	addr := cString(body[off : off+128])
	off += 128
	port := readU32()
	nodeID := readU32()
	group := readU32()
	hwIndex := readU32()
	return hmtypes.HAStatusUpdateMsg{
		Hdr:              hdr,
		NodeRole:         role,
		NodeInfoProvided: infoProvided,
		Target: hmtypes.AddressInfo{
			AddrType: addrType,
			Addr:     addr,
			Port:     port,
			NodeID:   nodeID,
			Group:    group,
			HWIndex:  hwIndex,
		},
	}, nil
}

func boolToU32(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var tmp [4]byte
	ClientByteOrder.PutUint32(tmp[:], v)
	buf.Write(tmp[:])
}

func cString(b []byte) string {
	n := bytes.IndexByte(b, 0)
	if n < 0 {
		n = len(b)
	}
	return string(b[:n])
}

// MsgTypeOf returns the client msg_type of a buffer that holds at least
// a full header, primarily for transport-layer dispatch/logging.
func MsgTypeOf(buf []byte) (hmtypes.ClientMsgType, error) {
	hdr, err := DecodeClientHeader(buf)
	if err != nil {
		return 0, err
	}
	if hdr.MsgType < hmtypes.ClientMsgInit || hdr.MsgType > hmtypes.ClientMsgHANotify {
		return 0, fmt.Errorf("%w: unknown client msg_type %d", ErrMalformed, hdr.MsgType)
	}
	return hdr.MsgType, nil
}
