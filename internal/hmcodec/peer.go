package hmcodec

import (
	"bytes"
	"encoding/binary"

	"github.com/anshulthakur/hwmanager/internal/hmtypes"
)

// Peer traffic is unambiguously big-endian, matching hmpeerif.h's
// HM_PEER_MSG_HEADER layout.
var peerByteOrder = binary.BigEndian

// peerBodySize returns the fixed wire size of a peer message's body
// (everything after the 16-byte header) given its msg_type. REPLAY is
// always sized for the maximum HM_PEER_NUM_TLVS_PER_UPDATE TLVs -- the
// source pads unused slots with zeros rather than varying the PDU size,
// since the transport cannot be assumed to preserve message boundaries.
func peerBodySize(t hmtypes.PeerMsgType) (int, bool) {
	switch t {
	case hmtypes.PeerMsgInit:
		return 4 + 4, true
	case hmtypes.PeerMsgKeepalive:
		return 4 + 4 + 4, true
	case hmtypes.PeerMsgProcessUpdate:
		return 4 + 4 + 4 + 4, true
	case hmtypes.PeerMsgNodeUpdate:
		return 4 + 4 + 4 + 4, true
	case hmtypes.PeerMsgHAUpdate:
		return 4 + 4 + 4, true
	case hmtypes.PeerMsgReplay:
		return 4 + 4 + hmtypes.PeerTLVsPerReplay*(4*6), true
	default:
		return 0, false
	}
}

// PeekPeerFrameLen inspects a (possibly partial) peer buffer and
// returns the total frame length once the header is available, so the
// caller knows how many more bytes to accumulate.
func PeekPeerFrameLen(buf []byte) (int, error) {
	if len(buf) < hmtypes.PeerHeaderSize {
		return 0, ErrIncomplete
	}
	msgType := hmtypes.PeerMsgType(peerByteOrder.Uint32(buf[0:4]))
	bodySz, ok := peerBodySize(msgType)
	if !ok {
		return 0, ErrMalformed
	}
	return hmtypes.PeerHeaderSize + bodySz, nil
}

func decodePeerHeader(buf []byte) hmtypes.PeerHeader {
	return hmtypes.PeerHeader{
		MsgType:   hmtypes.PeerMsgType(peerByteOrder.Uint32(buf[0:4])),
		HWID:      peerByteOrder.Uint32(buf[4:8]),
		Timestamp: peerByteOrder.Uint64(buf[8:16]),
	}
}

func encodePeerHeader(w *bytes.Buffer, h hmtypes.PeerHeader) {
	var tmp4 [4]byte
	var tmp8 [8]byte
	peerByteOrder.PutUint32(tmp4[:], uint32(h.MsgType))
	w.Write(tmp4[:])
	peerByteOrder.PutUint32(tmp4[:], h.HWID)
	w.Write(tmp4[:])
	peerByteOrder.PutUint64(tmp8[:], h.Timestamp)
	w.Write(tmp8[:])
}

func writePeerU32(w *bytes.Buffer, v uint32) {
	var tmp [4]byte
	peerByteOrder.PutUint32(tmp[:], v)
	w.Write(tmp[:])
}

func boolU32(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

// EncodePeerInit encodes HM_PEER_MSG_INIT.
func EncodePeerInit(m hmtypes.PeerInitMsg) []byte {
	var buf bytes.Buffer
	m.Hdr.MsgType = hmtypes.PeerMsgInit
	encodePeerHeader(&buf, m.Hdr)
	writePeerU32(&buf, m.Request)
	writePeerU32(&buf, m.ResponseOK)
	return buf.Bytes()
}

func DecodePeerInit(buf []byte) (hmtypes.PeerInitMsg, error) {
	if len(buf) < hmtypes.PeerHeaderSize+8 {
		return hmtypes.PeerInitMsg{}, ErrMalformed
	}
	hdr := decodePeerHeader(buf)
	body := buf[hmtypes.PeerHeaderSize:]
	return hmtypes.PeerInitMsg{
		Hdr:        hdr,
		Request:    peerByteOrder.Uint32(body[0:4]),
		ResponseOK: peerByteOrder.Uint32(body[4:8]),
	}, nil
}

// EncodePeerKeepalive encodes HM_PEER_MSG_KEEPALIVE.
func EncodePeerKeepalive(m hmtypes.PeerKeepaliveMsg) []byte {
	var buf bytes.Buffer
	m.Hdr.MsgType = hmtypes.PeerMsgKeepalive
	encodePeerHeader(&buf, m.Hdr)
	writePeerU32(&buf, m.ListenPort)
	writePeerU32(&buf, m.NumNodes)
	writePeerU32(&buf, m.NumProc)
	return buf.Bytes()
}

func DecodePeerKeepalive(buf []byte) (hmtypes.PeerKeepaliveMsg, error) {
	if len(buf) < hmtypes.PeerHeaderSize+12 {
		return hmtypes.PeerKeepaliveMsg{}, ErrMalformed
	}
	hdr := decodePeerHeader(buf)
	body := buf[hmtypes.PeerHeaderSize:]
	return hmtypes.PeerKeepaliveMsg{
		Hdr:        hdr,
		ListenPort: peerByteOrder.Uint32(body[0:4]),
		NumNodes:   peerByteOrder.Uint32(body[4:8]),
		NumProc:    peerByteOrder.Uint32(body[8:12]),
	}, nil
}

// EncodePeerNodeUpdate encodes HM_PEER_MSG_NODE_UPDATE.
func EncodePeerNodeUpdate(m hmtypes.PeerNodeUpdateMsg) []byte {
	var buf bytes.Buffer
	m.Hdr.MsgType = hmtypes.PeerMsgNodeUpdate
	encodePeerHeader(&buf, m.Hdr)
	writePeerU32(&buf, uint32(m.Status))
	writePeerU32(&buf, m.NodeID)
	writePeerU32(&buf, m.NodeGroup)
	writePeerU32(&buf, uint32(m.NodeRole))
	return buf.Bytes()
}

func DecodePeerNodeUpdate(buf []byte) (hmtypes.PeerNodeUpdateMsg, error) {
	if len(buf) < hmtypes.PeerHeaderSize+16 {
		return hmtypes.PeerNodeUpdateMsg{}, ErrMalformed
	}
	hdr := decodePeerHeader(buf)
	body := buf[hmtypes.PeerHeaderSize:]
	return hmtypes.PeerNodeUpdateMsg{
		Hdr:       hdr,
		Status:    hmtypes.EntityStatus(peerByteOrder.Uint32(body[0:4])),
		NodeID:    peerByteOrder.Uint32(body[4:8]),
		NodeGroup: peerByteOrder.Uint32(body[8:12]),
		NodeRole:  hmtypes.Role(peerByteOrder.Uint32(body[12:16])),
	}, nil
}

// EncodePeerProcessUpdate encodes HM_PEER_MSG_PROCESS_UPDATE.
func EncodePeerProcessUpdate(m hmtypes.PeerProcessUpdateMsg) []byte {
	var buf bytes.Buffer
	m.Hdr.MsgType = hmtypes.PeerMsgProcessUpdate
	encodePeerHeader(&buf, m.Hdr)
	writePeerU32(&buf, uint32(m.Status))
	writePeerU32(&buf, m.ProcID)
	writePeerU32(&buf, m.ProcType)
	writePeerU32(&buf, m.NodeID)
	return buf.Bytes()
}

func DecodePeerProcessUpdate(buf []byte) (hmtypes.PeerProcessUpdateMsg, error) {
	if len(buf) < hmtypes.PeerHeaderSize+16 {
		return hmtypes.PeerProcessUpdateMsg{}, ErrMalformed
	}
	hdr := decodePeerHeader(buf)
	body := buf[hmtypes.PeerHeaderSize:]
	return hmtypes.PeerProcessUpdateMsg{
		Hdr:      hdr,
		Status:   hmtypes.EntityStatus(peerByteOrder.Uint32(body[0:4])),
		ProcID:   peerByteOrder.Uint32(body[4:8]),
		ProcType: peerByteOrder.Uint32(body[8:12]),
		NodeID:   peerByteOrder.Uint32(body[12:16]),
	}, nil
}

// EncodePeerHAUpdate encodes HM_PEER_MSG_HA_UPDATE.
func EncodePeerHAUpdate(m hmtypes.PeerHAUpdateMsg) []byte {
	var buf bytes.Buffer
	m.Hdr.MsgType = hmtypes.PeerMsgHAUpdate
	encodePeerHeader(&buf, m.Hdr)
	writePeerU32(&buf, m.Group)
	writePeerU32(&buf, m.MasterNode)
	writePeerU32(&buf, m.SlaveNode)
	return buf.Bytes()
}

func DecodePeerHAUpdate(buf []byte) (hmtypes.PeerHAUpdateMsg, error) {
	if len(buf) < hmtypes.PeerHeaderSize+12 {
		return hmtypes.PeerHAUpdateMsg{}, ErrMalformed
	}
	hdr := decodePeerHeader(buf)
	body := buf[hmtypes.PeerHeaderSize:]
	return hmtypes.PeerHAUpdateMsg{
		Hdr:        hdr,
		Group:      peerByteOrder.Uint32(body[0:4]),
		MasterNode: peerByteOrder.Uint32(body[4:8]),
		SlaveNode:  peerByteOrder.Uint32(body[8:12]),
	}, nil
}

// EncodePeerReplay encodes HM_PEER_MSG_REPLAY, zero-filling unused TLV
// slots the same way the source does.
func EncodePeerReplay(m hmtypes.PeerReplayMsg) []byte {
	var buf bytes.Buffer
	m.Hdr.MsgType = hmtypes.PeerMsgReplay
	encodePeerHeader(&buf, m.Hdr)
	writePeerU32(&buf, boolU32(m.Last))
	writePeerU32(&buf, uint32(len(m.TLVs)))
	for i := 0; i < hmtypes.PeerTLVsPerReplay; i++ {
		var tlv hmtypes.PeerReplayTLV
		if i < len(m.TLVs) {
			tlv = m.TLVs[i]
		}
		writePeerU32(&buf, uint32(tlv.UpdateType))
		writePeerU32(&buf, tlv.NodeID)
		writePeerU32(&buf, tlv.Pid)
		writePeerU32(&buf, tlv.Group)
		writePeerU32(&buf, uint32(tlv.Role))
		writePeerU32(&buf, uint32(tlv.Running))
	}
	return buf.Bytes()
}

func DecodePeerReplay(buf []byte) (hmtypes.PeerReplayMsg, error) {
	bodySz, _ := peerBodySize(hmtypes.PeerMsgReplay)
	if len(buf) < hmtypes.PeerHeaderSize+bodySz {
		return hmtypes.PeerReplayMsg{}, ErrMalformed
	}
	hdr := decodePeerHeader(buf)
	body := buf[hmtypes.PeerHeaderSize:]
	last := peerByteOrder.Uint32(body[0:4]) != 0
	numTLVs := peerByteOrder.Uint32(body[4:8])
	if numTLVs > hmtypes.PeerTLVsPerReplay {
		return hmtypes.PeerReplayMsg{}, ErrMalformed
	}
	tlvs := make([]hmtypes.PeerReplayTLV, 0, numTLVs)
	off := 8
	for i := uint32(0); i < hmtypes.PeerTLVsPerReplay; i++ {
		updateType := peerByteOrder.Uint32(body[off : off+4])
		nodeID := peerByteOrder.Uint32(body[off+4 : off+8])
		pid := peerByteOrder.Uint32(body[off+8 : off+12])
		group := peerByteOrder.Uint32(body[off+12 : off+16])
		role := peerByteOrder.Uint32(body[off+16 : off+20])
		running := peerByteOrder.Uint32(body[off+20 : off+24])
		off += 24
		if i < numTLVs {
			tlvs = append(tlvs, hmtypes.PeerReplayTLV{
				UpdateType: hmtypes.ReplayUpdateType(updateType),
				NodeID:     nodeID,
				Pid:        pid,
				Group:      group,
				Role:       hmtypes.Role(role),
				Running:    hmtypes.EntityStatus(running),
			})
		}
	}
	return hmtypes.PeerReplayMsg{Hdr: hdr, Last: last, NumTLVs: numTLVs, TLVs: tlvs}, nil
}

// PeerMsgTypeOf returns the msg_type of a buffer holding at least a full
// peer header.
func PeerMsgTypeOf(buf []byte) (hmtypes.PeerMsgType, error) {
	if len(buf) < hmtypes.PeerHeaderSize {
		return 0, ErrIncomplete
	}
	return hmtypes.PeerMsgType(peerByteOrder.Uint32(buf[0:4])), nil
}
