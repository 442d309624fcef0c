// Package hmgossip implements HM<->HM propagation: steady-state
// single-update broadcasts with loopback suppression, and the bulk
// REPLAY sequence a newly-ACTIVE peer connection triggers.
package hmgossip

import (
	"github.com/anshulthakur/hwmanager/internal/hmcodec"
	"github.com/anshulthakur/hwmanager/internal/hmtypes"
)

// Peer is the minimal view hmgossip needs of a peer connection: where
// to send frames and what hw_id identifies it, for loopback suppression.
type Peer interface {
	Send(frame []byte)
	HWID() uint32
}

// Broadcaster fans one encoded frame out to every connected peer except
// the one whose hw_id produced the update: a Location never re-sends a
// peer update back to the Location it learned it from.
type Broadcaster struct {
	localHWID uint32
	peers     func() []Peer
}

func NewBroadcaster(localHWID uint32, peers func() []Peer) *Broadcaster {
	return &Broadcaster{localHWID: localHWID, peers: peers}
}

// send emits frame to every peer, skipping originHWID (the peer the
// triggering update came from, or the local hw_id for locally-sourced
// updates -- both are "ourselves" from the receiving peer's point of
// view).
func (b *Broadcaster) send(frame []byte, originHWID uint32) {
	for _, p := range b.peers() {
		if p.HWID() == originHWID {
			continue
		}
		p.Send(frame)
	}
}

// NodeUp/NodeDown/ProcUp/ProcDown/HAUpdate each construct the
// steady-state single-update message for one registry mutation and
// gossip it onward. originHWID is the local hw_id for a locally
// originated change, or the remote peer's hw_id when this call is
// itself relaying an update received from that peer (so it is not
// echoed straight back).
func (b *Broadcaster) NodeUp(originHWID, nodeID, group uint32, role hmtypes.Role) {
	frame := hmcodec.EncodePeerNodeUpdate(hmtypes.PeerNodeUpdateMsg{
		Hdr:       hmtypes.PeerHeader{HWID: originHWID},
		Status:    hmtypes.StatusActive,
		NodeID:    nodeID,
		NodeGroup: group,
		NodeRole:  role,
	})
	b.send(frame, originHWID)
}

func (b *Broadcaster) NodeDown(originHWID, nodeID, group uint32) {
	frame := hmcodec.EncodePeerNodeUpdate(hmtypes.PeerNodeUpdateMsg{
		Hdr:       hmtypes.PeerHeader{HWID: originHWID},
		Status:    hmtypes.StatusInactive,
		NodeID:    nodeID,
		NodeGroup: group,
	})
	b.send(frame, originHWID)
}

func (b *Broadcaster) ProcUp(originHWID, pid, ptype, nodeID uint32) {
	frame := hmcodec.EncodePeerProcessUpdate(hmtypes.PeerProcessUpdateMsg{
		Hdr:      hmtypes.PeerHeader{HWID: originHWID},
		Status:   hmtypes.StatusActive,
		ProcID:   pid,
		ProcType: ptype,
		NodeID:   nodeID,
	})
	b.send(frame, originHWID)
}

func (b *Broadcaster) ProcDown(originHWID, pid, ptype, nodeID uint32) {
	frame := hmcodec.EncodePeerProcessUpdate(hmtypes.PeerProcessUpdateMsg{
		Hdr:      hmtypes.PeerHeader{HWID: originHWID},
		Status:   hmtypes.StatusInactive,
		ProcID:   pid,
		ProcType: ptype,
		NodeID:   nodeID,
	})
	b.send(frame, originHWID)
}

func (b *Broadcaster) HAUpdate(originHWID, group, master, slave uint32) {
	frame := hmcodec.EncodePeerHAUpdate(hmtypes.PeerHAUpdateMsg{
		Hdr:        hmtypes.PeerHeader{HWID: originHWID},
		Group:      group,
		MasterNode: master,
		SlaveNode:  slave,
	})
	b.send(frame, originHWID)
}

// SourceRow is the registry-agnostic view of one row a replay needs to
// describe; the runtime builds a slice of these from the registry's
// current contents.
type SourceRow struct {
	UpdateType hmtypes.ReplayUpdateType
	NodeID     uint32
	Pid        uint32
	Group      uint32
	Role       hmtypes.Role
	Running    hmtypes.EntityStatus
}

// BuildReplayFrames packs rows into the minimum number of REPLAY
// messages, at most hmtypes.PeerTLVsPerReplay TLVs each, terminated by
// a final zero-TLV message with Last=true: the sequence always ends
// with a message carrying zero TLVs and last=true, even if the final
// data-bearing message was already full.
func BuildReplayFrames(localHWID uint32, rows []SourceRow) [][]byte {
	var frames [][]byte
	tlvsPerMsg := hmtypes.PeerTLVsPerReplay

	for i := 0; i < len(rows); i += tlvsPerMsg {
		end := i + tlvsPerMsg
		if end > len(rows) {
			end = len(rows)
		}
		tlvs := make([]hmtypes.PeerReplayTLV, 0, end-i)
		for _, r := range rows[i:end] {
			tlvs = append(tlvs, hmtypes.PeerReplayTLV{
				UpdateType: r.UpdateType,
				NodeID:     r.NodeID,
				Pid:        r.Pid,
				Group:      r.Group,
				Role:       r.Role,
				Running:    r.Running,
			})
		}
		frames = append(frames, hmcodec.EncodePeerReplay(hmtypes.PeerReplayMsg{
			Hdr:  hmtypes.PeerHeader{HWID: localHWID},
			Last: false,
			TLVs: tlvs,
		}))
	}

	frames = append(frames, hmcodec.EncodePeerReplay(hmtypes.PeerReplayMsg{
		Hdr:  hmtypes.PeerHeader{HWID: localHWID},
		Last: true,
		TLVs: nil,
	}))
	return frames
}

// ApplyFunc applies one decoded REPLAY TLV to the local registry. It is
// supplied by the runtime (which owns the registry); hmgossip itself
// never touches registry state, matching hmnotify's separation.
type ApplyFunc func(hmtypes.PeerReplayTLV)

// ApplyReplay applies every TLV in a decoded REPLAY message via apply,
// idempotently: each TLV is the full, current state of one row, so
// applying the same TLV twice produces the same registry state as
// applying it once -- the apply function itself, being an add-or-update,
// gives this for free. It returns whether this message ended the
// replay sequence.
func ApplyReplay(msg hmtypes.PeerReplayMsg, apply ApplyFunc) (done bool) {
	for _, tlv := range msg.TLVs {
		apply(tlv)
	}
	return msg.Last
}
