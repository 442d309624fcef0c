package hmtransport

import (
	"net"

	"github.com/anshulthakur/hwmanager/internal/hmlog"
)

// McastEvent carries one received multicast datagram plus the sender's
// address, used for cluster discovery: receipt of a KEEPALIVE from an
// unknown hw_id triggers an outbound TCP connect.
type McastEvent struct {
	Payload []byte
	From    *net.UDPAddr
}

// McastReceiver listens on the configured multicast group for discovery
// ticks from peers.
type McastReceiver struct {
	conn *net.UDPConn
	sink chan<- McastEvent
	log  hmlog.Logger
	done chan struct{}
}

func ListenMulticast(group net.IP, port int, iface *net.Interface, sink chan<- McastEvent, log hmlog.Logger) (*McastReceiver, error) {
	addr := &net.UDPAddr{IP: group, Port: port}
	conn, err := net.ListenMulticastUDP("udp", iface, addr)
	if err != nil {
		return nil, err
	}
	r := &McastReceiver{conn: conn, sink: sink, log: log, done: make(chan struct{})}
	go r.readLoop()
	return r, nil
}

func (r *McastReceiver) readLoop() {
	buf := make([]byte, 2048)
	for {
		n, from, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-r.done:
				return
			default:
				r.log.Errorf("multicast read error: %v", err)
				return
			}
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		select {
		case r.sink <- McastEvent{Payload: payload, From: from}:
		case <-r.done:
			return
		}
	}
}

func (r *McastReceiver) Close() error {
	close(r.done)
	return r.conn.Close()
}

// McastSender periodically emits the local HM's KEEPALIVE tick on the
// configured multicast group.
type McastSender struct {
	conn *net.UDPConn
}

func NewMcastSender(group net.IP, port int) (*McastSender, error) {
	conn, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: group, Port: port})
	if err != nil {
		return nil, err
	}
	return &McastSender{conn: conn}, nil
}

func (s *McastSender) Send(payload []byte) error {
	_, err := s.conn.Write(payload)
	return err
}

func (s *McastSender) Close() error { return s.conn.Close() }
