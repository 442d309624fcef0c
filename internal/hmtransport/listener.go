package hmtransport

import (
	"net"

	"github.com/anshulthakur/hwmanager/internal/hmlog"
)

// Listener accepts inbound TCP connections (client-facing or
// peer-facing, distinguished by the FrameLenFunc/sink the caller wires
// up) and posts an EventAccept for each.
type Listener struct {
	ln       net.Listener
	frameLen FrameLenFunc
	sink     chan<- Event
	log      hmlog.Logger
	done     chan struct{}
}

// Listen starts accepting on addr. Every accepted connection becomes a
// Conn using frameLen to cut frames, delivering EventAccept (Payload
// nil, Conn set) followed by that Conn's own EventData/EventClose
// stream on the same sink.
func Listen(addr string, frameLen FrameLenFunc, sink chan<- Event, log hmlog.Logger) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	l := &Listener{ln: ln, frameLen: frameLen, sink: sink, log: log, done: make(chan struct{})}
	go l.acceptLoop()
	return l, nil
}

func (l *Listener) acceptLoop() {
	for {
		nc, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.done:
				return
			default:
				l.log.Errorf("accept error: %v", err)
				return
			}
		}
		c := NewConn(nc, l.frameLen, l.sink, l.log)
		select {
		case l.sink <- Event{Conn: c, Kind: EventAccept}:
		case <-l.done:
			c.Close()
			return
		}
	}
}

// Addr returns the bound address, useful when addr was ":0" in tests.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Close stops accepting new connections. Existing Conns are unaffected.
func (l *Listener) Close() error {
	close(l.done)
	return l.ln.Close()
}

// Dial opens an outbound TCP connection (used for peer-to-peer connects
// initiated after a multicast discovery tick) and wires it the same
// way an accepted connection would be.
func Dial(addr string, frameLen FrameLenFunc, sink chan<- Event, log hmlog.Logger) (*Conn, error) {
	nc, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewConn(nc, frameLen, sink, log), nil
}
