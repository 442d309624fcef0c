// Package hmtransport implements the transport layer: framed
// byte-buffer send/recv over TCP/UDP/multicast sockets, modeled as an
// abstract reactor delivering accept/data/close events onto a single
// channel. The source's select()-based reactor thread is realized here
// as one goroutine per connection doing blocking I/O, feeding a shared
// channel that the runtime's single consuming goroutine drains --
// keeping all FSM transitions and registry mutations on one thread
// while using idiomatic Go instead of a manual event loop.
package hmtransport

import (
	"bytes"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/anshulthakur/hwmanager/internal/hmcodec"
	"github.com/anshulthakur/hwmanager/internal/hmlog"
)

// FrameLenFunc inspects a (possibly partial) buffer and returns the
// total frame length once the header is available. It is the
// try-decode-frame step, specialized per protocol (client or peer) by
// the caller.
type FrameLenFunc func(buf []byte) (int, error)

// EventKind enumerates what happened to a Conn.
type EventKind int

const (
	EventAccept EventKind = iota
	EventData
	EventClose
)

// Event is delivered to the runtime's single event channel.
type Event struct {
	Conn    *Conn
	Kind    EventKind
	Payload []byte // one decoded frame, for EventData
	Err     error  // set for EventClose when the close was due to an error
}

// Conn wraps one accepted or dialed net.Conn with a read goroutine that
// accumulates bytes, cuts frames with FrameLenFunc, and posts EventData;
// the write side serializes through a bounded channel so partial writes
// and queued-but-unsent messages never interleave.
type Conn struct {
	nc       net.Conn
	frameLen FrameLenFunc
	sink     chan<- Event
	log      hmlog.Logger

	writeCh chan []byte
	closeCh chan struct{}
	once    sync.Once

	// Tag is an opaque slot the owner (a Node or Location FSM) can use to
	// find its way back from an Event to the owning entity, since the
	// registry holds entities, not Conns.
	Tag interface{}
}

// NewConn starts the read and write pumps for an accepted/dialed
// connection and returns the handle to it.
func NewConn(nc net.Conn, frameLen FrameLenFunc, sink chan<- Event, log hmlog.Logger) *Conn {
	c := &Conn{
		nc:       nc,
		frameLen: frameLen,
		sink:     sink,
		log:      log,
		writeCh:  make(chan []byte, 64),
		closeCh:  make(chan struct{}),
	}
	go c.readLoop()
	go c.writeLoop()
	return c
}

// RemoteAddr returns the underlying connection's remote address.
func (c *Conn) RemoteAddr() net.Addr { return c.nc.RemoteAddr() }

func (c *Conn) readLoop() {
	var acc bytes.Buffer
	tmp := make([]byte, 4096)
	for {
		n, err := c.nc.Read(tmp)
		if n > 0 {
			acc.Write(tmp[:n])
			for {
				frameLen, ferr := c.frameLen(acc.Bytes())
				if errors.Is(ferr, hmcodec.ErrIncomplete) {
					break
				}
				if errors.Is(ferr, hmcodec.ErrMalformed) {
					c.closeWithErr(ferr)
					return
				}
				if frameLen > acc.Len() {
					break
				}
				frame := make([]byte, frameLen)
				copy(frame, acc.Bytes()[:frameLen])
				acc.Next(frameLen)
				c.postEvent(Event{Conn: c, Kind: EventData, Payload: frame})
			}
		}
		if err != nil {
			if err == io.EOF {
				c.closeWithErr(nil)
			} else {
				c.closeWithErr(err)
			}
			return
		}
	}
}

func (c *Conn) writeLoop() {
	for {
		select {
		case frame, ok := <-c.writeCh:
			if !ok {
				return
			}
			if err := c.writeAll(frame); err != nil {
				c.closeWithErr(err)
				return
			}
		case <-c.closeCh:
			return
		}
	}
}

// writeAll makes a single net.Conn.Write call; Write already loops
// internally for blocking sockets, so this simply surfaces the first
// hard error.
func (c *Conn) writeAll(frame []byte) error {
	_, err := c.nc.Write(frame)
	return err
}

// Send enqueues a framed message for the write pump. Sends to a closed
// connection are dropped silently, matching how a vanished subscriber's
// pending notifications are dropped rather than queued forever.
func (c *Conn) Send(frame []byte) {
	select {
	case c.writeCh <- frame:
	case <-c.closeCh:
	}
}

func (c *Conn) postEvent(ev Event) {
	select {
	case c.sink <- ev:
	case <-c.closeCh:
	}
}

func (c *Conn) closeWithErr(err error) {
	c.once.Do(func() {
		close(c.closeCh)
		_ = c.nc.Close()
		select {
		case c.sink <- Event{Conn: c, Kind: EventClose, Err: err}:
		default:
			// Best effort: if the runtime already drained and stopped
			// listening there is nobody left to tell.
		}
	})
}

// Close closes the connection from the owning side (e.g. on TERM).
func (c *Conn) Close() {
	c.closeWithErr(nil)
}
