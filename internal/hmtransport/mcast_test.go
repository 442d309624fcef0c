package hmtransport

import (
	"net"
	"testing"
	"time"

	"github.com/anshulthakur/hwmanager/internal/hmlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMcastSenderReceiver_LoopbackRoundTrip(t *testing.T) {
	iface, err := loopbackMulticastInterface()
	if err != nil {
		t.Skipf("no multicast-capable loopback interface available: %v", err)
	}

	group := net.ParseIP("239.1.2.3")
	sink := make(chan McastEvent, 4)
	rx, err := ListenMulticast(group, 0, iface, sink, hmlog.Noop{})
	require.NoError(t, err)
	defer rx.Close()

	port := rx.conn.LocalAddr().(*net.UDPAddr).Port
	tx, err := NewMcastSender(group, port)
	require.NoError(t, err)
	defer tx.Close()

	require.NoError(t, tx.Send([]byte("keepalive")))

	select {
	case ev := <-sink:
		assert.Equal(t, "keepalive", string(ev.Payload))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for multicast datagram")
	}
}

func loopbackMulticastInterface() (*net.Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	for i := range ifaces {
		if ifaces[i].Flags&net.FlagMulticast != 0 && ifaces[i].Flags&net.FlagUp != 0 {
			return &ifaces[i], nil
		}
	}
	return nil, net.UnknownNetworkError("no multicast interface")
}
