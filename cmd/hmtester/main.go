// Command hmtester is a scriptable stand-in for a managed node, in the
// spirit of the original tester.c: it connects to a running Hardware
// Manager, sends an INIT, optionally creates processes and subscribes
// to a group, then keeps the connection alive and prints whatever
// notifications arrive.
package main

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/anshulthakur/hwmanager/internal/hmcodec"
	"github.com/anshulthakur/hwmanager/internal/hmlog"
	"github.com/anshulthakur/hwmanager/internal/hmtypes"
	"github.com/spf13/cobra"
)

var (
	hmAddr       string
	locationIdx  uint32
	group        uint32
	numProcesses int
	subscribe    bool
	debug        bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "hmtester: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "hmtester",
	Short: "exercise a Hardware Manager as a synthetic node",
	RunE:  run,
}

func init() {
	rootCmd.Flags().StringVar(&hmAddr, "addr", "127.0.0.1:32768", "HM client listen address")
	rootCmd.Flags().Uint32VarP(&locationIdx, "location", "l", 0, "this node's location index (required)")
	rootCmd.Flags().Uint32Var(&group, "group", 1, "service group index to join")
	rootCmd.Flags().IntVar(&numProcesses, "processes", 0, "number of synthetic processes to create after INIT")
	rootCmd.Flags().BoolVar(&subscribe, "subscribe", false, "subscribe to notifications for our own group")
	rootCmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")
	_ = rootCmd.MarkFlagRequired("location")
}

func run(cmd *cobra.Command, args []string) error {
	hmlog.SetLevel(debug)
	log := hmlog.New("hmtester")

	conn, err := net.Dial("tcp", hmAddr)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", hmAddr, err)
	}
	defer conn.Close()

	pid := uint32(0x34) | (locationIdx << 24)
	init := hmcodec.EncodeNodeInit(hmtypes.NodeInitMsg{
		Hdr:               hmtypes.ClientHeader{MsgID: 1, Request: 1},
		Index:             locationIdx,
		ServiceGroupIndex: group,
		KeepalivePeriod:   1000,
	})
	if _, err := conn.Write(init); err != nil {
		return fmt.Errorf("sending INIT: %w", err)
	}
	log.Infof("sent INIT for location %d, group %d", locationIdx, group)

	for i := 0; i < numProcesses; i++ {
		procPid := pid + uint32(i)
		frame := hmcodec.EncodeProcessUpdate(true, hmtypes.ProcessUpdateMsg{
			ProcType: 0x75010001,
			Pid:      procPid,
			Name:     fmt.Sprintf("synthetic-%d", i),
		})
		if _, err := conn.Write(frame); err != nil {
			return fmt.Errorf("sending PROCESS_CREATE: %w", err)
		}
		log.Infof("created process pid=0x%x", procPid)
	}

	if subscribe {
		frame := hmcodec.EncodeRegister(true, hmtypes.RegisterMsg{
			SubscriberPID: pid,
			Type:          hmtypes.SubGroup,
			IDs:           []uint32{group},
		})
		if _, err := conn.Write(frame); err != nil {
			return fmt.Errorf("sending REGISTER: %w", err)
		}
		log.Infof("subscribed to group %d", group)
	}

	go readLoop(conn, log)

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for range ticker.C {
		if _, err := conn.Write(hmcodec.EncodeKeepalive(hmtypes.ClientHeader{})); err != nil {
			return fmt.Errorf("sending KEEPALIVE: %w", err)
		}
	}
	return nil
}

func readLoop(conn net.Conn, log hmlog.Logger) {
	var acc bytes.Buffer
	tmp := make([]byte, 4096)
	for {
		n, err := conn.Read(tmp)
		if err != nil {
			log.Warnf("connection closed: %v", err)
			return
		}
		acc.Write(tmp[:n])
		for {
			frameLen, ferr := hmcodec.PeekClientFrameLen(acc.Bytes())
			if ferr != nil || frameLen > acc.Len() {
				break
			}
			frame := make([]byte, frameLen)
			copy(frame, acc.Bytes()[:frameLen])
			acc.Next(frameLen)
			dispatchFrame(frame, log)
		}
	}
}

func dispatchFrame(frame []byte, log hmlog.Logger) {
	msgType, err := hmcodec.MsgTypeOf(frame)
	if err != nil {
		return
	}
	switch msgType {
	case hmtypes.ClientMsgInit:
		m, err := hmcodec.DecodeNodeInit(frame)
		if err == nil {
			log.Infof("INIT response: hw_num=%d location_status=%d", m.HardwareNum, m.LocationStatus)
		}
	case hmtypes.ClientMsgHANotify:
		m, err := hmcodec.DecodeNotification(frame)
		if err == nil {
			log.Infof("notification type=%d id=%d node=%d group=%d", m.Type, m.ID, m.Addr.NodeID, m.Addr.Group)
		}
	}
}
