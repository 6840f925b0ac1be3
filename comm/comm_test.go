package comm_test

import (
	"io"
	"log"
	"net"
	"testing"

	"github.com/EIGSEP/eigsep-motor-control/comm"
)

func tcpEchoServer(t *testing.T) string {
	ln, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatal("could not listen, test aborted")
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			log.Println("new conn accepted")
			go func() { io.Copy(conn, conn) }()
		}
	}()
	return ln.Addr().String()
}

func TestSendRecvOverTCP(t *testing.T) {
	addr := tcpEchoServer(t)
	ld := comm.NewLineDevice(addr, false)
	if err := ld.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ld.Close()

	resp, err := ld.SendRecv([]byte(`{"delay":225}`))
	if err != nil {
		t.Fatalf("SendRecv: %v", err)
	}
	if string(resp) != `{"delay":225}` {
		t.Errorf("echo mismatch: %q", resp)
	}
}

func TestSendBeforeOpen(t *testing.T) {
	ld := comm.NewLineDevice("localhost:1", false)
	if err := ld.Send([]byte("x")); err != comm.ErrNotConnected {
		t.Errorf("Send before open: err = %v, want ErrNotConnected", err)
	}
	if _, err := ld.Recv(); err != comm.ErrNotConnected {
		t.Errorf("Recv before open: err = %v, want ErrNotConnected", err)
	}
}

func TestRecvStripsTerminator(t *testing.T) {
	addr := tcpEchoServer(t)
	ld := comm.NewLineDevice(addr, false)
	if err := ld.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ld.Close()

	if err := ld.Send([]byte("STATUS 1,2")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got, err := ld.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if string(got) != "STATUS 1,2" {
		t.Errorf("got %q", got)
	}
}
