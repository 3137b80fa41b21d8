package transport

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"
)

func TestUDPLoopback(t *testing.T) {
	listener, err := ListenUDP("127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer listener.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	client, err := DialUDP(ctx, listener.Addr().String())
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	defer client.Close()

	hello := bytes.Repeat([]byte{0x42}, 224)
	if err := client.Send(ctx, hello); err != nil {
		t.Fatalf("Send: %v", err)
	}
	peer, err := listener.Accept(ctx)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	got, err := peer.Recv(ctx)
	if err != nil {
		t.Fatalf("peer Recv: %v", err)
	}
	if !bytes.Equal(got, hello) {
		t.Errorf("peer received %d bytes, want the 224 sent", len(got))
	}
	if peer.RemoteAddr().String() != client.LocalAddr().String() {
		t.Errorf("peer RemoteAddr = %s, want %s", peer.RemoteAddr(), client.LocalAddr())
	}

	reply := []byte("cookie")
	if err := peer.Send(ctx, reply); err != nil {
		t.Fatalf("peer Send: %v", err)
	}
	got, err = client.Recv(ctx)
	if err != nil {
		t.Fatalf("client Recv: %v", err)
	}
	if !bytes.Equal(got, reply) {
		t.Errorf("client received %q, want %q", got, reply)
	}

	// Further packets from the same address go to the same peer.
	if err := client.Send(ctx, []byte("again")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got, err = peer.Recv(ctx)
	if err != nil || string(got) != "again" {
		t.Fatalf("peer Recv = %q, %v", got, err)
	}
	if n := listener.Peers(); n != 1 {
		t.Errorf("Peers = %d, want 1", n)
	}
}

func TestUDPPacketTooLarge(t *testing.T) {
	listener, err := ListenUDP("127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer listener.Close()
	client, err := DialUDP(context.Background(), listener.Addr().String())
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	defer client.Close()
	if err := client.Send(context.Background(), make([]byte, MaxPacketSize+1)); !errors.Is(err, ErrPacketTooLarge) {
		t.Errorf("Send = %v, want ErrPacketTooLarge", err)
	}
}

func TestUDPRecvHonoursContext(t *testing.T) {
	listener, err := ListenUDP("127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer listener.Close()
	client, err := DialUDP(context.Background(), listener.Addr().String())
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	if _, err := client.Recv(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Recv = %v, want deadline exceeded", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Recv took %v after cancellation", elapsed)
	}
}

func TestUDPClosed(t *testing.T) {
	listener, err := ListenUDP("127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	client, err := DialUDP(context.Background(), listener.Addr().String())
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	client.Close()
	if err := client.Send(context.Background(), []byte("x")); !errors.Is(err, ErrTransportClosed) {
		t.Errorf("Send after Close = %v, want ErrTransportClosed", err)
	}
	if err := client.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}

	listener.Close()
	if _, err := listener.Accept(context.Background()); !errors.Is(err, ErrListenerClosed) {
		t.Errorf("Accept after Close = %v, want ErrListenerClosed", err)
	}
}

func TestAcceptFilter(t *testing.T) {
	listener, err := ListenUDP("127.0.0.1:0", WithAcceptFilter(func(p []byte) bool {
		return len(p) == 224
	}))
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer listener.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client, err := DialUDP(ctx, listener.Addr().String())
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	defer client.Close()

	client.Send(ctx, []byte("junk"))
	client.Send(ctx, make([]byte, 224))
	peer, err := listener.Accept(ctx)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	got, err := peer.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if len(got) != 224 {
		t.Errorf("first packet = %d bytes, want the filtered hello", len(got))
	}

	peer.Close()
	if _, err := peer.Recv(ctx); !errors.Is(err, ErrTransportClosed) {
		t.Errorf("Recv after Close = %v, want ErrTransportClosed", err)
	}
	if n := listener.Peers(); n != 0 {
		t.Errorf("Peers = %d after peer Close, want 0", n)
	}
}

func TestPipe(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	a, b := NewPipe()
	a.DropEvery(2)
	for i := byte(1); i <= 4; i++ {
		if err := a.Send(ctx, []byte{i}); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	for _, want := range []byte{1, 3} {
		got, err := b.Recv(ctx)
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		if got[0] != want {
			t.Errorf("Recv = %d, want %d", got[0], want)
		}
	}
	if a.Sent() != 4 || a.Dropped() != 2 {
		t.Errorf("Sent/Dropped = %d/%d, want 4/2", a.Sent(), a.Dropped())
	}

	if err := a.Send(ctx, make([]byte, MaxPacketSize+1)); !errors.Is(err, ErrPacketTooLarge) {
		t.Errorf("oversized Send = %v", err)
	}
	b.Close()
	if _, err := b.Recv(ctx); !errors.Is(err, ErrTransportClosed) {
		t.Errorf("Recv after Close = %v, want ErrTransportClosed", err)
	}
	if err := b.Send(ctx, []byte{1}); !errors.Is(err, ErrTransportClosed) {
		t.Errorf("Send after Close = %v, want ErrTransportClosed", err)
	}
}
