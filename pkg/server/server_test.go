package server

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/strand-protocol/strand/curvecp/pkg/client"
	"github.com/strand-protocol/strand/curvecp/pkg/keys"
	"github.com/strand-protocol/strand/curvecp/pkg/observability"
	"github.com/strand-protocol/strand/curvecp/pkg/packet"
	"github.com/strand-protocol/strand/curvecp/pkg/session"
	"github.com/strand-protocol/strand/curvecp/pkg/transport"
)

func mustKeys(t *testing.T) keys.KeyPair {
	t.Helper()
	kp, err := keys.Generate(nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	return kp
}

var echo = HandlerFunc(func(ctx context.Context, s *session.Session) {
	data, err := io.ReadAll(s)
	if err != nil {
		return
	}
	_, _ = s.Write(ctx, data)
})

// startServer serves h on a loopback listener and returns the server and
// its address.
func startServer(t *testing.T, h Handler, opts ...ServerOption) (*Server, string) {
	t.Helper()
	l, err := transport.ListenUDP("127.0.0.1:0", transport.WithAcceptFilter(packet.IsHello))
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	srv := New(h, opts...)
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(l) }()
	t.Cleanup(func() {
		srv.Stop()
		select {
		case err := <-errc:
			if err != nil {
				t.Errorf("Serve: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("Serve did not return after Stop")
		}
	})
	return srv, l.Addr().String()
}

func TestEchoOverUDP(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	serverKeys := mustKeys(t)
	metrics := observability.NewMetrics()
	_, addr := startServer(t, echo, WithKeys(serverKeys), WithMetrics(metrics))

	sess, err := client.Dial(ctx, addr, client.WithServerKey(serverKeys.Public))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer sess.Close()

	data := make([]byte, 20*1024)
	if _, err := rand.Read(data); err != nil {
		t.Fatal(err)
	}
	if _, err := sess.Write(ctx, data); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := sess.CloseWrite(); err != nil {
		t.Fatalf("CloseWrite: %v", err)
	}
	got, err := io.ReadAll(sess)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("echo returned %d bytes, not identical to the %d sent", len(got), len(data))
	}
	if m := metrics.GetMetrics(); m["handshakes"] != 1 || m["packets_sent"] == 0 {
		t.Errorf("metrics = %v", m)
	}
}

func TestConcurrentClients(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	serverKeys := mustKeys(t)
	_, addr := startServer(t, echo, WithKeys(serverKeys))

	const clients = 4
	errc := make(chan error, clients)
	for i := 0; i < clients; i++ {
		go func(i int) {
			sess, err := client.Dial(ctx, addr, client.WithServerKey(serverKeys.Public))
			if err != nil {
				errc <- err
				return
			}
			defer sess.Close()
			msg := bytes.Repeat([]byte{byte(i)}, 3000)
			if _, err := sess.Write(ctx, msg); err != nil {
				errc <- err
				return
			}
			if err := sess.CloseWrite(); err != nil {
				errc <- err
				return
			}
			got, err := io.ReadAll(sess)
			if err == nil && !bytes.Equal(got, msg) {
				err = errors.New("echo mismatch")
			}
			errc <- err
		}(i)
	}
	for i := 0; i < clients; i++ {
		if err := <-errc; err != nil {
			t.Errorf("client: %v", err)
		}
	}
}

func TestUnauthorizedClient(t *testing.T) {
	serverKeys := mustKeys(t)
	metrics := observability.NewMetrics()
	_, addr := startServer(t, echo,
		WithKeys(serverKeys),
		WithMetrics(metrics),
		WithAuthorizer(func(keys.Key) bool { return false }),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// The cookie arrives before authorization, so the client considers
	// itself connected; its data is never acknowledged.
	sess, err := client.Dial(ctx, addr, client.WithServerKey(serverKeys.Public))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer sess.Close()

	wctx, wcancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer wcancel()
	if _, err := sess.Write(wctx, []byte("let me in")); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Write = %v, want DeadlineExceeded", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for metrics.Drops()["unauthorized"] == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("no unauthorized drop recorded: %v", metrics.Drops())
		}
		time.Sleep(10 * time.Millisecond)
	}
	if m := metrics.GetMetrics(); m["handshakes"] != 0 {
		t.Errorf("handshakes = %d, want 0", m["handshakes"])
	}
}

func TestWrongServerKeyTimesOut(t *testing.T) {
	_, addr := startServer(t, echo, WithKeys(mustKeys(t)))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := client.Dial(ctx, addr,
		client.WithServerKey(mustKeys(t).Public),
		client.WithHelloWait([]time.Duration{20 * time.Millisecond, 20 * time.Millisecond}),
	)
	if !errors.Is(err, packet.ErrHelloTimeout) {
		t.Fatalf("Dial = %v, want ErrHelloTimeout", err)
	}
}

func TestServeRequiresKeys(t *testing.T) {
	l, err := transport.ListenUDP("127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	if err := New(echo).Serve(l); !errors.Is(err, ErrNoKeys) {
		t.Fatalf("Serve = %v, want ErrNoKeys", err)
	}
}

func TestStopBeforeServe(t *testing.T) {
	srv := New(echo, WithKeys(mustKeys(t)))
	srv.Stop()
	srv.Stop()
	l, err := transport.ListenUDP("127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	if err := srv.Serve(l); !errors.Is(err, ErrServerStopped) {
		t.Fatalf("Serve = %v, want ErrServerStopped", err)
	}
	if srv.Addr() != nil {
		t.Errorf("Addr = %v, want nil", srv.Addr())
	}
}

func TestStopCancelsHandlers(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	serverKeys := mustKeys(t)
	started := make(chan struct{})
	block := HandlerFunc(func(ctx context.Context, s *session.Session) {
		close(started)
		<-ctx.Done()
	})
	l, err := transport.ListenUDP("127.0.0.1:0", transport.WithAcceptFilter(packet.IsHello))
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	srv := New(block, WithKeys(serverKeys), WithShutdownTimeout(2*time.Second))
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(l) }()

	sess, err := client.Dial(ctx, l.Addr().String(), client.WithServerKey(serverKeys.Public))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer sess.Close()
	// The server learns of the client from its first message.
	if _, err := sess.Write(ctx, []byte("hi")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	select {
	case <-started:
	case <-ctx.Done():
		t.Fatal("handler never started")
	}

	stopped := make(chan struct{})
	go func() {
		srv.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}
	if err := <-errc; err != nil {
		t.Errorf("Serve = %v", err)
	}
}

func TestStopWhileAccepting(t *testing.T) {
	serverKeys := mustKeys(t)
	srv, addr := startServer(t, echo, WithKeys(serverKeys),
		WithShutdownTimeout(2*time.Second), WithLinger(100*time.Millisecond))
	hello := client.WithHelloWait([]time.Duration{50 * time.Millisecond, 50 * time.Millisecond})

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
				sess, err := client.Dial(ctx, addr, client.WithServerKey(serverKeys.Public), hello)
				if err == nil {
					sess.Close()
				}
				cancel()
			}
		}()
	}

	time.Sleep(200 * time.Millisecond)
	srv.Stop()
	close(stop)
	wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if sess, err := client.Dial(ctx, addr, client.WithServerKey(serverKeys.Public), hello); err == nil {
		sess.Close()
		t.Error("Dial succeeded after Stop")
	}
}
