package packet

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestServerNameEncoding(t *testing.T) {
	tests := []struct {
		name    string
		want    string
		wantErr bool
	}{
		{name: "", want: ""},
		{name: "example.org", want: "example.org"},
		{name: "example.org.", want: "example.org"},
		{name: "a.b.c.d", want: "a.b.c.d"},
		{name: "bad..name", wantErr: true},
		{name: string(make([]byte, 64)), wantErr: true},
	}
	for _, tt := range tests {
		enc, err := EncodeServerName(tt.name)
		if tt.wantErr {
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("EncodeServerName(%q) error = %v, want ErrInvalidConfig", tt.name, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("EncodeServerName(%q): %v", tt.name, err)
		}
		got, err := DecodeServerName(enc)
		if err != nil {
			t.Fatalf("DecodeServerName: %v", err)
		}
		if got != tt.want {
			t.Errorf("round trip of %q = %q, want %q", tt.name, got, tt.want)
		}
	}

	enc, _ := EncodeServerName("example.org")
	if enc[0] != 7 || string(enc[1:8]) != "example" || enc[8] != 3 || enc[12] != 0 {
		t.Errorf("unexpected label layout % x", enc[:13])
	}
}

func TestServerNameTooLong(t *testing.T) {
	label := "abcdefghijklmnopqrstuvwxyzabcdefghijklmnopqrstuvwxyzabcdefghijk"
	name := label + "." + label + "." + label + "." + label
	if _, err := EncodeServerName(name); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("EncodeServerName(%d bytes) error = %v, want ErrInvalidConfig", len(name), err)
	}
}

func TestDropReason(t *testing.T) {
	if got := DropReason(drop(ErrReplay, "counter %d", 3)); got != "replay" {
		t.Errorf("DropReason(replay) = %q", got)
	}
	if got := DropReason(drop(ErrBadCookie, "")); got != "cookie" {
		t.Errorf("DropReason(cookie) = %q", got)
	}
	if got := DropReason(ErrHelloTimeout); got != "" {
		t.Errorf("DropReason(non-drop) = %q, want empty", got)
	}
}

type fakeNow struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeNow) now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeNow) advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

func TestMinuteKeyRotation(t *testing.T) {
	clock := &fakeNow{t: time.Unix(1_700_000_000, 0)}
	mk, err := newMinuteKeys(nil, clock.now)
	if err != nil {
		t.Fatalf("newMinuteKeys: %v", err)
	}
	first, prev, err := mk.keys()
	if err != nil {
		t.Fatal(err)
	}
	if prev != nil {
		t.Error("previous key before any rotation")
	}

	clock.advance(MinuteKeyTimeout/2 + time.Second)
	second, prev, err := mk.keys()
	if err != nil {
		t.Fatal(err)
	}
	if second == first {
		t.Error("key did not rotate")
	}
	if prev == nil || *prev != first {
		t.Error("previous key is not the rotated one")
	}

	clock.advance(MinuteKeyTimeout + time.Second)
	third, prev, err := mk.keys()
	if err != nil {
		t.Fatal(err)
	}
	if third == second {
		t.Error("key did not rotate after a long idle period")
	}
	if prev != nil {
		t.Error("stale previous key kept after two intervals")
	}
}

func TestCookieExpiry(t *testing.T) {
	tests := []struct {
		name    string
		elapsed time.Duration
		wantErr error
	}{
		{"fresh", 0, nil},
		{"one rotation", MinuteKeyTimeout/2 + time.Second, nil},
		{"expired", 3 * MinuteKeyTimeout, ErrBadCookie},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			clock := &fakeNow{t: time.Unix(1_700_000_000, 0)}
			mk, err := newMinuteKeys(nil, clock.now)
			if err != nil {
				t.Fatal(err)
			}
			p := newPair(t, Config{}, Config{MinuteKeys: mk})
			p.client.Connect(ctx)
			p.server.Receive(ctx, p.clientT.last(t))
			if _, err := p.client.Receive(ctx, p.serverT.last(t)); err != nil {
				t.Fatalf("Receive(cookie): %v", err)
			}

			clock.advance(tt.elapsed)
			if err := p.client.Send(ctx, make([]byte, 16)); err != nil {
				t.Fatalf("Send: %v", err)
			}
			_, err = p.server.Receive(ctx, p.clientT.last(t))
			if tt.wantErr == nil && err != nil {
				t.Fatalf("Receive(initiate): %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("Receive(initiate) error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestSharedMinuteKeysAcrossStreams(t *testing.T) {
	ctx := context.Background()
	mk, err := NewMinuteKeys(nil)
	if err != nil {
		t.Fatal(err)
	}
	serverCfg := Config{Keys: mustKeys(t), MinuteKeys: mk}

	// A cookie issued by one stream opens on a sibling sharing the keys,
	// so the server need not keep per-client state between Hello and
	// Initiate.
	p := newPair(t, Config{}, serverCfg)
	p.client.Connect(ctx)
	p.server.Receive(ctx, p.clientT.last(t))
	p.client.Receive(ctx, p.serverT.last(t))
	p.client.Send(ctx, make([]byte, 32))

	sibling, err := NewServer(&captureTransport{}, serverCfg)
	if err != nil {
		t.Fatal(err)
	}
	defer sibling.Close()
	if _, err := sibling.Receive(ctx, p.clientT.last(t)); err != nil {
		t.Fatalf("sibling Receive(initiate): %v", err)
	}
	if sibling.RemoteKey() != p.clientKeys.Public {
		t.Error("sibling did not learn the client key")
	}
}

func TestIsHello(t *testing.T) {
	client, err := NewClient(&captureTransport{}, Config{Keys: mustKeys(t), ServerKey: mustKeys(t).Public})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	ct := client.Transport().(*captureTransport)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	hello := ct.last(t)
	if !IsHello(hello) {
		t.Error("IsHello(hello) = false")
	}
	if IsHello(hello[:100]) {
		t.Error("IsHello accepted a short packet")
	}
	bad := append([]byte(nil), hello...)
	bad[7] = 'M'
	if IsHello(bad) {
		t.Error("IsHello accepted a wrong magic")
	}
}
