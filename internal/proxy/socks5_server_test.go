package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math"
	"net"
	"os"
	"strconv"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/txthinking/socks5"

	"github.com/die-net/socksfarm/internal/dialer"
	"github.com/die-net/socksfarm/internal/testutil"
)

var testCred = Credential{Username: "u30000", Password: "s3cret-pw"}

func testConfig() Config {
	return Config{
		NegotiationTimeout: 2 * time.Second,
		Dialer: dialer.NewDirectDialer(dialer.Config{
			DialTimeout: 2 * time.Second,
		}),
	}
}

func startTestServer(t *testing.T, ctx context.Context) string {
	t.Helper()

	ln, err := ListenTCP(ctx, "tcp", "127.0.0.1:0", net.KeepAliveConfig{Enable: false})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	srv := NewSOCKS5Server(ctx, testConfig(), testCred, zerolog.Nop())
	go func() { _ = srv.Serve(ln) }()

	return ln.Addr().String()
}

func TestSOCKS5ConnectDirect(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)
	defer echoLn.Close()

	addr := startTestServer(t, ctx)

	client, err := socks5.NewClient(addr, testCred.Username, testCred.Password, 2, 0)
	if err != nil {
		t.Fatal(err)
	}

	c, err := client.Dial("tcp", echoLn.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	testutil.AssertEcho(t, c, c, []byte("hello"))
}

func TestSOCKS5WrongCredential(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)
	defer echoLn.Close()

	addr := startTestServer(t, ctx)

	client, err := socks5.NewClient(addr, testCred.Username, "guess", 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	if c, err := client.Dial("tcp", echoLn.Addr().String()); err == nil {
		_ = c.Close()
		t.Fatal("expected auth failure")
	}
}

func TestSOCKS5RawExchanges(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	addr := startTestServer(t, ctx)
	refused := testutil.ClosedPort(t, ctx)
	_, refusedPortStr, _ := net.SplitHostPort(refused)
	refusedPort, _ := strconv.Atoi(refusedPortStr)

	auth := []byte{0x01, byte(len(testCred.Username))}
	auth = append(auth, testCred.Username...)
	auth = append(auth, byte(len(testCred.Password)))
	auth = append(auth, testCred.Password...)

	handshake := append([]byte{0x05, 0x01, 0x02}, auth...)
	okAuth := []byte{0x05, 0x02, 0x01, 0x00}

	tests := []struct {
		name string
		send []byte
		want []byte
	}{
		{
			name: "unsupported method list",
			send: []byte{0x05, 0x02, 0x00, 0x01},
			want: []byte{0x05, 0xff},
		},
		{
			name: "wrong version closes silently",
			send: []byte{0x04, 0x01},
			want: []byte{},
		},
		{
			name: "wrong password",
			send: []byte{0x05, 0x01, 0x02, 0x01, 0x06, 'u', '3', '0', '0', '0', '0', 0x01, 'x'},
			want: []byte{0x05, 0x02, 0x01, 0x01},
		},
		{
			name: "bind is not supported",
			send: append(bytes.Clone(handshake), 0x05, 0x02, 0x00, 0x01),
			want: append(bytes.Clone(okAuth), 0x05, 0x07, 0x00, 0x01, 0, 0, 0, 0, 0, 0),
		},
		{
			name: "unknown address type",
			send: append(bytes.Clone(handshake), 0x05, 0x01, 0x00, 0x09),
			want: append(bytes.Clone(okAuth), 0x05, 0x08, 0x00, 0x01, 0, 0, 0, 0, 0, 0),
		},
		{
			name: "upstream refused",
			send: append(bytes.Clone(handshake), 0x05, 0x01, 0x00, 0x01, 127, 0, 0, 1, byte(refusedPort>>8), byte(refusedPort)),
			want: append(bytes.Clone(okAuth), 0x05, 0x05, 0x00, 0x01, 0, 0, 0, 0, 0, 0),
		},
		{
			name: "empty domain fails like a connect",
			send: append(bytes.Clone(handshake), 0x05, 0x01, 0x00, 0x03, 0x00, 0x00, 0x50),
			want: append(bytes.Clone(okAuth), 0x05, 0x05, 0x00, 0x01, 0, 0, 0, 0, 0, 0),
		},
	}

	// Each case sends exactly the bytes the server consumes before it hangs
	// up, so the close is a FIN rather than a reset.
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := net.Dialer{}
			c, err := d.DialContext(ctx, "tcp", addr)
			if err != nil {
				t.Fatal(err)
			}
			defer c.Close()
			_ = c.SetDeadline(time.Now().Add(2 * time.Second))

			if _, err := c.Write(tt.send); err != nil {
				t.Fatal(err)
			}
			got, err := io.ReadAll(c)
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(got, tt.want) {
				t.Fatalf("got %x want %x", got, tt.want)
			}
		})
	}
}

func TestSOCKS5RelayUntilUpstreamCloses(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	upLn, waitUp := testutil.StartSingleAcceptServer(t, ctx, func(c net.Conn) {
		buf := make([]byte, 5)
		if _, err := io.ReadFull(c, buf); err != nil {
			return
		}
		_, _ = c.Write([]byte("world"))
	})
	defer waitUp()
	upPort := upLn.Addr().(*net.TCPAddr).Port

	addr := startTestServer(t, ctx)

	d := net.Dialer{}
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	_ = c.SetDeadline(time.Now().Add(3 * time.Second))

	msg := []byte{0x05, 0x01, 0x02, 0x01, byte(len(testCred.Username))}
	msg = append(msg, testCred.Username...)
	msg = append(msg, byte(len(testCred.Password)))
	msg = append(msg, testCred.Password...)
	msg = append(msg, 0x05, 0x01, 0x00, 0x01, 127, 0, 0, 1, byte(upPort>>8), byte(upPort))
	if _, err := c.Write(msg); err != nil {
		t.Fatal(err)
	}

	want := []byte{0x05, 0x02, 0x01, 0x00, 0x05, 0x00, 0x00, 0x01, 0, 0, 0, 0, 0, 0}
	got := make([]byte, len(want))
	if _, err := io.ReadFull(c, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("handshake reply %x want %x", got, want)
	}

	if _, err := c.Write([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	rest, err := io.ReadAll(c)
	if err != nil {
		t.Fatal(err)
	}
	if string(rest) != "world" {
		t.Fatalf("relayed %q want %q", rest, "world")
	}
}

func TestCopyBidirectionalClosesBoth(t *testing.T) {
	a1, a2 := net.Pipe()
	b1, b2 := net.Pipe()
	defer a1.Close()
	defer b2.Close()

	done := make(chan error, 1)
	go func() { done <- CopyBidirectional(context.Background(), a2, b1) }()

	go func() { _, _ = b2.Write([]byte("ping")) }()
	buf := make([]byte, 4)
	if _, err := io.ReadFull(a1, buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "ping" {
		t.Fatalf("got %q", buf)
	}

	_ = a1.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not finish after one side closed")
	}

	if _, err := b2.Read(buf); err == nil {
		t.Fatal("far side still open")
	}
}

func TestCopyBidirectionalContextCancel(t *testing.T) {
	a1, a2 := net.Pipe()
	b1, b2 := net.Pipe()
	defer a1.Close()
	defer b2.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- CopyBidirectional(ctx, a2, b1) }()

	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not stop on cancel")
	}
}

// flakyListener fails its first n accepts the way a process at its
// descriptor limit does.
type flakyListener struct {
	net.Listener
	n atomic.Int32
}

func (l *flakyListener) Accept() (net.Conn, error) {
	if l.n.Add(-1) >= 0 {
		return nil, &net.OpError{Op: "accept", Net: "tcp", Err: os.NewSyscallError("accept4", syscall.EMFILE)}
	}
	return l.Listener.Accept()
}

func TestSOCKS5ServeRetriesAcceptErrors(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)
	defer echoLn.Close()

	ln, err := ListenTCP(ctx, "tcp", "127.0.0.1:0", net.KeepAliveConfig{Enable: false})
	if err != nil {
		t.Fatal(err)
	}
	fl := &flakyListener{Listener: ln}
	fl.n.Store(3)

	srv := NewSOCKS5Server(ctx, testConfig(), testCred, zerolog.Nop())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(fl) }()

	client, err := socks5.NewClient(ln.Addr().String(), testCred.Username, testCred.Password, 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	c, err := client.Dial("tcp", echoLn.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEcho(t, c, c, []byte("still serving"))
	_ = c.Close()

	select {
	case err := <-done:
		t.Fatalf("serve returned early: %v", err)
	default:
	}

	_ = ln.Close()
	if err := <-done; !errors.Is(err, net.ErrClosed) {
		t.Fatalf("serve err=%v want %v", err, net.ErrClosed)
	}
}

func TestSOCKS5ServeStopsRetryingOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ln, err := ListenTCP(ctx, "tcp", "127.0.0.1:0", net.KeepAliveConfig{Enable: false})
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	fl := &flakyListener{Listener: ln}
	fl.n.Store(math.MaxInt32)

	srv := NewSOCKS5Server(ctx, testConfig(), testCred, zerolog.Nop())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(fl) }()

	time.AfterFunc(50*time.Millisecond, cancel)
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("serve err=%v want %v", err, context.Canceled)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("serve kept retrying after cancel")
	}
}

type countingDialer struct {
	calls atomic.Int32
}

func (d *countingDialer) DialContext(context.Context, string, string) (net.Conn, error) {
	d.calls.Add(1)
	return nil, errors.New("unexpected dial")
}

func TestSOCKS5EmptyHostIsNotDialed(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ln, err := ListenTCP(ctx, "tcp", "127.0.0.1:0", net.KeepAliveConfig{Enable: false})
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	d := &countingDialer{}
	cfg := testConfig()
	cfg.Dialer = d
	srv := NewSOCKS5Server(ctx, cfg, testCred, zerolog.Nop())
	go func() { _ = srv.Serve(ln) }()

	client, err := socks5.NewClient(ln.Addr().String(), testCred.Username, testCred.Password, 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	if c, err := client.Dial("tcp", ":80"); err == nil {
		_ = c.Close()
		t.Fatal("empty host connected")
	}
	if n := d.calls.Load(); n != 0 {
		t.Fatalf("dialer called %d times", n)
	}
}
