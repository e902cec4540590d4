package proxy

import (
	"context"
	"errors"
	"net"
	"slices"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/txthinking/socks5"

	"github.com/die-net/socksfarm/internal/testutil"
)

func dialThrough(t *testing.T, port int, cred Credential, target string) (net.Conn, error) {
	t.Helper()

	client, err := socks5.NewClient(net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), cred.Username, cred.Password, 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	return client.Dial("tcp", target)
}

func TestManagerStartStop(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	m := NewManager(ctx, testConfig(), "127.0.0.1", zerolog.Nop())
	defer m.Close()

	port := testutil.FreePort(t)
	if err := m.Start(port, testCred); err != nil {
		t.Fatal(err)
	}
	if err := m.Start(port, testCred); !errors.Is(err, ErrPortInUse) {
		t.Fatalf("second start err=%v want %v", err, ErrPortInUse)
	}
	if got := m.Ports(); !slices.Equal(got, []int{port}) {
		t.Fatalf("ports %v", got)
	}

	echoLn := testutil.StartEchoTCPServer(t, ctx)
	defer echoLn.Close()

	c, err := dialThrough(t, port, testCred, echoLn.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEcho(t, c, c, []byte("hello"))
	_ = c.Close()

	if !m.Stop(port) {
		t.Fatal("stop reported no listener")
	}
	if m.Stop(port) {
		t.Fatal("second stop reported a listener")
	}
	if len(m.Ports()) != 0 {
		t.Fatalf("ports %v after stop", m.Ports())
	}

	d := net.Dialer{Timeout: time.Second}
	if c, err := d.DialContext(ctx, "tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port))); err == nil {
		_ = c.Close()
		t.Fatal("port still accepting after stop")
	}
}

func TestManagerSync(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	m := NewManager(ctx, testConfig(), "127.0.0.1", zerolog.Nop())
	defer m.Close()

	p1, p2, p3 := testutil.FreePort(t), testutil.FreePort(t), testutil.FreePort(t)
	c1 := Credential{Username: "u1", Password: "a"}
	c2 := Credential{Username: "u2", Password: "b"}
	c3 := Credential{Username: "u3", Password: "c"}

	res, err := m.Sync(map[int]Credential{p1: c1, p2: c2})
	if err != nil {
		t.Fatal(err)
	}
	if res != (SyncResult{Started: 2}) {
		t.Fatalf("first sync %+v", res)
	}

	res, err = m.Sync(map[int]Credential{p1: c1, p3: c3})
	if err != nil {
		t.Fatal(err)
	}
	if res != (SyncResult{Started: 1, Stopped: 1}) {
		t.Fatalf("second sync %+v", res)
	}

	want := []int{p1, p3}
	slices.Sort(want)
	if got := m.Ports(); !slices.Equal(got, want) {
		t.Fatalf("ports %v want %v", got, want)
	}

	res, err = m.Sync(map[int]Credential{p1: c1, p3: c3})
	if err != nil {
		t.Fatal(err)
	}
	if res != (SyncResult{}) {
		t.Fatalf("idempotent sync %+v", res)
	}
}

func TestManagerRekeyKeepsLiveSession(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	echoLn := testutil.StartStreamEchoServer(t, ctx)
	defer echoLn.Close()

	m := NewManager(ctx, testConfig(), "127.0.0.1", zerolog.Nop())
	defer m.Close()

	port := testutil.FreePort(t)
	oldCred := Credential{Username: "u1", Password: "old"}
	newCred := Credential{Username: "u1", Password: "new"}

	if err := m.Start(port, oldCred); err != nil {
		t.Fatal(err)
	}

	live, err := dialThrough(t, port, oldCred, echoLn.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer live.Close()
	testutil.AssertEcho(t, live, live, []byte("before"))

	res, err := m.Sync(map[int]Credential{port: newCred})
	if err != nil {
		t.Fatal(err)
	}
	if res != (SyncResult{Restarted: 1}) {
		t.Fatalf("rekey sync %+v", res)
	}

	testutil.AssertEcho(t, live, live, []byte("after"))

	if c, err := dialThrough(t, port, oldCred, echoLn.Addr().String()); err == nil {
		_ = c.Close()
		t.Fatal("old credential still accepted")
	}

	c, err := dialThrough(t, port, newCred, echoLn.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	testutil.AssertEcho(t, c, c, []byte("new"))
}
