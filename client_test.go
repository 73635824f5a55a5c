package http2

import (
	"net"
	"sync/atomic"
	"testing"
)

func newTestConn(t *testing.T) *Conn {
	t.Helper()

	client, server := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})

	c := NewConn(client, ConnOpts{})
	c.serverS.SetMaxConcurrentStreams(1)

	return c
}

func TestConnPoolAcquireDropsClosedConns(t *testing.T) {
	closed := newTestConn(t)
	atomic.StoreUint64(&closed.closed, 1)

	open := newTestConn(t)

	cp := &connPool{conns: []*Conn{closed, open}}

	got, err := cp.acquire()
	if err != nil {
		t.Fatalf("acquire: %s", err)
	}

	if got != open {
		t.Fatalf("expected the open conn to be reused, got a different one")
	}

	if len(cp.conns) != 1 {
		t.Fatalf("expected the closed conn to be pruned, pool has %d entries", len(cp.conns))
	}
}

func TestConnPoolAcquireSkipsSaturatedConns(t *testing.T) {
	saturated := newTestConn(t)
	atomic.StoreInt32(&saturated.openStreams, 1) // == MaxConcurrentStreams(1)

	cp := &connPool{conns: []*Conn{saturated}, d: &Dialer{Addr: "127.0.0.1:0"}}

	if saturated.CanOpenStream() {
		t.Fatal("test setup: conn should already be saturated")
	}

	// acquire should skip the saturated conn and attempt a fresh dial,
	// which fails fast against a closed loopback port.
	if _, err := cp.acquire(); err == nil {
		t.Fatal("expected a dial error once the only pooled conn is saturated")
	}
}
