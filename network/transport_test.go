package network

import (
	"testing"
	"time"
)

func TestDialAndListenerRoundTrip(t *testing.T) {
	accepted := make(chan *Conn, 1)
	l := NewListener("127.0.0.1:0", nil, func(c *Conn) {
		accepted <- c
	})
	if err := l.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer l.Stop()

	addr := l.ln.Addr().String()
	client, err := Dial("client", addr, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	var server *Conn
	select {
	case server = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for accepted connection")
	}

	if _, err := client.Write([]byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	chunk, err := server.ReadChunk()
	if err != nil {
		t.Fatalf("ReadChunk: %v", err)
	}
	if string(chunk) != "hello" {
		t.Fatalf("expected to read %q, got %q", "hello", chunk)
	}
}

func TestWriteAfterCloseErrors(t *testing.T) {
	accepted := make(chan *Conn, 1)
	l := NewListener("127.0.0.1:0", nil, func(c *Conn) { accepted <- c })
	if err := l.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer l.Stop()

	client, err := Dial("client", l.ln.Addr().String(), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	client.Close()
	client.Close() // idempotent

	if _, err := client.Write([]byte("x")); err == nil {
		t.Error("expected writing to a closed connection to error")
	}
}

func TestIDAndRemoteAddr(t *testing.T) {
	accepted := make(chan *Conn, 1)
	l := NewListener("127.0.0.1:0", nil, func(c *Conn) { accepted <- c })
	if err := l.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer l.Stop()

	client, err := Dial("peer-x", l.ln.Addr().String(), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	if client.ID() != "peer-x" {
		t.Errorf("expected ID %q, got %q", "peer-x", client.ID())
	}
	if client.RemoteAddr() != l.ln.Addr().String() {
		t.Errorf("expected remote addr %q, got %q", l.ln.Addr().String(), client.RemoteAddr())
	}
}
