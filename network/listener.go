package network

import (
	"crypto/tls"
	"fmt"
	"log"
	"net"
	"time"
)

// ConnHandler is invoked once per accepted connection, on its own
// goroutine. It must not return until the connection is done being
// served; Listener does not track or close conns it hands off.
type ConnHandler func(*Conn)

// Listener accepts inbound connections and dispatches each to a handler.
type Listener struct {
	addr      string
	tlsConfig *tls.Config
	handler   ConnHandler

	ln     net.Listener
	stopCh chan struct{}
}

// NewListener creates a Listener that will serve on addr once started.
// If tlsCfg is non-nil, the listener requires mTLS.
func NewListener(addr string, tlsCfg *tls.Config, handler ConnHandler) *Listener {
	return &Listener{
		addr:      addr,
		tlsConfig: tlsCfg,
		handler:   handler,
		stopCh:    make(chan struct{}),
	}
}

// Start begins accepting connections in the background.
func (l *Listener) Start() error {
	var ln net.Listener
	var err error
	if l.tlsConfig != nil {
		ln, err = tls.Listen("tcp", l.addr, l.tlsConfig)
	} else {
		ln, err = net.Listen("tcp", l.addr)
	}
	if err != nil {
		return fmt.Errorf("listen %s: %w", l.addr, err)
	}
	l.ln = ln
	go l.acceptLoop()
	return nil
}

// Stop closes the listener; already-accepted connections are unaffected.
func (l *Listener) Stop() {
	close(l.stopCh)
	if l.ln != nil {
		l.ln.Close()
	}
}

func (l *Listener) acceptLoop() {
	for {
		c, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.stopCh:
				return
			default:
				log.Printf("[network] accept error: %v", err)
				time.Sleep(100 * time.Millisecond)
				continue
			}
		}
		addr := c.RemoteAddr().String()
		conn := NewConn(addr, addr, c)
		go l.handler(conn)
	}
}
