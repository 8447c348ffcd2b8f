// Package socks5 implements the RFC 1928 subset server described in
// §4.6: greeting, no-auth, CONNECT only (C6).
package socks5

import (
	"context"
	"fmt"
	"net"

	"github.com/narrowmargin/peanutpod/internal/tunnel"
	"github.com/narrowmargin/peanutpod/internal/upstream"
)

const (
	version5    = 0x05
	cmdConnect  = 0x01
	atypIPv4    = 0x01
	atypDomain  = 0x03
	atypIPv6    = 0x04
	noAuth      = 0x00
	replyOK     = 0x00
	replyGenFail = 0x05
	replyCmdNotSupported  = 0x07
	replyAddrNotSupported = 0x08
)

// Listener is the dual-protocol server's SOCKS5 half, grounded on
// original_source/script/server.py:ProxyServer._handle_client's state
// machine.
type Listener struct {
	Addr   string
	Dialer *upstream.Dialer
	Logger func(format string, args ...any)

	ln net.Listener
}

// NewListener builds a Listener bound to addr (must be 127.0.0.1:port
// per §6) that dials through dialer.
func NewListener(addr string, dialer *upstream.Dialer) *Listener {
	return &Listener{Addr: addr, Dialer: dialer, Logger: func(string, ...any) {}}
}

// Start binds the listening socket and begins accepting clients in the
// background. It returns once the socket is bound.
func (l *Listener) Start() error {
	ln, err := net.Listen("tcp", l.Addr)
	if err != nil {
		return fmt.Errorf("socks5: listen %s: %w", l.Addr, err)
	}
	l.ln = ln
	go l.acceptLoop()
	return nil
}

// Stop closes the listening socket, causing the accept loop to exit.
// Pipes already in flight drain to their natural end; they are not
// severed (§5).
func (l *Listener) Stop() error {
	if l.ln == nil {
		return nil
	}
	return l.ln.Close()
}

func (l *Listener) acceptLoop() {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			return
		}
		go l.handleClient(conn)
	}
}

func (l *Listener) handleClient(conn net.Conn) {
	defer conn.Close()

	if !l.greet(conn) {
		return
	}

	host, port, ok := l.readRequest(conn)
	if !ok {
		return
	}

	remote, err := l.Dialer.Dial(context.Background(), host, port)
	if err != nil {
		l.Logger("socks5: dial %s:%d failed: %v", host, port, err)
		writeReply(conn, replyGenFail)
		return
	}

	if err := writeReply(conn, replyOK); err != nil {
		remote.Close()
		return
	}

	tunnel.Pipe(conn, remote)
}

// greet consumes the greeting (VER, NMETHODS, METHODS...) and always
// replies "no-auth" regardless of offered methods, per §4.6.
func (l *Listener) greet(conn net.Conn) bool {
	header := make([]byte, 2)
	if _, err := readFull(conn, header); err != nil {
		return false
	}
	if header[0] != version5 {
		return false
	}

	nmethods := int(header[1])
	if nmethods > 0 {
		methods := make([]byte, nmethods)
		if _, err := readFull(conn, methods); err != nil {
			return false
		}
	}

	_, err := conn.Write([]byte{version5, noAuth})
	return err == nil
}

// readRequest parses the 4-byte request header plus address and port,
// replying with the appropriate error and returning ok=false for any
// unsupported CMD or ATYP per §4.6.
func (l *Listener) readRequest(conn net.Conn) (host string, port int, ok bool) {
	header := make([]byte, 4)
	if _, err := readFull(conn, header); err != nil {
		return "", 0, false
	}
	if header[0] != version5 {
		return "", 0, false
	}
	if header[1] != cmdConnect {
		writeReply(conn,replyCmdNotSupported)
		return "", 0, false
	}

	switch header[3] {
	case atypIPv4:
		addr := make([]byte, 4)
		if _, err := readFull(conn, addr); err != nil {
			return "", 0, false
		}
		host = net.IP(addr).String()
	case atypDomain:
		lenBuf := make([]byte, 1)
		if _, err := readFull(conn, lenBuf); err != nil {
			return "", 0, false
		}
		domain := make([]byte, int(lenBuf[0]))
		if _, err := readFull(conn, domain); err != nil {
			return "", 0, false
		}
		host = string(domain)
	case atypIPv6:
		writeReply(conn,replyAddrNotSupported)
		return "", 0, false
	default:
		writeReply(conn,replyAddrNotSupported)
		return "", 0, false
	}

	portBuf := make([]byte, 2)
	if _, err := readFull(conn, portBuf); err != nil {
		return "", 0, false
	}
	port = int(portBuf[0])<<8 | int(portBuf[1])

	return host, port, true
}

// writeReply sends a 10-byte SOCKS5 reply with a zeroed BND.ADDR/PORT
// (a spec violation clients tolerate; kept for compatibility per §4.6).
func writeReply(conn net.Conn, code byte) error {
	_, err := conn.Write([]byte{version5, code, 0x00, atypIPv4, 0, 0, 0, 0, 0, 0})
	return err
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
