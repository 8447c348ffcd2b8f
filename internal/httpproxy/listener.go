// Package httpproxy implements the plaintext HTTP/1.1 half of the
// dual-protocol server: CONNECT tunnels and absolute-URI forwarding
// (C7, §4.7).
package httpproxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/narrowmargin/peanutpod/internal/tunnel"
	"github.com/narrowmargin/peanutpod/internal/upstream"
)

// maxHeaderBytes caps the request-line-plus-headers read; an accepted
// connection that exceeds it without a terminator is dropped (§4.7).
const maxHeaderBytes = 8 * 1024

// Listener is the dual-protocol server's HTTP half, grounded on
// original_source/script/server.py's HTTPProxyServer.
type Listener struct {
	Addr   string
	Dialer *upstream.Dialer
	Logger func(format string, args ...any)

	ln net.Listener
}

// NewListener builds a Listener bound to addr that dials through dialer.
func NewListener(addr string, dialer *upstream.Dialer) *Listener {
	return &Listener{Addr: addr, Dialer: dialer, Logger: func(string, ...any) {}}
}

// Start binds the listening socket and begins accepting clients.
func (l *Listener) Start() error {
	ln, err := net.Listen("tcp", l.Addr)
	if err != nil {
		return fmt.Errorf("httpproxy: listen %s: %w", l.Addr, err)
	}
	l.ln = ln
	go l.acceptLoop()
	return nil
}

// Stop closes the listening socket.
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

	header, ok := readHeaderBlock(conn)
	if !ok {
		return
	}

	requestLine, _, _ := bytes.Cut(header, []byte("\r\n"))
	fields := strings.Fields(string(requestLine))
	if len(fields) != 3 {
		return
	}
	method, target := fields[0], fields[1]

	if method == "CONNECT" {
		l.handleConnect(conn, target)
		return
	}
	l.handlePlain(conn, target, header)
}

// handleConnect dials the target and, on success, replies 200 and
// pipes; on failure replies exactly 502, matching §8's boundary case.
func (l *Listener) handleConnect(conn net.Conn, target string) {
	host, port, err := splitHostPort(target, 0)
	if err != nil {
		conn.Write([]byte("HTTP/1.1 502 Bad Gateway\r\n\r\n"))
		return
	}

	remote, err := l.Dialer.Dial(context.Background(), host, port)
	if err != nil {
		l.Logger("httpproxy: connect dial %s:%d failed: %v", host, port, err)
		conn.Write([]byte("HTTP/1.1 502 Bad Gateway\r\n\r\n"))
		return
	}

	if _, err := conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		remote.Close()
		return
	}

	tunnel.Pipe(conn, remote)
}

// handlePlain forwards a non-CONNECT request with an absolute-URI
// target verbatim to the dialed host and streams the response back
// until the remote closes. It does not rewrite the request-line to
// origin-form as RFC 7230 §5.3.2 requires some origins to receive —
// this mirrors original_source's _handle_http, which has the same
// limitation; documented here as a known, accepted non-conformance
// (§9 open question, DESIGN.md decision 5), not a bug to silently fix.
func (l *Listener) handlePlain(conn net.Conn, target string, rawRequest []byte) {
	host, port, ok := stripAbsoluteURI(target)
	if !ok {
		return
	}

	remote, err := l.Dialer.Dial(context.Background(), host, port)
	if err != nil {
		l.Logger("httpproxy: forward dial %s:%d failed: %v", host, port, err)
		return
	}
	defer remote.Close()

	if _, err := remote.Write(rawRequest); err != nil {
		return
	}
	io.Copy(conn, remote)
}

// readHeaderBlock reads one byte at a time until "\r\n\r\n" terminates
// the header block or maxHeaderBytes is exceeded, matching the
// original's recv(1) loop exactly rather than risking an over-read
// past the header boundary into a request body this proxy never
// re-delivers.
func readHeaderBlock(conn net.Conn) ([]byte, bool) {
	var buf []byte
	one := make([]byte, 1)
	for len(buf) < maxHeaderBytes {
		n, err := conn.Read(one)
		if n == 1 {
			buf = append(buf, one[0])
			if bytes.HasSuffix(buf, []byte("\r\n\r\n")) {
				return buf, true
			}
		}
		if err != nil {
			return nil, false
		}
	}
	return nil, false
}

// splitHostPort splits "host:port", defaulting to defaultPort when no
// port is present.
func splitHostPort(hostport string, defaultPort int) (string, int, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		if defaultPort == 0 {
			return "", 0, fmt.Errorf("httpproxy: missing port in %q", hostport)
		}
		return hostport, defaultPort, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("httpproxy: bad port in %q: %w", hostport, err)
	}
	return host, port, nil
}

// stripAbsoluteURI extracts host and port from "http://host[:port]/path",
// defaulting to port 80 (§4.7).
func stripAbsoluteURI(target string) (string, int, bool) {
	const prefix = "http://"
	if !strings.HasPrefix(target, prefix) {
		return "", 0, false
	}
	rest := target[len(prefix):]

	authority := rest
	if idx := strings.IndexByte(rest, '/'); idx >= 0 {
		authority = rest[:idx]
	}
	if authority == "" {
		return "", 0, false
	}

	host, port, err := splitHostPort(authority, 80)
	if err != nil {
		return "", 0, false
	}
	return host, port, true
}
