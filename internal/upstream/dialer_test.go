package upstream

import (
	"context"
	"net"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestDialer(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "dialer")
}

// mockSOCKS5Upstream accepts exactly one connection, performs the
// greeting, and replies success or failure to the CONNECT request
// depending on replyCode.
func mockSOCKS5Upstream(replyCode byte) net.Listener {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	Expect(err).NotTo(HaveOccurred())
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		greet := make([]byte, 3)
		if _, err := readFull(conn, greet); err != nil {
			return
		}
		conn.Write([]byte{0x05, 0x00})

		header := make([]byte, 4)
		if _, err := readFull(conn, header); err != nil {
			return
		}
		switch header[3] {
		case 0x01:
			readFull(conn, make([]byte, 4+2))
		case 0x03:
			lenBuf := make([]byte, 1)
			readFull(conn, lenBuf)
			readFull(conn, make([]byte, int(lenBuf[0])+2))
		}
		conn.Write([]byte{0x05, replyCode, 0x00, 0x01, 0, 0, 0, 0, 0, 0})
	}()
	return ln
}

func mockHTTPConnectUpstream(status string) net.Listener {
	ln, _ := net.Listen("tcp", "127.0.0.1:0")
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 4096)
		conn.Read(buf)
		conn.Write([]byte(status))
	}()
	return ln
}

func addrOf(ln net.Listener) (string, int) {
	tcpAddr := ln.Addr().(*net.TCPAddr)
	return tcpAddr.IP.String(), tcpAddr.Port
}

var _ = Describe("Dialer.Dial direct", func() {
	It("connects straight to the target when the registry is direct", func() {
		target, err := net.Listen("tcp", "127.0.0.1:0")
		Expect(err).NotTo(HaveOccurred())
		defer target.Close()
		go func() {
			c, err := target.Accept()
			if err == nil {
				c.Close()
			}
		}()

		r := NewRegistry()
		d := NewDialer(r)
		host, port := addrOf(target)
		conn, err := d.Dial(context.Background(), host, port)
		Expect(err).NotTo(HaveOccurred())
		conn.Close()
	})
})

var _ = Describe("Dialer.Dial via SOCKS5", func() {
	It("succeeds when the upstream replies with code 0x00", func() {
		ln := mockSOCKS5Upstream(0x00)
		defer ln.Close()

		r := NewRegistry()
		host, port := addrOf(ln)
		r.Publish(Descriptor{Scheme: SOCKS5, Host: host, Port: port})
		d := NewDialer(r)

		conn, err := d.Dial(context.Background(), "93.184.216.34", 80)
		Expect(err).NotTo(HaveOccurred())
		conn.Close()
	})

	It("fails when the upstream replies with a non-zero reply code", func() {
		ln := mockSOCKS5Upstream(0x05)
		defer ln.Close()

		r := NewRegistry()
		host, port := addrOf(ln)
		r.Publish(Descriptor{Scheme: SOCKS5, Host: host, Port: port})
		d := NewDialer(r)

		_, err := d.Dial(context.Background(), "93.184.216.34", 80)
		Expect(err).To(HaveOccurred())
	})

	It("encodes a domain target with ATYP 0x03", func() {
		req, err := encodeSOCKS5Request("example.com", 443)
		Expect(err).NotTo(HaveOccurred())
		Expect(req[3]).To(Equal(byte(0x03)))
		Expect(req[4]).To(Equal(byte(len("example.com"))))
	})

	It("encodes an IPv4 literal target with ATYP 0x01", func() {
		req, err := encodeSOCKS5Request("93.184.216.34", 443)
		Expect(err).NotTo(HaveOccurred())
		Expect(req[3]).To(Equal(byte(0x01)))
		Expect(req).To(HaveLen(4 + 4 + 2))
	})
})

var _ = Describe("Dialer.Dial via HTTP CONNECT", func() {
	It("succeeds on a 200 response", func() {
		ln := mockHTTPConnectUpstream("HTTP/1.1 200 Connection Established\r\n\r\n")
		defer ln.Close()

		r := NewRegistry()
		host, port := addrOf(ln)
		r.Publish(Descriptor{Scheme: HTTP, Host: host, Port: port})
		d := NewDialer(r)

		conn, err := d.Dial(context.Background(), "example.com", 80)
		Expect(err).NotTo(HaveOccurred())
		conn.Close()
	})

	It("fails on a 502 response", func() {
		ln := mockHTTPConnectUpstream("HTTP/1.1 502 Bad Gateway\r\n\r\n")
		defer ln.Close()

		r := NewRegistry()
		host, port := addrOf(ln)
		r.Publish(Descriptor{Scheme: HTTP, Host: host, Port: port})
		d := NewDialer(r)

		_, err := d.Dial(context.Background(), "example.com", 80)
		Expect(err).To(HaveOccurred())
	})
})
