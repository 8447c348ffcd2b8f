package tunnel

import (
	"io"
	"net"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestTunnel(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "tunnel")
}

func listenerPipe() (net.Conn, net.Conn) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	Expect(err).NotTo(HaveOccurred())
	defer ln.Close()

	var server net.Conn
	accepted := make(chan struct{})
	go func() {
		server, _ = ln.Accept()
		close(accepted)
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	Expect(err).NotTo(HaveOccurred())
	<-accepted
	return client, server
}

var _ = Describe("Pipe", func() {
	It("forwards bytes in both directions until one side closes", func() {
		clientA, serverA := listenerPipe()
		clientB, serverB := listenerPipe()

		done := make(chan struct{})
		go func() {
			Pipe(serverA, serverB)
			close(done)
		}()

		_, err := clientA.Write([]byte("ping"))
		Expect(err).NotTo(HaveOccurred())

		buf := make([]byte, 4)
		_, err = io.ReadFull(clientB, buf)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(buf)).To(Equal("ping"))

		_, err = clientB.Write([]byte("pong!"))
		Expect(err).NotTo(HaveOccurred())
		buf2 := make([]byte, 5)
		_, err = io.ReadFull(clientA, buf2)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(buf2)).To(Equal("pong!"))

		clientA.Close()
		clientB.Close()

		select {
		case <-done:
		case <-time.After(3 * time.Second):
			Fail("Pipe did not terminate after both ends closed")
		}
	})

	It("terminates and closes both sides when one end closes immediately", func() {
		clientA, serverA := listenerPipe()
		clientB, serverB := listenerPipe()
		clientB.Close()

		done := make(chan struct{})
		go func() {
			Pipe(serverA, serverB)
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(3 * time.Second):
			Fail("Pipe did not terminate after remote FIN")
		}

		clientA.SetReadDeadline(time.Now().Add(time.Second))
		_, err := clientA.Read(make([]byte, 1))
		Expect(err).To(Equal(io.EOF))
	})
})
