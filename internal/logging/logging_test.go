package logging

import (
	"bytes"
	"strings"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestLogging(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "logging")
}

var _ = Describe("Logger", func() {
	It("writes through to the underlying writer", func() {
		var buf bytes.Buffer
		l := New(&buf)
		l.Printf("hello %s", "world")
		Expect(buf.String()).To(ContainSubstring("hello world"))
	})

	It("fans a line out to subscribers", func() {
		l := New(&bytes.Buffer{})
		ch, cancel := l.Subscribe()
		defer cancel()

		l.Printf("candidate validated")

		select {
		case line := <-ch:
			Expect(line).To(Equal("candidate validated"))
		case <-time.After(time.Second):
			Fail("did not receive broadcast line")
		}
	})

	It("does not block the producer when a subscriber is slow", func() {
		l := New(&bytes.Buffer{})
		ch, cancel := l.Subscribe()
		defer cancel()

		for i := 0; i < 100; i++ {
			l.Printf("line %d", i)
		}

		Expect(len(ch)).To(BeNumerically(">", 0))
	})

	It("formats the eviction line per the documented wording", func() {
		var buf bytes.Buffer
		l := New(&buf)
		l.Eviction("SOCKS5://9.9.9.9:1080")
		Expect(strings.Contains(buf.String(), "evicted SOCKS5://9.9.9.9:1080 after 5 consecutive failures")).To(BeTrue())
	})
})
