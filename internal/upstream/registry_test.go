package upstream

import (
	"sync"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestUpstream(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "upstream")
}

var _ = Describe("Registry", func() {
	It("starts in direct mode", func() {
		r := NewRegistry()
		Expect(r.Read().IsDirect()).To(BeTrue())
	})

	It("observes a publish on the next read", func() {
		r := NewRegistry()
		r.Publish(Descriptor{Scheme: SOCKS5, Host: "10.0.0.1", Port: 1080})

		got := r.Read()
		Expect(got.IsDirect()).To(BeFalse())
		Expect(got.Address()).To(Equal("10.0.0.1:1080"))
	})

	It("never exposes a torn value under concurrent publish/read", func() {
		r := NewRegistry()
		var wg sync.WaitGroup
		wg.Add(2)

		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				r.Publish(Descriptor{Scheme: SOCKS5, Host: "10.0.0.1", Port: 1080 + i%5})
			}
		}()
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				d := r.Read()
				if !d.IsDirect() {
					Expect(d.Host).To(Equal("10.0.0.1"))
				}
			}
		}()
		wg.Wait()
	})
})
