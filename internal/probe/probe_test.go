package probe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestProbe(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "probe")
}

func mockTarget(body string, delay time.Duration) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if delay > 0 {
			time.Sleep(delay)
		}
		w.Write([]byte(body))
	}))
}

// mockProxy forwards every request it receives to the real target,
// the same pattern worker_test.go's mockProxyServer uses.
func mockProxy() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp, err := http.Get(r.URL.String())
		if err != nil {
			http.Error(w, "proxy error", http.StatusBadGateway)
			return
		}
		defer resp.Body.Close()
		w.WriteHeader(resp.StatusCode)
		buf := make([]byte, 4096)
		for {
			n, rerr := resp.Body.Read(buf)
			if n > 0 {
				w.Write(buf[:n])
			}
			if rerr != nil {
				break
			}
		}
	}))
}

func candidateFor(proxy *httptest.Server) Candidate {
	c, err := ParseCandidate("http://" + proxy.Listener.Addr().String())
	Expect(err).NotTo(HaveOccurred())
	return c
}

var _ = Describe("ParseCandidate", func() {
	It("parses scheme, host and port", func() {
		c, err := ParseCandidate("socks5://203.0.113.4:1080")
		Expect(err).NotTo(HaveOccurred())
		Expect(c.Scheme).To(Equal("socks5"))
		Expect(c.Host).To(Equal("203.0.113.4"))
		Expect(c.Port).To(Equal(1080))
	})

	It("rejects an unsupported scheme", func() {
		_, err := ParseCandidate("ftp://203.0.113.4:21")
		Expect(err).To(HaveOccurred())
	})

	It("rejects a missing port", func() {
		_, err := ParseCandidate("http://203.0.113.4")
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("Prober.Connectivity", func() {
	var (
		target *httptest.Server
		proxy  *httptest.Server
		prober *Prober
	)

	BeforeEach(func() {
		target = mockTarget("ok", 0)
		proxy = mockProxy()
		prober = NewProber(Targets{LatencyURL: target.URL}, NewPublicIP(nil, target.URL, 0))
	})

	AfterEach(func() {
		target.Close()
		proxy.Close()
	})

	It("measures a positive latency on success", func() {
		latency, err := prober.Connectivity(context.Background(), candidateFor(proxy))
		Expect(err).NotTo(HaveOccurred())
		Expect(latency).To(BeNumerically(">", 0))
	})

	When("the proxy is unreachable", func() {
		It("fails after exhausting attempts", func() {
			dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
			addr := dead.Listener.Addr().String()
			dead.Close()

			c, _ := ParseCandidate("http://" + addr)
			saved := RetryBackoff
			RetryBackoff = time.Millisecond
			defer func() { RetryBackoff = saved }()

			_, err := prober.Connectivity(context.Background(), c)
			Expect(err).To(HaveOccurred())
		})
	})
})

var _ = Describe("Prober.Anonymity", func() {
	var proxy *httptest.Server

	AfterEach(func() {
		proxy.Close()
	})

	It("classifies Elite when only one unknown IP is echoed", func() {
		ipEcho := mockTarget(`{"origin":"203.0.113.77","headers":{}}`, 0)
		defer ipEcho.Close()
		echo := mockTarget(`{"origin":"198.51.100.9","headers":{}}`, 0)
		defer echo.Close()
		proxy = mockProxy()

		prober := NewProber(Targets{AnonymityURL: echo.URL}, NewPublicIP(nil, ipEcho.URL, 0))
		anon, err := prober.Anonymity(context.Background(), candidateFor(proxy))
		Expect(err).NotTo(HaveOccurred())
		Expect(anon).To(Equal(Elite))
	})

	It("classifies Anonymous when X-Forwarded-For carries multiple IPs", func() {
		ipEcho := mockTarget(`{"origin":"203.0.113.77","headers":{}}`, 0)
		defer ipEcho.Close()
		echo := mockTarget(`{"origin":"198.51.100.9","headers":{"X-Forwarded-For":"198.51.100.9, 203.0.113.1"}}`, 0)
		defer echo.Close()
		proxy = mockProxy()

		prober := NewProber(Targets{AnonymityURL: echo.URL}, NewPublicIP(nil, ipEcho.URL, 0))
		anon, err := prober.Anonymity(context.Background(), candidateFor(proxy))
		Expect(err).NotTo(HaveOccurred())
		Expect(anon).To(Equal(Anonymous))
	})

	It("classifies Anonymous when a Via header is present in headers", func() {
		ipEcho := mockTarget(`{"origin":"203.0.113.77","headers":{}}`, 0)
		defer ipEcho.Close()
		echo := mockTarget(`{"origin":"198.51.100.9","headers":{"Via":"1.1 somecache"}}`, 0)
		defer echo.Close()
		proxy = mockProxy()

		prober := NewProber(Targets{AnonymityURL: echo.URL}, NewPublicIP(nil, ipEcho.URL, 0))
		anon, err := prober.Anonymity(context.Background(), candidateFor(proxy))
		Expect(err).NotTo(HaveOccurred())
		Expect(anon).To(Equal(Anonymous))
	})

	It("classifies Transparent when X-Forwarded-For leaks the host's own IP", func() {
		ipEcho := mockTarget(`{"origin":"203.0.113.77","headers":{}}`, 0)
		defer ipEcho.Close()
		echo := mockTarget(`{"origin":"198.51.100.9","headers":{"X-Forwarded-For":"203.0.113.77"}}`, 0)
		defer echo.Close()
		proxy = mockProxy()

		prober := NewProber(Targets{AnonymityURL: echo.URL}, NewPublicIP(nil, ipEcho.URL, 0))
		anon, err := prober.Anonymity(context.Background(), candidateFor(proxy))
		Expect(err).NotTo(HaveOccurred())
		Expect(anon).To(Equal(Transparent))
	})
})

var _ = Describe("Prober.Geo", func() {
	It("extracts country and city from the echo pattern", func() {
		echo := mockTarget("来自于：中国 广东省 深圳市", 0)
		defer echo.Close()
		proxy := mockProxy()
		defer proxy.Close()

		prober := NewProber(Targets{GeoURL: echo.URL}, NewPublicIP(nil, echo.URL, 0))
		country, city := prober.Geo(context.Background(), candidateFor(proxy))
		Expect(country).To(Equal("中国"))
		Expect(city).To(Equal("深圳市"))
	})

	It("returns empty strings on a non-matching body, not an error", func() {
		echo := mockTarget("unrecognized body", 0)
		defer echo.Close()
		proxy := mockProxy()
		defer proxy.Close()

		prober := NewProber(Targets{GeoURL: echo.URL}, NewPublicIP(nil, echo.URL, 0))
		country, city := prober.Geo(context.Background(), candidateFor(proxy))
		Expect(country).To(Equal(""))
		Expect(city).To(Equal(""))
	})
})

var _ = Describe("Prober.Validate", func() {
	It("skips remaining probes when connectivity fails", func() {
		dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		addr := dead.Listener.Addr().String()
		dead.Close()

		saved := RetryBackoff
		RetryBackoff = time.Millisecond
		defer func() { RetryBackoff = saved }()

		c, _ := ParseCandidate("http://" + addr)
		prober := NewProber(Targets{LatencyURL: "http://" + addr}, NewPublicIP(nil, "http://"+addr, 0))
		result := prober.Validate(context.Background(), c)

		Expect(result.Reachable).To(BeFalse())
		Expect(result.Anonymity).To(Equal(Anonymity("")))
	})
})
