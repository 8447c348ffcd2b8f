package validate

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/narrowmargin/peanutpod/internal/probe"
)

func TestValidate(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "validate")
}

var _ = Describe("Validator.Run", func() {
	It("reports every candidate exactly once, in completion order", func() {
		target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("ok"))
		}))
		defer target.Close()

		proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			resp, err := http.Get(r.URL.String())
			if err != nil {
				http.Error(w, "bad gateway", http.StatusBadGateway)
				return
			}
			defer resp.Body.Close()
			w.WriteHeader(resp.StatusCode)
		}))
		defer proxy.Close()

		c, err := probe.ParseCandidate("http://" + proxy.Listener.Addr().String())
		Expect(err).NotTo(HaveOccurred())

		prober := probe.NewProber(probe.Targets{LatencyURL: target.URL}, probe.NewPublicIP(nil, target.URL, 0))
		v := NewValidator(prober)
		v.Concurrency = 4

		candidates := []probe.Candidate{c, c, c}

		var (
			mu   sync.Mutex
			seen int
		)
		results := v.Run(context.Background(), candidates, func(completed, total int, result *probe.Result) {
			mu.Lock()
			defer mu.Unlock()
			seen++
			Expect(total).To(Equal(3))
			Expect(completed).To(Equal(seen))
		})

		Expect(results).To(HaveLen(3))
		Expect(seen).To(Equal(3))
	})

	It("does not abort the batch when a candidate has no working proxy", func() {
		dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		addr := dead.Listener.Addr().String()
		dead.Close()

		saved := probe.RetryBackoff
		probe.RetryBackoff = 0
		defer func() { probe.RetryBackoff = saved }()

		c, _ := probe.ParseCandidate("http://" + addr)
		prober := probe.NewProber(probe.Targets{LatencyURL: "http://" + addr}, probe.NewPublicIP(nil, "http://"+addr, 0))
		v := NewValidator(prober)

		results := v.Run(context.Background(), []probe.Candidate{c}, nil)
		Expect(results).To(HaveLen(1))
		Expect(results[0].Reachable).To(BeFalse())
	})
})
