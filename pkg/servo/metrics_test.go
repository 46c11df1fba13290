package servo

import (
	"net/http"
	"net/http/httptest"

	"github.com/bsm/openmetrics"
	"github.com/bsm/openmetrics/omhttp"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Metrics", func() {
	var (
		reg *openmetrics.Registry
		m   *Metrics
	)

	BeforeEach(func() {
		reg = openmetrics.NewRegistry()
		m = NewMetrics(reg)
	})

	scrape := func() string {
		rec := httptest.NewRecorder()
		omhttp.NewHandler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		Expect(rec.Code).To(Equal(http.StatusOK))
		return rec.Body.String()
	}

	It("should export gauges and per-outcome counters", func() {
		m.OnCycle(Sample{Outcome: OutcomeComputed, Setpoint: 5, Input: 4, Output: 1})
		m.OnCycle(Sample{Outcome: OutcomeComputed, Setpoint: 5, Input: 4.5, Output: 0.5})
		m.OnCycle(Sample{Outcome: OutcomeIncomplete, Setpoint: 5, Output: 0.5})

		body := scrape()
		Expect(body).To(ContainSubstring(`servo_cycles_total{outcome="computed"} 2`))
		Expect(body).To(ContainSubstring(`servo_cycles_total{outcome="incomplete"} 1`))
		Expect(body).To(ContainSubstring("servo_input 4.5"))
		Expect(body).To(ContainSubstring("servo_output 0.5"))
		Expect(m.Registry()).To(BeIdenticalTo(reg))
	})

	It("should not overwrite the input gauge on skipped cycles", func() {
		m.OnCycle(Sample{Outcome: OutcomeComputed, Input: 3})
		m.OnCycle(Sample{Outcome: OutcomeTrackingError})

		Expect(scrape()).To(ContainSubstring("servo_input 3"))
	})
})
