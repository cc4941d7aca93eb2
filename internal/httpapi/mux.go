package httpapi

import (
	"net/http"

	"atlas-gateway/internal/metrics"
	"atlas-gateway/internal/utils"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewMux serves /healthz and /metrics. Without m, /metrics answers 404.
func NewMux(conn Connection, sampler Sampler, m *metrics.Metrics, clk clock.Clock) *http.ServeMux {
	mux := http.NewServeMux()
	registerHealthcheck(mux, conn, sampler, clk)
	if m != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry}))
	} else {
		mux.HandleFunc("GET /metrics", func(w http.ResponseWriter, r *http.Request) {
			utils.WriteError(w, http.StatusNotFound, "metrics are disabled")
		})
	}
	return mux
}
