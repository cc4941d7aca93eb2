package httpapi

import (
	"net/http"
	"time"

	"atlas-gateway/internal/utils"

	"github.com/benbjohnson/clock"
)

// StalePeriods is how many sampling periods may pass without a completed
// cycle before the gateway reports itself unhealthy.
const StalePeriods = 5

type Connection interface {
	IsConnected() bool
}

type Sampler interface {
	Period() time.Duration
	Cycles() uint64
	LastCycle() (time.Time, bool)
}

type healthchecker struct {
	conn    Connection
	sampler Sampler
	clock   clock.Clock
}

type healthStatus struct {
	Status        string     `json:"status"`
	MQTTConnected bool       `json:"mqtt_connected"`
	Cycles        uint64     `json:"cycles"`
	LastCycle     *time.Time `json:"last_cycle,omitempty"`
	Message       string     `json:"message,omitempty"`
}

func (h *healthchecker) check() (healthStatus, bool) {
	st := healthStatus{
		MQTTConnected: h.conn.IsConnected(),
		Cycles:        h.sampler.Cycles(),
	}
	last, ok := h.sampler.LastCycle()
	if ok {
		st.LastCycle = &last
	}

	switch {
	case !st.MQTTConnected:
		st.Message = "mqtt not connected"
	case !ok:
		st.Message = "no sampling cycle completed yet"
	case h.clock.Since(last) > StalePeriods*h.sampler.Period():
		st.Message = "sampling loop stalled"
	default:
		st.Status = "ok"
		return st, true
	}
	st.Status = "unhealthy"
	return st, false
}

func (h *healthchecker) handleHealthz(w http.ResponseWriter, r *http.Request) {
	st, ok := h.check()
	if !ok {
		utils.WriteJSON(w, http.StatusServiceUnavailable, st)
		return
	}
	utils.WriteJSON(w, http.StatusOK, st)
}

func registerHealthcheck(mux *http.ServeMux, conn Connection, sampler Sampler, clk clock.Clock) {
	if clk == nil {
		clk = clock.New()
	}
	h := &healthchecker{conn: conn, sampler: sampler, clock: clk}
	mux.HandleFunc("GET /healthz", h.handleHealthz)
}
