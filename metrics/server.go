package metrics

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StatusSource reports the live loop counters shown on /status.
type StatusSource interface {
	Iteration() int
	Epoch() int
}

// Status is the /status response body.
type Status struct {
	Iteration int       `json:"iteration"`
	Epoch     int       `json:"epoch"`
	Time      time.Time `json:"time"`
}

// NewHandler builds the monitor endpoint: /metrics serves the given
// gatherer in Prometheus text format, /status serves the loop counters
// as JSON.
func NewHandler(gatherer prometheus.Gatherer, source StatusSource) http.Handler {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.HandleFunc("/status", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		st := Status{Time: time.Now().UTC()}
		if source != nil {
			st.Iteration = source.Iteration()
			st.Epoch = source.Epoch()
		}
		json.NewEncoder(w).Encode(st)
	}).Methods(http.MethodGet)
	return r
}

// StartServer serves the monitor endpoint on addr. Blocks until the
// listener fails.
func StartServer(addr string, gatherer prometheus.Gatherer, source StatusSource) error {
	return http.ListenAndServe(addr, NewHandler(gatherer, source))
}
