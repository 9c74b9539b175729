package metrics

import (
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	relay "github.com/bjoelf/trade-relay/adapter"
)

var (
	ConnectionAttempts = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "relay_connection_attempts_total", Help: "Connection attempts to the control server"},
	)
	Reconnects = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "relay_reconnects_total", Help: "Reconnections after an abnormal closure or dial failure"},
	)
	CommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "relay_commands_total", Help: "Inbound envelopes by code"},
		[]string{"code"},
	)
	TradesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "relay_trades_total", Help: "Trade commands by outcome"},
		[]string{"status"},
	)
	TradeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relay_trade_duration_seconds",
			Help:    "Time spent in the trade executor",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300},
		},
	)
	PingsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "relay_pings_total", Help: "Keepalive pings sent"},
	)
	DecodeErrors = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "relay_decode_errors_total", Help: "Inbound frames that were not valid envelopes"},
	)
	StatusGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "relay_status", Help: "1 for the currently published status"},
		[]string{"status"},
	)
)

func init() {
	prometheus.MustRegister(
		ConnectionAttempts,
		Reconnects,
		CommandsTotal,
		TradesTotal,
		TradeDuration,
		PingsTotal,
		DecodeErrors,
		StatusGauge,
	)
}

// SetStatus marks s as the current status in the gauge
func SetStatus(s relay.Status) {
	for _, candidate := range relay.AllStatuses() {
		value := 0.0
		if candidate == s {
			value = 1
		}
		StatusGauge.WithLabelValues(string(candidate)).Set(value)
	}
}

// NewServer builds the HTTP server exposing /metrics and /status.
// statusFn is read on every /status request.
func NewServer(addr string, statusFn func() relay.Status) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": string(statusFn())})
	})
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
