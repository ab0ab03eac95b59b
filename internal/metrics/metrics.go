package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	intentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_intents_total",
			Help: "Emitted order intents",
		},
		[]string{"mode", "side"},
	)

	fillsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_fills_total",
			Help: "Confirmed fills",
		},
		[]string{"symbol", "side"},
	)

	tradesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_trades_total",
			Help: "Completed round trips by result",
		},
		[]string{"symbol", "result"},
	)

	forceClosesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_force_closes_total",
			Help: "Force closes by reason",
		},
		[]string{"symbol", "reason"},
	)

	equityQuote = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bot_equity_quote",
			Help: "Equity valued in quote currency",
		},
		[]string{"symbol"},
	)

	openExposureQuote = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bot_open_exposure_quote",
			Help: "Cost basis of open ladder levels",
		},
		[]string{"symbol"},
	)
)

func init() {
	prometheus.MustRegister(
		intentsTotal,
		fillsTotal,
		tradesTotal,
		forceClosesTotal,
		equityQuote,
		openExposureQuote,
	)
}

func IntentEmitted(mode, side string)      { intentsTotal.WithLabelValues(mode, side).Inc() }
func FillConfirmed(symbol, side string)    { fillsTotal.WithLabelValues(symbol, side).Inc() }
func ForceClosed(symbol, reason string)    { forceClosesTotal.WithLabelValues(symbol, reason).Inc() }
func SetEquity(symbol string, v float64)   { equityQuote.WithLabelValues(symbol).Set(v) }
func SetExposure(symbol string, v float64) { openExposureQuote.WithLabelValues(symbol).Set(v) }

func TradeClosed(symbol string, profit float64) {
	result := "loss"
	if profit > 0 {
		result = "win"
	}
	tradesTotal.WithLabelValues(symbol, result).Inc()
}

// Handler отдаёт /metrics в текстовом формате Prometheus.
func Handler() http.Handler {
	return promhttp.Handler()
}
