package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gojack/internal/server"
)

// newMetrics builds a registry whose gauges read engine state at scrape
// time, so nothing is sampled on the real-time path.
func newMetrics(eng *server.Engine) *prometheus.Registry {
	reg := prometheus.NewRegistry()

	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "gojack_cpu_load_percent",
		Help: "Rolling DSP load estimate over the last accounting window.",
	}, func() float64 { return float64(eng.CPULoad()) }))

	reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "gojack_xruns_total",
		Help: "Number of xruns since the engine started.",
	}, func() float64 { return float64(eng.XRuns()) }))

	reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "gojack_cycles_total",
		Help: "Number of completed process cycles.",
	}, func() float64 { return float64(eng.Cycles()) }))

	reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "gojack_frames_total",
		Help: "Frame-timer frame count.",
	}, func() float64 { return float64(eng.Frames()) }))

	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "gojack_clients",
		Help: "Number of clients known to the engine, drivers included.",
	}, func() float64 { return float64(len(eng.Clients())) }))

	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "gojack_ports",
		Help: "Number of registered ports.",
	}, func() float64 { return float64(len(eng.Ports())) }))

	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "gojack_connections",
		Help: "Number of graph connections.",
	}, func() float64 { return float64(len(eng.Connections())) }))

	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "gojack_buffer_size_frames",
		Help: "Current period length in frames.",
	}, func() float64 { return float64(eng.BufferSize()) }))

	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "gojack_freewheeling",
		Help: "1 while the engine freewheels, else 0.",
	}, func() float64 {
		if eng.Freewheeling() {
			return 1
		}
		return 0
	}))

	return reg
}

func promhttpOpts() promhttp.HandlerOpts {
	return promhttp.HandlerOpts{EnableOpenMetrics: false}
}
