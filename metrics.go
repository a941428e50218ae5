package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// NewMetrics registers the sync pipeline's metrics on a fresh registry.
// Counters are read from the encoder and optimizer at scrape time; frame
// sizes are observed as worlds send them. Wire statistics can be reset by
// Optimizer.ResetStats, so they are gauges rather than counters.
func NewMetrics(hub *Hub) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	enc := hub.opt.Encoder()

	counter := func(name, help string, read func() uint64) {
		f.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "spaceship",
			Subsystem: "sync",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(read()) })
	}
	gauge := func(name, help string, read func() float64) {
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "spaceship",
			Subsystem: "sync",
			Name:      name,
			Help:      help,
		}, read)
	}

	counter("full_payloads_total", "Full payloads produced by the delta encoder.",
		func() uint64 { return enc.Counters().Fulls })
	counter("delta_payloads_total", "Delta payloads produced by the delta encoder.",
		func() uint64 { return enc.Counters().Deltas })
	counter("size_fallbacks_total", "Deltas replaced by full payloads because they were too large.",
		func() uint64 { return enc.Counters().Fallbacks })
	counter("malformed_inputs_total", "States passed through without diffing.",
		func() uint64 { return enc.Counters().Malformed })
	counter("evicted_entries_total", "Cache entries evicted for idleness.",
		func() uint64 { return enc.Counters().Evicted })
	gauge("messages_sent", "Frames produced by the wire encoder since the last stats reset.",
		func() float64 { return float64(hub.opt.Stats().MessagesSent) })
	gauge("messages_compressed", "Frames smaller than their plain JSON form since the last stats reset.",
		func() float64 { return float64(hub.opt.Stats().MessagesCompressed) })
	gauge("bytes_original", "Plain JSON bytes before wire encoding since the last stats reset.",
		func() float64 { return float64(hub.opt.Stats().BytesOriginal) })
	gauge("bytes_sent", "Frame bytes after wire encoding since the last stats reset.",
		func() float64 { return float64(hub.opt.Stats().BytesSent) })

	gauge("cache_entries", "Entities and collections held in the delta cache.",
		func() float64 { return float64(enc.Len()) })
	gauge("clients", "Connected websocket clients.",
		func() float64 { return float64(hub.ClientCount()) })
	gauge("sessions", "Live sessions.",
		func() float64 { return float64(hub.sessions.Count()) })

	frames := f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "spaceship",
		Subsystem: "sync",
		Name:      "frame_bytes",
		Help:      "Size of frames sent by worlds.",
		Buckets:   prometheus.ExponentialBuckets(32, 2, 10),
	}, []string{"type"})
	hub.sessions.SetFrameObserver(func(kind string, n int) {
		frames.WithLabelValues(kind).Observe(float64(n))
	})

	return reg
}
