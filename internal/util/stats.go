package util

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/pterm/pterm"
)

// Stats holds the process-wide counters of one running router. It is built
// once by the application and handed to every component that reports into
// it. All methods are safe on a nil *Stats, which discards the update.
type Stats struct {
	EndpointsRegistered  atomic.Int64 // endpoints added to the routing table
	EndpointsInvalidated atomic.Int64 // endpoints removed from the routing table
	SessionsEstablished  atomic.Int64 // sessions that reached the established/accepted state
	SessionsFailed       atomic.Int64 // join attempts that ended in a failure state
	BytesSent            atomic.Int64 // bytes written to bus links
	BytesRecv            atomic.Int64 // bytes read from bus links
	StunTransactions     atomic.Int64 // STUN requests sent (first attempts only)
	StunTimeouts         atomic.Int64 // STUN transactions that exhausted their retransmissions
	PacketsAllocated     atomic.Int64 // packets freshly allocated by the pool
	PacketsRecycled      atomic.Int64 // packets put back on the pool's free list
	PacketsDropped       atomic.Int64 // packets released to the garbage collector

	registry *prometheus.Registry
}

// NewStats creates a Stats object together with a prometheus registry that
// exposes every counter plus the Go runtime collectors.
func NewStats() *Stats {
	s := &Stats{registry: prometheus.NewRegistry()}

	counter := func(name, help string, v *atomic.Int64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "p2pbus",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(v.Load()) })
	}

	s.registry.MustRegister(
		collectors.NewGoCollector(),
		counter("endpoints_registered_total", "Endpoints added to the routing table.", &s.EndpointsRegistered),
		counter("endpoints_invalidated_total", "Endpoints removed from the routing table.", &s.EndpointsInvalidated),
		counter("sessions_established_total", "Sessions established.", &s.SessionsEstablished),
		counter("sessions_failed_total", "Session join attempts that failed.", &s.SessionsFailed),
		counter("link_sent_bytes_total", "Bytes written to bus links.", &s.BytesSent),
		counter("link_received_bytes_total", "Bytes read from bus links.", &s.BytesRecv),
		counter("stun_transactions_total", "STUN transactions started.", &s.StunTransactions),
		counter("stun_timeouts_total", "STUN transactions that exhausted their retransmissions.", &s.StunTimeouts),
		counter("pool_packets_allocated_total", "Packets allocated by the packet pool.", &s.PacketsAllocated),
		counter("pool_packets_recycled_total", "Packets returned to the packet pool free list.", &s.PacketsRecycled),
		counter("pool_packets_dropped_total", "Packets released instead of recycled.", &s.PacketsDropped),
	)
	return s
}

func (s *Stats) AddEndpoint() {
	if s != nil {
		s.EndpointsRegistered.Add(1)
	}
}

func (s *Stats) RemoveEndpoint() {
	if s != nil {
		s.EndpointsInvalidated.Add(1)
	}
}

func (s *Stats) SessionEstablished() {
	if s != nil {
		s.SessionsEstablished.Add(1)
	}
}

func (s *Stats) SessionFailed() {
	if s != nil {
		s.SessionsFailed.Add(1)
	}
}

func (s *Stats) AddSent(n int) {
	if s != nil {
		s.BytesSent.Add(int64(n))
	}
}

func (s *Stats) AddRecv(n int) {
	if s != nil {
		s.BytesRecv.Add(int64(n))
	}
}

func (s *Stats) StunTransaction() {
	if s != nil {
		s.StunTransactions.Add(1)
	}
}

func (s *Stats) StunTimeout() {
	if s != nil {
		s.StunTimeouts.Add(1)
	}
}

func (s *Stats) PacketAllocated() {
	if s != nil {
		s.PacketsAllocated.Add(1)
	}
}

func (s *Stats) PacketRecycled() {
	if s != nil {
		s.PacketsRecycled.Add(1)
	}
}

func (s *Stats) PacketDropped() {
	if s != nil {
		s.PacketsDropped.Add(1)
	}
}

// Handler returns the HTTP handler serving the prometheus exposition format.
func (s *Stats) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// Gather returns the current value of every counter, keyed by metric name.
func (s *Stats) Gather() (map[string]float64, error) {
	families, err := s.registry.Gather()
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(families))
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			if c := m.GetCounter(); c != nil {
				out[mf.GetName()] = c.GetValue()
			}
		}
	}
	return out, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartReporter launches a goroutine that logs link and routing statistics
// every interval. It stops when ctx is cancelled.
func (s *Stats) StartReporter(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		secs := interval.Seconds()
		var prevSent, prevRecv, prevUp, prevDown int64
		for {
			select {
			case <-ticker.C:
				up := s.EndpointsRegistered.Load()
				down := s.EndpointsInvalidated.Load()
				sent := s.BytesSent.Load()
				recv := s.BytesRecv.Load()

				outS := float64(sent-prevSent) / secs
				inS := float64(recv-prevRecv) / secs
				upC := up - prevUp
				downC := down - prevDown

				if upC > 0 || downC > 0 || inS > 10 || outS > 10 {
					pterm.DefaultLogger.Info(formatStats(inS, outS, upC, downC, s.SessionsEstablished.Load()))
				}

				prevSent = sent
				prevRecv = recv
				prevUp = up
				prevDown = down

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats returns a formatted string of the current stats for display in the logger.
func formatStats(inS, outS float64, upC, downC, sessions int64) string {
	return fmt.Sprintf("In: %s/s | Out: %s/s | Endpoints: %2d↑ %2d↓ | Sessions: %d",
		formatBytes(inS),
		formatBytes(outS),
		upC,
		downC,
		sessions,
	)
}
