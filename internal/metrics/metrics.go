package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/gustycube/sslinspect/internal/health"
)

var (
	InspectionsTotal  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "sslinspect_inspections_total", Help: "inspections by outcome"}, []string{"kind"})
	InspectDuration   = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "sslinspect_inspect_duration_seconds", Help: "connect, handshake and parse time", Buckets: prometheus.DefBuckets}, []string{"kind"})
	CertExpirySeconds = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "sslinspect_cert_expiry_seconds", Help: "seconds until the soonest captured notAfter per registrable domain"}, []string{"apex"})
	ActiveWorkers     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "sslinspect_active_workers", Help: "workers currently inspecting"})
	EmitSpooled       = prometheus.NewCounter(prometheus.CounterOpts{Name: "sslinspect_emit_spooled_total", Help: "batches spooled after failed delivery"})
)

var (
	expiryMu sync.Mutex
	expiry   = map[string]float64{}
)

// ObserveExpiry records secs for apex unless an endpoint under the same
// apex already expires sooner. Series count is bounded by distinct apexes.
func ObserveExpiry(apex string, secs float64) {
	expiryMu.Lock()
	defer expiryMu.Unlock()
	if cur, ok := expiry[apex]; ok && cur <= secs {
		return
	}
	expiry[apex] = secs
	CertExpirySeconds.WithLabelValues(apex).Set(secs)
}

func init() {
	prometheus.MustRegister(InspectionsTotal, InspectDuration, CertExpirySeconds, ActiveWorkers, EmitSpooled)
}

// Handler mounts /metrics and, when h is non-nil, the health endpoints.
func Handler(h *health.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if h != nil {
		mux.HandleFunc("/health", h.HealthHandler)
		mux.HandleFunc("/ready", h.ReadinessHandler)
		mux.HandleFunc("/live", h.LivenessHandler)
	}
	return mux
}

// ServeWithHealth serves Handler(h) on addr until ctx is done.
func ServeWithHealth(ctx context.Context, addr string, h *health.Handler, log *zap.SugaredLogger) {
	srv := &http.Server{Addr: addr, Handler: Handler(h), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Warnw("metrics server stopped", "err", err)
	}
}
