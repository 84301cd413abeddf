package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"tw-inst-tracker/internal/version"
)

const namespace = "twinst"

// Recorder collects estimation run metrics on a private registry.
type Recorder struct {
	registry *prometheus.Registry

	rowsEmitted   prometheus.Counter
	issues        *prometheus.CounterVec
	withheld      prometheus.Gauge
	runDuration   *prometheus.HistogramVec
	lastSuccess   prometheus.Gauge
	lastTradeDate prometheus.Gauge
}

// RunSummary is what a finished run reports.
type RunSummary struct {
	Result      string
	Duration    time.Duration
	RowsEmitted int
	Withheld    int
	IssueCounts map[string]int
	TradeDate   time.Time
}

// NewRecorder registers all collectors.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		rowsEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "estimate_rows_emitted_total",
			Help:      "Estimated ownership rows written.",
		}),
		issues: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "estimate_issue_rows_total",
			Help:      "Rows affected by data-quality issues, by kind.",
		}, []string{"kind"}),
		withheld: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "securities_withheld",
			Help:      "Securities withheld in the last run for lack of snapshots.",
		}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Duration of estimation runs.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"result"}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful run.",
		}),
		lastTradeDate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_trade_date_timestamp_seconds",
			Help:      "Trade date targeted by the last successful run.",
		}),
	}
	buildInfo := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "build_info",
		Help:      "Build metadata of the running binary.",
	}, []string{"version", "commit"})
	buildInfo.WithLabelValues(version.Version, version.Commit).Set(1)

	r.registry.MustRegister(
		buildInfo,
		r.rowsEmitted,
		r.issues,
		r.withheld,
		r.runDuration,
		r.lastSuccess,
		r.lastTradeDate,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// ObserveRun records the outcome of one run. A nil Recorder is a no-op.
func (r *Recorder) ObserveRun(s RunSummary) {
	if r == nil {
		return
	}
	result := s.Result
	if result == "" {
		result = "unknown"
	}
	r.runDuration.WithLabelValues(result).Observe(s.Duration.Seconds())
	if result != "succeeded" {
		return
	}

	r.rowsEmitted.Add(float64(s.RowsEmitted))
	r.withheld.Set(float64(s.Withheld))
	for kind, n := range s.IssueCounts {
		r.issues.WithLabelValues(kind).Add(float64(n))
	}
	r.lastSuccess.SetToCurrentTime()
	if !s.TradeDate.IsZero() {
		r.lastTradeDate.Set(float64(s.TradeDate.Unix()))
	}
}

// Router serves /metrics and /healthz.
func (r *Recorder) Router() http.Handler {
	mux := chi.NewRouter()
	mux.Use(middleware.Recoverer)
	mux.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{}))
	return mux
}

// Serve runs the metrics endpoint until ctx is cancelled.
func (r *Recorder) Serve(ctx context.Context, addr string, logger zerolog.Logger) error {
	logger = logger.With().Str("component", "metrics").Logger()
	srv := &http.Server{
		Addr:              addr,
		Handler:           r.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("metrics endpoint listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	}
}
