package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the pipeline's instrumentation. One instance is shared by
// every stage.
type Metrics struct {
	EventsIngested  *prometheus.CounterVec
	EventsDropped   *prometheus.CounterVec
	EventsIndexed   *prometheus.CounterVec
	StaleWrites     prometheus.Counter
	ReposProcessed  prometheus.Counter
	ReposFailed     prometheus.Counter
	ReposDeadLetter prometheus.Counter
	RepoRetries     prometheus.Counter
	StreamLength    *prometheus.GaugeVec
	PendingEntries  *prometheus.GaugeVec
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EventsIngested: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "subsky_events_ingested_total",
			Help: "Events accepted onto a stream.",
		}, []string{"stream"}),
		EventsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "subsky_events_dropped_total",
			Help: "Events acknowledged without indexing, by reason.",
		}, []string{"stream", "reason"}),
		EventsIndexed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "subsky_events_indexed_total",
			Help: "Events applied to storage.",
		}, []string{"stream"}),
		StaleWrites: factory.NewCounter(prometheus.CounterOpts{
			Name: "subsky_stale_writes_total",
			Help: "Record writes skipped by the revision guard.",
		}),
		ReposProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "subsky_repos_processed_total",
			Help: "Repositories fully expanded from the backlog.",
		}),
		ReposFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "subsky_repos_failed_total",
			Help: "Repository expansion attempts that failed.",
		}),
		ReposDeadLetter: factory.NewCounter(prometheus.CounterOpts{
			Name: "subsky_repos_dead_lettered_total",
			Help: "Repositories moved to the dead letter stream.",
		}),
		RepoRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "subsky_repo_retries_total",
			Help: "Repository expansion retries.",
		}),
		StreamLength: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "subsky_stream_length",
			Help: "Entries currently held per stream.",
		}, []string{"stream"}),
		PendingEntries: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "subsky_pending_entries",
			Help: "Unacknowledged deliveries per stream and group.",
		}, []string{"stream", "group"}),
	}
}

// Serve exposes /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string, gatherer prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
