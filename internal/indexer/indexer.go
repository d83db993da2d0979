package indexer

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/blacksky-algorithms/rsky-sub000/internal/domain"
	"github.com/blacksky-algorithms/rsky-sub000/internal/indexer/plugins"
	"github.com/blacksky-algorithms/rsky-sub000/internal/metrics"
	"github.com/blacksky-algorithms/rsky-sub000/internal/queue"
)

// Options tune one Indexer.
type Options struct {
	Streams        []string
	Group          string
	Consumer       string
	Concurrency    int
	Batch          int
	Block          time.Duration
	StuckThreshold int
	TrimInterval   time.Duration
}

// Indexer drains event streams into the indexing service. Each stream gets
// its own group consumer and a worker pool bounded by Concurrency; entries
// are acknowledged only after their transaction commits, so a crash between
// read and commit redelivers rather than loses.
type Indexer struct {
	queue   *queue.Queue
	svc     *IndexingService
	metrics *metrics.Metrics
	log     *zap.Logger
	opts    Options
}

func New(q *queue.Queue, svc *IndexingService, m *metrics.Metrics, log *zap.Logger, opts Options) *Indexer {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.Batch <= 0 {
		opts.Batch = 32
	}
	if opts.Block <= 0 {
		opts.Block = time.Second
	}
	return &Indexer{queue: q, svc: svc, metrics: m, log: log, opts: opts}
}

// Run consumes every configured stream until ctx is done or a stream loop
// fails.
func (ix *Indexer) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errc := make(chan error, len(ix.opts.Streams))
	var wg sync.WaitGroup
	for _, stream := range ix.opts.Streams {
		wg.Add(1)
		go func(stream string) {
			defer wg.Done()
			errc <- ix.runStream(ctx, stream)
		}(stream)
	}
	if ix.opts.TrimInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ix.runTrim(ctx)
		}()
	}

	err := <-errc
	cancel()
	wg.Wait()
	return err
}

func (ix *Indexer) runStream(ctx context.Context, stream string) error {
	consumerOpts := []queue.ConsumerOption{queue.WithBlock(ix.opts.Block)}
	if ix.opts.StuckThreshold > 0 {
		consumerOpts = append(consumerOpts, queue.WithStuckThreshold(ix.opts.StuckThreshold))
	}
	consumer := queue.NewGroupConsumer(ix.queue, stream, ix.opts.Group, ix.opts.Consumer, ix.log, consumerOpts...)

	permits := make(chan struct{}, ix.opts.Concurrency)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		entries, err := consumer.Next(ctx, ix.opts.Batch)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
		for _, entry := range entries {
			select {
			case permits <- struct{}{}:
			case <-ctx.Done():
				return nil
			}
			wg.Add(1)
			go func(entry queue.Entry) {
				defer wg.Done()
				defer func() { <-permits }()
				ix.process(ctx, consumer, stream, entry)
			}(entry)
		}
	}
}

func (ix *Indexer) process(ctx context.Context, consumer *queue.GroupConsumer, stream string, entry queue.Entry) {
	ev, err := domain.DecodeEvent(entry.Fields)
	if err != nil {
		ix.log.Warn("dropping undecodable entry",
			zap.String("stream", stream),
			zap.String("id", entry.ID.String()),
			zap.Error(err))
		ix.metrics.EventsDropped.WithLabelValues(stream, "undecodable").Inc()
		consumer.Ack(entry.ID)
		return
	}

	err = ix.svc.Apply(ctx, ev)
	switch {
	case err == nil:
		ix.metrics.EventsIndexed.WithLabelValues(stream).Inc()
		consumer.Ack(entry.ID)
	case errors.Is(err, plugins.ErrMalformed):
		// Retrying cannot fix a malformed record; drop it.
		ix.log.Warn("dropping malformed record",
			zap.String("stream", stream),
			zap.String("did", ev.DID),
			zap.Error(err))
		ix.metrics.EventsDropped.WithLabelValues(stream, "malformed").Inc()
		consumer.Ack(entry.ID)
	default:
		// Left pending for redelivery.
		ix.log.Error("indexing failed",
			zap.String("stream", stream),
			zap.String("id", entry.ID.String()),
			zap.Error(err))
	}
}

func (ix *Indexer) runTrim(ctx context.Context) {
	ticker := time.NewTicker(ix.opts.TrimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, stream := range ix.opts.Streams {
				if minID, ok := ix.queue.SafeTrimID(stream); ok {
					if dropped := ix.queue.Trim(stream, minID); dropped > 0 {
						ix.log.Debug("trimmed stream",
							zap.String("stream", stream),
							zap.Int("dropped", dropped))
					}
				}
				ix.metrics.StreamLength.WithLabelValues(stream).Set(float64(ix.queue.Len(stream)))
				ix.metrics.PendingEntries.WithLabelValues(stream, ix.opts.Group).Set(float64(ix.queue.PendingCount(stream, ix.opts.Group)))
			}
		}
	}
}
