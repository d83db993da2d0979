package backfill

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/blacksky-algorithms/rsky-sub000/internal/domain"
	"github.com/blacksky-algorithms/rsky-sub000/internal/metrics"
	"github.com/blacksky-algorithms/rsky-sub000/internal/queue"
)

// ErrRepoGone marks a repository that can never be fetched: deactivated,
// taken down or deleted upstream. Such repositories are skipped without
// retry or dead letter.
var ErrRepoGone = errors.New("repository gone upstream")

// SnapshotRecord is one record within a repository snapshot.
type SnapshotRecord struct {
	Collection string
	RKey       string
	CID        string
	Record     json.RawMessage
}

// Snapshot is a full repository export at one commit.
type Snapshot struct {
	DID     string
	Commit  string
	Rev     string
	Records []SnapshotRecord
}

// RepoFetcher downloads and verifies one repository snapshot.
type RepoFetcher interface {
	Fetch(ctx context.Context, item domain.BacklogItem) (Snapshot, error)
}

// Options tune a Backfiller.
type Options struct {
	Group          string
	Consumer       string
	Concurrency    int
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	ChunkSize      int
	Block          time.Duration
	AppendPoll     time.Duration
}

// Backfiller drains the repository backlog: each repository is fetched,
// decomposed into record events on the backfill stream and removed from the
// backlog. Failures retry with exponential backoff until the retry budget is
// spent, then the repository moves to the dead letter stream so one
// poisonous repository cannot stall the rest of the backlog.
type Backfiller struct {
	queue   *queue.Queue
	fetcher RepoFetcher
	metrics *metrics.Metrics
	log     *zap.Logger
	opts    Options
}

func New(q *queue.Queue, fetcher RepoFetcher, m *metrics.Metrics, log *zap.Logger, opts Options) *Backfiller {
	if opts.Group == "" {
		opts.Group = "backfill"
	}
	if opts.Consumer == "" {
		opts.Consumer = "backfiller"
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 5
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = time.Second
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 5 * time.Minute
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 200
	}
	if opts.Block <= 0 {
		opts.Block = time.Second
	}
	if opts.AppendPoll <= 0 {
		opts.AppendPoll = 50 * time.Millisecond
	}
	return &Backfiller{queue: q, fetcher: fetcher, metrics: m, log: log, opts: opts}
}

// Run consumes the backlog until ctx is done.
func (b *Backfiller) Run(ctx context.Context) error {
	consumer := queue.NewGroupConsumer(b.queue, domain.StreamRepoBacklog, b.opts.Group, b.opts.Consumer, b.log,
		queue.WithBlock(b.opts.Block))

	permits := make(chan struct{}, b.opts.Concurrency)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		if err := b.waitForRoom(ctx); err != nil {
			return nil
		}
		entries, err := consumer.Next(ctx, b.opts.Concurrency)
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
				b.processEntry(ctx, consumer, entry)
			}(entry)
		}
	}
}

// waitForRoom holds off claiming more repositories while the backfill stream
// sits at its high water mark. One repository expands into thousands of
// events; claiming ahead of a full stream would just park workers inside
// AppendWait with their backlog entries pinned as pending.
func (b *Backfiller) waitForRoom(ctx context.Context) error {
	for {
		hw := b.queue.HighWaterMark(domain.StreamFirehoseBackfill)
		if hw <= 0 || b.queue.Len(domain.StreamFirehoseBackfill) < hw {
			return nil
		}
		select {
		case <-time.After(b.opts.AppendPoll):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (b *Backfiller) processEntry(ctx context.Context, consumer *queue.GroupConsumer, entry queue.Entry) {
	item, err := domain.DecodeBacklogItem(entry.Fields)
	if err != nil {
		b.log.Warn("dropping undecodable backlog entry",
			zap.String("id", entry.ID.String()),
			zap.Error(err))
		consumer.AckDelete(entry.ID)
		return
	}

	// Deliveries already spent on this entry in a previous run count
	// against the retry budget, so a crash loop cannot retry forever.
	attempt := b.queue.DeliveryCount(domain.StreamRepoBacklog, b.opts.Group, entry.ID)
	if attempt < 1 {
		attempt = 1
	}

	for {
		snapshot, err := b.fetcher.Fetch(ctx, item)
		if err == nil {
			if err := b.decompose(ctx, snapshot); err != nil {
				if ctx.Err() != nil {
					return
				}
				b.log.Error("decompose failed, leaving backlog entry pending",
					zap.String("did", item.DID),
					zap.Error(err))
				return
			}
			consumer.AckDelete(entry.ID)
			b.metrics.ReposProcessed.Inc()
			return
		}
		if errors.Is(err, ErrRepoGone) {
			b.log.Info("skipping gone repository",
				zap.String("did", item.DID),
				zap.Error(err))
			consumer.AckDelete(entry.ID)
			return
		}
		if ctx.Err() != nil {
			return
		}

		b.metrics.ReposFailed.Inc()
		if attempt >= b.opts.MaxRetries {
			b.deadLetter(ctx, consumer, entry, item, err, attempt)
			return
		}
		b.log.Warn("repository fetch failed, retrying",
			zap.String("did", item.DID),
			zap.Int("attempt", attempt),
			zap.Error(err))
		b.metrics.RepoRetries.Inc()
		select {
		case <-time.After(b.backoff(attempt)):
		case <-ctx.Done():
			return
		}
		attempt++
	}
}

func (b *Backfiller) backoff(attempt int) time.Duration {
	d := b.opts.InitialBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= b.opts.MaxBackoff {
			return b.opts.MaxBackoff
		}
	}
	if d > b.opts.MaxBackoff {
		return b.opts.MaxBackoff
	}
	return d
}

// decompose turns a snapshot into record events, in chunks, each chunk
// followed by a repo event carrying the snapshot revision. A crash mid-way
// redoes the repository from scratch; the revision guard downstream makes
// the overlap harmless.
func (b *Backfiller) decompose(ctx context.Context, snapshot Snapshot) error {
	emit := func(ev domain.Event) error {
		fields, err := domain.EncodeEvent(ev)
		if err != nil {
			return err
		}
		if _, err := b.queue.AppendWait(ctx, domain.StreamFirehoseBackfill, fields, b.opts.AppendPoll); err != nil {
			return err
		}
		b.metrics.EventsIngested.WithLabelValues(domain.StreamFirehoseBackfill).Inc()
		return nil
	}

	now := time.Now().UTC().Format(time.RFC3339)
	inChunk := 0
	for _, rec := range snapshot.Records {
		err := emit(domain.Event{
			Kind:       domain.EventCreate,
			Seq:        domain.SeqBackfill,
			Time:       now,
			DID:        snapshot.DID,
			Commit:     snapshot.Commit,
			Rev:        snapshot.Rev,
			Collection: rec.Collection,
			RKey:       rec.RKey,
			CID:        rec.CID,
			Record:     rec.Record,
		})
		if err != nil {
			return err
		}
		inChunk++
		if inChunk >= b.opts.ChunkSize {
			if err := b.repoEvent(emit, snapshot, now); err != nil {
				return err
			}
			inChunk = 0
		}
	}
	return b.repoEvent(emit, snapshot, now)
}

func (b *Backfiller) repoEvent(emit func(domain.Event) error, snapshot Snapshot, now string) error {
	return emit(domain.Event{
		Kind:   domain.EventRepo,
		Seq:    domain.SeqBackfill,
		Time:   now,
		DID:    snapshot.DID,
		Commit: snapshot.Commit,
		Rev:    snapshot.Rev,
	})
}

func (b *Backfiller) deadLetter(ctx context.Context, consumer *queue.GroupConsumer, entry queue.Entry, item domain.BacklogItem, cause error, attempts int) {
	fields := map[string]string{
		"repo":     item.DID,
		"host":     item.Host,
		"reason":   cause.Error(),
		"attempts": strconv.Itoa(attempts),
	}
	if _, err := b.queue.AppendWait(ctx, domain.StreamRepoDeadLetter, fields, b.opts.AppendPoll); err != nil {
		// Keep the backlog entry; it will be retried rather than lost.
		b.log.Error("dead letter append failed",
			zap.String("did", item.DID),
			zap.Error(err))
		return
	}
	consumer.AckDelete(entry.ID)
	b.metrics.ReposDeadLetter.Inc()
	b.log.Warn("repository dead lettered",
		zap.String("did", item.DID),
		zap.Int("attempts", attempts),
		zap.Error(cause))
}
