package backfill

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/blacksky-algorithms/rsky-sub000/internal/domain"
	"github.com/blacksky-algorithms/rsky-sub000/internal/ingest"
	"github.com/blacksky-algorithms/rsky-sub000/internal/queue"
)

// seedCursor names the checkpoint row, seedDone marks a finished seed so a
// restart does not enqueue the whole network again.
const (
	seedCursor = "repo_seed"
	seedDone   = "!seed-done"
)

// RepoLister pages through the repositories known to a host.
type RepoLister interface {
	List(ctx context.Context, cursor string, limit int) (repos []domain.BacklogItem, next string, err error)
}

// SeederOptions tune a Seeder.
type SeederOptions struct {
	PageSize      int
	BatchSize     int
	FlushInterval time.Duration
	AppendPoll    time.Duration
}

// Seeder walks the repository listing once and enqueues every repository
// onto the backlog. The listing cursor is checkpointed per page; enqueueing
// a page twice is harmless because expansion is idempotent downstream.
type Seeder struct {
	queue   *queue.Queue
	lister  RepoLister
	cursors ingest.CursorStore
	log     *zap.Logger
	opts    SeederOptions
}

func NewSeeder(q *queue.Queue, lister RepoLister, cursors ingest.CursorStore, log *zap.Logger, opts SeederOptions) *Seeder {
	if opts.PageSize <= 0 {
		opts.PageSize = 500
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = time.Second
	}
	if opts.AppendPoll <= 0 {
		opts.AppendPoll = 50 * time.Millisecond
	}
	return &Seeder{queue: q, lister: lister, cursors: cursors, log: log, opts: opts}
}

// ResetSeed clears the seed checkpoint so the next run walks the repository
// listing from the start again.
func ResetSeed(ctx context.Context, cursors ingest.CursorStore) error {
	return cursors.SetCursor(ctx, seedCursor, "")
}

// Run seeds the backlog and returns once the listing is exhausted.
func (s *Seeder) Run(ctx context.Context) error {
	cursor, ok, err := s.cursors.GetCursor(ctx, seedCursor)
	if err != nil {
		return err
	}
	if ok && cursor == seedDone {
		s.log.Info("seed already complete, nothing to do")
		return nil
	}

	batcher := ingest.NewBatcher(s.opts.BatchSize, s.opts.FlushInterval, s.flush)
	runErr := make(chan error, 1)
	go func() { runErr <- batcher.Run(ctx) }()

	total := 0
	for {
		repos, next, err := s.lister.List(ctx, cursor, s.opts.PageSize)
		if err != nil {
			batcher.Close()
			<-runErr
			return fmt.Errorf("list repositories: %w", err)
		}
		for _, item := range repos {
			if err := batcher.Add(ctx, item); err != nil {
				<-runErr
				return err
			}
		}
		total += len(repos)

		if next == "" {
			break
		}
		cursor = next
		if err := s.cursors.SetCursor(ctx, seedCursor, cursor); err != nil {
			batcher.Close()
			<-runErr
			return err
		}
	}

	batcher.Close()
	if err := <-runErr; err != nil {
		return err
	}
	if err := s.cursors.SetCursor(ctx, seedCursor, seedDone); err != nil {
		return err
	}
	s.log.Info("seed complete", zap.Int("repos", total))
	return nil
}

func (s *Seeder) flush(ctx context.Context, batch []domain.BacklogItem) error {
	for _, item := range batch {
		item.Status = string(domain.BacklogQueued)
		fields, err := domain.EncodeBacklogItem(item)
		if err != nil {
			return err
		}
		if _, err := s.queue.AppendWait(ctx, domain.StreamRepoBacklog, fields, s.opts.AppendPoll); err != nil {
			return err
		}
	}
	return nil
}
