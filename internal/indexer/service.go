package indexer

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/blacksky-algorithms/rsky-sub000/internal/domain"
	"github.com/blacksky-algorithms/rsky-sub000/internal/indexer/plugins"
	"github.com/blacksky-algorithms/rsky-sub000/internal/metrics"
	"github.com/blacksky-algorithms/rsky-sub000/internal/storage"
)

// IdentityResolver resolves a did to its current handle.
type IdentityResolver interface {
	ResolveHandle(ctx context.Context, did string) (string, error)
}

// How long a stored handle is trusted before it is re-resolved. Actors whose
// last resolution failed are retried on the shorter interval.
const (
	handleReindexInterval = 24 * time.Hour
	handleRetryInterval   = time.Hour
)

var knownAccountStatuses = map[string]bool{
	"deactivated":    true,
	"suspended":      true,
	"takendown":      true,
	"deleted":        true,
	"throttled":      true,
	"desynchronized": true,
}

// IndexingService applies events to storage. Record writes run inside one
// transaction per event so the generic row, typed row, aggregates and
// notifications cannot diverge under a crash.
type IndexingService struct {
	store    *storage.Store
	registry *plugins.Registry
	resolver IdentityResolver
	metrics  *metrics.Metrics
	log      *zap.Logger
	now      func() time.Time
}

func NewIndexingService(store *storage.Store, registry *plugins.Registry, resolver IdentityResolver, m *metrics.Metrics, log *zap.Logger) *IndexingService {
	return &IndexingService{
		store:    store,
		registry: registry,
		resolver: resolver,
		metrics:  m,
		log:      log,
		now:      time.Now,
	}
}

// IndexRecord applies a create or update. Events carrying a revision no
// newer than the stored row are acknowledged without touching anything, so
// replays and backfill overlap are harmless.
func (s *IndexingService) IndexRecord(ctx context.Context, ev domain.Event) error {
	rec := storage.Record{
		URI:         ev.URI(),
		CID:         ev.CID,
		DID:         ev.DID,
		JSON:        string(ev.Record),
		Rev:         ev.Rev,
		IndexedAt:   s.now(),
		ViaBackfill: ev.FromBackfill(),
	}
	return s.store.WithTx(ctx, func(tx *sql.Tx) error {
		applied, err := s.store.UpsertRecord(ctx, tx, rec)
		if err != nil {
			return err
		}
		if !applied {
			s.metrics.StaleWrites.Inc()
			s.log.Debug("stale record write skipped",
				zap.String("uri", rec.URI),
				zap.String("rev", rec.Rev))
			return nil
		}
		plugin, ok := s.registry.Get(ev.Collection)
		if !ok {
			return nil
		}
		rc := plugins.RecordContext{
			URI:        rec.URI,
			CID:        rec.CID,
			DID:        rec.DID,
			Collection: ev.Collection,
			RKey:       ev.RKey,
			Record:     ev.Record,
			IndexedAt:  rec.IndexedAt,
		}
		if ev.Kind == domain.EventUpdate {
			return plugin.Update(ctx, tx, rc)
		}
		return plugin.Insert(ctx, tx, rc)
	})
}

// DeleteRecord applies a delete. The record row is tombstoned rather than
// removed so a replayed create at an older revision cannot resurrect it.
func (s *IndexingService) DeleteRecord(ctx context.Context, ev domain.Event) error {
	uri := ev.URI()
	return s.store.WithTx(ctx, func(tx *sql.Tx) error {
		applied, err := s.store.TombstoneRecord(ctx, tx, uri, ev.DID, ev.Rev, s.now(), ev.FromBackfill())
		if err != nil {
			return err
		}
		if !applied {
			s.metrics.StaleWrites.Inc()
			s.log.Debug("stale record delete skipped", zap.String("uri", uri))
			return nil
		}
		plugin, ok := s.registry.Get(ev.Collection)
		if !ok {
			return nil
		}
		return plugin.Delete(ctx, tx, uri)
	})
}

// HandleRepo records the repository's commit watermark and refreshes the
// actor's handle when due. Backfilled repo events skip the watermark: the
// live stream is the only authority on how far a repository has been seen.
func (s *IndexingService) HandleRepo(ctx context.Context, ev domain.Event) error {
	if !ev.FromBackfill() {
		if err := s.store.SetCommitLastSeen(ctx, ev.DID, ev.Commit, ev.Rev); err != nil {
			return err
		}
	}
	return s.IndexHandle(ctx, ev.DID, "", false)
}

// HandleAccount applies an account status change. Deleted accounts are
// removed outright with everything indexed from them.
func (s *IndexingService) HandleAccount(ctx context.Context, ev domain.Event) error {
	status := strings.ToLower(ev.Status)
	if status == "deleted" {
		s.log.Info("deleting account", zap.String("did", ev.DID))
		return s.store.DeleteActor(ctx, ev.DID)
	}
	if ev.Active {
		return s.store.SetActorStatus(ctx, ev.DID, "", s.now())
	}
	if status != "" && !knownAccountStatuses[status] {
		s.log.Warn("unrecognized account status",
			zap.String("did", ev.DID),
			zap.String("status", status))
	}
	return s.store.SetActorStatus(ctx, ev.DID, status, s.now())
}

// HandleIdentity applies an identity event, forcing handle re-resolution.
func (s *IndexingService) HandleIdentity(ctx context.Context, ev domain.Event) error {
	return s.IndexHandle(ctx, ev.DID, ev.Handle, true)
}

// IndexHandle resolves and stores an actor's handle. Without force, stored
// handles are trusted for a day and failed resolutions retried after an
// hour; a declared handle differing from the stored one also triggers
// resolution.
func (s *IndexingService) IndexHandle(ctx context.Context, did, declared string, force bool) error {
	now := s.now()
	if !force {
		actor, ok, err := s.store.GetActor(ctx, did)
		if err != nil {
			return err
		}
		if ok {
			interval := handleReindexInterval
			if actor.Handle == "" {
				interval = handleRetryInterval
			}
			fresh := now.Sub(actor.IndexedAt) < interval
			if fresh && (declared == "" || declared == actor.Handle) {
				return nil
			}
		}
	}

	handle, err := s.resolver.ResolveHandle(ctx, did)
	if err != nil {
		s.log.Warn("handle resolution failed",
			zap.String("did", did),
			zap.Error(err))
		handle = ""
	}
	if handle != "" {
		// The handle may still be attached to a previous owner.
		if err := s.store.ClearHandle(ctx, handle); err != nil {
			return err
		}
	}
	if err := s.store.SaveActorHandle(ctx, did, handle, now); err != nil {
		return err
	}
	return nil
}

// Apply routes one event to its handler.
func (s *IndexingService) Apply(ctx context.Context, ev domain.Event) error {
	switch ev.Kind {
	case domain.EventCreate, domain.EventUpdate:
		return s.IndexRecord(ctx, ev)
	case domain.EventDelete:
		return s.DeleteRecord(ctx, ev)
	case domain.EventRepo:
		return s.HandleRepo(ctx, ev)
	case domain.EventAccount:
		return s.HandleAccount(ctx, ev)
	case domain.EventIdentity:
		return s.HandleIdentity(ctx, ev)
	default:
		return fmt.Errorf("%w: unknown event kind %q", plugins.ErrMalformed, ev.Kind)
	}
}
