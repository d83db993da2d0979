package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/blacksky-algorithms/rsky-sub000/internal/domain"
	"github.com/blacksky-algorithms/rsky-sub000/internal/metrics"
	"github.com/blacksky-algorithms/rsky-sub000/internal/queue"
)

// FrameKind discriminates the firehose wire envelope.
type FrameKind string

const (
	FrameCommit    FrameKind = "commit"
	FrameAccount   FrameKind = "account"
	FrameIdentity  FrameKind = "identity"
	FrameTombstone FrameKind = "tombstone"
)

// FrameOp is one record mutation within a commit frame.
type FrameOp struct {
	Action string          `json:"action"`
	Path   string          `json:"path"`
	CID    string          `json:"cid,omitempty"`
	Record json.RawMessage `json:"record,omitempty"`
}

// Frame is the raw firehose message as relayed by a broker source.
type Frame struct {
	Kind   FrameKind `json:"kind"`
	Seq    int64     `json:"seq"`
	Repo   string    `json:"repo"`
	Commit string    `json:"commit,omitempty"`
	Rev    string    `json:"rev,omitempty"`
	Ops    []FrameOp `json:"ops,omitempty"`
	Active bool      `json:"active,omitempty"`
	Status string    `json:"status,omitempty"`
	Handle string    `json:"handle,omitempty"`
	Time   string    `json:"time"`
}

// FrameHandler consumes one frame. A nil return means the frame's events
// were accepted onto the queue and the source may commit its offset.
type FrameHandler func(ctx context.Context, f Frame) error

// Source relays frames from a broker into a FrameHandler until ctx is done.
type Source interface {
	Run(ctx context.Context) error
}

// CursorStore persists the producer's resume checkpoint.
type CursorStore interface {
	GetCursor(ctx context.Context, source string) (string, bool, error)
	SetCursor(ctx context.Context, source, value string) error
}

// DefaultAllowPrefixes filters commits to collections this index serves.
var DefaultAllowPrefixes = []string{"app.bsky.", "chat.bsky."}

// ProducerOptions tune a Producer.
type ProducerOptions struct {
	SourceName      string
	AllowPrefixes   []string
	CheckpointEvery int
	AppendPoll      time.Duration
}

// Producer normalizes frames into events and appends them to the live
// stream. Appends wait out backpressure rather than drop, and the upstream
// cursor is checkpointed only after the frame's events are accepted, so a
// crash replays frames instead of losing them.
type Producer struct {
	queue   *queue.Queue
	cursors CursorStore
	metrics *metrics.Metrics
	log     *zap.Logger
	opts    ProducerOptions

	mu              sync.Mutex
	sinceCheckpoint int
	maxSeq          int64
}

func NewProducer(q *queue.Queue, cursors CursorStore, m *metrics.Metrics, log *zap.Logger, opts ProducerOptions) *Producer {
	if opts.SourceName == "" {
		opts.SourceName = "firehose"
	}
	if len(opts.AllowPrefixes) == 0 {
		opts.AllowPrefixes = DefaultAllowPrefixes
	}
	if opts.CheckpointEvery <= 0 {
		opts.CheckpointEvery = 200
	}
	if opts.AppendPoll <= 0 {
		opts.AppendPoll = 50 * time.Millisecond
	}
	return &Producer{queue: q, cursors: cursors, metrics: m, log: log, opts: opts}
}

// Cursor returns the sequence to resume the upstream subscription from.
func (p *Producer) Cursor(ctx context.Context) (int64, bool, error) {
	raw, ok, err := p.cursors.GetCursor(ctx, p.opts.SourceName)
	if err != nil || !ok {
		return 0, false, err
	}
	seq, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("corrupt cursor %q: %w", raw, err)
	}
	return seq, true, nil
}

// HandleFrame normalizes one frame and appends its events.
func (p *Producer) HandleFrame(ctx context.Context, f Frame) error {
	events, err := p.normalize(f)
	if err != nil {
		// A frame this pipeline cannot represent is logged and skipped;
		// the source still commits so it does not wedge the partition.
		p.log.Warn("skipping unusable frame",
			zap.Int64("seq", f.Seq),
			zap.String("repo", f.Repo),
			zap.Error(err))
		p.metrics.EventsDropped.WithLabelValues(domain.StreamFirehoseLive, "unusable").Inc()
		return nil
	}

	for _, ev := range events {
		fields, err := domain.EncodeEvent(ev)
		if err != nil {
			return err
		}
		if _, err := p.queue.AppendWait(ctx, domain.StreamFirehoseLive, fields, p.opts.AppendPoll); err != nil {
			return err
		}
		p.metrics.EventsIngested.WithLabelValues(domain.StreamFirehoseLive).Inc()
	}

	return p.checkpoint(ctx, f.Seq)
}

// checkpoint is called from the broker worker pools, which finish frames out
// of order. The cursor may only move forward or a slow worker would rewind
// the resume position past frames already committed.
func (p *Producer) checkpoint(ctx context.Context, seq int64) error {
	if seq <= 0 {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if seq > p.maxSeq {
		p.maxSeq = seq
	}
	p.sinceCheckpoint++
	if p.sinceCheckpoint < p.opts.CheckpointEvery {
		return nil
	}
	if err := p.cursors.SetCursor(ctx, p.opts.SourceName, strconv.FormatInt(p.maxSeq, 10)); err != nil {
		return err
	}
	p.sinceCheckpoint = 0
	return nil
}

func (p *Producer) normalize(f Frame) ([]domain.Event, error) {
	seq := f.Seq
	if seq <= 0 {
		seq = domain.SeqBackfill
	}
	now := f.Time
	if now == "" {
		now = time.Now().UTC().Format(time.RFC3339)
	}

	switch f.Kind {
	case FrameCommit:
		if f.Repo == "" {
			return nil, fmt.Errorf("commit frame without repo")
		}
		var events []domain.Event
		for _, op := range f.Ops {
			collection, rkey, ok := splitPath(op.Path)
			if !ok {
				return nil, fmt.Errorf("bad op path %q", op.Path)
			}
			if !p.allowed(collection) {
				p.metrics.EventsDropped.WithLabelValues(domain.StreamFirehoseLive, "filtered").Inc()
				continue
			}
			kind, ok := opKind(op.Action)
			if !ok {
				return nil, fmt.Errorf("unknown op action %q", op.Action)
			}
			events = append(events, domain.Event{
				Kind:       kind,
				Seq:        seq,
				Time:       now,
				DID:        f.Repo,
				Commit:     f.Commit,
				Rev:        f.Rev,
				Collection: collection,
				RKey:       rkey,
				CID:        op.CID,
				Record:     op.Record,
			})
		}
		// The trailing repo event moves the commit watermark only once the
		// commit's record events are all enqueued ahead of it.
		events = append(events, domain.Event{
			Kind:   domain.EventRepo,
			Seq:    seq,
			Time:   now,
			DID:    f.Repo,
			Commit: f.Commit,
			Rev:    f.Rev,
		})
		return events, nil

	case FrameAccount:
		return []domain.Event{{
			Kind:   domain.EventAccount,
			Seq:    seq,
			Time:   now,
			DID:    f.Repo,
			Active: f.Active,
			Status: f.Status,
		}}, nil

	case FrameIdentity:
		return []domain.Event{{
			Kind:   domain.EventIdentity,
			Seq:    seq,
			Time:   now,
			DID:    f.Repo,
			Handle: f.Handle,
		}}, nil

	case FrameTombstone:
		return []domain.Event{{
			Kind:   domain.EventAccount,
			Seq:    seq,
			Time:   now,
			DID:    f.Repo,
			Active: false,
			Status: "deleted",
		}}, nil

	default:
		return nil, fmt.Errorf("unknown frame kind %q", f.Kind)
	}
}

func (p *Producer) allowed(collection string) bool {
	for _, prefix := range p.opts.AllowPrefixes {
		if strings.HasPrefix(collection, prefix) {
			return true
		}
	}
	return false
}

func splitPath(path string) (collection, rkey string, ok bool) {
	collection, rkey, ok = strings.Cut(path, "/")
	if !ok || collection == "" || rkey == "" || strings.Contains(rkey, "/") {
		return "", "", false
	}
	return collection, rkey, true
}

func opKind(action string) (domain.EventKind, bool) {
	switch action {
	case "create":
		return domain.EventCreate, true
	case "update":
		return domain.EventUpdate, true
	case "delete":
		return domain.EventDelete, true
	}
	return "", false
}
