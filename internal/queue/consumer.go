package queue

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// State of a GroupConsumer's read cursor.
type State int

const (
	// StateReplaying drains entries left pending by a previous run of the
	// same consumer name.
	StateReplaying State = iota
	// StateLive reads entries never delivered to the group.
	StateLive
	// StateRecovering force-claims stale pending entries after the replay
	// cursor stopped making progress.
	StateRecovering
)

func (s State) String() string {
	switch s {
	case StateReplaying:
		return "replaying"
	case StateLive:
		return "live"
	case StateRecovering:
		return "recovering"
	}
	return "unknown"
}

// DefaultStuckThreshold is how many consecutive empty replay reads with
// entries still pending are tolerated before recovery kicks in.
const DefaultStuckThreshold = 50

// GroupConsumer drives one consumer name through a stream: replay whatever a
// previous incarnation left pending, then follow live traffic. When the
// replay cursor stops making progress because pending entries point at
// trimmed data, it claims what is claimable, discards the phantoms and
// starts the replay over.
type GroupConsumer struct {
	q        *Queue
	stream   string
	group    string
	consumer string
	log      *zap.Logger

	stuckThreshold int
	block          time.Duration

	state      State
	replayFrom ID
	idleReads  int
}

// ConsumerOption configures a GroupConsumer.
type ConsumerOption func(*GroupConsumer)

// WithStuckThreshold overrides DefaultStuckThreshold.
func WithStuckThreshold(n int) ConsumerOption {
	return func(c *GroupConsumer) { c.stuckThreshold = n }
}

// WithBlock sets how long live reads wait for an append before returning
// empty.
func WithBlock(d time.Duration) ConsumerOption {
	return func(c *GroupConsumer) { c.block = d }
}

// NewGroupConsumer registers the group (reading the stream from its start if
// the group is new) and returns a consumer positioned to replay its own
// pending entries.
func NewGroupConsumer(q *Queue, stream, group, consumer string, log *zap.Logger, opts ...ConsumerOption) *GroupConsumer {
	c := &GroupConsumer{
		q:              q,
		stream:         stream,
		group:          group,
		consumer:       consumer,
		log:            log,
		stuckThreshold: DefaultStuckThreshold,
		block:          time.Second,
		state:          StateReplaying,
	}
	for _, opt := range opts {
		opt(c)
	}
	q.EnsureGroup(stream, group, ID{})
	return c
}

// State reports the current cursor state.
func (c *GroupConsumer) State() State { return c.state }

// Next returns the next batch of entries, or nil when a live read times out
// without traffic. Returned entries are pending until the caller acks them.
func (c *GroupConsumer) Next(ctx context.Context, count int) ([]Entry, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		switch c.state {
		case StateLive:
			return c.q.ReadGroup(ctx, c.stream, c.group, c.consumer, Live(), count, c.block)

		case StateReplaying:
			entries, err := c.q.ReadGroup(ctx, c.stream, c.group, c.consumer, Replaying(c.replayFrom), count, 0)
			if err != nil {
				return nil, err
			}
			if len(entries) > 0 {
				c.replayFrom = entries[len(entries)-1].ID
				c.idleReads = 0
				return entries, nil
			}
			if c.q.PendingCount(c.stream, c.group) == 0 {
				c.log.Info("replay drained, going live",
					zap.String("stream", c.stream),
					zap.String("group", c.group),
					zap.String("consumer", c.consumer))
				c.state = StateLive
				continue
			}
			c.idleReads++
			if c.idleReads >= c.stuckThreshold {
				c.state = StateRecovering
				continue
			}
			return nil, nil

		case StateRecovering:
			claimed, phantoms := c.q.ClaimStale(c.stream, c.group, c.consumer, 0, count)
			if len(phantoms) > 0 {
				c.log.Warn("discarded pending entries with trimmed data",
					zap.String("stream", c.stream),
					zap.String("group", c.group),
					zap.Int("phantoms", len(phantoms)))
			}
			c.state = StateReplaying
			c.replayFrom = ID{}
			c.idleReads = 0
			if len(claimed) > 0 {
				return claimed, nil
			}
			continue
		}
	}
}

// Ack acknowledges processed entries.
func (c *GroupConsumer) Ack(ids ...ID) int {
	return c.q.Ack(c.stream, c.group, ids...)
}

// AckDelete acknowledges processed entries and deletes their data, for
// work-queue streams whose entries are single-use.
func (c *GroupConsumer) AckDelete(ids ...ID) int {
	return c.q.AckDelete(c.stream, c.group, ids...)
}
