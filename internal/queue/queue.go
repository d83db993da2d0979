package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ErrBackpressure is returned by Append when a stream sits at its high water
// mark. Producers either drop or wait via AppendWait.
var ErrBackpressure = errors.New("queue: stream at high water mark")

// ID orders entries within a stream. Ms is the append wall clock in
// milliseconds, Seq disambiguates entries appended in the same millisecond.
type ID struct {
	Ms  int64
	Seq uint64
}

func (id ID) String() string {
	return fmt.Sprintf("%d-%d", id.Ms, id.Seq)
}

func (id ID) Less(other ID) bool {
	if id.Ms != other.Ms {
		return id.Ms < other.Ms
	}
	return id.Seq < other.Seq
}

func (id ID) IsZero() bool {
	return id.Ms == 0 && id.Seq == 0
}

// ParseID parses the "<ms>-<seq>" form produced by String.
func ParseID(s string) (ID, error) {
	ms, seq, ok := strings.Cut(s, "-")
	if !ok {
		return ID{}, fmt.Errorf("queue: invalid id %q", s)
	}
	m, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return ID{}, fmt.Errorf("queue: invalid id %q: %w", s, err)
	}
	q, err := strconv.ParseUint(seq, 10, 64)
	if err != nil {
		return ID{}, fmt.Errorf("queue: invalid id %q: %w", s, err)
	}
	return ID{Ms: m, Seq: q}, nil
}

// Entry is one appended record. Fields are immutable after Append.
type Entry struct {
	ID     ID
	Fields map[string]string
}

// PendingInfo describes one unacknowledged delivery.
type PendingInfo struct {
	ID         ID
	Consumer   string
	Deliveries int
	Idle       time.Duration
}

type pendingEntry struct {
	consumer    string
	deliveredAt time.Time
	deliveries  int
}

type group struct {
	lastDelivered ID
	pending       map[ID]*pendingEntry
}

type stream struct {
	entries   []Entry
	groups    map[string]*group
	highWater int
	lastID    ID
	notify    chan struct{}
}

// find returns the index of the first entry with id >= want.
func (s *stream) find(want ID) int {
	return sort.Search(len(s.entries), func(i int) bool {
		return !s.entries[i].ID.Less(want)
	})
}

func (s *stream) lookup(want ID) (Entry, bool) {
	i := s.find(want)
	if i < len(s.entries) && s.entries[i].ID == want {
		return s.entries[i], true
	}
	return Entry{}, false
}

// Queue is an in-process append-only log with named streams, consumer groups
// and per-consumer pending lists. All methods are safe for concurrent use.
type Queue struct {
	mu      sync.Mutex
	streams map[string]*stream
	clock   func() time.Time
}

func New() *Queue {
	return &Queue{
		streams: make(map[string]*stream),
		clock:   time.Now,
	}
}

func (q *Queue) getOrCreate(name string) *stream {
	s, ok := q.streams[name]
	if !ok {
		s = &stream{
			groups: make(map[string]*group),
			notify: make(chan struct{}),
		}
		q.streams[name] = s
	}
	return s
}

// SetHighWaterMark bounds a stream's length. Zero means unbounded.
func (q *Queue) SetHighWaterMark(name string, n int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.getOrCreate(name).highWater = n
}

// HighWaterMark reports a stream's length bound. Zero means unbounded.
func (q *Queue) HighWaterMark(name string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if s, ok := q.streams[name]; ok {
		return s.highWater
	}
	return 0
}

// Append adds an entry and wakes blocked readers. It fails with
// ErrBackpressure when the stream is at its high water mark.
func (q *Queue) Append(name string, fields map[string]string) (ID, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := q.getOrCreate(name)
	if s.highWater > 0 && len(s.entries) >= s.highWater {
		return ID{}, ErrBackpressure
	}

	id := ID{Ms: q.clock().UnixMilli()}
	if !s.lastID.Less(id) {
		id = ID{Ms: s.lastID.Ms, Seq: s.lastID.Seq + 1}
	}
	s.lastID = id
	s.entries = append(s.entries, Entry{ID: id, Fields: fields})

	close(s.notify)
	s.notify = make(chan struct{})
	return id, nil
}

// AppendWait appends, retrying at pollInterval while the stream is at its
// high water mark, until ctx is done.
func (q *Queue) AppendWait(ctx context.Context, name string, fields map[string]string, pollInterval time.Duration) (ID, error) {
	for {
		id, err := q.Append(name, fields)
		if !errors.Is(err, ErrBackpressure) {
			return id, err
		}
		select {
		case <-ctx.Done():
			return ID{}, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// Len reports a stream's current entry count.
func (q *Queue) Len(name string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if s, ok := q.streams[name]; ok {
		return len(s.entries)
	}
	return 0
}

// EarliestID returns the lowest entry id still held by the stream.
func (q *Queue) EarliestID(name string) (ID, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	s, ok := q.streams[name]
	if !ok || len(s.entries) == 0 {
		return ID{}, false
	}
	return s.entries[0].ID, true
}

// EnsureGroup creates a consumer group reading from the given position.
// Creating an existing group is a no-op.
func (q *Queue) EnsureGroup(name, groupName string, from ID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.getOrCreate(name)
	if _, ok := s.groups[groupName]; !ok {
		s.groups[groupName] = &group{
			lastDelivered: from,
			pending:       make(map[ID]*pendingEntry),
		}
	}
}

// Cursor selects between replaying a consumer's own pending entries and
// reading fresh entries past the group's delivery watermark.
type Cursor struct {
	replay bool
	from   ID
}

// Replaying reads this consumer's pending entries with id greater than from.
func Replaying(from ID) Cursor { return Cursor{replay: true, from: from} }

// Live reads entries never delivered to the group.
func Live() Cursor { return Cursor{} }

func (c Cursor) IsReplay() bool { return c.replay }

// ReadGroup delivers up to count entries for consumer within groupName.
//
// With a replay cursor it returns entries already pending for this consumer,
// in id order, skipping any whose data has been trimmed; each return counts
// as a redelivery. With a live cursor it assigns fresh entries to the
// consumer's pending list; when none exist it blocks up to block waiting for
// an append. A nil slice with nil error means the read came up empty.
func (q *Queue) ReadGroup(ctx context.Context, name, groupName, consumer string, cursor Cursor, count int, block time.Duration) ([]Entry, error) {
	if cursor.replay {
		return q.readPending(name, groupName, consumer, cursor.from, count)
	}

	deadline := q.clock().Add(block)
	for {
		entries, notify, err := q.readLive(name, groupName, consumer, count)
		if err != nil || len(entries) > 0 {
			return entries, err
		}
		if block <= 0 {
			return nil, nil
		}
		remaining := deadline.Sub(q.clock())
		if remaining <= 0 {
			return nil, nil
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-notify:
			timer.Stop()
		}
	}
}

func (q *Queue) readPending(name, groupName, consumer string, from ID, count int) ([]Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	s, ok := q.streams[name]
	if !ok {
		return nil, fmt.Errorf("queue: unknown stream %q", name)
	}
	g, ok := s.groups[groupName]
	if !ok {
		return nil, fmt.Errorf("queue: unknown group %q on stream %q", groupName, name)
	}

	ids := make([]ID, 0, len(g.pending))
	for id, p := range g.pending {
		if p.consumer == consumer && from.Less(id) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })

	now := q.clock()
	var out []Entry
	for _, id := range ids {
		if len(out) >= count {
			break
		}
		entry, exists := s.lookup(id)
		if !exists {
			// Data trimmed out from under the pending entry. The entry
			// stays pending until acked or reclaimed.
			continue
		}
		p := g.pending[id]
		p.deliveries++
		p.deliveredAt = now
		out = append(out, entry)
	}
	return out, nil
}

func (q *Queue) readLive(name, groupName, consumer string, count int) ([]Entry, <-chan struct{}, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	s, ok := q.streams[name]
	if !ok {
		return nil, nil, fmt.Errorf("queue: unknown stream %q", name)
	}
	g, ok := s.groups[groupName]
	if !ok {
		return nil, nil, fmt.Errorf("queue: unknown group %q on stream %q", groupName, name)
	}

	start := s.find(ID{Ms: g.lastDelivered.Ms, Seq: g.lastDelivered.Seq + 1})
	now := q.clock()
	var out []Entry
	for _, entry := range s.entries[start:] {
		if len(out) >= count {
			break
		}
		g.pending[entry.ID] = &pendingEntry{
			consumer:    consumer,
			deliveredAt: now,
			deliveries:  1,
		}
		g.lastDelivered = entry.ID
		out = append(out, entry)
	}
	return out, s.notify, nil
}

// Ack removes ids from the group's pending list. Unknown ids are ignored.
// It returns how many were actually pending.
func (q *Queue) Ack(name, groupName string, ids ...ID) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	s, ok := q.streams[name]
	if !ok {
		return 0
	}
	g, ok := s.groups[groupName]
	if !ok {
		return 0
	}
	acked := 0
	for _, id := range ids {
		if _, pending := g.pending[id]; pending {
			delete(g.pending, id)
			acked++
		}
	}
	return acked
}

// AckDelete acks ids and removes their data from the stream.
func (q *Queue) AckDelete(name, groupName string, ids ...ID) int {
	acked := q.Ack(name, groupName, ids...)

	q.mu.Lock()
	defer q.mu.Unlock()
	s, ok := q.streams[name]
	if !ok {
		return acked
	}
	for _, id := range ids {
		i := s.find(id)
		if i < len(s.entries) && s.entries[i].ID == id {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
		}
	}
	return acked
}

// ClaimStale transfers pending entries idle for at least minIdle to consumer,
// counting a redelivery for each. Pending entries whose data has been trimmed
// cannot be redelivered; they are discarded from the pending list and their
// ids returned as phantoms.
func (q *Queue) ClaimStale(name, groupName, consumer string, minIdle time.Duration, count int) (claimed []Entry, phantoms []ID) {
	q.mu.Lock()
	defer q.mu.Unlock()

	s, ok := q.streams[name]
	if !ok {
		return nil, nil
	}
	g, ok := s.groups[groupName]
	if !ok {
		return nil, nil
	}

	now := q.clock()
	ids := make([]ID, 0, len(g.pending))
	for id, p := range g.pending {
		if now.Sub(p.deliveredAt) >= minIdle {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })

	for _, id := range ids {
		if len(claimed) >= count {
			break
		}
		entry, exists := s.lookup(id)
		if !exists {
			delete(g.pending, id)
			phantoms = append(phantoms, id)
			continue
		}
		p := g.pending[id]
		p.consumer = consumer
		p.deliveredAt = now
		p.deliveries++
		claimed = append(claimed, entry)
	}
	return claimed, phantoms
}

// Trim drops entries with id strictly below minID and reports how many went.
func (q *Queue) Trim(name string, minID ID) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	s, ok := q.streams[name]
	if !ok {
		return 0
	}
	cut := s.find(minID)
	if cut == 0 {
		return 0
	}
	s.entries = append([]Entry(nil), s.entries[cut:]...)
	return cut
}

// SafeTrimID returns the highest id safe to pass to Trim: the minimum
// delivery watermark across the stream's groups. Entries below it have been
// delivered to every group, though they may still be pending. False when the
// stream has no groups.
func (q *Queue) SafeTrimID(name string) (ID, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	s, ok := q.streams[name]
	if !ok || len(s.groups) == 0 {
		return ID{}, false
	}
	var min ID
	first := true
	for _, g := range s.groups {
		if first || g.lastDelivered.Less(min) {
			min = g.lastDelivered
			first = false
		}
	}
	return min, true
}

// PendingCount reports the group's unacknowledged deliveries.
func (q *Queue) PendingCount(name, groupName string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if s, ok := q.streams[name]; ok {
		if g, ok := s.groups[groupName]; ok {
			return len(g.pending)
		}
	}
	return 0
}

// DeliveryCount reports how many times an entry has been delivered, or zero
// if it is not pending.
func (q *Queue) DeliveryCount(name, groupName string, id ID) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if s, ok := q.streams[name]; ok {
		if g, ok := s.groups[groupName]; ok {
			if p, ok := g.pending[id]; ok {
				return p.deliveries
			}
		}
	}
	return 0
}

// Pending lists the group's unacknowledged deliveries in id order.
func (q *Queue) Pending(name, groupName string) []PendingInfo {
	q.mu.Lock()
	defer q.mu.Unlock()

	s, ok := q.streams[name]
	if !ok {
		return nil
	}
	g, ok := s.groups[groupName]
	if !ok {
		return nil
	}
	now := q.clock()
	out := make([]PendingInfo, 0, len(g.pending))
	for id, p := range g.pending {
		out = append(out, PendingInfo{
			ID:         id,
			Consumer:   p.consumer,
			Deliveries: p.deliveries,
			Idle:       now.Sub(p.deliveredAt),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Less(out[j].ID) })
	return out
}
